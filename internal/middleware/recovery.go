package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/errors"
)

// Recovery turns a handler panic into a 500 and logs it. http.ErrAbortHandler
// is re-raised so net/http can drop the connection without a response.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestID := RequestIDFromContext(r.Context())
				logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", requestID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				errors.ErrInternalServer.
					WithDetails(fmt.Sprintf("panic: %v", rec)).
					WithRequestID(requestID).
					WriteJSON(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
