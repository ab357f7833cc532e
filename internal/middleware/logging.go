package middleware

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/middleware/realip"
)

// RequestInfo is filled in by inner handlers so the access log can report
// how a request was answered.
type RequestInfo struct {
	Outcome  string
	RuleID   string
	Upstream string
	Gate     string
}

type requestInfoKey struct{}

// InfoFromContext returns the RequestInfo installed by AccessLog, or nil.
func InfoFromContext(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*RequestInfo)
	return info
}

// AccessLogConfig configures the access log middleware
type AccessLogConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

var recorderPool = sync.Pool{
	New: func() any { return &ResponseRecorder{} },
}

// AccessLog writes one structured entry per request to logger.
func AccessLog(logger *zap.Logger, cfg AccessLogConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			info := &RequestInfo{}
			rec := recorderPool.Get().(*ResponseRecorder)
			rec.reset(w)
			defer func() {
				rec.reset(nil)
				recorderPool.Put(rec)
			}()

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))

			// Stack-allocated array avoids slice growth allocations.
			var fields [14]zap.Field
			n := 0
			fields[n] = zap.String("request_id", RequestIDFromContext(r.Context()))
			n++
			fields[n] = zap.String("remote_addr", realip.ClientAddress(r))
			n++
			fields[n] = zap.String("method", r.Method)
			n++
			fields[n] = zap.String("host", r.Host)
			n++
			fields[n] = zap.String("path", r.URL.Path)
			n++
			fields[n] = zap.Int("status", rec.Status())
			n++
			fields[n] = zap.Int64("body_bytes", rec.BytesWritten())
			n++
			fields[n] = zap.Duration("response_time", time.Since(start))
			n++
			if r.URL.RawQuery != "" {
				fields[n] = zap.String("query", r.URL.RawQuery)
				n++
			}
			if info.Outcome != "" {
				fields[n] = zap.String("outcome", info.Outcome)
				n++
			}
			if info.Gate != "" {
				fields[n] = zap.String("gate", info.Gate)
				n++
			}
			if info.RuleID != "" {
				fields[n] = zap.String("rule_id", info.RuleID)
				n++
			}
			if info.Upstream != "" {
				fields[n] = zap.String("upstream_addr", info.Upstream)
				n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua)
				n++
			}
			logger.Info("HTTP request", fields[:n]...)
		})
	}
}

// ResponseRecorder wraps http.ResponseWriter to capture status and bytes.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewResponseRecorder wraps w. The status defaults to 200.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	rec := &ResponseRecorder{}
	rec.reset(w)
	return rec
}

func (r *ResponseRecorder) reset(w http.ResponseWriter) {
	r.ResponseWriter = w
	r.status = http.StatusOK
	r.bytes = 0
	r.wroteHeader = false
}

func (r *ResponseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = status >= 200
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *ResponseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (r *ResponseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		r.wroteHeader = true
		f.Flush()
	}
}

// Hijack implements http.Hijacker
func (r *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *ResponseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Status returns the recorded status code
func (r *ResponseRecorder) Status() int {
	return r.status
}

// Written reports whether a final status or body bytes have been sent.
func (r *ResponseRecorder) Written() bool {
	return r.wroteHeader
}

// BytesWritten returns the number of bytes written
func (r *ResponseRecorder) BytesWritten() int64 {
	return r.bytes
}
