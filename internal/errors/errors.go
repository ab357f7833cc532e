package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ProxyError represents an error that can be returned to clients
type ProxyError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *ProxyError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *ProxyError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *ProxyError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &ProxyError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrForbidden = &ProxyError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrBadRequest = &ProxyError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrBadGateway = &ProxyError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &ProxyError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &ProxyError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrInternalServer = &ProxyError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*ProxyError][]byte

func init() {
	bases := []*ProxyError{
		ErrNotFound, ErrForbidden, ErrBadRequest, ErrBadGateway,
		ErrServiceUnavailable, ErrGatewayTimeout, ErrInternalServer,
	}
	preSerialized = make(map[*ProxyError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new ProxyError
func New(code int, message string) *ProxyError {
	return &ProxyError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *ProxyError {
	return &ProxyError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *ProxyError) WithDetails(details string) *ProxyError {
	return &ProxyError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *ProxyError) WithRequestID(requestID string) *ProxyError {
	return &ProxyError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsProxyError checks if an error is a ProxyError
func IsProxyError(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ConfigError is a fatal startup error: the process must not serve traffic
// with a partially applied configuration.
type ConfigError struct {
	// Source names the offending setting or file, e.g. "ALLOWED_IPV4_CIDRS"
	// or "rules/test.example.com.yaml".
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config wraps err as a ConfigError for source.
func Config(source string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Source: source, Err: err}
}

// Configf builds a ConfigError from a format string.
func Configf(source, format string, args ...any) error {
	return &ConfigError{Source: source, Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
