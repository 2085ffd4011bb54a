// Package errors provides the error taxonomy shared by the promptbench packages.
//
// Errors carry a category (ErrorType), a human readable message and an HTTP status
// so the same value can be returned from the executor, logged, and rendered by the
// server without translation:
//
//	// An upstream endpoint answered 401
//	err := errors.NewUpstreamError(401, `{"error":"bad key"}`)
//	err.Error() // "HTTP 401: {\"error\":\"bad key\"}"
//
//	// Matching by category
//	if errors.Is(err, &errors.BenchError{Type: errors.UpstreamError}) { ... }
//
// The server uses WriteError and ErrorWithType to render errors as JSON.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"
)

// DefaultLogger is the package-level logger. It starts as a production logger and
// is replaced by the binary once configuration has been loaded.
var DefaultLogger *zap.Logger

func init() {
	var err error
	DefaultLogger, err = zap.NewProduction()
	if err != nil {
		DefaultLogger = zap.NewNop()
	}
}

// SetLogger installs logger as DefaultLogger. A nil logger is ignored.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		DefaultLogger = logger
	}
}

// ErrorType categorizes a BenchError.
type ErrorType string

const (
	// ValidationError marks a draft, config or parameter problem found before any I/O.
	ValidationError ErrorType = "validation_error"

	// BadRequestError marks a malformed API request body or query.
	BadRequestError ErrorType = "bad_request"

	// NotFoundError marks a missing history record or test case.
	NotFoundError ErrorType = "not_found"

	// ConflictError marks a run submitted while another is in flight.
	ConflictError ErrorType = "conflict"

	// InternalError marks unexpected failures.
	InternalError ErrorType = "internal_error"

	// ConfigError marks configuration load or validation failures.
	ConfigError ErrorType = "config_error"

	// TransportError marks network failures talking to the model endpoint.
	TransportError ErrorType = "transport_error"

	// UpstreamError marks a non-2xx answer from the model endpoint.
	UpstreamError ErrorType = "upstream_error"

	// AbortedError marks a run cancelled by the caller.
	AbortedError ErrorType = "aborted"

	// RateLimitError marks a relay request rejected by the rate limiter.
	RateLimitError ErrorType = "rate_limit_error"

	// ForbiddenError marks a relay target outside the allow-list.
	ForbiddenError ErrorType = "forbidden"
)

// BenchError is the error value used across promptbench. Code is the HTTP status
// used when the error is rendered and is not serialized.
type BenchError struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	Code      int                    `json:"-"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`

	err error
}

// Error returns the message. The message is what the workbench shows the user,
// e.g. "HTTP 500: boom" or "Request aborted", so the category is not prefixed.
func (e *BenchError) Error() string {
	if e.Message == "" && e.err != nil {
		return e.err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *BenchError) Unwrap() error {
	return e.err
}

// Is matches on Type only.
func (e *BenchError) Is(target error) bool {
	t, ok := target.(*BenchError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithRequestID returns a copy of e tagged with the request id.
func (e *BenchError) WithRequestID(requestID string) *BenchError {
	c := *e
	c.RequestID = requestID
	return &c
}

// TypeOf returns the ErrorType of the first BenchError in err's chain, or
// InternalError when there is none.
func TypeOf(err error) ErrorType {
	var be *BenchError
	if stderrors.As(err, &be) {
		return be.Type
	}
	return InternalError
}

// WriteError renders err as JSON with its status code.
func WriteError(w http.ResponseWriter, err *BenchError) {
	code := err.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(err)
}

// Error is a drop-in replacement for http.Error producing a JSON InternalError body.
func Error(w http.ResponseWriter, message string, code int) {
	ErrorWithType(w, message, InternalError, code)
}

// ErrorWithType is like Error with an explicit category.
func ErrorWithType(w http.ResponseWriter, message string, errType ErrorType, code int) {
	WriteError(w, &BenchError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// Respond renders any error. BenchErrors keep their status; other errors become
// a 500 InternalError.
func Respond(w http.ResponseWriter, requestID string, err error) {
	var be *BenchError
	if !stderrors.As(err, &be) {
		be = NewInternalError(requestID, err)
	}
	WriteError(w, be.WithRequestID(requestID))
}
