package errors

import (
	"fmt"
	"net/http"
)

// NewError creates a BenchError with full control over its fields.
func NewError(errType ErrorType, message string, code int, requestID string, details map[string]interface{}, err error) *BenchError {
	return &BenchError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
}

// NewValidationError reports invalid input. details usually names the offending field.
//
// Example:
//
//	err := NewValidationError("req_123", "Base URL is required", map[string]interface{}{
//	    "field": "base_url",
//	})
func NewValidationError(requestID, message string, details map[string]interface{}) *BenchError {
	return &BenchError{
		Type:      ValidationError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details:   details,
	}
}

// NewBadRequestError reports a request that could not be decoded.
func NewBadRequestError(requestID, message string, err error) *BenchError {
	return &BenchError{
		Type:      BadRequestError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		err:       err,
	}
}

// NewNotFoundError reports a missing resource of the given kind.
func NewNotFoundError(requestID, kind, id string) *BenchError {
	return &BenchError{
		Type:      NotFoundError,
		Message:   fmt.Sprintf("%s %q not found", kind, id),
		Code:      http.StatusNotFound,
		RequestID: requestID,
		Details:   map[string]interface{}{"id": id},
	}
}

// NewConflictError reports an operation refused because of concurrent state.
func NewConflictError(requestID, message string) *BenchError {
	return &BenchError{
		Type:      ConflictError,
		Message:   message,
		Code:      http.StatusConflict,
		RequestID: requestID,
	}
}

// NewUpstreamError reports a non-2xx status from the model endpoint. The message
// follows the "HTTP <status>: <body>" form surfaced to the user.
func NewUpstreamError(status int, body string) *BenchError {
	return &BenchError{
		Type:    UpstreamError,
		Message: fmt.Sprintf("HTTP %d: %s", status, body),
		Code:    http.StatusBadGateway,
		Details: map[string]interface{}{"status": status},
	}
}

// NewTransportError wraps a network failure.
func NewTransportError(err error) *BenchError {
	msg := "transport failure"
	if err != nil {
		msg = err.Error()
	}
	return &BenchError{
		Type:    TransportError,
		Message: msg,
		Code:    http.StatusBadGateway,
		err:     err,
	}
}

// NewAbortedError reports a caller-cancelled run.
func NewAbortedError(err error) *BenchError {
	return &BenchError{
		Type:    AbortedError,
		Message: "Request aborted",
		Code:    499,
		err:     err,
	}
}

// NewRateLimitError reports an exceeded rate limit.
//
// Example:
//
//	err := NewRateLimitError("req_123", 1)
func NewRateLimitError(requestID string, retryAfter int) *BenchError {
	return &BenchError{
		Type:      RateLimitError,
		Message:   "Rate limit exceeded",
		Code:      http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewForbiddenError reports a refused relay target.
func NewForbiddenError(requestID, message string) *BenchError {
	return &BenchError{
		Type:      ForbiddenError,
		Message:   message,
		Code:      http.StatusForbidden,
		RequestID: requestID,
	}
}

// NewConfigError wraps a configuration failure.
func NewConfigError(message string, err error) *BenchError {
	return &BenchError{
		Type:    ConfigError,
		Message: message,
		Code:    http.StatusInternalServerError,
		err:     err,
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(requestID string, err error) *BenchError {
	return &BenchError{
		Type:      InternalError,
		Message:   "An internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}
