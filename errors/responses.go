package errors

import (
	"errors"
)

// ErrorResponse is the JSON body clients receive for a failed request.
type ErrorResponse struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// As is errors.As, re-exported so callers importing this package do not need both.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// New is errors.New.
func New(text string) error {
	return errors.New(text)
}
