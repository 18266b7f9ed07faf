package jobs

import (
	"errors"
	"fmt"
)

// Sentinel errors for job service operations.
var (
	// ErrNoHandler is returned by CreateJob when no handler is
	// registered for the requested type.
	ErrNoHandler = errors.New("no handler registered")

	// ErrJobNotFound wraps storage.ErrNotFound at the service surface.
	ErrJobNotFound = errors.New("job not found")
)

// ValidationError reports bad input to a service operation. It is
// surfaced to the caller and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
