package webhooks

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an id/tenant pair matches no record
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a state transition is not allowed from
	// the record's current state, including a lost delivery claim
	ErrConflict = errors.New("conflict")

	// ErrMaxRetriesExceeded is returned by a manual retry past the attempt cap
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// ValidationError describes malformed subscription or event input
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

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransportError describes a failed outbound attempt. It is recorded on the
// delivery and never returned from the engine.
type TransportError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}
