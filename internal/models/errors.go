package models

import (
	"errors"
	"fmt"
)

// Error types for explicit failure handling

// NonRetryableError indicates a failure that will not be fixed by retrying
// (e.g. 4xx from the broker, malformed events, business rule violations).
type NonRetryableError struct {
	Reason string
	Err    error
}

func (e *NonRetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("non-retryable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("non-retryable: %s", e.Reason)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NewNonRetryableError creates a new NonRetryableError
func NewNonRetryableError(reason string, err error) error {
	return &NonRetryableError{Reason: reason, Err: err}
}

// RetryableError indicates a transient failure (e.g. network, 429, 5xx).
// The retry policy only retries errors of this type.
type RetryableError struct {
	Reason string
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("retryable: %s", e.Reason)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func NewRetryableError(reason string, err error) error {
	return &RetryableError{Reason: reason, Err: err}
}

// WarningError marks a handler failure that is expected often enough to be
// logged as a warning rather than an error.
type WarningError struct {
	Message string
}

func (e *WarningError) Error() string {
	return e.Message
}

func NewWarningError(format string, args ...interface{}) error {
	return &WarningError{Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err (or anything it wraps) is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsNonRetryable reports whether err (or anything it wraps) is a NonRetryableError.
func IsNonRetryable(err error) bool {
	var ne *NonRetryableError
	return errors.As(err, &ne)
}

var (
	// ErrAlreadyExists is returned when a unique constraint rejects a write that
	// another delivery path already made.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnhandledEventType is returned for event types the handler does not process.
	ErrUnhandledEventType = errors.New("unhandled event type")
)
