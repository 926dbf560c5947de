package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrClaimConflict     = errors.New("claim conflict")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrLeaseLost         = errors.New("lease lost")
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	ErrNotCancellable    = errors.New("job is not cancellable")
	ErrNotReplayable     = errors.New("job is not replayable")
)

// ValidationError reports a malformed request. Nothing is written when it is returned.
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

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Execution error codes.
const (
	CodeExecutionFailure = "EXECUTION_FAILURE"
	CodeUnknownType      = "UNKNOWN_TYPE"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeHandlerPanic     = "HANDLER_PANIC"
	CodeLeaseExpired     = "LEASE_EXPIRED"
)

// ExecutionError wraps a handler failure or a dispatch failure.
type ExecutionError struct {
	Code    string
	Message string
	Stack   string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// StoreUnavailable wraps an infrastructure failure so callers can match ErrStoreUnavailable.
func StoreUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
