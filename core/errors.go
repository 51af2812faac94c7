package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an error for propagation policy decisions.
type ErrorCode string

const (
	// ErrValidation marks malformed input that was rejected synchronously
	// and never partially applied.
	ErrValidation ErrorCode = "VALIDATION"

	// ErrInvariant marks a programmer error, such as advancing a high-water
	// mark beyond the buffer length. Fatal to the operation.
	ErrInvariant ErrorCode = "INVARIANT"

	// ErrTransient marks a hub, embedding, or summarizer failure that is
	// retried with backoff and never surfaced to foreground callers.
	ErrTransient ErrorCode = "TRANSIENT_IO"

	// ErrNotFound marks an explicit single-entity lookup miss. Read paths
	// return empty results instead of this error.
	ErrNotFound ErrorCode = "NOT_FOUND"
)

// Error is the structured error used across the memory engine.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Validationf creates a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// Invariantf creates an invariant violation error.
func Invariantf(format string, args ...any) *Error {
	return &Error{Code: ErrInvariant, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a collaborator failure that is safe to retry.
func Transient(op string, cause error) *Error {
	return &Error{Code: ErrTransient, Message: op, Cause: cause}
}

// NotFound creates a lookup miss error for a single named entity.
func NotFound(kind, id string) *Error {
	return &Error{Code: ErrNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// CodeOf extracts the ErrorCode from err, or "" for untyped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return CodeOf(err) == ErrValidation }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool { return CodeOf(err) == ErrInvariant }

// IsTransient reports whether err is a retryable collaborator failure.
func IsTransient(err error) bool { return CodeOf(err) == ErrTransient }

// IsNotFound reports whether err is a single-entity lookup miss.
func IsNotFound(err error) bool { return CodeOf(err) == ErrNotFound }
