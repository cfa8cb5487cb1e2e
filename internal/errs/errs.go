// Package errs defines the retrieval error taxonomy shared by every component.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller should react to it.
type Kind string

const (
	// KindValidation marks malformed input (segment, query, request). Recovered locally.
	KindValidation Kind = "VALIDATION"
	// KindBackendUnavailable marks an unreachable embedding, vector or keyword backend.
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	// KindQuality marks an embedding that failed validation. The item is skipped.
	KindQuality Kind = "QUALITY"
	// KindTimeout marks an operation that exceeded its budget.
	KindTimeout Kind = "TIMEOUT"
	// KindConsistency marks a disagreement between the vector and keyword indexes.
	KindConsistency Kind = "CONSISTENCY"
)

// Error is a classified error with an operation name and optional cause.
type Error struct {
	Kind      Kind   `json:"kind"`
	Op        string `json:"op,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		prefix += " " + e.Op
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Validation returns a KindValidation error.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...))
}

// BackendUnavailable returns a retryable KindBackendUnavailable error wrapping cause.
func BackendUnavailable(op string, cause error) *Error {
	return New(KindBackendUnavailable, op, "backend unavailable").WithCause(cause).WithRetryable(true)
}

// Quality returns a KindQuality error.
func Quality(op, format string, args ...any) *Error {
	return New(KindQuality, op, fmt.Sprintf(format, args...))
}

// Timeout returns a retryable KindTimeout error wrapping cause.
func Timeout(op string, cause error) *Error {
	return New(KindTimeout, op, "deadline exceeded").WithCause(cause).WithRetryable(true)
}

// Consistency returns a KindConsistency error.
func Consistency(op, format string, args ...any) *Error {
	return New(KindConsistency, op, fmt.Sprintf(format, args...))
}

// KindOf returns the Kind of the first *Error in err's chain. Context deadline errors
// without an explicit classification report KindTimeout; anything else reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err should be retried by a backoff loop.
// Explicitly classified errors use their Retryable flag; bare deadline errors are not
// retried because the caller's budget is already gone.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// FromContext converts a context error into a classified error. Cancellation and
// deadline expiry both map to KindTimeout. Returns nil when ctx is still live.
func FromContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return Timeout(op, err).WithRetryable(false)
	}
	return nil
}
