package processor

import (
	"context"
	"errors"
	"strings"
)

// ErrSkip signals that an item is not applicable and should end SKIPPED
// instead of COMPLETED or FAILED. Processors return it (or wrap it) to opt
// an item out without counting it as a failure.
var ErrSkip = errors.New("item skipped")

// Error classifies processor failures as retryable/permanent.
type Error struct {
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 3)
	parts = append(parts, "processor error")

	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NonRetryable wraps err as a permanent processor failure.
func NonRetryable(message string, cause error) *Error {
	return &Error{Message: message, Retryable: false, Cause: cause}
}

// Retryable wraps err as a transient processor failure.
func Retryable(message string, cause error) *Error {
	return &Error{Message: message, Retryable: true, Cause: cause}
}

// IsRetryable reports whether a failed attempt should be retried. Failures
// are retryable unless explicitly flagged otherwise; attempt timeouts are
// retryable, cancellations and skips are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrSkip) {
		return false
	}

	var procErr *Error
	if errors.As(err, &procErr) {
		return procErr.Retryable
	}

	return true
}
