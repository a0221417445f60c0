package errs

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so callers can branch on failure class
// without string matching.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindHandler        Kind = "handler"
	KindInternal       Kind = "internal"
)

// Error carries a kind, a message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an existing error with a kind and message.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Convenience constructors for the common kinds.

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func Timeout(format string, args ...interface{}) *Error {
	return New(KindTimeout, format, args...)
}

func Cancelled(format string, args ...interface{}) *Error {
	return New(KindCancelled, format, args...)
}

func BudgetExceeded(format string, args ...interface{}) *Error {
	return New(KindBudgetExceeded, format, args...)
}

func Handler(format string, args ...interface{}) *Error {
	return New(KindHandler, format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return New(KindInternal, format, args...)
}
