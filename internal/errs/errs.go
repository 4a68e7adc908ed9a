// Package errs holds the error kinds every operation reports.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "internal"
	}
}

// Error is a tagged error. Code is a stable machine-readable reason.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code, msg string) *Error {
	if code == "" {
		code = kind.String()
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Unauthenticated(code, msg string) *Error { return newError(KindUnauthenticated, code, msg) }
func Forbidden(code, msg string) *Error       { return newError(KindForbidden, code, msg) }
func NotFound(code, msg string) *Error        { return newError(KindNotFound, code, msg) }
func Conflict(code, msg string) *Error        { return newError(KindConflict, code, msg) }
func Invalid(code, msg string) *Error         { return newError(KindInvalidInput, code, msg) }

// Internal wraps an unexpected collaborator failure. The cause is kept for
// logs but never shown to callers.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error", Err: err}
}

// KindOf returns the kind of err. Untagged errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns err as a tagged error, wrapping untagged errors as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
