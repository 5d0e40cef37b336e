package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for propagation policy: which HTTP class it
// maps to, whether it may be retried, and what may be shown to the user.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindNotFound        ErrorKind = "not_found"
	KindConflict        ErrorKind = "conflict"
	KindPreflightFailed ErrorKind = "preflight_failed"
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindForbidden       ErrorKind = "forbidden"
	KindTimeout         ErrorKind = "timeout"
	KindExternal        ErrorKind = "external"
	KindCancelled       ErrorKind = "cancelled"
	KindInternal        ErrorKind = "internal"
)

// Error carries a kind plus a user-safe message. The wrapped cause may
// contain operational detail and is logged, never surfaced.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error.
func E(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and user-safe message to an underlying cause.
func Wrap(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain. Unclassified
// errors are internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ErrLabNotFound is returned for a missing lab and, identically, for a lab
// owned by another tenant. Existence must not leak across tenants.
var ErrLabNotFound = &Error{Kind: KindNotFound, Message: "lab not found"}

// ErrRecipeNotFound is returned for an unknown recipe id.
var ErrRecipeNotFound = &Error{Kind: KindNotFound, Message: "recipe not found"}

// ErrUserNotFound is returned for an unknown user id or email.
var ErrUserNotFound = &Error{Kind: KindNotFound, Message: "user not found"}

// Sanitize returns a message safe to persist as a lab failure reason or to
// show to the lab owner. Kinded errors keep their user-safe message;
// anything else collapses to a generic string so that command output, file
// paths, and tokens never reach a user-visible field.
func Sanitize(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return string(e.Kind) + ": " + e.Message
	}
	return "internal error"
}
