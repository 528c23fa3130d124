// Package errs defines the error kinds returned by document operations.
// Every error carries a stable machine-readable Kind; edit conflicts also
// carry both versions so the caller can reconcile them.
package errs

import (
	"errors"
	"fmt"

	"github.com/alimasry/go-camp/model"
)

// Kind classifies an Error.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindEditConflict     Kind = "edit_conflict"
	KindForbidden        Kind = "forbidden"
	KindInvalidOperation Kind = "invalid_operation"
	KindInvalidArgument  Kind = "invalid_argument"
	// KindInvalidState signals a broken internal invariant, not a user error.
	KindInvalidState Kind = "invalid_state"
)

// Conflict holds both sides of a rejected edit.
type Conflict struct {
	Last  *model.DocumentView `json:"last_version"`
	Yours *model.DocumentView `json:"your_version"`
}

// Error is the error type returned by the docs and service packages.
type Error struct {
	Kind     Kind
	Message  string
	Conflict *Conflict
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

func InvalidOperation(format string, args ...any) *Error {
	return newError(KindInvalidOperation, format, args...)
}

func InvalidArgument(format string, args ...any) *Error {
	return newError(KindInvalidArgument, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return newError(KindInvalidState, format, args...)
}

// EditConflict reports a stale edit. last is the current version, yours the
// rejected submission.
func EditConflict(last, yours *model.DocumentView) *Error {
	return &Error{
		Kind:     KindEditConflict,
		Message:  "edit conflict, document has been modified since your version",
		Conflict: &Conflict{Last: last, Yours: yours},
	}
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ConflictOf returns the conflict payload carried by err, if any.
func ConflictOf(err error) (*Conflict, bool) {
	var e *Error
	if errors.As(err, &e) && e.Conflict != nil {
		return e.Conflict, true
	}
	return nil, false
}
