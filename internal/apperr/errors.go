// Package apperr classifies review errors and maps them to HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error classification.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindLockConflict Kind = "lock_conflict"
	KindNotFound     Kind = "not_found"
	KindPersistence  Kind = "persistence"
	KindUnauthorized Kind = "unauthorized"
	KindInternal     Kind = "internal"
)

// Error is the classified error type returned by the review core.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorKind lets callers classify errors without importing this package's type.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// WithDetail sets a single detail key and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Validation reports malformed caller input. Not retryable.
func Validation(field, reason string) *Error {
	e := &Error{Kind: KindValidation, Message: reason}
	if field != "" {
		e.WithDetail("field", field)
	}
	return e
}

// LockConflict reports a segment held by another caller.
func LockConflict(segmentID int64, holder string) *Error {
	return (&Error{Kind: KindLockConflict, Message: "segment is locked by another reviewer"}).
		WithDetail("segment_id", segmentID).
		WithDetail("holder", holder)
}

// NotFound reports a missing segment, audio or media file.
func NotFound(resource, id string) *Error {
	e := &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found", resource)}
	e.WithDetail("resource", resource)
	if id != "" {
		e.WithDetail("id", id)
	}
	return e
}

// Persistence wraps a store or snapshot write failure.
func Persistence(op string, cause error) *Error {
	return (&Error{Kind: KindPersistence, Message: op, Cause: cause}).WithDetail("operation", op)
}

// Unauthorized reports a request without caller identity.
func Unauthorized(reason string) *Error {
	return &Error{Kind: KindUnauthorized, Message: reason}
}

// KindOf returns the classification of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err to the status code surfaced to HTTP callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindLockConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the caller-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
