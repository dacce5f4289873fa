// Package apperr defines the failure taxonomy surfaced to devices.
// Stores and pipelines translate storage errors into one of these kinds
// before returning them across a component boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how the caller should react to it.
type Kind string

const (
	// TransientFailure is a network or server hiccup; safe to retry.
	TransientFailure Kind = "TRANSIENT_FAILURE"
	// PermanentRejection means the payload failed validation; never auto-retried.
	PermanentRejection Kind = "PERMANENT_REJECTION"
	// Conflict means an idempotency key was reused with a different payload.
	Conflict Kind = "CONFLICT"
	// InProgress is a benign race with a concurrent duplicate.
	InProgress Kind = "IN_PROGRESS"
	// UploadFailure is an attachment transfer failure.
	UploadFailure Kind = "UPLOAD_FAILURE"
	// NotFound is returned by lookups.
	NotFound Kind = "NOT_FOUND"
)

// Error carries a Kind, a stable machine code and an optional cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error without a cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error around cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// Transient wraps cause as a TransientFailure.
func Transient(message string, cause error) *Error {
	return Wrap(TransientFailure, "transient_failure", message, cause)
}

// Permanent builds a PermanentRejection with a code the device can display.
func Permanent(code, message string) *Error {
	return New(PermanentRejection, code, message)
}

// KindOf returns the Kind of err. Errors outside the taxonomy are transient:
// an unclassified failure is never treated as a reason to stop retrying.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return TransientFailure
}

// Is reports whether err belongs to kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the machine code of err, or a code derived from its kind.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	switch KindOf(err) {
	case Conflict:
		return "idempotency_key_conflict"
	case InProgress:
		return "in_progress"
	case PermanentRejection:
		return "permanent_rejection"
	case UploadFailure:
		return "upload_failed"
	case NotFound:
		return "not_found"
	default:
		return "transient_failure"
	}
}

// HTTPStatus maps a kind to the status code used by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Conflict, InProgress:
		return http.StatusConflict
	case PermanentRejection:
		return http.StatusUnprocessableEntity
	case NotFound:
		return http.StatusNotFound
	case UploadFailure:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// Retryable reports whether a device should retry the same request later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case TransientFailure, InProgress, UploadFailure:
		return true
	default:
		return false
	}
}
