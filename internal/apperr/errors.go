// Package apperr holds the error taxonomy shared by the pipeline, the job
// runner and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation      Kind = "VALIDATION"
	KindTransientRemote Kind = "TRANSIENT_REMOTE"
	KindPermanentRemote Kind = "PERMANENT_REMOTE"
	KindCache           Kind = "CACHE"
	KindPartialFailure  Kind = "PARTIAL_FAILURE"
	KindNotFound        Kind = "NOT_FOUND"
	KindNotCancelable   Kind = "NOT_CANCELABLE"
	KindInternal        Kind = "INTERNAL"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrNotCancelable = errors.New("job cannot be cancelled")
	// ErrJobFinished is returned when an update targets a job that already
	// reached COMPLETED or FAILED.
	ErrJobFinished = errors.New("job already finished")
	// ErrAlreadyClaimed is returned when a document left PENDING before the caller claimed it.
	ErrAlreadyClaimed = errors.New("document already claimed")
	// ErrInvalidTransition is returned for a document outcome written outside PROCESSING.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Error is an application error tagged with its Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable lets the retry classifier skip errors that can never succeed on
// a second attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransientRemote, KindCache, KindInternal:
		return true
	}
	return false
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", what, id), Cause: ErrNotFound}
}

func NotCancelable(id, status string) *Error {
	return &Error{
		Kind:    KindNotCancelable,
		Message: fmt.Sprintf("job %s is %s", id, status),
		Cause:   ErrNotCancelable,
	}
}

// KindOf reports the Kind attached to err, falling back to sentinel and
// remote error inspection.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		if remote.Retryable() {
			return KindTransientRemote
		}
		return KindPermanentRemote
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotCancelable), errors.Is(err, ErrJobFinished):
		return KindNotCancelable
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNotCancelable:
		return http.StatusConflict
	case KindPermanentRemote:
		return http.StatusBadGateway
	case KindTransientRemote:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
