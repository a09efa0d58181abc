package apperr

import (
	"fmt"
	"net/http"
)

// RemoteError is the typed failure every provider adapter returns for an
// upstream call that produced a response (or a status-like code).
type RemoteError struct {
	Provider string
	Status   int
	Message  string
	Cause    error
}

func (e *RemoteError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s request failed with status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Cause }

// StatusCode exposes the upstream status to retry classifiers.
func (e *RemoteError) StatusCode() int { return e.Status }

// Retryable is true for network failures (no status), 5xx and 429.
func (e *RemoteError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func NewRemoteError(provider string, status int, message string, cause error) *RemoteError {
	return &RemoteError{Provider: provider, Status: status, Message: message, Cause: cause}
}
