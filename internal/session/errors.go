package session

import (
	"errors"
	"fmt"
)

// Failure taxonomy for session and chat operations. Lifecycle commands never
// mutate local state on failure; the prior record stands.
var (
	// ErrUnauthorized means credentials are no longer valid. It triggers a
	// store teardown and is never retried locally.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden: the viewer may not perform this operation. Terminal.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound: the session or message does not exist. Terminal.
	ErrNotFound = errors.New("not found")

	// ErrGone: the session has ended and is no longer writable. Terminal
	// for non-admin viewers; an admin extension reopens it.
	ErrGone = errors.New("session no longer available")

	// ErrExpertAlreadyAssigned: assignExpert on a session with an expert
	// already bound. An idempotent no-op, surfaced so callers can report
	// "already assigned" rather than a failure.
	ErrExpertAlreadyAssigned = errors.New("expert already assigned")
)

// ValidationError reports malformed command input. Surfaced inline; canonical
// state is untouched.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "validation failed" }

// NewValidationError builds a single-field validation failure.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// NetworkError wraps a transport failure. Retryable on lifecycle commands;
// swallowed on the best-effort push-send path.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network failure: %v", e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether the operation may be retried as-is.
func Retryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
