package coordination

import "errors"

// ErrUnavailable signals a transient failure of the coordination
// store; callers should treat the session as still alive and retry or
// surface through onException (spec.md §4.3, §7).
var ErrUnavailable = errors.New("coordination: store unavailable")

// ErrSessionNotFound is fatal: the session's own node vanished from
// the coordination store (spec.md §4.3, §7).
var ErrSessionNotFound = errors.New("coordination: session not found")

// Unavailable wraps err so errors.Is(err, ErrUnavailable) succeeds
// while preserving the underlying cause.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &storeError{sentinel: ErrUnavailable, cause: err}
}

func SessionNotFound(err error) error {
	if err == nil {
		err = ErrSessionNotFound
	}
	return &storeError{sentinel: ErrSessionNotFound, cause: err}
}

type storeError struct {
	sentinel error
	cause    error
}

func (e *storeError) Error() string { return e.sentinel.Error() + ": " + e.cause.Error() }
func (e *storeError) Unwrap() error { return e.sentinel }
func (e *storeError) Cause() error  { return e.cause }
