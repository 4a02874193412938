package session

import "errors"

// Fatal session-close reasons (spec.md §7, §4.2 Streaming transitions).
var (
	ErrStreamTimeout      = errors.New("session: stream timeout reached")
	ErrStreamEventLimit   = errors.New("session: stream event limit reached")
	ErrCommitTimeout      = errors.New("session: commit timeout exceeded")
	ErrClientDisconnected = errors.New("session: client disconnected")
	ErrUnprocessableAbort = errors.New("session: unprocessable event policy aborted session")
	ErrNoPartitionsOwned  = errors.New("session: lost ownership of all partitions")
)

// expectedError marks a close reason as an anticipated domain outcome
// (commit timeout, client disconnect, stream limits) rather than a bug,
// so the loop logs it without the warning-level noise it gives
// unexpected errors (spec.md §4.1 step 3).
type expectedError struct{ err error }

func (e expectedError) Error() string { return e.err.Error() }
func (e expectedError) Unwrap() error { return e.err }

// Expected wraps err so the loop treats it as an anticipated close
// reason instead of an unexpected failure.
func Expected(err error) error {
	if err == nil {
		return nil
	}
	return expectedError{err: err}
}

func isExpected(err error) bool {
	var e expectedError
	return errors.As(err, &e)
}
