// Package coordination defines the CoordinationClient interface (C3)
// the session engine uses to register itself, discover and watch the
// session set, track partition assignment, and commit/reset offsets —
// plus an in-memory fake for tests and an etcd-backed adapter.
package coordination

import (
	"context"
	"time"

	"github.com/hazelstream/substream/model"
)

// Watcher is a scoped resource released on state exit (spec.md §9).
type Watcher interface {
	Close() error
}

// SessionListCallback is invoked on a background thread by the
// coordination client whenever the session set changes. Per spec.md
// §4.3 and §9, the callback must only enqueue work onto the session's
// loop — it must never mutate session state directly.
type SessionListCallback func()

// Client is the external coordination-store collaborator (C3). Any
// call may fail with an error satisfying errors.Is(err,
// ErrUnavailable) (transient) or errors.Is(err, ErrSessionNotFound)
// (fatal).
type Client interface {
	// RegisterSession creates the session's ephemeral node. Idempotent
	// by session ID.
	RegisterSession(ctx context.Context, session model.Session) error

	// UnregisterSession removes the session's ephemeral node.
	// Idempotent.
	UnregisterSession(ctx context.Context, session model.Session) error

	IsActiveSession(ctx context.Context, sessionID string) (bool, error)

	// ListPartitions returns a snapshot of the current assignment
	// table for the subscription this client was created for.
	ListPartitions(ctx context.Context) ([]model.Partition, error)

	// SubscribeForSessionListChanges installs cb to fire on any
	// membership change of the subscription's session set.
	SubscribeForSessionListChanges(cb SessionListCallback) (Watcher, error)

	// RebalanceSessions requests a server-side reassignment
	// computation over the current session set. Side effect: the
	// partition table changes, producing further watch events.
	RebalanceSessions(ctx context.Context) error

	GetOffset(ctx context.Context, key model.PartitionKey) (model.Cursor, error)

	// CommitOffsets attempts to advance each cursor's committed
	// position. Per-cursor result is true iff the cursor is strictly
	// greater than the currently committed cursor under comparator;
	// equal returns false (already committed), lesser returns false
	// (stale). len(result) == len(cursors) always.
	CommitOffsets(ctx context.Context, cursors []model.Cursor, comparator model.CursorComparator) ([]bool, error)

	// ResetCursors atomically resets committed offsets under the
	// subscription's lock. The implementations in this package do not
	// wait on drainTimeout: the reset takes effect at once and events
	// already in flight are not drained first.
	ResetCursors(ctx context.Context, cursors []model.Cursor, drainTimeout time.Duration) error

	// RunLocked executes action as a distributed critical section for
	// the subscription this client was created for.
	RunLocked(ctx context.Context, action func(ctx context.Context) error) error
}
