package session

import (
	"context"
	"time"

	"github.com/hazelstream/substream/coordination"
	"github.com/hazelstream/substream/model"
)

// ResetCursors is the administrative reset-under-lock operation
// referenced by spec.md §4.3 (`resetCursors`) but never wired to a
// caller in the distilled spec (SPEC_FULL.md §5 feature #5). It is not
// part of the per-session loop: an operator (or an admin CLI) calls it
// directly. A session already streaming those partitions does not
// re-read the new committed offsets: a rebalance reads committed
// offsets only for partitions it newly adds.
//
// Grounded on original_source CursorsService.resetCursors.
type ResetCursors struct {
	coordination coordination.Client
}

func NewResetCursors(c coordination.Client) *ResetCursors {
	return &ResetCursors{coordination: c}
}

// Reset atomically resets the given cursors under the subscription's
// distributed lock. drainTimeout is passed on to the coordination
// client, whose implementations in this module do not wait on it: the
// reset takes effect at once and in-flight events are not drained.
func (r *ResetCursors) Reset(ctx context.Context, cursors []model.Cursor, drainTimeout time.Duration) error {
	return r.coordination.RunLocked(ctx, func(ctx context.Context) error {
		return r.coordination.ResetCursors(ctx, cursors, drainTimeout)
	})
}
