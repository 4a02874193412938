package session

import (
	"context"
	"time"

	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/model"
	"github.com/hazelstream/substream/telemetry"
)

// CommitTracker is the pending-commit ledger (C7): every flushed batch
// records its cursor here until the client (or autocommit) acknowledges
// it. Grounded on spec.md §4.7 and original_source's
// offsetsToCommit/CommitResult bookkeeping in StreamingContext.
type CommitTracker struct {
	params     model.StreamParameters
	comparator model.CursorComparator

	logger    logger.Logger
	telemetry *telemetry.Telemetry
}

func NewCommitTracker(params model.StreamParameters, comparator model.CursorComparator, l logger.Logger, t *telemetry.Telemetry) *CommitTracker {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	if t == nil {
		t = telemetry.Noop()
	}
	if comparator == nil {
		comparator = model.NumericCursorComparator
	}
	return &CommitTracker{
		params:     params,
		comparator: comparator,
		logger:     l.With("component", "commit"),
		telemetry:  t,
	}
}

// recordSent marks cursor as flushed-but-uncommitted for its partition,
// called by the pipeline right after a successful StreamData write.
// OutstandingUncommitted is already incremented by the pipeline; this
// records cursor as the partition's LastSentCursor and starts the
// commit-timeout clock if one isn't already running.
func (c *CommitTracker) recordSent(ctx *Context, key model.PartitionKey, cursor model.Cursor, at time.Time) {
	rt := ctx.Assignment.runtimeFor(key)
	if rt == nil {
		return
	}
	rt.LastSentCursor = cursor
	if c.params.CommitTimeout > 0 && rt.PendingCommitDeadline.IsZero() {
		rt.PendingCommitDeadline = at.Add(c.params.CommitTimeout)
	}
}

// Ack handles a CommitAckEvent: delegates the strict-greater-than
// comparison to the coordination store itself, then applies whichever
// cursors actually advanced to the local runtime view, clearing
// backpressure and resuming any partition it had paused (spec.md
// §4.7). A cursor equal to the partition's committed cursor is already
// committed and comes back true without changing anything; stale
// cursors come back false rather than erroring the whole request.
func (c *CommitTracker) Ack(ctx *Context, cursors []model.Cursor) ([]bool, error) {
	results, err := ctx.Coordination.CommitOffsets(context.Background(), cursors, c.comparator)
	if err != nil {
		return nil, err
	}

	var resumeKeys []model.PartitionKey
	var acked, stale int64
	for i, cursor := range cursors {
		rt := ctx.Assignment.runtimeFor(cursor.Partition)
		if !results[i] {
			if rt != nil && rt.LastCommittedCursor.Offset != "" && c.comparator(cursor, rt.LastCommittedCursor) == 0 {
				results[i] = true
			} else {
				stale++
			}
			continue
		}
		acked++
		if rt == nil {
			continue
		}

		// Unlike offset-arithmetic systems, a commit clears all
		// outstanding events up to and including cursor, since no
		// generic cursor encoding can be subtracted across partition
		// types.
		rt.LastCommittedCursor = cursor
		rt.OutstandingUncommitted = 0
		rt.PendingCommitDeadline = time.Time{}

		if !rt.Polling && rt.HasCapacity(c.params.MaxUncommittedEvents) {
			rt.Polling = true
			resumeKeys = append(resumeKeys, cursor.Partition)
		}
	}

	if len(resumeKeys) > 0 {
		ctx.Storage.ResumePartitions(resumeKeys)
	}

	c.telemetry.CommitsAcked.Add(context.Background(), acked)
	c.telemetry.CommitFailures.Add(context.Background(), stale)
	return results, nil
}

// CheckTimeouts fires on CommitTimeoutTickEvent: any partition whose
// oldest uncommitted batch has been pending longer than CommitTimeout
// is a fatal condition (spec.md §4.7, Testable Property 3).
func (c *CommitTracker) CheckTimeouts(ctx *Context) error {
	if c.params.CommitTimeout <= 0 {
		return nil
	}
	now := ctx.now()
	for _, key := range ctx.Assignment.Keys() {
		rt := ctx.Assignment.runtimeFor(key)
		if rt == nil || !rt.HasPendingCommit() {
			continue
		}
		if now.After(rt.PendingCommitDeadline) {
			return ErrCommitTimeout
		}
	}
	return nil
}

// Autocommit fires on AutocommitTickEvent: commits every partition's
// last-sent cursor on its behalf once it has sat uncommitted for at
// least AutocommitTimeout (spec.md §4.7, Open Question decision in
// DESIGN.md: AutocommitTimeout==0 disables autocommit entirely).
func (c *CommitTracker) Autocommit(ctx *Context) error {
	if c.params.AutocommitTimeout <= 0 {
		return nil
	}
	var toCommit []model.Cursor
	for _, key := range ctx.Assignment.Keys() {
		rt := ctx.Assignment.runtimeFor(key)
		if rt == nil || !rt.HasPendingCommit() {
			continue
		}
		if ctx.now().Sub(rt.LastFlushedAt) >= c.params.AutocommitTimeout {
			toCommit = append(toCommit, rt.LastSentCursor)
		}
	}
	if len(toCommit) == 0 {
		return nil
	}
	if _, err := c.Ack(ctx, toCommit); err != nil {
		return err
	}
	c.logger.Debug("autocommitted", "count", len(toCommit))
	return nil
}
