package model

import "time"

// PartitionRuntimeState is the loop's in-memory view of one owned
// partition (spec.md §3, AssignmentView).
type PartitionRuntimeState struct {
	Key PartitionKey

	LastSentCursor      Cursor
	LastCommittedCursor Cursor

	OutstandingUncommitted int
	PendingCommitDeadline  time.Time // zero value means no pending commit

	// LastFlushedAt drives the per-partition keep-alive timer.
	LastFlushedAt time.Time

	// Polling is false while backpressure (maxUncommittedEvents) has
	// suspended this partition's poll.
	Polling bool
}

// HasPendingCommit reports whether this partition has a batch flushed
// but not yet committed.
func (p *PartitionRuntimeState) HasPendingCommit() bool {
	return !p.PendingCommitDeadline.IsZero()
}

// HasCapacity reports whether this partition can accept more polled
// events without exceeding maxUncommitted (a limit of 0 means
// unlimited).
func (p *PartitionRuntimeState) HasCapacity(maxUncommitted int) bool {
	return maxUncommitted <= 0 || p.OutstandingUncommitted < maxUncommitted
}
