//go:build unit

package session

import (
	"testing"
	"time"

	"github.com/hazelstream/substream/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitTracker_AckAdvancesAndClearsBackpressure(t *testing.T) {
	params := testParams()
	params.MaxUncommittedEvents = 5
	f := newTestFixture(params)
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	rt := f.ctx.Assignment.runtimeFor(key)
	rt.OutstandingUncommitted = 5
	rt.Polling = false
	rt.PendingCommitDeadline = f.clock.Add(time.Minute)

	cursor := model.Cursor{Partition: key, Offset: "9", TimelineID: "order.created"}
	results, err := f.ctx.Commit.Ack(f.ctx, []model.Cursor{cursor})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0])

	assert.Equal(t, cursor, rt.LastCommittedCursor)
	assert.Equal(t, 0, rt.OutstandingUncommitted)
	assert.True(t, rt.PendingCommitDeadline.IsZero())
	assert.True(t, rt.Polling)
}

func TestCommitTracker_AckStaleCursorReturnsFalse(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	ahead := model.Cursor{Partition: key, Offset: "5", TimelineID: "order.created"}
	_, err := f.ctx.Commit.Ack(f.ctx, []model.Cursor{ahead})
	require.NoError(t, err)

	stale := model.Cursor{Partition: key, Offset: "3", TimelineID: "order.created"}
	results, err := f.ctx.Commit.Ack(f.ctx, []model.Cursor{stale})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0], "a cursor behind the committed one must not be reported as advanced")
}

func TestCommitTracker_CheckTimeoutsFiresPastDeadline(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	rt := f.ctx.Assignment.runtimeFor(key)
	f.ctx.Commit.recordSent(f.ctx, key, model.Cursor{Partition: key, Offset: "1"}, f.clock)
	require.False(t, rt.PendingCommitDeadline.IsZero())

	assert.NoError(t, f.ctx.Commit.CheckTimeouts(f.ctx))

	f.advance(f.ctx.Params.CommitTimeout + time.Second)
	err := f.ctx.Commit.CheckTimeouts(f.ctx)
	assert.ErrorIs(t, err, ErrCommitTimeout)
}

func TestCommitTracker_AutocommitSweepsAgedBatches(t *testing.T) {
	params := testParams()
	params.AutocommitTimeout = time.Minute
	f := newTestFixture(params)
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	rt := f.ctx.Assignment.runtimeFor(key)
	rt.LastSentCursor = model.Cursor{Partition: key, Offset: "7", TimelineID: "order.created"}
	rt.PendingCommitDeadline = f.clock.Add(time.Hour)
	rt.LastFlushedAt = f.clock

	require.NoError(t, f.ctx.Commit.Autocommit(f.ctx))
	assert.True(t, rt.HasPendingCommit(), "autocommit should not fire before the batch has aged past AutocommitTimeout")

	f.advance(2 * time.Minute)
	require.NoError(t, f.ctx.Commit.Autocommit(f.ctx))
	assert.Equal(t, rt.LastSentCursor, rt.LastCommittedCursor)
	assert.False(t, rt.HasPendingCommit())
}

func TestCommitTracker_AutocommitDisabledByDefault(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	rt := f.ctx.Assignment.runtimeFor(key)
	rt.PendingCommitDeadline = f.clock.Add(time.Hour)
	rt.LastFlushedAt = f.clock
	f.advance(time.Hour)

	require.NoError(t, f.ctx.Commit.Autocommit(f.ctx))
	assert.True(t, rt.HasPendingCommit(), "AutocommitTimeout==0 must leave pending commits untouched")
}
