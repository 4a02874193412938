//go:build unit

package session

import (
	"testing"

	"github.com/hazelstream/substream/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionAssignment_RebalanceAddsOwnedPartitions(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}

	f.coord.SetPartition(model.Partition{
		Key:             key,
		OwningSessionID: f.ctx.Session.ID,
		State:           model.PartitionAssigned,
	})

	require.NoError(t, f.ctx.Assignment.Rebalance(f.ctx))

	assert.True(t, f.ctx.Assignment.Owned(key))
	assert.False(t, f.ctx.Assignment.Empty())
}

func TestPartitionAssignment_RebalanceRemovesLostPartitions(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)
	require.True(t, f.ctx.Assignment.Owned(key))

	f.coord.SetPartition(model.Partition{
		Key:             key,
		OwningSessionID: "some-other-session",
		State:           model.PartitionAssigned,
	})

	require.NoError(t, f.ctx.Assignment.Rebalance(f.ctx))

	assert.False(t, f.ctx.Assignment.Owned(key))
	assert.True(t, f.ctx.Assignment.Empty())
}

func TestPartitionAssignment_RebalanceIgnoresReassigningPartitions(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}

	f.coord.SetPartition(model.Partition{
		Key:             key,
		OwningSessionID: f.ctx.Session.ID,
		State:           model.PartitionReassigning,
	})

	require.NoError(t, f.ctx.Assignment.Rebalance(f.ctx))

	assert.False(t, f.ctx.Assignment.Owned(key), "a partition mid-reassignment is not yet settled ASSIGNED ownership")
}

func TestPartitionAssignment_RemoveFlushesPendingBatch(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	f.ctx.Pipeline.ingest(f.ctx, model.ConsumedEvent{
		Partition:    key,
		OffsetAfter:  model.Cursor{Partition: key, Offset: "0", TimelineID: "order.created"},
		PayloadBytes: []byte(`{"id":1}`),
	})
	require.Len(t, f.ctx.Pipeline.pending, 1)

	f.coord.SetPartition(model.Partition{Key: key, OwningSessionID: "someone-else", State: model.PartitionAssigned})
	require.NoError(t, f.ctx.Assignment.Rebalance(f.ctx))

	assert.Empty(t, f.ctx.Pipeline.pending, "releasing a partition must flush whatever was pending for it")
	assert.Len(t, f.out.Batches(), 1)
}
