//go:build unit

package session

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/hazelstream/substream/model"
	"github.com/hazelstream/substream/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() model.StreamParameters {
	return model.StreamParameters{
		BatchLimitEvents:      2,
		BatchFlushTimeout:     time.Minute,
		StreamMemoryLimitByte: 1 << 20,
		CommitTimeout:         time.Minute,
		MaxUncommittedEvents:  0,
	}
}

func TestStreamPipeline_FlushesOnBatchLimit(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	raws := []storage.RawEvent{
		{Partition: key, Offset: "0", TimelineID: "order.created", Value: []byte(`{"id":1}`)},
		{Partition: key, Offset: "1", TimelineID: "order.created", Value: []byte(`{"id":2}`)},
	}

	state, err := f.ctx.Pipeline.HandleRaw(f.ctx, raws)
	require.NoError(t, err)
	assert.Nil(t, state)

	batches := f.out.Batches()
	require.Len(t, batches, 1, "batch limit of 2 should flush after the second event")

	rt := f.ctx.Assignment.runtimeFor(key)
	require.NotNil(t, rt)
	assert.Equal(t, 2, rt.OutstandingUncommitted)
}

func TestStreamPipeline_AgeFlushOnTick(t *testing.T) {
	params := testParams()
	params.BatchLimitEvents = 100
	f := newTestFixture(params)
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	raws := []storage.RawEvent{
		{Partition: key, Offset: "0", TimelineID: "order.created", Value: []byte(`{"id":1}`)},
	}
	_, err := f.ctx.Pipeline.HandleRaw(f.ctx, raws)
	require.NoError(t, err)
	assert.Empty(t, f.out.Batches(), "one event under the batch limit should not flush yet")

	f.advance(2 * time.Minute)
	_, err = f.ctx.Pipeline.Tick(f.ctx)
	require.NoError(t, err)

	assert.Len(t, f.out.Batches(), 1, "tick past BatchFlushTimeout should age-flush the pending batch")
}

func TestStreamPipeline_KeepAliveLimitClosesSession(t *testing.T) {
	params := testParams()
	params.StreamKeepAliveLimit = 3
	f := newTestFixture(params)
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	var state State
	var err error
	for i := 0; i < 3; i++ {
		f.advance(2 * time.Minute)
		state, err = f.ctx.Pipeline.Tick(f.ctx)
		require.NoError(t, err)
	}

	require.NotNil(t, state, "keep-alive streak reaching the limit should request a graceful close")
	assert.Equal(t, "Closing", state.Name())
}

func TestStreamPipeline_DropsConsumerTagMismatch(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	raws := []storage.RawEvent{
		{
			Partition:  key,
			Offset:     "0",
			TimelineID: "order.created",
			Value:      []byte(`{"id":1}`),
			Headers:    map[string]string{"consumer_subscription_id": "other-sub"},
		},
	}
	_, err := f.ctx.Pipeline.HandleRaw(f.ctx, raws)
	require.NoError(t, err)

	rt := f.ctx.Assignment.runtimeFor(key)
	assert.Equal(t, 0, rt.OutstandingUncommitted, "tag-mismatched event must never be batched")
}

func TestStreamPipeline_DropsConsumptionBlocked(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)
	f.ctx.Guard = blockingGuard{}

	raws := []storage.RawEvent{
		{Partition: key, Offset: "0", TimelineID: "order.created", Value: []byte(`{"id":1}`)},
	}
	_, err := f.ctx.Pipeline.HandleRaw(f.ctx, raws)
	require.NoError(t, err)

	rt := f.ctx.Assignment.runtimeFor(key)
	assert.Equal(t, 0, rt.OutstandingUncommitted)
	assert.Empty(t, f.out.Batches())
}

func TestStreamPipeline_DropsUnauthorizedEvent(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)
	f.ctx.Authorizer = denyAllAuthorizer{}

	raws := []storage.RawEvent{
		{Partition: key, Offset: "0", TimelineID: "order.created", Value: []byte(`{"id":1}`)},
	}
	_, err := f.ctx.Pipeline.HandleRaw(f.ctx, raws)
	require.NoError(t, err)

	rt := f.ctx.Assignment.runtimeFor(key)
	assert.Equal(t, 0, rt.OutstandingUncommitted)
}

func TestStreamPipeline_BackpressurePausesPartition(t *testing.T) {
	params := testParams()
	params.BatchLimitEvents = 1
	params.MaxUncommittedEvents = 2
	f := newTestFixture(params)
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)

	for i := 0; i < 2; i++ {
		raws := []storage.RawEvent{
			{Partition: key, Offset: strconv.Itoa(i), TimelineID: "order.created", Value: []byte(`{}`)},
		}
		_, err := f.ctx.Pipeline.HandleRaw(f.ctx, raws)
		require.NoError(t, err)
	}

	rt := f.ctx.Assignment.runtimeFor(key)
	require.NotNil(t, rt)
	assert.False(t, rt.Polling, "partition should pause once outstanding uncommitted reaches the cap")

	results, err := f.ctx.Commit.Ack(f.ctx, []model.Cursor{rt.LastSentCursor})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0])
	assert.True(t, rt.Polling, "acking the outstanding batch should resume the partition")
}

func TestStreamPipeline_DropsMisplacedEvent(t *testing.T) {
	f := newTestFixture(testParams())
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	f.assign(key)
	f.ctx.Features.SkipMisplacedEvents = true
	f.ctx.Categories = fakeCategoryLookup{eventType: "order.created", category: model.EventCategoryBusiness}
	f.ctx.EventTypes = fakeEventTypeExtractor{name: "order.cancelled"}

	raws := []storage.RawEvent{
		{Partition: key, Offset: "0", TimelineID: "order.created", Value: []byte(`{"id":1}`)},
	}
	_, err := f.ctx.Pipeline.HandleRaw(f.ctx, raws)
	require.NoError(t, err)

	rt := f.ctx.Assignment.runtimeFor(key)
	assert.Equal(t, 0, rt.OutstandingUncommitted, "an event whose embedded type disagrees with its partition's must be dropped")
}

type fakeCategoryLookup struct {
	eventType string
	category  model.EventCategory
}

func (f fakeCategoryLookup) Category(eventType string) model.EventCategory {
	if eventType == f.eventType {
		return f.category
	}
	return model.EventCategoryUndefined
}

type fakeEventTypeExtractor struct{ name string }

func (f fakeEventTypeExtractor) ExtractEventType([]byte) (string, bool) { return f.name, true }

type blockingGuard struct{}

func (blockingGuard) IsBlocked(string, string) bool            { return true }
func (blockingGuard) IsEventBlocked(model.ConsumedEvent) bool { return false }

type denyAllAuthorizer struct{}

func (denyAllAuthorizer) Authorize(context.Context, model.ConsumedEvent) (bool, error) {
	return false, nil
}
