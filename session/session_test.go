//go:build unit

package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hazelstream/substream/coordination"
	"github.com/hazelstream/substream/model"
	"github.com/hazelstream/substream/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEndToEndSession wires a real *Session, the way session.New would
// for a production deployment, over in-memory fakes so the full
// Starting->Streaming->Closing->Dead run can be driven end to end.
func newEndToEndSession(t *testing.T, cfg Config, opts ...Option) (*Session, *coordination.Fake, *storage.Fake, *fakeOutput) {
	t.Helper()
	coord := coordination.NewFake()
	store := storage.NewFake()
	out := &fakeOutput{}

	cfg.Coordination = coord
	cfg.Storage = store
	cfg.Output = out

	sess, err := New(cfg, opts...)
	require.NoError(t, err)
	return sess, coord, store, out
}

func waitForBatches(t *testing.T, out *fakeOutput, n int) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if batches := out.Batches(); len(batches) >= n {
			return batches
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d batches, got %d", n, len(out.Batches()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// S1: a session streams events produced after it starts, in batches
// of BatchLimitEvents, then closes gracefully on Terminate.
func TestSession_StreamsAndTerminatesGracefully(t *testing.T) {
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	sess, coord, store, out := newEndToEndSession(t, Config{
		Session:      model.Session{ID: "session-1", SubscriptionID: "sub-1"},
		Subscription: model.Subscription{ID: "sub-1", EventTypes: []string{"order.created"}},
		Params: model.StreamParameters{
			BatchLimitEvents:      2,
			BatchFlushTimeout:     time.Minute,
			StreamMemoryLimitByte: 1 << 20,
			CommitTimeout:         time.Minute,
		},
	})
	coord.SetPartition(model.Partition{Key: key, OwningSessionID: "session-1", State: model.PartitionAssigned})

	done := make(chan error, 1)
	go func() { done <- sess.Stream() }()

	store.AssignPartitions(nil, map[model.PartitionKey]model.Cursor{key: {}})
	store.Produce(key, []byte(`{"id":1}`))
	store.Produce(key, []byte(`{"id":2}`))

	batches := waitForBatches(t, out, 1)
	assert.Len(t, batches, 1)

	sess.Terminate()

	select {
	case err := <-done:
		assert.NoError(t, err, "a client-requested Terminate is a graceful close")
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after Terminate")
	}
	assert.NotEmpty(t, out.initialized, "OnInitialized must fire once before any batch")
}

// S2: a client commit, validated through CommitGateway the way an
// HTTP handler would, then submitted through Commit, is reported as
// committed for the cursor of the delivered batch.
func TestSession_CommitGatewayThenCommitAdvancesCursor(t *testing.T) {
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	sess, coord, store, out := newEndToEndSession(t, Config{
		Session:      model.Session{ID: "session-1", SubscriptionID: "sub-1"},
		Subscription: model.Subscription{ID: "sub-1", EventTypes: []string{"order.created"}},
		Params: model.StreamParameters{
			BatchLimitEvents:      1,
			BatchFlushTimeout:     time.Minute,
			StreamMemoryLimitByte: 1 << 20,
			CommitTimeout:         time.Minute,
		},
	})
	coord.SetPartition(model.Partition{Key: key, OwningSessionID: "session-1", State: model.PartitionAssigned})

	done := make(chan error, 1)
	go func() { done <- sess.Stream() }()

	store.AssignPartitions(nil, map[model.PartitionKey]model.Cursor{key: {}})
	store.Produce(key, []byte(`{"id":1}`))

	batches := waitForBatches(t, out, 1)
	var wire wireBatch
	require.NoError(t, json.Unmarshal(batches[0][:len(batches[0])-1], &wire))

	cursor := model.Cursor{
		Partition: model.PartitionKey{EventType: wire.Cursor.EventType, PartitionID: wire.Cursor.Partition},
		Offset:    wire.Cursor.Offset,
	}

	require.NoError(t, sess.CommitGateway().ValidateCommit(t.Context(), "11111111-1111-1111-1111-111111111111", "session-1", []model.Cursor{cursor}))

	results, err := sess.Commit([]model.Cursor{cursor})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0])

	sess.Terminate()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after Terminate")
	}
}

// S3: backpressure pauses polling once MaxUncommittedEvents is
// reached; acking the outstanding batch resumes delivery.
func TestSession_BackpressurePausesThenResumesDelivery(t *testing.T) {
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	sess, coord, store, out := newEndToEndSession(t, Config{
		Session:      model.Session{ID: "session-1", SubscriptionID: "sub-1"},
		Subscription: model.Subscription{ID: "sub-1", EventTypes: []string{"order.created"}},
		Params: model.StreamParameters{
			BatchLimitEvents:      1,
			BatchFlushTimeout:     time.Minute,
			StreamMemoryLimitByte: 1 << 20,
			CommitTimeout:         time.Minute,
			MaxUncommittedEvents:  1,
		},
	})
	coord.SetPartition(model.Partition{Key: key, OwningSessionID: "session-1", State: model.PartitionAssigned})

	done := make(chan error, 1)
	go func() { done <- sess.Stream() }()

	store.AssignPartitions(nil, map[model.PartitionKey]model.Cursor{key: {}})
	store.Produce(key, []byte(`{"id":1}`))

	batches := waitForBatches(t, out, 1)

	store.Produce(key, []byte(`{"id":2}`))
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, out.Batches(), 1, "second event must not be delivered while the first is uncommitted and the cap is reached")

	var wire wireBatch
	require.NoError(t, json.Unmarshal(batches[0][:len(batches[0])-1], &wire))
	cursor := model.Cursor{
		Partition: model.PartitionKey{EventType: wire.Cursor.EventType, PartitionID: wire.Cursor.Partition},
		Offset:    wire.Cursor.Offset,
	}
	_, err := sess.Commit([]model.Cursor{cursor})
	require.NoError(t, err)

	waitForBatches(t, out, 2)

	sess.Terminate()
	<-done
}

// S4: a commit-timeout fatally closes the session when an
// acknowledgement never arrives within CommitTimeout.
func TestSession_CommitTimeoutClosesSession(t *testing.T) {
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	sess, coord, store, out := newEndToEndSession(t, Config{
		Session:      model.Session{ID: "session-1", SubscriptionID: "sub-1"},
		Subscription: model.Subscription{ID: "sub-1", EventTypes: []string{"order.created"}},
		Params: model.StreamParameters{
			BatchLimitEvents:      1,
			BatchFlushTimeout:     time.Minute,
			StreamMemoryLimitByte: 1 << 20,
			CommitTimeout:         100 * time.Millisecond,
		},
	})
	coord.SetPartition(model.Partition{Key: key, OwningSessionID: "session-1", State: model.PartitionAssigned})

	done := make(chan error, 1)
	go func() { done <- sess.Stream() }()

	store.AssignPartitions(nil, map[model.PartitionKey]model.Cursor{key: {}})
	store.Produce(key, []byte(`{"id":1}`))
	waitForBatches(t, out, 1)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCommitTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on commit timeout")
	}
}

// S5: losing ownership of every partition on a rebalance is a
// graceful close, not a fatal one.
func TestSession_RebalanceToEmptyClosesGracefully(t *testing.T) {
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	sess, coord, store, _ := newEndToEndSession(t, Config{
		Session:      model.Session{ID: "session-1", SubscriptionID: "sub-1"},
		Subscription: model.Subscription{ID: "sub-1", EventTypes: []string{"order.created"}},
		Params: model.StreamParameters{
			BatchLimitEvents:      1,
			BatchFlushTimeout:     time.Minute,
			StreamMemoryLimitByte: 1 << 20,
			CommitTimeout:         time.Minute,
		},
	})
	coord.SetPartition(model.Partition{Key: key, OwningSessionID: "session-1", State: model.PartitionAssigned})

	done := make(chan error, 1)
	go func() { done <- sess.Stream() }()

	store.AssignPartitions(nil, map[model.PartitionKey]model.Cursor{key: {}})

	// wait for Starting to complete its first Rebalance.
	time.Sleep(50 * time.Millisecond)

	coord.SetPartition(model.Partition{Key: key, OwningSessionID: "someone-else", State: model.PartitionAssigned})
	require.NoError(t, coord.RebalanceSessions(t.Context()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoPartitionsOwned)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after losing all partitions")
	}
}

// S6: an unprocessable event reported under SKIP_EVENT advances the
// commit position without the session closing.
func TestSession_UnprocessableSkipAdvancesCursor(t *testing.T) {
	key := model.PartitionKey{EventType: "order.created", PartitionID: "0"}
	sess, coord, store, out := newEndToEndSession(t, Config{
		Session: model.Session{ID: "session-1", SubscriptionID: "sub-1"},
		Subscription: model.Subscription{
			ID:         "sub-1",
			EventTypes: []string{"order.created"},
			Annotations: map[string]string{
				model.AnnotationMaxEventSendCount:        "1",
				model.AnnotationUnprocessableEventPolicy: string(model.PolicySkipEvent),
			},
		},
		Params: model.StreamParameters{
			BatchLimitEvents:      1,
			BatchFlushTimeout:     time.Minute,
			StreamMemoryLimitByte: 1 << 20,
			CommitTimeout:         time.Minute,
		},
	})
	coord.SetPartition(model.Partition{Key: key, OwningSessionID: "session-1", State: model.PartitionAssigned})

	done := make(chan error, 1)
	go func() { done <- sess.Stream() }()

	store.AssignPartitions(nil, map[model.PartitionKey]model.Cursor{key: {}})
	store.Produce(key, []byte(`{"id":1}`))
	waitForBatches(t, out, 1)

	cursor := model.Cursor{Partition: key, Offset: "0", TimelineID: "order.created"}
	sess.ReportUnprocessable(cursor, []byte(`{"id":1}`), "downstream handler error")

	// a second event on the same partition should flow once the
	// unprocessable one has been skipped and its cursor advanced,
	// proving the session is still alive and polling.
	time.Sleep(100 * time.Millisecond)
	store.Produce(key, []byte(`{"id":2}`))
	waitForBatches(t, out, 2)

	sess.Terminate()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after Terminate")
	}
}
