//go:build unit

package session

import (
	"sync"
	"time"

	"github.com/hazelstream/substream/coordination"
	"github.com/hazelstream/substream/model"
	mocklogger "github.com/hazelstream/substream/logger/mock"
	"github.com/hazelstream/substream/storage"
	"github.com/hazelstream/substream/telemetry"
)

// fakeOutput is a SubscriptionOutput recording every batch written to
// it, for assertions in pipeline/commit/session tests.
type fakeOutput struct {
	mu          sync.Mutex
	initialized []string
	batches     [][]byte
	exceptions  []error
	closed      bool
	writeErr    error
}

func (f *fakeOutput) OnInitialized(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = append(f.initialized, sessionID)
	return nil
}

func (f *fakeOutput) StreamData(batch []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeOutput) OnException(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exceptions = append(f.exceptions, err)
}

func (f *fakeOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeOutput) Batches() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.batches))
	copy(out, f.batches)
	return out
}

// testFixture bundles a fully-wired *Context and its fakes so
// pipeline/commit/assignment tests can drive the collaborators without
// going through the full loop/facade.
type testFixture struct {
	ctx   *Context
	coord *coordination.Fake
	store *storage.Fake
	out   *fakeOutput
	clock time.Time
}

func newTestFixture(params model.StreamParameters) *testFixture {
	coord := coordination.NewFake()
	store := storage.NewFake()
	out := &fakeOutput{}
	l := mocklogger.New()
	tel := telemetry.Noop()

	f := &testFixture{ctx: nil, coord: coord, store: store, out: out, clock: time.Unix(1_700_000_000, 0)}

	ctx := &Context{
		Session:               model.Session{ID: "session-1", SubscriptionID: "sub-1"},
		Subscription:          model.Subscription{ID: "sub-1", EventTypes: []string{"order.created"}},
		Params:                params,
		Comparator:            model.NumericCursorComparator,
		Coordination:          coord,
		Storage:               store,
		Output:                out,
		Guard:                 AllowAllGuard{},
		Tokens:                NewHMACCursorTokenIssuer([]byte("test-secret")),
		StartingOffsets:       OldestOffsetProvider{},
		Logger:                l,
		Telemetry:             tel,
		Clock:                 func() time.Time { return f.clock },
		unprocessableAttempts: make(map[model.PartitionKey]int),
	}
	ctx.Assignment = NewPartitionAssignment(l, tel)
	ctx.Pipeline = NewStreamPipeline(params, ctx.Comparator, l, tel)
	ctx.Commit = NewCommitTracker(params, ctx.Comparator, l, tel)

	f.ctx = ctx
	return f
}

// assign seeds the coordination fake with a partition owned by this
// fixture's session and folds it into the in-memory assignment view,
// the way Starting.OnEnter's initial Rebalance would.
func (f *testFixture) assign(key model.PartitionKey) {
	f.coord.SetPartition(model.Partition{
		Key:             key,
		OwningSessionID: f.ctx.Session.ID,
		State:           model.PartitionAssigned,
	})
	_ = f.ctx.Assignment.Rebalance(f.ctx)
}

func (f *testFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}
