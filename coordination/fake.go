package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/hazelstream/substream/model"
)

var _ Client = (*Fake)(nil)

// Fake is an in-memory CoordinationClient used by the session tests. It
// is modeled on the teacher's kafka/mock.Client: a single mutex-guarded
// store plus injectable error hooks so tests can exercise the
// Transient/Fatal taxonomy of spec.md §7.
type Fake struct {
	mu sync.Mutex

	sessions   map[string]model.Session
	partitions map[model.PartitionKey]*model.Partition
	offsets    map[model.PartitionKey]model.Cursor

	listeners []*fakeWatcher

	lockHeld bool

	RegisterErr   error
	UnregisterErr error
	ListErr       error
	CommitErr     error
	LockErr       error
}

func NewFake() *Fake {
	return &Fake{
		sessions:   make(map[string]model.Session),
		partitions: make(map[model.PartitionKey]*model.Partition),
		offsets:    make(map[model.PartitionKey]model.Cursor),
	}
}

type fakeWatcher struct {
	f      *Fake
	cb     SessionListCallback
	closed bool
}

func (w *fakeWatcher) Close() error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.closed = true
	return nil
}

func (f *Fake) RegisterSession(_ context.Context, session model.Session) error {
	if f.RegisterErr != nil {
		return f.RegisterErr
	}
	f.mu.Lock()
	_, existed := f.sessions[session.ID]
	f.sessions[session.ID] = session
	f.mu.Unlock()
	if !existed {
		f.notifySessionListChanged()
	}
	return nil
}

func (f *Fake) UnregisterSession(_ context.Context, session model.Session) error {
	if f.UnregisterErr != nil {
		return f.UnregisterErr
	}
	f.mu.Lock()
	_, existed := f.sessions[session.ID]
	delete(f.sessions, session.ID)
	f.mu.Unlock()
	if existed {
		f.notifySessionListChanged()
	}
	return nil
}

func (f *Fake) IsActiveSession(_ context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[sessionID]
	return ok, nil
}

func (f *Fake) ListPartitions(_ context.Context) ([]model.Partition, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]model.Partition, 0, len(f.partitions))
	for _, p := range f.partitions {
		out = append(out, *p)
	}
	return out, nil
}

func (f *Fake) SubscribeForSessionListChanges(cb SessionListCallback) (Watcher, error) {
	w := &fakeWatcher{f: f, cb: cb}
	f.mu.Lock()
	f.listeners = append(f.listeners, w)
	f.mu.Unlock()
	return w, nil
}

func (f *Fake) notifySessionListChanged() {
	f.mu.Lock()
	cbs := make([]SessionListCallback, 0, len(f.listeners))
	for _, w := range f.listeners {
		if !w.closed {
			cbs = append(cbs, w.cb)
		}
	}
	f.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (f *Fake) RebalanceSessions(_ context.Context) error {
	f.notifySessionListChanged()
	return nil
}

func (f *Fake) GetOffset(_ context.Context, key model.PartitionKey) (model.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.offsets[key]; ok {
		return c, nil
	}
	return model.Cursor{Partition: key}, nil
}

func (f *Fake) CommitOffsets(
	_ context.Context, cursors []model.Cursor, comparator model.CursorComparator,
) ([]bool, error) {
	if f.CommitErr != nil {
		return nil, f.CommitErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]bool, len(cursors))
	for i, c := range cursors {
		current, ok := f.offsets[c.Partition]
		if !ok || comparator(c, current) > 0 {
			f.offsets[c.Partition] = c
			results[i] = true
		} else {
			results[i] = false
		}
	}
	return results, nil
}

func (f *Fake) ResetCursors(_ context.Context, cursors []model.Cursor, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cursors {
		f.offsets[c.Partition] = c
	}
	return nil
}

func (f *Fake) RunLocked(ctx context.Context, action func(ctx context.Context) error) error {
	if f.LockErr != nil {
		return f.LockErr
	}
	f.mu.Lock()
	if f.lockHeld {
		f.mu.Unlock()
		return Unavailable(errInUse)
	}
	f.lockHeld = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.lockHeld = false
		f.mu.Unlock()
	}()

	return action(ctx)
}

// SetPartition is a test helper to seed the assignment table.
func (f *Fake) SetPartition(p model.Partition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.partitions[p.Key] = &cp
}

var errInUse = errUnavailableSentinel("subscription lock already held")

type errUnavailableSentinel string

func (e errUnavailableSentinel) Error() string { return string(e) }
