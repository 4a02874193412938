package storage

import (
	"context"
	"strconv"
	"sync"

	"github.com/hazelstream/substream/model"
)

var _ EventStorage = (*Fake)(nil)

// Fake is an in-memory EventStorage for session tests: events are
// injected with Produce and returned in offset order from Poll,
// respecting assignment and pause state, modeled on the teacher's
// kafka/mock fake queue-per-partition shape.
type Fake struct {
	mu sync.Mutex

	assigned map[model.PartitionKey]struct{}
	paused   map[model.PartitionKey]struct{}
	queues   map[model.PartitionKey][]RawEvent
	nextOff  map[model.PartitionKey]int64

	PollErr error
}

func NewFake() *Fake {
	return &Fake{
		assigned: make(map[model.PartitionKey]struct{}),
		paused:   make(map[model.PartitionKey]struct{}),
		queues:   make(map[model.PartitionKey][]RawEvent),
		nextOff:  make(map[model.PartitionKey]int64),
	}
}

func (f *Fake) AssignPartitions(_ context.Context, start map[model.PartitionKey]model.Cursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, cursor := range start {
		f.assigned[key] = struct{}{}
		if cursor.Offset != "" {
			if n, err := strconv.ParseInt(cursor.Offset, 10, 64); err == nil {
				f.nextOff[key] = n + 1
			}
		}
	}
	return nil
}

func (f *Fake) UnassignPartitions(_ context.Context, keys []model.PartitionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.assigned, key)
		delete(f.paused, key)
	}
	return nil
}

func (f *Fake) Poll(_ context.Context) ([]RawEvent, error) {
	if f.PollErr != nil {
		return nil, f.PollErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []RawEvent
	for key := range f.assigned {
		if _, paused := f.paused[key]; paused {
			continue
		}
		if events := f.queues[key]; len(events) > 0 {
			out = append(out, events...)
			f.queues[key] = nil
		}
	}
	return out, nil
}

func (f *Fake) PausePartitions(keys []model.PartitionKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		f.paused[key] = struct{}{}
	}
}

func (f *Fake) ResumePartitions(keys []model.PartitionKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.paused, key)
	}
}

func (f *Fake) Close() error { return nil }

// Produce appends an event to key's queue, auto-assigning the next
// offset if the caller leaves it blank.
func (f *Fake) Produce(key model.PartitionKey, value []byte) RawEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	off := f.nextOff[key]
	f.nextOff[key] = off + 1

	event := RawEvent{
		Partition:  key,
		Offset:     strconv.FormatInt(off, 10),
		TimelineID: key.EventType,
		Value:      value,
		Headers:    map[string]string{},
	}
	f.queues[key] = append(f.queues[key], event)
	return event
}
