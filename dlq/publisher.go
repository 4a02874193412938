package dlq

import "context"

// Publisher is the narrow producer surface dlq.Handler drives to
// publish a failed event's envelope to the subscription's configured
// DLQ event-type. Shaped like the teacher's kafka.Producer: one
// blocking send, no consumer surface.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// FakePublisher records every publish for assertions in tests.
type FakePublisher struct {
	Published []FakePublication
	Err       error
}

type FakePublication struct {
	EventType string
	Payload   []byte
}

func (f *FakePublisher) Publish(_ context.Context, eventType string, payload []byte) error {
	if f.Err != nil {
		return f.Err
	}
	f.Published = append(f.Published, FakePublication{EventType: eventType, Payload: payload})
	return nil
}
