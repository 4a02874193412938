package dlq

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
)

var _ Publisher = (*KgoPublisher)(nil)

// KgoPublisher publishes DLQ envelopes with a dedicated franz-go
// producer client, kept separate from storage.KgoStorage's consumer
// client since the two serve opposite directions of the same broker
// connection, the way the teacher's KgoClient exposes Send() on the
// same client it polls with but this engine's storage layer is
// consume-only (direct partition assignment, no producer surface).
type KgoPublisher struct {
	client *kgo.Client
}

func NewKgoPublisher(bootstrapServers []string) (*KgoPublisher, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(bootstrapServers...))
	if err != nil {
		return nil, err
	}
	return &KgoPublisher{client: client}, nil
}

func (p *KgoPublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	record := &kgo.Record{Topic: eventType, Value: payload}
	result := p.client.ProduceSync(ctx, record)
	return result.FirstErr()
}

func (p *KgoPublisher) Close() {
	p.client.Close()
}
