// Package storage defines EventStorage (C5), the collaborator the
// session's poller drives to fetch raw events off owned partitions,
// and a franz-go adapter using direct (non-group) partition
// consumption: a session's partition assignment comes from the
// coordination store (coordination.Client), not from Kafka's own
// group-membership protocol, so the storage layer must never join a
// consumer group.
package storage

import (
	"context"
	"time"

	"github.com/hazelstream/substream/model"
)

// RawEvent is one fetched record before pipeline filtering/batching.
type RawEvent struct {
	Partition   model.PartitionKey
	Offset      string
	TimelineID  string
	Key         []byte
	Value       []byte
	Headers     map[string]string
	ProducedAt  time.Time
}

// EventStorage is the narrow, blocking interface the poller (C5)
// drives. Shaped like the teacher's kafka.Consumer: subscribe/assign,
// poll, pause/resume, close — no producer surface, since a streaming
// session only reads (dlq.Handler owns its own narrow producer).
type EventStorage interface {
	// AssignPartitions adds the given partitions to the set this
	// storage instance fetches from, seeking each to the given
	// starting cursor. Partitions not listed stay assigned; use
	// UnassignPartitions to remove them.
	AssignPartitions(ctx context.Context, start map[model.PartitionKey]model.Cursor) error

	// UnassignPartitions stops fetching the given partitions.
	UnassignPartitions(ctx context.Context, keys []model.PartitionKey) error

	// Poll blocks up to the storage's configured poll timeout and
	// returns whatever raw events are available across all assigned,
	// unpaused partitions. An empty, nil-error result is a normal
	// timeout, not end-of-stream.
	Poll(ctx context.Context) ([]RawEvent, error)

	PausePartitions(keys []model.PartitionKey)
	ResumePartitions(keys []model.PartitionKey)

	Close() error
}
