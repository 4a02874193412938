package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/model"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"
)

var _ EventStorage = (*KgoStorage)(nil)

type KgoConfig struct {
	BootstrapServers []string
	PollTimeout      time.Duration
	MaxPollRecords   int

	// PollRateLimit caps how often the underlying client is asked to
	// fetch, independent of MaxPollRecords, so a partition with a hot
	// producer can't starve the loop's other work. No pack example
	// ships its own rate limiter; x/time/rate is the ecosystem's.
	PollRateLimit rate.Limit

	Logger logger.Logger
}

func defaultKgoConfig() KgoConfig {
	return KgoConfig{
		BootstrapServers: []string{"localhost:9092"},
		PollTimeout:      1 * time.Second,
		MaxPollRecords:   500,
		PollRateLimit:    50,
		Logger:           logger.NewNoopLogger(),
	}
}

type KgoOption func(*KgoConfig)

func WithBootstrapServers(servers []string) KgoOption {
	return func(cfg *KgoConfig) { cfg.BootstrapServers = servers }
}

func WithPollTimeout(d time.Duration) KgoOption {
	return func(cfg *KgoConfig) { cfg.PollTimeout = d }
}

func WithLogger(l logger.Logger) KgoOption {
	return func(cfg *KgoConfig) { cfg.Logger = l.With("component", "storage", "backend", "kgo") }
}

// KgoStorage is the franz-go backed EventStorage. It never calls
// kgo.ConsumerGroup: partitions are assigned directly via
// AddConsumePartitions/RemoveConsumePartitions, mirroring the
// externally-driven assignment model of spec.md §4.4.
type KgoStorage struct {
	client  *kgo.Client
	config  KgoConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	assigned map[model.PartitionKey]struct{}

	logger logger.Logger
}

func NewKgoStorage(opts ...KgoOption) (*KgoStorage, error) {
	cfg := defaultKgoConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ks := &KgoStorage{
		config:   cfg,
		logger:   cfg.Logger,
		assigned: make(map[model.PartitionKey]struct{}),
		limiter:  rate.NewLimiter(cfg.PollRateLimit, cfg.MaxPollRecords),
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.WithLogger(newKgoLogger(ks.logger)),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kgo client: %w", err)
	}
	ks.client = client

	return ks, nil
}

func (k *KgoStorage) AssignPartitions(_ context.Context, start map[model.PartitionKey]model.Cursor) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	add := make(map[string]map[int32]kgo.Offset)
	for key, cursor := range start {
		partitionID, err := strconv.ParseInt(key.PartitionID, 10, 32)
		if err != nil {
			return fmt.Errorf("assign %s: non-numeric partition id: %w", key, err)
		}

		offset := kgo.NewOffset().AtStart()
		if cursor.Offset != "" {
			if numeric, err := strconv.ParseInt(cursor.Offset, 10, 64); err == nil {
				offset = kgo.NewOffset().At(numeric + 1)
			}
		}

		if _, ok := add[key.EventType]; !ok {
			add[key.EventType] = make(map[int32]kgo.Offset)
		}
		add[key.EventType][int32(partitionID)] = offset
		k.assigned[key] = struct{}{}
	}

	if len(add) > 0 {
		k.client.AddConsumePartitions(add)
	}
	return nil
}

func (k *KgoStorage) UnassignPartitions(_ context.Context, keys []model.PartitionKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	remove := make(map[string][]int32)
	for _, key := range keys {
		partitionID, err := strconv.ParseInt(key.PartitionID, 10, 32)
		if err != nil {
			continue
		}
		remove[key.EventType] = append(remove[key.EventType], int32(partitionID))
		delete(k.assigned, key)
	}

	if len(remove) > 0 {
		k.client.RemoveConsumePartitions(remove)
	}
	return nil
}

func (k *KgoStorage) Poll(ctx context.Context) ([]RawEvent, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, k.config.PollTimeout)
	defer cancel()

	fetches := k.client.PollRecords(ctx, k.config.MaxPollRecords)
	if errs := fetches.Errors(); len(errs) > 0 {
		for _, fe := range errs {
			if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
				continue
			}
			return nil, fmt.Errorf("poll %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
		}
	}

	records := fetches.Records()
	out := make([]RawEvent, 0, len(records))
	for _, r := range records {
		headers := make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}
		out = append(out, RawEvent{
			Partition: model.PartitionKey{
				EventType:   r.Topic,
				PartitionID: strconv.FormatInt(int64(r.Partition), 10),
			},
			Offset:     strconv.FormatInt(r.Offset, 10),
			TimelineID: r.Topic,
			Key:        r.Key,
			Value:      r.Value,
			Headers:    headers,
			ProducedAt: r.Timestamp,
		})
	}

	return out, nil
}

func (k *KgoStorage) PausePartitions(keys []model.PartitionKey) {
	k.client.PauseFetchPartitions(keysToTopicMap(keys))
}

func (k *KgoStorage) ResumePartitions(keys []model.PartitionKey) {
	k.client.ResumeFetchPartitions(keysToTopicMap(keys))
}

func (k *KgoStorage) Close() error {
	k.client.Close()
	return nil
}

func keysToTopicMap(keys []model.PartitionKey) map[string][]int32 {
	m := make(map[string][]int32)
	for _, key := range keys {
		partitionID, err := strconv.ParseInt(key.PartitionID, 10, 32)
		if err != nil {
			continue
		}
		m[key.EventType] = append(m[key.EventType], int32(partitionID))
	}
	return m
}
