package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/model"
	"github.com/hazelstream/substream/storage"
	"github.com/hazelstream/substream/telemetry"
)

// pendingBatch is one partition's accumulating, not-yet-flushed batch.
type pendingBatch struct {
	key      model.PartitionKey
	events   []model.ConsumedEvent
	bytes    int64
	firstAt  time.Time
	lastCursor model.Cursor
}

// StreamPipeline filters, batches and flushes events (C6), grounded on
// spec.md §4.6 and original_source StreamingContext's
// isConsumptionBlocked/isMisplacedEvent/
// checkConsumptionAllowedFromConsumerTags.
type StreamPipeline struct {
	params     model.StreamParameters
	comparator model.CursorComparator

	pending       map[model.PartitionKey]*pendingBatch
	bufferedBytes int64

	eventsStreamed  int
	keepAliveStreak int

	logger    logger.Logger
	telemetry *telemetry.Telemetry
}

func NewStreamPipeline(params model.StreamParameters, comparator model.CursorComparator, l logger.Logger, t *telemetry.Telemetry) *StreamPipeline {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	if t == nil {
		t = telemetry.Noop()
	}
	return &StreamPipeline{
		params:     params,
		comparator: comparator,
		pending:    make(map[model.PartitionKey]*pendingBatch),
		logger:     l.With("component", "pipeline"),
		telemetry:  t,
	}
}

func toConsumedEvent(raw storage.RawEvent) model.ConsumedEvent {
	tags := make(map[model.HeaderTag]string, len(raw.Headers))
	for k, v := range raw.Headers {
		tags[model.HeaderTag(k)] = v
	}
	return model.ConsumedEvent{
		Partition:    raw.Partition,
		OffsetAfter:  model.Cursor{Partition: raw.Partition, Offset: raw.Offset, TimelineID: raw.TimelineID},
		PayloadBytes: raw.Value,
		ConsumerTags: tags,
		ProducedAt:   raw.ProducedAt,
	}
}

// HandleRaw ingests a batch of raw polled events (Streaming event (b))
// and evaluates flush conditions afterward.
func (p *StreamPipeline) HandleRaw(ctx *Context, raws []storage.RawEvent) (State, error) {
	for _, raw := range raws {
		p.ingest(ctx, toConsumedEvent(raw))
	}
	return p.afterIngest(ctx)
}

func (p *StreamPipeline) ingest(ctx *Context, event model.ConsumedEvent) {
	key := event.Partition
	rt := ctx.Assignment.runtimeFor(key)
	if rt == nil {
		// Rebalanced away between poll and dispatch; drop silently.
		return
	}

	reason := p.dropReason(ctx, event)
	rt.LastSentCursor = event.OffsetAfter

	if reason != "" {
		p.logger.Debug("dropping event", "reason", reason, "cursor", event.OffsetAfter.String())
		p.telemetry.EventsDropped.Add(context.Background(), 1)
		return
	}

	batch := p.pending[key]
	if batch == nil {
		batch = &pendingBatch{key: key, firstAt: ctx.now()}
		p.pending[key] = batch
	}
	batch.events = append(batch.events, event)
	batch.bytes += int64(event.Size())
	batch.lastCursor = event.OffsetAfter
	p.bufferedBytes += int64(event.Size())
	p.telemetry.BufferedBytes.Add(context.Background(), int64(event.Size()))
}

// dropReason applies the filter chain of spec.md §4.6 steps 1-4, in
// order, returning the first reason to drop or "" to keep.
func (p *StreamPipeline) dropReason(ctx *Context, event model.ConsumedEvent) string {
	if ctx.Guard != nil && (ctx.Guard.IsBlocked(ctx.Subscription.ID, ctx.Session.ClientID) || ctx.Guard.IsEventBlocked(event)) {
		return "consumption_blocked"
	}
	if ctx.Features.SkipMisplacedEvents && p.isMisplaced(ctx, event) {
		return "misplaced_event"
	}
	if p.tagMismatch(ctx, event) {
		return "consumer_tag_mismatch"
	}
	if ctx.Authorizer != nil {
		allowed, err := ctx.Authorizer.Authorize(context.Background(), event)
		if err != nil {
			p.logger.Warn("authorization check failed, dropping event", "error", err, "cursor", event.OffsetAfter.String())
			return "authorization_error"
		}
		if !allowed {
			return "authorization_denied"
		}
	}
	return ""
}

func (p *StreamPipeline) isMisplaced(ctx *Context, event model.ConsumedEvent) bool {
	if ctx.Categories == nil || ctx.EventTypes == nil {
		return false
	}
	if ctx.Categories.Category(event.Partition.EventType) == model.EventCategoryUndefined {
		return false
	}
	actual, ok := ctx.EventTypes.ExtractEventType(event.PayloadBytes)
	if !ok {
		return false
	}
	if actual != event.Partition.EventType {
		p.logger.Warn("misplaced event", "expected", event.Partition.EventType, "actual", actual, "cursor", event.OffsetAfter.String())
		return true
	}
	return false
}

func (p *StreamPipeline) tagMismatch(ctx *Context, event model.ConsumedEvent) bool {
	tag, ok := event.ConsumerTags[model.ConsumerSubscriptionIDTag]
	return ok && tag != ctx.Subscription.ID
}

// afterIngest flushes batches that reached the size limit or would
// push total buffered bytes over the memory cap (largest first), then
// checks the stream-event-limit transition.
func (p *StreamPipeline) afterIngest(ctx *Context) (State, error) {
	for key, batch := range p.pending {
		if int64(len(batch.events)) >= int64(p.params.BatchLimitEvents) {
			if err := p.flush(ctx, key, batch, ""); err != nil {
				return nil, err
			}
		}
	}

	for p.bufferedBytes > p.params.StreamMemoryLimitByte {
		key, batch := p.largestPending()
		if batch == nil {
			break
		}
		if err := p.flush(ctx, key, batch, ""); err != nil {
			return nil, err
		}
	}

	if p.params.StreamLimitEvents > 0 && p.eventsStreamed >= p.params.StreamLimitEvents {
		return newClosingState(nil), nil
	}
	return nil, nil
}

func (p *StreamPipeline) largestPending() (model.PartitionKey, *pendingBatch) {
	var (
		bestKey   model.PartitionKey
		best      *pendingBatch
		bestBytes int64 = -1
	)
	for key, batch := range p.pending {
		if batch.bytes > bestBytes {
			bestKey, best, bestBytes = key, batch, batch.bytes
		}
	}
	return bestKey, best
}

// Tick runs the age-based flush and keep-alive check (spec.md §4.6,
// fired at BatchFlushTimeout cadence).
func (p *StreamPipeline) Tick(ctx *Context) (State, error) {
	now := ctx.now()
	flushedReal := false

	for key, batch := range p.pending {
		if len(batch.events) > 0 && now.Sub(batch.firstAt) >= p.params.BatchFlushTimeout {
			if err := p.flush(ctx, key, batch, ""); err != nil {
				return nil, err
			}
			flushedReal = true
		}
	}

	for key, rt := range ctx.Assignment.runtimes {
		if _, pending := p.pending[key]; pending {
			continue
		}
		if now.Sub(rt.LastFlushedAt) >= p.params.BatchFlushTimeout {
			if err := p.flush(ctx, key, &pendingBatch{key: key}, ""); err != nil {
				return nil, err
			}
		}
	}

	if flushedReal {
		p.keepAliveStreak = 0
	} else {
		p.keepAliveStreak++
	}

	if p.params.StreamKeepAliveLimit > 0 && p.keepAliveStreak >= p.params.StreamKeepAliveLimit {
		return newClosingState(nil), nil
	}
	return nil, nil
}

// FlushAll is a best-effort final flush of every pending batch, called
// from Closing.OnEnter.
func (p *StreamPipeline) FlushAll(ctx *Context) {
	for key, batch := range p.pending {
		if err := p.flush(ctx, key, batch, ""); err != nil {
			p.logger.Warn("final flush failed", "partition", key.String(), "error", err)
		}
	}
}

// releasePartitions flushes any pending batch for each key with a
// "partition released" marker, called by PartitionAssignment.remove
// before the runtime state is discarded (spec.md §4.4).
func (p *StreamPipeline) releasePartitions(ctx *Context, keys []model.PartitionKey) error {
	var lastErr error
	for _, key := range keys {
		batch := p.pending[key]
		if batch == nil {
			batch = &pendingBatch{key: key}
		}
		if err := p.flush(ctx, key, batch, "partition released"); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *StreamPipeline) flush(ctx *Context, key model.PartitionKey, batch *pendingBatch, debug string) error {
	rt := ctx.Assignment.runtimeFor(key)

	cursor := batch.lastCursor
	if len(batch.events) == 0 && rt != nil {
		cursor = rt.LastSentCursor
	}

	events := make([]json.RawMessage, len(batch.events))
	for i, e := range batch.events {
		events[i] = json.RawMessage(e.PayloadBytes)
	}

	token := ""
	if ctx.Tokens != nil {
		token = ctx.Tokens.Issue(cursor)
	}

	data, err := marshalBatch(cursor, token, events, debug)
	if err != nil {
		return fmt.Errorf("pipeline: marshal batch: %w", err)
	}

	start := ctx.now()
	if err := ctx.Output.StreamData(data); err != nil {
		ctx.Output.OnException(err)
		return Expected(fmt.Errorf("output write failed: %w", err))
	}
	p.telemetry.BatchFlushDuration.Record(context.Background(), ctx.now().Sub(start).Seconds())

	if len(batch.events) > 0 && rt != nil {
		rt.OutstandingUncommitted += len(batch.events)
		ctx.Commit.recordSent(ctx, key, cursor, start)
		if rt.Polling && !rt.HasCapacity(p.params.MaxUncommittedEvents) {
			ctx.Storage.PausePartitions([]model.PartitionKey{key})
			rt.Polling = false
		}
		p.eventsStreamed += len(batch.events)
	} else {
		p.telemetry.KeepAlivesEmitted.Add(context.Background(), 1)
	}

	if rt != nil {
		rt.LastFlushedAt = ctx.now()
	}
	p.bufferedBytes -= batch.bytes
	p.telemetry.BufferedBytes.Add(context.Background(), -batch.bytes)
	delete(p.pending, key)
	return nil
}
