package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/model"
	"github.com/hugolhafner/dskit/backoff"
)

// FailureMetadata is the envelope published alongside a failing
// event's original payload when the DEAD_LETTER_QUEUE policy fires
// (spec.md §8 S6).
type FailureMetadata struct {
	OriginalCursor model.Cursor `json:"original_cursor"`
	AttemptCount   int          `json:"attempt_count"`
	Reason         string       `json:"reason"`
}

type envelope struct {
	Metadata FailureMetadata `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// DLQHandler wires a policy Handler (C8's decision logic) to logging
// and publishing, the way the teacher's errorhandler.ActionLogger and
// WithDLQ wrap a bare Handler with side effects around its decision.
type DLQHandler struct {
	policy       Handler
	dlqEventType string
	publisher    Publisher
	logger       logger.Logger
	retryBackoff backoff.Backoff
}

func New(policy Handler, dlqEventType string, publisher Publisher, l logger.Logger, retryBackoff backoff.Backoff) *DLQHandler {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	if retryBackoff == nil {
		retryBackoff = backoff.NewFixed(time.Second)
	}
	return &DLQHandler{
		policy:       policy,
		dlqEventType: dlqEventType,
		publisher:    publisher,
		logger:       l.With("component", "dlq"),
		retryBackoff: retryBackoff,
	}
}

// HandleFailure decides the outcome for a failing event and, for
// OutcomePublish, performs the publish itself so the caller only needs
// to advance the cursor afterward.
func (h *DLQHandler) HandleFailure(
	ctx context.Context, event model.ConsumedEvent, fc FailureContext,
) (Outcome, error) {
	outcome := h.policy.Handle(fc)

	h.logger.Info("unprocessable event decision",
		"outcome", outcome.String(),
		"cursor", fc.Cursor.String(),
		"attempt", fc.Attempt,
		"reason", fc.Reason,
	)

	if outcome != OutcomePublish {
		return outcome, nil
	}

	if h.dlqEventType == "" {
		return outcome, fmt.Errorf("dlq: DEAD_LETTER_QUEUE policy without a configured dlq event-type")
	}

	payload, err := json.Marshal(envelope{
		Metadata: FailureMetadata{
			OriginalCursor: fc.Cursor,
			AttemptCount:   fc.Attempt,
			Reason:         fc.Reason,
		},
		Payload: event.PayloadBytes,
	})
	if err != nil {
		return outcome, fmt.Errorf("dlq: marshal envelope: %w", err)
	}

	if err := h.publisher.Publish(ctx, h.dlqEventType, payload); err != nil {
		return outcome, fmt.Errorf("dlq: publish: %w", err)
	}

	return outcome, nil
}

// RetryDelay returns how long the caller should wait before the next
// attempt at the given attempt number, used by the session loop to
// schedule the retry on its timer rather than blocking the loop.
func (h *DLQHandler) RetryDelay(attempt int) time.Duration {
	return h.retryBackoff.Next(uint(attempt))
}
