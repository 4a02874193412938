package session

import (
	"context"

	"github.com/hazelstream/substream/dlq"
	"github.com/hazelstream/substream/model"
)

// handleUnprocessable dispatches one UnprocessableEventEvent through
// the subscription's DLQ policy (C8, §4.8): retry reschedules itself on
// the timer, skip/publish advance the commit position past the event,
// abort ends the session. Grounded on original_source's
// EventsConsumer.onFailed/FailedCommitHandler dispatch in spirit, using
// the teacher's errorhandler.Action pattern for the outcome switch.
func handleUnprocessable(ctx *Context, ev UnprocessableEventEvent) (State, error) {
	key := ev.Cursor.Partition
	ctx.unprocessableAttempts[key]++
	attempt := ctx.unprocessableAttempts[key]

	fc := dlq.FailureContext{Cursor: ev.Cursor, Reason: ev.Reason, Attempt: attempt}
	event := model.ConsumedEvent{Partition: key, OffsetAfter: ev.Cursor, PayloadBytes: ev.Payload}

	outcome, err := ctx.DLQ.HandleFailure(context.Background(), event, fc)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case dlq.OutcomeRetry:
		delay := ctx.DLQ.RetryDelay(attempt)
		ctx.Timer.Schedule(delay, ev)
		return nil, nil

	case dlq.OutcomeSkip, dlq.OutcomePublish:
		delete(ctx.unprocessableAttempts, key)
		if ctx.Assignment.runtimeFor(key) != nil {
			if _, err := ctx.Commit.Ack(ctx, []model.Cursor{ev.Cursor}); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case dlq.OutcomeAbort:
		delete(ctx.unprocessableAttempts, key)
		return nil, Expected(ErrUnprocessableAbort)

	default:
		return nil, nil
	}
}
