// Package dlq implements the unprocessable-event policy dispatch
// (C8): what happens when a downstream consumer reports an event it
// cannot process, adapted from the teacher's errorhandler package —
// its phase-routed Action sum type becomes a policy decision, and its
// retry/backoff handler becomes the send-count budget check backing
// subscription.max.event.send.count.
package dlq

import "github.com/hazelstream/substream/model"

// Outcome is the decision dlq.Handler.Handle returns for one failing
// event.
type Outcome int

const (
	// OutcomeRetry means the caller should not advance the cursor yet;
	// send-count budget remains.
	OutcomeRetry Outcome = iota
	// OutcomeSkip means the send-count budget is exhausted under
	// SKIP_EVENT: log, advance cursor, do not publish anywhere.
	OutcomeSkip
	// OutcomePublish means the send-count budget is exhausted under
	// DEAD_LETTER_QUEUE: publish to the subscription's DLQ event-type,
	// then advance the cursor.
	OutcomePublish
	// OutcomeAbort means the send-count budget is exhausted under
	// ABORT: fatal, the caller must switch to Closing(unprocessable).
	OutcomeAbort
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "Retry"
	case OutcomeSkip:
		return "Skip"
	case OutcomePublish:
		return "Publish"
	case OutcomeAbort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// FailureContext carries everything a policy decision needs, mirroring
// the teacher's errorhandler.ErrorContext.
type FailureContext struct {
	Cursor  model.Cursor
	Reason  string
	Attempt int // 1-indexed
}

func (fc FailureContext) WithAttempt(attempt int) FailureContext {
	fc.Attempt = attempt
	return fc
}

// Handler decides the outcome for one failing event under a
// subscription's configured policy and send-count budget.
type Handler interface {
	Handle(fc FailureContext) Outcome
}

// NewPolicy builds the Handler for a subscription's configured policy
// and max-event-send-count annotation. Per spec.md §4.8, absence of
// maxEventSendCount means unlimited retries regardless of policy — see
// the DESIGN.md open-question decision for the maxEventSendCount=nil,
// policy!=nil combination.
func NewPolicy(policy model.UnprocessableEventPolicy, maxSendCount int, hasMaxSendCount bool) Handler {
	if !hasMaxSendCount {
		return unlimitedRetry{}
	}
	return &budgetedPolicy{policy: policy, maxSendCount: maxSendCount}
}

type unlimitedRetry struct{}

func (unlimitedRetry) Handle(FailureContext) Outcome { return OutcomeRetry }

type budgetedPolicy struct {
	policy       model.UnprocessableEventPolicy
	maxSendCount int
}

func (p *budgetedPolicy) Handle(fc FailureContext) Outcome {
	if fc.Attempt < p.maxSendCount {
		return OutcomeRetry
	}

	switch p.policy {
	case model.PolicySkipEvent:
		return OutcomeSkip
	case model.PolicyDeadLetterQueue:
		return OutcomePublish
	case model.PolicyAbort:
		return OutcomeAbort
	default:
		return OutcomeSkip
	}
}
