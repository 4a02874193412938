package session

import (
	"github.com/hazelstream/substream/model"
	"github.com/hazelstream/substream/storage"
)

// Event is the marker type for anything the loop (C1) can dequeue and
// route to the current State's Handle (spec.md §9 "dispatch via a
// single polymorphic interface {onEnter, onExit, handle(task)}").
type Event interface{}

// transitionEvent is the loop's own internal event for state switches;
// it is never passed to a State's Handle.
type transitionEvent struct{ next State }

// RebalanceEvent is enqueued by the coordination-store session-list
// watcher (on a foreign thread, enqueue-only per spec.md §4.3) and by
// Starting's initial rebalance trigger.
type RebalanceEvent struct{}

// PollResultEvent carries one completed poll's raw events (C5 → C1).
type PollResultEvent struct {
	Events []storage.RawEvent
}

// TickEvent drives both age-based batch flush and keep-alive checks;
// it fires on a single ticker at BatchFlushTimeout cadence (§4.6).
type TickEvent struct{}

// AutocommitTickEvent drives CommitTracker's autocommit sweep (§4.7).
type AutocommitTickEvent struct{}

// CommitTimeoutTickEvent drives commit-timeout enforcement (§4.7).
type CommitTimeoutTickEvent struct{}

// CommitAckResult is delivered back to the out-of-loop commit caller
// through CommitAckEvent.Result.
type CommitAckResult struct {
	Committed []bool
	Err       error
}

// CommitAckEvent is the client's explicit commit acknowledgement,
// handled inside the loop (Streaming event (f)) but issued by an
// out-of-loop HTTP handler that already ran it through CommitGateway.
type CommitAckEvent struct {
	Cursors []model.Cursor
	Result  chan<- CommitAckResult
}

// AuthorizationRecheckEvent fires when the subscription's event-type
// change listener observes an update (Streaming event (g)).
type AuthorizationRecheckEvent struct {
	EventType string
}

// TerminateEvent is enqueued by Session.Terminate() (Streaming event (h)).
type TerminateEvent struct {
	Reason error
}

// UnprocessableEventEvent is reported by a downstream consumer, out of
// band, when it cannot process an event (§4.8). Payload is carried
// along so a DEAD_LETTER_QUEUE outcome can republish the original
// event without the loop having to keep flushed batches around.
type UnprocessableEventEvent struct {
	Cursor  model.Cursor
	Payload []byte
	Reason  string
}
