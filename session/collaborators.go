// Package session implements the per-session subscription streaming
// engine: the single-threaded task loop (C1), its state machine (C2),
// partition assignment (C4), the event poller driver (C5), the stream
// pipeline (C6), commit tracking (C7), the DLQ hookup (C8), the
// session facade (C9) and its timer (C10). Everything here is
// grounded on `original_source`'s StreamingContext/CursorsService and
// on the teacher's single-threaded runner and task manager.
package session

import (
	"context"

	"github.com/hazelstream/substream/model"
)

// SubscriptionOutput is the external sink the pipeline writes batches
// to (spec.md §6). Blocking; not required to be thread-safe since only
// the loop ever calls it.
type SubscriptionOutput interface {
	OnInitialized(sessionID string) error
	StreamData(batchBytes []byte) error
	OnException(err error)
}

// PerEventAuthorizer is the out-of-scope authorization policy engine
// collaborator (spec.md §1 Out of scope), consulted per event in
// pipeline step 4.
type PerEventAuthorizer interface {
	Authorize(ctx context.Context, event model.ConsumedEvent) (bool, error)
}

// EventTypeExtractor inspects a payload for its embedded event-type
// name, used by the misplaced-event check (§4.6 step 2). Payload
// serialization itself is out of scope (spec.md §1); this is the one
// narrow thing the pipeline needs back from it.
type EventTypeExtractor interface {
	ExtractEventType(payload []byte) (name string, ok bool)
}

// EventTypeCategoryLookup resolves an event-type's declared category,
// used to exempt UNDEFINED event types from the misplaced-event check.
type EventTypeCategoryLookup interface {
	Category(eventType string) model.EventCategory
}

// ConsumptionGuard is an operator-level kill switch, independent of
// per-event authorization (SPEC_FULL.md §5 supplemented feature #2).
type ConsumptionGuard interface {
	IsBlocked(subscriptionID, clientID string) bool
	IsEventBlocked(event model.ConsumedEvent) bool
}

// AllowAllGuard is the default ConsumptionGuard: nothing is blocked.
type AllowAllGuard struct{}

func (AllowAllGuard) IsBlocked(string, string) bool            { return false }
func (AllowAllGuard) IsEventBlocked(model.ConsumedEvent) bool { return false }

// StartingOffsetProvider supplies the configured starting cursor for a
// partition whose coordination-store offset is absent (§4.2 Starting).
type StartingOffsetProvider interface {
	StartingCursor(key model.PartitionKey) model.Cursor
}

// OldestOffsetProvider starts every partition at offset "0" on its own
// timeline, the common default when a subscription has no explicit
// starting-position configuration.
type OldestOffsetProvider struct{}

func (OldestOffsetProvider) StartingCursor(key model.PartitionKey) model.Cursor {
	return model.Cursor{Partition: key, Offset: "0", TimelineID: key.EventType}
}
