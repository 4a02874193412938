package model

import "time"

// HeaderTag is a well-known consumer-tag header key carried by a
// ConsumedEvent.
type HeaderTag string

const ConsumerSubscriptionIDTag HeaderTag = "consumer_subscription_id"

// EventCategory mirrors the declared category of an event type;
// UNDEFINED event types are exempt from the misplaced-event check.
type EventCategory int

const (
	EventCategoryUndefined EventCategory = iota
	EventCategoryData
	EventCategoryBusiness
	EventCategoryGeneric
)

// ConsumedEvent is a single record pulled from storage for a given
// partition, prior to any filtering or batching.
type ConsumedEvent struct {
	Partition    PartitionKey
	OffsetAfter  Cursor
	PayloadBytes []byte
	// EventTypeName is the event-type name embedded in the payload
	// itself, used by the misplaced-event check; empty if the payload
	// could not be inspected cheaply.
	EventTypeName string
	ConsumerTags  map[HeaderTag]string
	ProducedAt    time.Time
}

func (e ConsumedEvent) Size() int {
	return len(e.PayloadBytes)
}
