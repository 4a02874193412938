// Package model holds the value types shared by the coordination,
// storage and session packages: partitions, cursors, consumed events
// and the stream parameters a session is configured with.
package model

import "strconv"

// PartitionState is the coordination-store state of a partition's
// ownership edge.
type PartitionState int

const (
	PartitionUnassigned PartitionState = iota
	PartitionAssigned
	PartitionReassigning
)

func (s PartitionState) String() string {
	switch s {
	case PartitionUnassigned:
		return "UNASSIGNED"
	case PartitionAssigned:
		return "ASSIGNED"
	case PartitionReassigning:
		return "REASSIGNING"
	default:
		return "UNKNOWN"
	}
}

// PartitionKey identifies a partition of an event type. It is a small
// comparable struct so it can be used directly as a map key.
type PartitionKey struct {
	EventType   string
	PartitionID string
}

func (k PartitionKey) String() string {
	return k.EventType + "/" + k.PartitionID
}

// Partition is the coordination store's view of a partition's
// ownership and committed offset.
type Partition struct {
	Key             PartitionKey
	OwningSessionID string
	State           PartitionState
	CommittedOffset Cursor
}

// Cursor is a position within a partition: the unit of commit. Two
// cursors on the same partition are totally ordered by an externally
// supplied CursorComparator; across partitions they are incomparable.
type Cursor struct {
	Partition  PartitionKey
	Offset     string
	TimelineID string
}

func (c Cursor) String() string {
	return c.Partition.String() + "@" + c.TimelineID + ":" + c.Offset
}

// CursorComparator totally orders two cursors known to share a
// partition: first by timeline, then by offset within a timeline.
// Implementations of the comparator for different offset encodings
// (numeric, hybrid log offsets, ...) live outside this package; this
// is a default for decimal numeric offsets.
type CursorComparator func(a, b Cursor) int

// NumericCursorComparator orders cursors with decimal numeric offsets,
// ordering by timeline first and then by offset within that timeline.
func NumericCursorComparator(a, b Cursor) int {
	if a.TimelineID != b.TimelineID {
		if a.TimelineID < b.TimelineID {
			return -1
		}
		return 1
	}

	ao, aerr := strconv.ParseInt(a.Offset, 10, 64)
	bo, berr := strconv.ParseInt(b.Offset, 10, 64)
	if aerr != nil || berr != nil {
		if a.Offset == b.Offset {
			return 0
		}
		if a.Offset < b.Offset {
			return -1
		}
		return 1
	}

	switch {
	case ao < bo:
		return -1
	case ao > bo:
		return 1
	default:
		return 0
	}
}
