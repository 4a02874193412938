package session

import (
	"context"

	"github.com/hazelstream/substream/coordination"
	"github.com/hazelstream/substream/model"
)

// InitializeSubscriptionLocked idempotently seeds a subscription's
// committed cursors from its configured starting offsets for any
// partition the coordination store has no offset for yet. Called from
// Starting.OnEnter; ResetCursors does not call it (SPEC_FULL.md §5
// feature #6). Grounded on original_source
// CursorsService's initializeSubscriptionLocked call from
// StartingState.
type InitializeSubscriptionLocked struct {
	coordination coordination.Client
	starting     StartingOffsetProvider
}

func NewInitializeSubscriptionLocked(c coordination.Client, starting StartingOffsetProvider) *InitializeSubscriptionLocked {
	if starting == nil {
		starting = OldestOffsetProvider{}
	}
	return &InitializeSubscriptionLocked{coordination: c, starting: starting}
}

func (i *InitializeSubscriptionLocked) Run(ctx context.Context, partitions []model.PartitionKey) error {
	return i.coordination.RunLocked(ctx, func(ctx context.Context) error {
		var missing []model.Cursor
		for _, key := range partitions {
			cur, err := i.coordination.GetOffset(ctx, key)
			if err != nil {
				return err
			}
			if cur.Offset == "" {
				missing = append(missing, i.starting.StartingCursor(key))
			}
		}
		if len(missing) == 0 {
			return nil
		}
		return i.coordination.ResetCursors(ctx, missing, 0)
	})
}
