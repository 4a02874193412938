package session

import (
	"context"

	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/model"
	"github.com/hazelstream/substream/telemetry"
)

// PartitionAssignment is the loop's in-memory view of owned partitions
// (C4, AssignmentView in spec.md §3). Diffed against the coordination
// store's snapshot on every rebalance tick. Grounded on spec.md §4.4
// and the teacher's task.managerImpl (OnAssigned/OnRevoked diffing
// against a map).
type PartitionAssignment struct {
	runtimes map[model.PartitionKey]*model.PartitionRuntimeState

	logger    logger.Logger
	telemetry *telemetry.Telemetry
}

func NewPartitionAssignment(l logger.Logger, t *telemetry.Telemetry) *PartitionAssignment {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	if t == nil {
		t = telemetry.Noop()
	}
	return &PartitionAssignment{
		runtimes:  make(map[model.PartitionKey]*model.PartitionRuntimeState),
		logger:    l.With("component", "assignment"),
		telemetry: t,
	}
}

func (a *PartitionAssignment) runtimeFor(key model.PartitionKey) *model.PartitionRuntimeState {
	return a.runtimes[key]
}

// Owned reports whether key is currently owned by this session.
func (a *PartitionAssignment) Owned(key model.PartitionKey) bool {
	_, ok := a.runtimes[key]
	return ok
}

// Empty reports whether this session currently owns no partitions.
func (a *PartitionAssignment) Empty() bool {
	return len(a.runtimes) == 0
}

// Keys returns the currently owned partition keys.
func (a *PartitionAssignment) Keys() []model.PartitionKey {
	keys := make([]model.PartitionKey, 0, len(a.runtimes))
	for k := range a.runtimes {
		keys = append(keys, k)
	}
	return keys
}

// Rebalance fetches the coordination store's current partition table
// and diffs it against the runtime view: newly owned partitions start
// polling from their committed offset, partitions lost start their
// removal (spec.md §4.4). Reassigning partitions are treated as
// removed until they settle into ASSIGNED or drop out entirely.
func (a *PartitionAssignment) Rebalance(ctx *Context) error {
	start := ctx.now()

	partitions, err := ctx.Coordination.ListPartitions(context.Background())
	if err != nil {
		return err
	}

	owned := make(map[model.PartitionKey]model.Partition, len(partitions))
	for _, p := range partitions {
		if p.OwningSessionID == ctx.Session.ID && p.State == model.PartitionAssigned {
			owned[p.Key] = p
		}
	}

	var added []model.Partition
	for key, p := range owned {
		if _, exists := a.runtimes[key]; !exists {
			added = append(added, p)
		}
	}

	var removed []model.PartitionKey
	for key := range a.runtimes {
		if _, stillOwned := owned[key]; !stillOwned {
			removed = append(removed, key)
		}
	}

	if len(removed) > 0 {
		if err := a.remove(ctx, removed); err != nil {
			return err
		}
	}
	if len(added) > 0 {
		if err := a.add(ctx, added); err != nil {
			return err
		}
	}

	a.telemetry.RebalanceCount.Add(context.Background(), 1)
	a.telemetry.RebalanceLatency.Record(context.Background(), ctx.now().Sub(start).Seconds())

	a.logger.Debug("rebalance applied", "added", len(added), "removed", len(removed), "owned", len(a.runtimes))
	return nil
}

func (a *PartitionAssignment) add(ctx *Context, partitions []model.Partition) error {
	starts := make(map[model.PartitionKey]model.Cursor, len(partitions))
	for _, p := range partitions {
		cursor, err := ctx.Coordination.GetOffset(context.Background(), p.Key)
		if err != nil {
			return err
		}
		a.runtimes[p.Key] = &model.PartitionRuntimeState{
			Key:                 p.Key,
			LastSentCursor:      cursor,
			LastCommittedCursor: cursor,
			LastFlushedAt:       ctx.now(),
			Polling:             true,
		}
		starts[p.Key] = cursor
		a.logger.Info("partition assigned", "partition", p.Key.String(), "offset", cursor.Offset)
	}
	return ctx.Storage.AssignPartitions(context.Background(), starts)
}

func (a *PartitionAssignment) remove(ctx *Context, keys []model.PartitionKey) error {
	if err := ctx.Pipeline.releasePartitions(ctx, keys); err != nil {
		a.logger.Warn("failed to flush released partitions", "error", err)
	}
	if err := ctx.Storage.UnassignPartitions(context.Background(), keys); err != nil {
		return err
	}
	for _, key := range keys {
		delete(a.runtimes, key)
		a.logger.Info("partition released", "partition", key.String())
	}
	return nil
}
