package session

import (
	"context"

	"github.com/hazelstream/substream/model"
)

// startingState registers the session, runs the one-time subscription
// initialization under the distributed lock, wires the watchers that
// feed the loop for the rest of the session's life, and performs the
// first partition assignment before handing off to Streaming.
//
// Grounded on original_source StreamingContext.StartingState: register,
// initializeSubscriptionLocked, subscribeToSessionListChangeAndRebalance,
// registerForAuthorizationUpdates, then switch to STREAMING.
type startingState struct{}

func newStartingState() *startingState { return &startingState{} }

func (*startingState) Name() string { return "Starting" }

func (*startingState) OnEnter(ctx *Context) error {
	bg := context.Background()

	if err := ctx.AuthzGate.Check(bg, ctx.Subscription.ID); err != nil {
		return Expected(err)
	}

	if err := ctx.Coordination.RegisterSession(bg, ctx.Session); err != nil {
		return err
	}

	partitions, err := ctx.Coordination.ListPartitions(bg)
	if err != nil {
		return err
	}
	keys := make([]model.PartitionKey, len(partitions))
	for i, p := range partitions {
		keys[i] = p.Key
	}

	init := NewInitializeSubscriptionLocked(ctx.Coordination, ctx.StartingOffsets)
	if err := init.Run(bg, keys); err != nil {
		return err
	}

	watcher, err := ctx.Coordination.SubscribeForSessionListChanges(func() {
		ctx.Loop.Enqueue(RebalanceEvent{})
	})
	if err != nil {
		return err
	}
	ctx.sessionWatcher = watcher

	if err := ctx.AuthzGate.RecheckOnEventTypeChange(ctx.Subscription.EventTypes, func(eventType string) {
		ctx.Loop.Enqueue(AuthorizationRecheckEvent{EventType: eventType})
	}); err != nil {
		ctx.Logger.Warn("failed to register authorization-update listener", "error", err)
	}

	if err := ctx.Assignment.Rebalance(ctx); err != nil {
		return err
	}

	if err := ctx.Output.OnInitialized(ctx.Session.ID); err != nil {
		return Expected(err)
	}

	ctx.Loop.SwitchState(newStreamingState())
	return nil
}

func (*startingState) OnExit(ctx *Context) {}

func (*startingState) Handle(ctx *Context, event Event) (State, error) {
	// Starting completes synchronously in OnEnter and immediately
	// queues its own transition; nothing should reach Handle, but a
	// stray event (e.g. a session-list notification racing the
	// transition) is simply ignored rather than treated as a bug.
	return nil, nil
}
