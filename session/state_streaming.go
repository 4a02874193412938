package session

import "context"

// streamingState is where a session spends almost all of its life: it
// owns the poller and the recurring timers, and routes every Event
// kind to the collaborator that owns it (C2/C4/C5/C6/C7/C8). Grounded
// on original_source StreamingContext's STREAMING state and its
// event(...) switch inside streamInternal.
type streamingState struct{}

func newStreamingState() *streamingState { return &streamingState{} }

func (*streamingState) Name() string { return "Streaming" }

func (*streamingState) OnEnter(ctx *Context) error {
	ctx.cancelTick = ctx.Timer.ScheduleRepeating(ctx.Params.BatchFlushTimeout, func() Event {
		return TickEvent{}
	})

	if ctx.Params.AutocommitTimeout > 0 {
		ctx.cancelAutocommit = ctx.Timer.ScheduleRepeating(ctx.Params.AutocommitTimeout, func() Event {
			return AutocommitTickEvent{}
		})
	}

	if ctx.Params.CommitTimeout > 0 {
		ctx.cancelCommitTimeout = ctx.Timer.ScheduleRepeating(ctx.Params.CommitTimeout, func() Event {
			return CommitTimeoutTickEvent{}
		})
	}

	if ctx.Params.StreamTimeout > 0 {
		ctx.cancelStreamTimeout = ctx.Timer.Schedule(ctx.Params.StreamTimeout, TerminateEvent{Reason: Expected(ErrStreamTimeout)})
	}

	ctx.Poller.Start()
	return nil
}

// OnExit does nothing: every scoped resource started in OnEnter is
// torn down centrally by closingState.OnEnter, the only state
// Streaming ever transitions to.
func (*streamingState) OnExit(ctx *Context) {}

func (*streamingState) Handle(ctx *Context, event Event) (State, error) {
	switch ev := event.(type) {
	case RebalanceEvent:
		return handleRebalance(ctx)

	case PollResultEvent:
		return ctx.Pipeline.HandleRaw(ctx, ev.Events)

	case TickEvent:
		return ctx.Pipeline.Tick(ctx)

	case AutocommitTickEvent:
		return nil, ctx.Commit.Autocommit(ctx)

	case CommitTimeoutTickEvent:
		if err := ctx.Commit.CheckTimeouts(ctx); err != nil {
			return nil, Expected(err)
		}
		return nil, nil

	case CommitAckEvent:
		return handleCommitAck(ctx, ev)

	case AuthorizationRecheckEvent:
		if err := ctx.AuthzGate.Check(context.Background(), ctx.Subscription.ID); err != nil {
			return nil, Expected(err)
		}
		return nil, nil

	case TerminateEvent:
		return newClosingState(ev.Reason), nil

	case UnprocessableEventEvent:
		return handleUnprocessable(ctx, ev)

	default:
		ctx.Logger.Warn("streaming: unhandled event", "type", event)
		return nil, nil
	}
}

func handleRebalance(ctx *Context) (State, error) {
	if err := ctx.Assignment.Rebalance(ctx); err != nil {
		return nil, err
	}
	if ctx.Assignment.Empty() {
		return newClosingState(Expected(ErrNoPartitionsOwned)), nil
	}
	return nil, nil
}

func handleCommitAck(ctx *Context, ev CommitAckEvent) (State, error) {
	results, err := ctx.Commit.Ack(ctx, ev.Cursors)
	if ev.Result != nil {
		ev.Result <- CommitAckResult{Committed: results, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}
