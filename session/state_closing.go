package session

import (
	"context"
	"io"
)

// closingState tears every scoped resource down and always finishes by
// entering Dead itself; per spec.md §9 this state must be infallible —
// OnEnter never returns a non-nil error, so the loop's one piece of
// "what if Closing itself fails" handling in transition() is a
// backstop, not a path this state intends to take.
//
// Grounded on original_source StreamingContext's onExceptionInState /
// switchState(CLEANUP) teardown sequence: stop polling, release
// watchers, flush, unregister, notify the output, then terminate.
type closingState struct {
	reason error
}

func newClosingState(reason error) *closingState {
	return &closingState{reason: reason}
}

func (*closingState) Name() string { return "Closing" }

func (s *closingState) OnEnter(ctx *Context) error {
	if ctx.Poller != nil {
		ctx.Poller.Stop()
	}

	for _, cancel := range []func(){ctx.cancelTick, ctx.cancelAutocommit, ctx.cancelCommitTimeout, ctx.cancelStreamTimeout} {
		if cancel != nil {
			cancel()
		}
	}

	if ctx.sessionWatcher != nil {
		if err := ctx.sessionWatcher.Close(); err != nil {
			ctx.Logger.Warn("failed to close session-list watcher", "error", err)
		}
		ctx.sessionWatcher = nil
	}

	if ctx.AuthzGate != nil {
		ctx.AuthzGate.Close()
	}

	if ctx.Pipeline != nil {
		ctx.Pipeline.FlushAll(ctx)
	}

	if err := ctx.Coordination.UnregisterSession(context.Background(), ctx.Session); err != nil {
		ctx.Logger.Warn("failed to unregister session", "error", err)
	}

	if ctx.Storage != nil {
		if err := ctx.Storage.Close(); err != nil {
			ctx.Logger.Warn("failed to close storage", "error", err)
		}
	}

	if s.reason != nil && !isExpected(s.reason) {
		ctx.Output.OnException(s.reason)
	}
	if closer, ok := ctx.Output.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			ctx.Logger.Warn("failed to close output", "error", err)
		}
	}

	ctx.Logger.Info("session closing", "reason", reasonString(s.reason))

	ctx.Loop.SwitchState(deadState1)
	return nil
}

func (*closingState) OnExit(ctx *Context) {}

func (*closingState) Handle(ctx *Context, event Event) (State, error) {
	// Closing ignores further events; it already queued its own
	// transition to Dead in OnEnter.
	return nil, nil
}

func reasonString(err error) string {
	if err == nil {
		return "client disconnected"
	}
	return err.Error()
}
