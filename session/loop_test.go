//go:build unit

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingState is a minimal State used to exercise Loop mechanics
// directly, independent of the real session state machine.
type recordingState struct {
	name      string
	onEnter   func(ctx *Context) error
	onExit    func(ctx *Context)
	handle    func(ctx *Context, ev Event) (State, error)
	entered   *[]string
}

func (s *recordingState) Name() string { return s.name }

func (s *recordingState) OnEnter(ctx *Context) error {
	if s.entered != nil {
		*s.entered = append(*s.entered, s.name)
	}
	if s.onEnter != nil {
		return s.onEnter(ctx)
	}
	return nil
}

func (s *recordingState) OnExit(ctx *Context) {
	if s.onExit != nil {
		s.onExit(ctx)
	}
}

func (s *recordingState) Handle(ctx *Context, ev Event) (State, error) {
	if s.handle != nil {
		return s.handle(ctx, ev)
	}
	return nil, nil
}

type stopEvent struct{}

func TestLoop_RunsThroughStatesToDead(t *testing.T) {
	ctx := newTestFixture(testParams()).ctx
	l := NewLoop(ctx, nil)

	var entered []string

	stateB := &recordingState{
		name:    "B",
		entered: &entered,
		onEnter: func(ctx *Context) error {
			l.SwitchState(newClosingState(nil))
			return nil
		},
	}
	stateA := &recordingState{
		name:    "A",
		entered: &entered,
		onEnter: func(ctx *Context) error {
			l.Enqueue(stopEvent{})
			return nil
		},
		handle: func(ctx *Context, ev Event) (State, error) {
			if _, ok := ev.(stopEvent); ok {
				return stateB, nil
			}
			return nil, nil
		},
	}

	err := l.Run(stateA)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, entered, "the real closingState that B hands off to isn't a recordingState and so isn't tracked here")
}

func TestLoop_FatalErrorRoutesThroughClosing(t *testing.T) {
	ctx := newTestFixture(testParams()).ctx
	l := NewLoop(ctx, nil)

	boom := errors.New("boom")
	var entered []string
	failing := &recordingState{
		name:    "Failing",
		entered: &entered,
		onEnter: func(ctx *Context) error {
			l.Enqueue(struct{}{})
			return nil
		},
		handle: func(ctx *Context, ev Event) (State, error) {
			return nil, boom
		},
	}

	err := l.Run(failing)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"Failing"}, entered)
}

func TestLoop_SwitchStateImmediatelyClearsQueue(t *testing.T) {
	ctx := newTestFixture(testParams()).ctx
	l := NewLoop(ctx, nil)

	processed := make(chan Event, 10)
	s := &recordingState{
		name: "S",
		onEnter: func(ctx *Context) error {
			// stopEvent is dequeued first (FIFO) and triggers an
			// immediate transition, which must clear stale-work before
			// it is ever dispatched.
			l.Enqueue(stopEvent{})
			l.Enqueue("stale-work")
			return nil
		},
		handle: func(ctx *Context, ev Event) (State, error) {
			if _, ok := ev.(stopEvent); ok {
				l.SwitchStateImmediately(newClosingState(nil))
				return nil, nil
			}
			processed <- ev
			return nil, nil
		},
	}

	done := make(chan error, 1)
	go func() { done <- l.Run(s) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not reach Dead in time")
	}
	assert.Empty(t, processed, "work queued before an immediate transition must never be dispatched")
}

func TestLoop_PanicInHandlerClosesGracefully(t *testing.T) {
	ctx := newTestFixture(testParams()).ctx
	l := NewLoop(ctx, nil)

	s := &recordingState{
		name: "Panicky",
		onEnter: func(ctx *Context) error {
			l.Enqueue(struct{}{})
			return nil
		},
		handle: func(ctx *Context, ev Event) (State, error) {
			panic("kaboom")
		},
	}

	err := l.Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestLoop_OnExitPanicIsSwallowed(t *testing.T) {
	ctx := newTestFixture(testParams()).ctx
	l := NewLoop(ctx, nil)

	s := &recordingState{
		name: "ExitsBadly",
		onEnter: func(ctx *Context) error {
			l.Enqueue(struct{}{})
			return nil
		},
		onExit: func(ctx *Context) {
			panic("exit panic")
		},
		handle: func(ctx *Context, ev Event) (State, error) {
			return newClosingState(nil), nil
		},
	}

	err := l.Run(s)
	assert.NoError(t, err, "a panicking OnExit must not surface as the session's close reason")
}
