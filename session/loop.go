package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/hazelstream/substream/logger"
)

// idleTimeout is the long-poll sentinel from spec.md §4.1 step 2: a
// timer-fired liveness tick is expected well before an hour for any
// active session, so a dequeue timeout this long never fires in
// practice and only bounds worst-case wakeups.
const idleTimeout = time.Hour

// Loop is the single-consumer FIFO driving one session (C1). Enqueue
// is safe from any goroutine; everything else — including State
// transitions — runs only on the goroutine that calls Run.
//
// Grounded on original_source StreamingContext.streamInternal /
// switchState / switchStateImmediately, adapted from Java's blocking
// queue + ScheduledExecutorService to a slice-backed queue with a
// wake channel (no analogue in the teacher's single-threaded runner,
// which drives off one blocking Poll call instead of a task queue).
type Loop struct {
	ctx *Context

	mu   sync.Mutex
	q    []Event
	wake chan struct{}

	state State

	logger     logger.Logger
	closeReason error
}

func NewLoop(ctx *Context, l logger.Logger) *Loop {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	loop := &Loop{
		ctx:    ctx,
		wake:   make(chan struct{}, 1),
		logger: l.With("component", "loop"),
	}
	ctx.Loop = loop
	return loop
}

// Enqueue appends an event to the queue. Callable from any goroutine.
func (l *Loop) Enqueue(e Event) {
	l.mu.Lock()
	l.q = append(l.q, e)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// clear discards all pending events, used only by switchStateImmediately
// to make sure stale work from a doomed state never runs.
func (l *Loop) clear() {
	l.mu.Lock()
	l.q = nil
	l.mu.Unlock()
}

func (l *Loop) dequeue(timeout time.Duration) (Event, bool) {
	l.mu.Lock()
	if len(l.q) > 0 {
		e := l.q[0]
		l.q = l.q[1:]
		l.mu.Unlock()
		return e, true
	}
	l.mu.Unlock()

	select {
	case <-l.wake:
		l.mu.Lock()
		if len(l.q) > 0 {
			e := l.q[0]
			l.q = l.q[1:]
			l.mu.Unlock()
			return e, true
		}
		l.mu.Unlock()
		return nil, false
	case <-time.After(timeout):
		return nil, false
	}
}

// SwitchState enqueues a transition — safe to call from inside a
// handler (spec.md §4.1).
func (l *Loop) SwitchState(next State) {
	l.Enqueue(transitionEvent{next: next})
}

// SwitchStateImmediately clears pending work before enqueueing the
// transition, used only for fatal transitions so delayed work from a
// doomed state cannot run (spec.md §4.1).
func (l *Loop) SwitchStateImmediately(next State) {
	l.clear()
	l.Enqueue(transitionEvent{next: next})
}

// Run blocks until the state reaches Dead, returning the close reason
// if any. It enqueues the transition into initial itself (spec.md
// §4.1 step 1).
func (l *Loop) Run(initial State) error {
	l.SwitchState(initial)

	for {
		ev, ok := l.dequeue(idleTimeout)
		if ok {
			l.dispatch(ev)
		}
		if _, dead := l.state.(*deadState); dead {
			return l.closeReason
		}
	}
}

func (l *Loop) dispatch(ev Event) {
	if te, isTransition := ev.(transitionEvent); isTransition {
		l.transition(te.next)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling %T: %v", ev, r)
			l.logger.Warn("task panicked, closing session", "error", err)
			l.closeReason = err
			l.SwitchStateImmediately(newClosingState(err))
		}
	}()

	if l.state == nil {
		return
	}

	next, err := l.state.Handle(l.ctx, ev)
	if err != nil {
		if !isExpected(err) {
			l.logger.Warn("task failed, closing session", "error", err)
		}
		l.closeReason = err
		l.SwitchStateImmediately(newClosingState(err))
		return
	}
	if next != nil {
		l.SwitchState(next)
	}
}

// transition runs the current state's onExit (infallible, any panic
// swallowed), installs next, and runs its onEnter. A failing onEnter
// is routed through the same fatal path as a Handle error, except when
// Closing itself fails to enter — then the loop forces Dead directly
// to guarantee termination.
func (l *Loop) transition(next State) {
	if l.state != nil {
		old := l.state
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warn("onExit panicked, continuing", "state", old.Name(), "panic", r)
				}
			}()
			old.OnExit(l.ctx)
		}()
	}

	l.logger.Info("switching state", "from", stateName(l.state), "to", next.Name())
	l.state = next
	if closing, ok := next.(*closingState); ok && closing.reason != nil && l.closeReason == nil {
		l.closeReason = closing.reason
	}

	err := l.enter(next)
	if err == nil {
		return
	}

	if !isExpected(err) {
		l.logger.Warn("onEnter failed", "state", next.Name(), "error", err)
	}
	l.closeReason = err

	if _, alreadyClosing := next.(*closingState); alreadyClosing {
		l.transition(deadState1)
		return
	}
	l.transition(newClosingState(err))
}

func (l *Loop) enter(next State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic entering %s: %v", next.Name(), r)
		}
	}()
	return next.OnEnter(l.ctx)
}

func stateName(s State) string {
	if s == nil {
		return "<none>"
	}
	return s.Name()
}
