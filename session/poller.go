package session

import (
	"context"
	"errors"
	"time"

	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/storage"
	"github.com/hazelstream/substream/telemetry"
)

// idlePollBackoff bounds how fast the poll goroutine can spin when
// Poll returns immediately with no events (e.g. a fake or a broker
// with nothing new), so it never busy-loops.
const idlePollBackoff = 50 * time.Millisecond

// EventPoller owns the one background goroutine that blocks inside
// storage.Poll and turns results into PollResultEvents on the loop
// (C5). This is the sole exception to "only the loop goroutine touches
// state" (spec.md §9): the poller goroutine never mutates anything, it
// only enqueues. Grounded on the teacher's runner.SingleThreaded poll
// loop feeding a task.Manager.
type EventPoller struct {
	storage   storage.EventStorage
	loop      *Loop
	logger    logger.Logger
	telemetry *telemetry.Telemetry

	cancel context.CancelFunc
	done   chan struct{}
}

func NewEventPoller(s storage.EventStorage, loop *Loop, l logger.Logger, t *telemetry.Telemetry) *EventPoller {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	if t == nil {
		t = telemetry.Noop()
	}
	return &EventPoller{storage: s, loop: loop, logger: l.With("component", "poller"), telemetry: t}
}

// Start launches the poll goroutine. Safe to call once per session
// lifetime; Stop must be called before the session ends.
func (p *EventPoller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		for {
			start := time.Now()
			events, err := p.storage.Poll(ctx)
			p.telemetry.PollDuration.Record(ctx, time.Since(start).Seconds())

			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				p.logger.Warn("poll failed", "error", err)
				p.loop.Enqueue(TerminateEvent{Reason: Expected(err)})
				return
			}

			if len(events) == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(idlePollBackoff):
				}
				continue
			}

			p.telemetry.EventsPolled.Add(ctx, int64(len(events)))
			p.loop.Enqueue(PollResultEvent{Events: events})

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
}

// Stop cancels the poll goroutine and waits for it to exit.
func (p *EventPoller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}
