package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazelstream/substream/coordination"
	"github.com/hazelstream/substream/dlq"
	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/model"
	"github.com/hazelstream/substream/storage"
	"github.com/hazelstream/substream/telemetry"
)

// Config carries the collaborators every Session needs regardless of
// deployment: the identity of this session/subscription, its stream
// parameters, and the three external systems it talks to. Everything
// else is optional and set through an Option (spec.md §9 "Session
// facade", grounded on the teacher's runner.Factory + *Config +
// functional-options shape).
type Config struct {
	Session      model.Session
	Subscription model.Subscription
	Params       model.StreamParameters

	Coordination coordination.Client
	Storage      storage.EventStorage
	Output       SubscriptionOutput
}

type options struct {
	comparator model.CursorComparator

	dlqHandler   *dlq.DLQHandler
	dlqPublisher dlq.Publisher

	authorizer PerEventAuthorizer
	eventTypes EventTypeExtractor
	categories EventTypeCategoryLookup
	guard      ConsumptionGuard
	tokens     CursorTokenIssuer

	subAuthorizer  SubscriptionAuthorizer
	changeListener EventTypeChangeListener

	startingOffsets StartingOffsetProvider

	logger    logger.Logger
	telemetry *telemetry.Telemetry
	features  FeatureToggles
	clock     func() time.Time
}

// Option configures one optional Session collaborator.
type Option func(*options)

func WithCursorComparator(c model.CursorComparator) Option {
	return func(o *options) { o.comparator = c }
}

func WithDLQHandler(h *dlq.DLQHandler) Option {
	return func(o *options) { o.dlqHandler = h }
}

// WithDLQPublisher supplies the Publisher the default DLQ handler
// republishes through; ignored if WithDLQHandler overrides the handler
// outright. Without either, unprocessable events are retried/skipped
// per the subscription's policy but never republished.
func WithDLQPublisher(p dlq.Publisher) Option {
	return func(o *options) { o.dlqPublisher = p }
}

func WithPerEventAuthorizer(a PerEventAuthorizer) Option {
	return func(o *options) { o.authorizer = a }
}

func WithEventTypeExtractor(e EventTypeExtractor) Option {
	return func(o *options) { o.eventTypes = e }
}

func WithEventTypeCategoryLookup(c EventTypeCategoryLookup) Option {
	return func(o *options) { o.categories = c }
}

func WithConsumptionGuard(g ConsumptionGuard) Option {
	return func(o *options) { o.guard = g }
}

func WithCursorTokenIssuer(t CursorTokenIssuer) Option {
	return func(o *options) { o.tokens = t }
}

// WithSubscriptionAuthorizer installs the subscription-level
// view/read check and its optional event-type change listener
// (changeListener may be nil if the deployment has no way to watch
// for event-type updates).
func WithSubscriptionAuthorizer(a SubscriptionAuthorizer, changeListener EventTypeChangeListener) Option {
	return func(o *options) {
		o.subAuthorizer = a
		o.changeListener = changeListener
	}
}

func WithStartingOffsetProvider(p StartingOffsetProvider) Option {
	return func(o *options) { o.startingOffsets = p }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

func WithFeatureToggles(f FeatureToggles) Option {
	return func(o *options) { o.features = f }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// Session is the facade (C9) wrapping one subscription stream's loop,
// state machine and collaborators behind Stream/Terminate.
type Session struct {
	ctx  *Context
	loop *Loop
}

// New validates cfg, applies opts over the defaults, and assembles the
// loop and its collaborators. It does not start anything; call Stream
// to run the session to completion.
func New(cfg Config, opts ...Option) (*Session, error) {
	if cfg.Coordination == nil {
		return nil, fmt.Errorf("session: Coordination is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("session: Storage is required")
	}
	if cfg.Output == nil {
		return nil, fmt.Errorf("session: Output is required")
	}
	if cfg.Session.ID == "" {
		return nil, fmt.Errorf("session: Session.ID is required")
	}
	if cfg.Subscription.ID == "" {
		return nil, fmt.Errorf("session: Subscription.ID is required")
	}

	o := options{
		comparator:      model.NumericCursorComparator,
		guard:           AllowAllGuard{},
		startingOffsets: OldestOffsetProvider{},
		logger:          logger.NewNoopLogger(),
		telemetry:       telemetry.Noop(),
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.tokens == nil {
		o.tokens = NewHMACCursorTokenIssuer([]byte(cfg.Subscription.ID))
	}
	if o.dlqHandler == nil {
		maxSendCount, hasMaxSendCount := cfg.Subscription.MaxEventSendCount()
		policy, _ := cfg.Subscription.UnprocessablePolicy()
		o.dlqHandler = dlq.New(
			dlq.NewPolicy(policy, maxSendCount, hasMaxSendCount),
			cfg.Subscription.DeadLetterQueueEventType,
			o.dlqPublisher,
			o.logger,
			nil,
		)
	}

	ctx := &Context{
		Session:         cfg.Session,
		Subscription:    cfg.Subscription,
		Params:          cfg.Params,
		Comparator:      o.comparator,
		Coordination:    cfg.Coordination,
		Storage:         cfg.Storage,
		Output:          cfg.Output,
		DLQ:             o.dlqHandler,
		Authorizer:      o.authorizer,
		EventTypes:      o.eventTypes,
		Categories:      o.categories,
		Guard:           o.guard,
		Tokens:          o.tokens,
		StartingOffsets: o.startingOffsets,
		Logger:          o.logger,
		Telemetry:       o.telemetry,
		Features:        o.features,
		Clock:           o.clock,

		unprocessableAttempts: make(map[model.PartitionKey]int),
	}
	ctx.AuthzGate = NewAuthorizationGate(o.subAuthorizer, o.changeListener, o.logger)
	ctx.Assignment = NewPartitionAssignment(o.logger, o.telemetry)
	ctx.Pipeline = NewStreamPipeline(cfg.Params, o.comparator, o.logger, o.telemetry)
	ctx.Commit = NewCommitTracker(cfg.Params, o.comparator, o.logger, o.telemetry)

	loop := NewLoop(ctx, o.logger)
	ctx.Timer = NewTimer(loop)
	ctx.Poller = NewEventPoller(cfg.Storage, loop, o.logger, o.telemetry)

	return &Session{ctx: ctx, loop: loop}, nil
}

// Stream runs the session's loop to completion: Starting, Streaming,
// Closing, then Dead. It blocks until the session ends, returning the
// close reason (nil for a graceful, operator- or client-initiated
// close).
func (s *Session) Stream() error {
	s.ctx.Telemetry.SessionsActive.Add(context.Background(), 1)
	defer s.ctx.Telemetry.SessionsActive.Add(context.Background(), -1)

	err := s.loop.Run(newStartingState())
	var expected expectedError
	if errors.As(err, &expected) {
		return expected.err
	}
	return err
}

// Terminate requests a graceful close from outside the loop — the
// HTTP layer's client-disconnect path (spec.md §4.2, Streaming event
// (h)). Safe to call from any goroutine, any number of times.
func (s *Session) Terminate() {
	s.loop.Enqueue(TerminateEvent{})
}

// CommitGateway returns the validator an HTTP handler should run a
// commit request through before translating it into a CommitAckEvent.
func (s *Session) CommitGateway() *CommitGateway {
	return NewCommitGateway(s.ctx.Coordination)
}

// Commit submits cursors for commit and blocks for the result,
// callable from outside the loop once CommitGateway.ValidateCommit has
// already accepted the request.
func (s *Session) Commit(cursors []model.Cursor) ([]bool, error) {
	result := make(chan CommitAckResult, 1)
	s.loop.Enqueue(CommitAckEvent{Cursors: cursors, Result: result})
	r := <-result
	return r.Committed, r.Err
}

// ReportUnprocessable lets a downstream consumer signal that it
// could not process the event at cursor (spec.md §4.8).
func (s *Session) ReportUnprocessable(cursor model.Cursor, payload []byte, reason string) {
	s.loop.Enqueue(UnprocessableEventEvent{Cursor: cursor, Payload: payload, Reason: reason})
}
