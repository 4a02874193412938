package session

import (
	"time"

	"github.com/hazelstream/substream/coordination"
	"github.com/hazelstream/substream/dlq"
	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/model"
	"github.com/hazelstream/substream/storage"
	"github.com/hazelstream/substream/telemetry"
)

// FeatureToggles carries the global feature flags the loop consults,
// by reference through the Context rather than reached statically
// (spec.md §9 "Global feature toggle / metric registry").
type FeatureToggles struct {
	// SkipMisplacedEvents enables pipeline step 2 (§4.6, §6).
	SkipMisplacedEvents bool
}

// Context is the state a session's loop carries across its whole
// lifetime: collaborators, configuration and the runtime views built
// up by Starting and consulted by Streaming. States receive a
// borrowed *Context through onEnter/Handle; none of them own it
// (spec.md §9 "Cyclic reference State↔Context").
type Context struct {
	Session      model.Session
	Subscription model.Subscription
	Params       model.StreamParameters
	Comparator   model.CursorComparator

	Coordination coordination.Client
	Storage      storage.EventStorage
	Output       SubscriptionOutput
	DLQ          *dlq.DLQHandler
	Authorizer   PerEventAuthorizer
	EventTypes   EventTypeExtractor
	Categories   EventTypeCategoryLookup
	Guard        ConsumptionGuard
	Tokens       CursorTokenIssuer
	AuthzGate    *AuthorizationGate
	StartingOffsets StartingOffsetProvider

	Logger    logger.Logger
	Telemetry *telemetry.Telemetry
	Features  FeatureToggles
	Clock     func() time.Time

	Loop       *Loop
	Timer      *Timer
	Assignment *PartitionAssignment
	Pipeline   *StreamPipeline
	Commit     *CommitTracker
	Poller     *EventPoller

	sessionWatcher coordination.Watcher

	cancelTick           func()
	cancelAutocommit     func()
	cancelCommitTimeout  func()
	cancelStreamTimeout  func()

	// unprocessableAttempts tracks send attempts per partition for the DLQ
	// policy (§4.8); reset once a cursor resolves (skip/publish/abort).
	unprocessableAttempts map[model.PartitionKey]int
}

func (c *Context) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}
