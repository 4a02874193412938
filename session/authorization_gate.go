package session

import (
	"context"

	"github.com/hazelstream/substream/coordination"
	"github.com/hazelstream/substream/logger"
)

// SubscriptionAuthorizer is the subscription-level authorization
// check, distinct from the per-event PerEventAuthorizer: it answers
// "may this client view/read this subscription at all", not "may this
// specific event be delivered" (SPEC_FULL.md §5 feature #1).
type SubscriptionAuthorizer interface {
	AuthorizeSubscriptionView(ctx context.Context, subscriptionID string) error
	AuthorizeSubscriptionRead(ctx context.Context, subscriptionID string) error
}

// EventTypeChangeListener notifies on changes to any of a set of event
// types, used to re-trigger the subscription authorization check
// whenever one of the subscription's event types is touched
// (grounded on original_source's EventTypeChangeListener /
// registerForAuthorizationUpdates).
type EventTypeChangeListener interface {
	RegisterListener(onChange func(eventType string), eventTypes []string) (coordination.Watcher, error)
}

// AuthorizationGate owns the subscription-level authorization check
// and its re-trigger subscription, a scoped resource released on
// state exit (spec.md §9).
type AuthorizationGate struct {
	authorizer     SubscriptionAuthorizer
	changeListener EventTypeChangeListener
	logger         logger.Logger
	watcher        coordination.Watcher
}

func NewAuthorizationGate(authorizer SubscriptionAuthorizer, changeListener EventTypeChangeListener, l logger.Logger) *AuthorizationGate {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &AuthorizationGate{
		authorizer:     authorizer,
		changeListener: changeListener,
		logger:         l.With("component", "authz-gate"),
	}
}

// Check runs the subscription-level view+read authorization checks. A
// nil authorizer means authorization is not configured for this
// deployment — always allowed.
func (g *AuthorizationGate) Check(ctx context.Context, subscriptionID string) error {
	if g.authorizer == nil {
		return nil
	}
	if err := g.authorizer.AuthorizeSubscriptionView(ctx, subscriptionID); err != nil {
		return err
	}
	return g.authorizer.AuthorizeSubscriptionRead(ctx, subscriptionID)
}

// RecheckOnEventTypeChange installs trigger to fire whenever one of
// eventTypes changes. Idempotent no-op when no change listener is
// configured.
func (g *AuthorizationGate) RecheckOnEventTypeChange(eventTypes []string, trigger func(eventType string)) error {
	if g.changeListener == nil {
		return nil
	}
	w, err := g.changeListener.RegisterListener(trigger, eventTypes)
	if err != nil {
		return err
	}
	g.watcher = w
	return nil
}

// Close releases the change-listener subscription, matching original_source
// unregisterAuthorizationUpdates. Logged, not failed, on error — this
// runs from Closing.OnEnter, which must be infallible.
func (g *AuthorizationGate) Close() {
	if g.watcher == nil {
		return
	}
	if err := g.watcher.Close(); err != nil {
		g.logger.Warn("failed to close authorization-update watcher", "error", err)
	}
	g.watcher = nil
}
