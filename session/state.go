package session

// State is the sum type for a session's lifecycle phase (C2),
// dispatched polymorphically per spec.md §9: {onEnter, onExit,
// handle(event)}. Transitions happen only from inside the loop.
type State interface {
	Name() string

	// OnEnter runs setup for this phase. A non-nil error is routed
	// through the same fatal path as a Handle error.
	OnEnter(ctx *Context) error

	// OnExit runs teardown for this phase. Must not fail — any panic
	// is recovered and logged by the loop, never surfaced.
	OnExit(ctx *Context)

	// Handle processes one event. Returning a non-nil state requests a
	// graceful (enqueued) transition; returning a non-nil error
	// requests an immediate (fatal) transition to Closing.
	Handle(ctx *Context, event Event) (State, error)
}
