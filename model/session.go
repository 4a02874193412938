package model

import "time"

// Session identifies one streaming connection for a subscription.
type Session struct {
	ID             string
	SubscriptionID string
	ClientID       string
	CreatedAt      time.Time
}

// StreamParameters are the per-session stream knobs; immutable for the
// session's lifetime, assembled by the request layer from query
// parameters or headers (spec.md §6).
type StreamParameters struct {
	BatchLimitEvents      int
	BatchFlushTimeout     time.Duration
	StreamTimeout         time.Duration
	StreamLimitEvents     int
	StreamKeepAliveLimit  int
	CommitTimeout         time.Duration
	MaxUncommittedEvents  int
	StreamMemoryLimitByte int64

	// KafkaPollTimeout bounds a single outstanding poll request per
	// partition (spec.md §4.5, §5).
	KafkaPollTimeout time.Duration

	// AutocommitTimeout is the age at which a pending batch is
	// committed automatically when autocommit is enabled for the
	// subscription; zero disables autocommit (spec.md §4.7).
	AutocommitTimeout time.Duration
}

// DefaultStreamParameters mirrors the defaults a request layer applies
// when the client omits a parameter.
func DefaultStreamParameters() StreamParameters {
	return StreamParameters{
		BatchLimitEvents:      1,
		BatchFlushTimeout:     30 * time.Second,
		StreamTimeout:         0, // 0 = unbounded
		StreamLimitEvents:     0, // 0 = unbounded
		StreamKeepAliveLimit:  0, // 0 = unlimited keep-alives
		CommitTimeout:         60 * time.Second,
		MaxUncommittedEvents:  10,
		StreamMemoryLimitByte: 5 * 1024 * 1024,
		KafkaPollTimeout:      30 * time.Second,
		AutocommitTimeout:     0,
	}
}

// UnprocessableEventPolicy is the subscription-level policy applied to
// events a downstream consumer reports as unprocessable (spec.md §4.8,
// §6).
type UnprocessableEventPolicy string

const (
	PolicySkipEvent       UnprocessableEventPolicy = "SKIP_EVENT"
	PolicyDeadLetterQueue UnprocessableEventPolicy = "DEAD_LETTER_QUEUE"
	PolicyAbort           UnprocessableEventPolicy = "ABORT"
)

// Annotation keys recognised on a subscription (spec.md §6).
const (
	AnnotationMaxEventSendCount       = "subscription.max.event.send.count"
	AnnotationUnprocessableEventPolicy = "subscription.unprocessable.event.policy"
)

// Subscription is the slice of subscription metadata the session
// engine needs; persistence and the full domain object live outside
// this module's scope.
type Subscription struct {
	ID                      string
	EventTypes              []string
	Annotations             map[string]string
	DeadLetterQueueEventType string
	ConsumerGroup           string
}

// MaxEventSendCount returns the parsed annotation, and whether it was
// present. Absence means unlimited retries — the DLQ policy never
// fires (spec.md §4.8; DESIGN.md Open Question decision).
func (s Subscription) MaxEventSendCount() (int, bool) {
	v, ok := s.Annotations[AnnotationMaxEventSendCount]
	if !ok {
		return 0, false
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func (s Subscription) UnprocessablePolicy() (UnprocessableEventPolicy, bool) {
	v, ok := s.Annotations[AnnotationUnprocessableEventPolicy]
	if !ok {
		return "", false
	}
	return UnprocessableEventPolicy(v), true
}
