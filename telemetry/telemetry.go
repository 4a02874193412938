// Package telemetry holds the OpenTelemetry instruments used across the
// session engine. When no providers are configured every instrument is a
// noop with zero overhead.
package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/hazelstream/substream"

// Telemetry holds all instruments a running session emits into.
type Telemetry struct {
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator

	// Session lifecycle
	SessionsActive   metric.Int64UpDownCounter
	RebalanceCount   metric.Int64Counter
	RebalanceLatency metric.Float64Histogram

	// Polling
	PollDuration metric.Float64Histogram
	EventsPolled metric.Int64Counter

	// Pipeline
	BatchFlushDuration metric.Float64Histogram
	BufferedBytes      metric.Int64UpDownCounter
	EventsDropped      metric.Int64Counter
	KeepAlivesEmitted  metric.Int64Counter

	// Commit tracking
	CommitDuration metric.Float64Histogram
	CommitFailures metric.Int64Counter
	CommitsAcked   metric.Int64Counter

	// DLQ
	DLQPublished metric.Int64Counter
}

// New builds a Telemetry instance from the given providers. All
// providers are optional and default to noops.
func New(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) (*Telemetry, error) {
	if tp == nil {
		tp = traceNoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	if prop == nil {
		prop = propagation.TraceContext{}
	}

	tracer := tp.Tracer(scopeName)
	meter := mp.Meter(scopeName)

	t := &Telemetry{Tracer: tracer, Propagator: prop}

	var err error
	if t.SessionsActive, err = meter.Int64UpDownCounter(
		"substream.sessions.active", metric.WithDescription("Active streaming sessions"),
	); err != nil {
		return nil, err
	}
	if t.RebalanceCount, err = meter.Int64Counter(
		"substream.rebalance.count", metric.WithDescription("Rebalance ticks processed"),
	); err != nil {
		return nil, err
	}
	if t.RebalanceLatency, err = meter.Float64Histogram(
		"substream.rebalance.duration", metric.WithDescription("Time per rebalance tick"), metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.PollDuration, err = meter.Float64Histogram(
		"substream.poll.duration", metric.WithDescription("Time per partition poll"), metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.EventsPolled, err = meter.Int64Counter(
		"substream.events.polled", metric.WithDescription("Events pulled from storage"),
	); err != nil {
		return nil, err
	}
	if t.BatchFlushDuration, err = meter.Float64Histogram(
		"substream.batch.flush.duration", metric.WithDescription("Time per output write"), metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.BufferedBytes, err = meter.Int64UpDownCounter(
		"substream.buffered.bytes", metric.WithDescription("Bytes pending flush across all partitions"),
	); err != nil {
		return nil, err
	}
	if t.EventsDropped, err = meter.Int64Counter(
		"substream.events.dropped", metric.WithDescription("Events dropped by the pipeline"),
	); err != nil {
		return nil, err
	}
	if t.KeepAlivesEmitted, err = meter.Int64Counter(
		"substream.keepalives", metric.WithDescription("Keep-alive batches emitted"),
	); err != nil {
		return nil, err
	}
	if t.CommitDuration, err = meter.Float64Histogram(
		"substream.commit.duration", metric.WithDescription("Time per commit round-trip"), metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.CommitFailures, err = meter.Int64Counter(
		"substream.commit.failures", metric.WithDescription("Commits rejected as stale"),
	); err != nil {
		return nil, err
	}
	if t.CommitsAcked, err = meter.Int64Counter(
		"substream.commit.acked", metric.WithDescription("Cursors accepted as a genuine commit advance"),
	); err != nil {
		return nil, err
	}
	if t.DLQPublished, err = meter.Int64Counter(
		"substream.dlq.published", metric.WithDescription("Events republished to a DLQ event type"),
	); err != nil {
		return nil, err
	}

	return t, nil
}

// Noop returns a Telemetry instance with all noop instruments.
func Noop() *Telemetry {
	t, _ := New(nil, nil, nil)
	return t
}
