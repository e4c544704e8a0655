// Package telemetry integrates the execution core with Clue logging and OTEL
// metrics and tracing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names emitted by the engine, queue and worker runtime.
const (
	// MetricEventsAppended counts events durably appended to the event log.
	MetricEventsAppended = "noetl_events_appended_total"
	// MetricCommandsInFlight gauges leased commands not yet acked.
	MetricCommandsInFlight = "noetl_commands_in_flight"
	// MetricQueueLeaseLatency records the time between enqueue and lease.
	MetricQueueLeaseLatency = "noetl_queue_lease_latency_seconds"
	// MetricStepRetries counts retry attempts scheduled for steps.
	MetricStepRetries = "noetl_step_retries_total"
	// MetricIteratorIterations counts loop iterations dispatched.
	MetricIteratorIterations = "noetl_iterator_iterations_total"
	// MetricExecutionDuration records end-to-end execution duration.
	MetricExecutionDuration = "noetl_execution_duration_seconds"
)

// Logger captures structured logging used throughout the execution core.
// Implementations typically delegate to Clue but the interface is intentionally
// small so tests can provide lightweight stubs. Callers pass execution context
// as key-value pairs: "execution_id", "step", "attempt", "event_id".
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for core instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so core code can remain agnostic of the
// underlying OpenTelemetry provider. Uses OTEL option types for type safety.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
// Example usage:
//
//	ctx, span := tracer.Start(ctx, "engine.decide")
//	defer span.End()
//	span.SetStatus(codes.Ok, "decided")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
