// Package telemetry integrates the coordination core with structured logging,
// metrics, and tracing. The Orchestrator accepts a Logger rather than
// reaching for globals, so a host process can wire in Clue for production or
// the no-op implementation for tests. Metrics and Tracer have Clue/OTEL and
// no-op implementations here, but no component in this module takes them.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the coordination core.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation (vote tallies, consensus latency, tool call durations).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so coordination-core code can remain
// agnostic of the underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
// Example usage:
//
//	ctx, span := tracer.Start(ctx, "orchestrator.consensus")
//	defer span.End()
//	span.SetStatus(codes.Ok, "consensus reached")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// ToolTelemetry captures observability metadata collected during an external
// tool invocation. Extra holds tool-specific data not covered by the common
// fields (response headers, provider request IDs, and similar).
type ToolTelemetry struct {
	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
	// Extra holds tool-specific metadata not captured by the common fields.
	Extra map[string]any
}
