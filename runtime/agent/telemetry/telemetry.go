// Package telemetry defines the logging, metrics, and tracing ports used
// throughout the runtime. Components depend on these interfaces rather than
// on goa.design/clue or OTEL directly, so they can be swapped for no-op
// implementations in tests.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger emits structured, leveled log messages. keyvals is a flat
// alternating list of keys and values (k1, v1, k2, v2, ...), the same
// convention goa.design/clue/log uses.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics records counters, timers, and gauges tagged with dimension pairs
// (k1, v1, k2, v2, ...).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer starts and retrieves spans.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span is a single unit of tracing work.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

var (
	_ Logger  = ClueLogger{}
	_ Logger  = NoopLogger{}
	_ Metrics = (*ClueMetrics)(nil)
	_ Metrics = NoopMetrics{}
	_ Tracer  = (*ClueTracer)(nil)
	_ Tracer  = NoopTracer{}
	_ Span    = (*clueSpan)(nil)
	_ Span    = noopSpan{}
)
