// Package observability provides OpenTelemetry-based tracing and metrics
// for the scheduler. The core opens a span per tick and records tick
// duration, queue depth, protocol errors, and placed/failed jobs; agent
// lifecycle transitions get no span, and the RunCount and HostRunning
// instruments are defined here but not recorded by the core.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/fossology-go/scheduler"

// SpanAttr is a narrow key/value pair so callers outside this package
// don't need to depend directly on OTEL's attribute package.
type SpanAttr struct {
	Key   string
	Value any
}

// Tracer starts spans. NewTracer returns one backed by the global OTEL
// TracerProvider; call Init first or spans go to the no-op backend.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is the subset of an OTEL span the scheduler core needs.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a Tracer backed by the global OTEL TracerProvider.
func NewTracer() Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(toOTELAttrs(attrs)...))
	return ctx, &otelSpan{inner: span}
}

type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...SpanAttr) {
	s.inner.SetAttributes(toOTELAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() { s.inner.End() }

func toOTELAttrs(attrs []SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = toOTELAttr(a)
	}
	return out
}

func toOTELAttr(a SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

var (
	_ Tracer = (*otelTracer)(nil)
	_ Span   = (*otelSpan)(nil)
)

// Attribute keys used by the scheduler's spans and metrics.
const (
	AttrJobID     = "job.id"
	AttrAgentType = "agent.type"
	AttrHostName  = "host.name"
	AttrOutcome   = "outcome"
)
