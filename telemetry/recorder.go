// Package telemetry defines the optional sink the engine reports spans and
// metrics to, together with a no-op sink, an OpenTelemetry-backed sink and an
// in-memory sink for tests.
package telemetry

import "context"

// SpanKind classifies a span.
type SpanKind string

const (
	SpanRun   SpanKind = "workflow.run"
	SpanStep  SpanKind = "workflow.step"
	SpanModel SpanKind = "model.call"
	SpanTool  SpanKind = "tool.call"
)

// Metric names emitted by the engine.
const (
	MetricRunDuration  = "agentflow.run.duration"
	MetricStepDuration = "agentflow.step.duration"
	MetricToolDuration = "agentflow.tool.duration"
	MetricToolCalls    = "agentflow.tool.calls"
	MetricModelTokens  = "agentflow.model.tokens"
)

// Attributes are span and metric labels.
type Attributes map[string]any

// Span is an opaque handle returned by StartSpan.
type Span interface {
	Kind() SpanKind
}

// Recorder receives spans and metrics. Implementations must be safe for
// concurrent use since parallel steps report concurrently.
type Recorder interface {
	StartSpan(ctx context.Context, kind SpanKind, attrs Attributes) (context.Context, Span)
	EndSpan(span Span, err error)
	RecordMetric(ctx context.Context, name string, value float64, attrs Attributes)
	Flush(ctx context.Context) error
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

type noopSpan SpanKind

func (s noopSpan) Kind() SpanKind { return SpanKind(s) }

func (NoopRecorder) StartSpan(ctx context.Context, kind SpanKind, _ Attributes) (context.Context, Span) {
	return ctx, noopSpan(kind)
}

func (NoopRecorder) EndSpan(Span, error) {}

func (NoopRecorder) RecordMetric(context.Context, string, float64, Attributes) {}

func (NoopRecorder) Flush(context.Context) error { return nil }
