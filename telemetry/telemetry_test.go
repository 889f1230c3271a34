package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestMemoryRecorder(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	_, s := r.StartSpan(ctx, SpanTool, Attributes{"tool": "read"})
	r.EndSpan(s, errors.New("boom"))
	r.RecordMetric(ctx, MetricToolCalls, 1, Attributes{"tool": "read"})
	require.NoError(t, r.Flush(ctx))

	spans := r.Spans(SpanTool)
	require.Len(t, spans, 1)
	assert.True(t, spans[0].Ended)
	assert.EqualError(t, spans[0].Err, "boom")
	assert.Len(t, r.Metrics(MetricToolCalls), 1)
	assert.Equal(t, 1, r.Flushes())
	assert.Empty(t, r.Spans(SpanModel))
}

func TestOTelRecorder_WithNoopProviders(t *testing.T) {
	r := NewOTelRecorder(func(o *OTelOptions) {
		o.TracerProvider = tracenoop.NewTracerProvider()
		o.MeterProvider = metricnoop.NewMeterProvider()
	})
	ctx := context.Background()

	ctx, s := r.StartSpan(ctx, SpanStep, Attributes{
		"step_id": "s1", "index": 1, "nested": false, "took": time.Second, "other": struct{}{},
	})
	assert.Equal(t, SpanStep, s.Kind())
	assert.NotPanics(t, func() {
		r.EndSpan(s, nil)
		r.EndSpan(foreignSpan(), errors.New("ignored"))
		r.RecordMetric(ctx, MetricToolCalls, 1, nil)
		r.RecordMetric(ctx, MetricStepDuration, 0.5, Attributes{"kind": "generate"})
		r.RecordMetric(ctx, MetricStepDuration, 0.7, nil)
	})
	assert.NoError(t, r.Flush(ctx))
}

func foreignSpan() Span {
	_, s := NoopRecorder{}.StartSpan(context.Background(), SpanRun, nil)
	return s
}
