package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/hupe1980/agentflow"

type flusher interface {
	ForceFlush(ctx context.Context) error
}

// OTelOptions configures an OTelRecorder.
type OTelOptions struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// OTelRecorder reports spans and metrics through OpenTelemetry. Metrics whose
// name ends in ".calls" or ".count" become counters, everything else a
// histogram.
type OTelRecorder struct {
	tracer     trace.Tracer
	meter      metric.Meter
	providers  []any
	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTelRecorder uses the global providers unless overridden.
func NewOTelRecorder(optFns ...func(o *OTelOptions)) *OTelRecorder {
	opts := OTelOptions{
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &OTelRecorder{
		tracer:     opts.TracerProvider.Tracer(instrumentationName),
		meter:      opts.MeterProvider.Meter(instrumentationName),
		providers:  []any{opts.TracerProvider, opts.MeterProvider},
		counters:   map[string]metric.Float64Counter{},
		histograms: map[string]metric.Float64Histogram{},
	}
}

type otelSpan struct {
	kind SpanKind
	span trace.Span
}

func (s *otelSpan) Kind() SpanKind { return s.kind }

func (r *OTelRecorder) StartSpan(ctx context.Context, kind SpanKind, attrs Attributes) (context.Context, Span) {
	ctx, span := r.tracer.Start(ctx, string(kind), trace.WithAttributes(toAttrs(attrs)...))
	return ctx, &otelSpan{kind: kind, span: span}
}

func (r *OTelRecorder) EndSpan(s Span, err error) {
	span, ok := s.(*otelSpan)
	if !ok {
		return
	}
	if err != nil {
		span.span.RecordError(err)
		span.span.SetStatus(codes.Error, err.Error())
	} else {
		span.span.SetStatus(codes.Ok, "")
	}
	span.span.End()
}

func (r *OTelRecorder) RecordMetric(ctx context.Context, name string, value float64, attrs Attributes) {
	opt := metric.WithAttributes(toAttrs(attrs)...)
	if strings.HasSuffix(name, ".calls") || strings.HasSuffix(name, ".count") {
		if c, err := r.counter(name); err == nil {
			c.Add(ctx, value, opt)
		}
		return
	}
	if h, err := r.histogram(name); err == nil {
		h.Record(ctx, value, opt)
	}
}

// Flush forces export on providers that support it.
func (r *OTelRecorder) Flush(ctx context.Context) error {
	var errs []string
	for _, p := range r.providers {
		if f, ok := p.(flusher); ok {
			if err := f.ForceFlush(ctx); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry flush: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *OTelRecorder) counter(name string) (metric.Float64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c, nil
	}
	c, err := r.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	r.counters[name] = c
	return c, nil
}

func (r *OTelRecorder) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h, nil
	}
	h, err := r.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	r.histograms[name] = h
	return h, nil
}

func toAttrs(attrs Attributes) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case time.Duration:
			out = append(out, attribute.Float64(k, val.Seconds()))
		case []string:
			out = append(out, attribute.StringSlice(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}
