package telemetry

import (
	"context"
	"sync"
)

// RecordedSpan is a span captured by MemoryRecorder.
type RecordedSpan struct {
	SpanKind SpanKind
	Attrs    Attributes
	Err      error
	Ended    bool
}

func (s *RecordedSpan) Kind() SpanKind { return s.SpanKind }

// RecordedMetric is a metric sample captured by MemoryRecorder.
type RecordedMetric struct {
	Name  string
	Value float64
	Attrs Attributes
}

// MemoryRecorder keeps everything in memory. Intended for tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	spans   []*RecordedSpan
	metrics []RecordedMetric
	flushes int
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (m *MemoryRecorder) StartSpan(ctx context.Context, kind SpanKind, attrs Attributes) (context.Context, Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &RecordedSpan{SpanKind: kind, Attrs: attrs}
	m.spans = append(m.spans, s)
	return ctx, s
}

func (m *MemoryRecorder) EndSpan(s Span, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := s.(*RecordedSpan); ok {
		rs.Ended = true
		rs.Err = err
	}
}

func (m *MemoryRecorder) RecordMetric(_ context.Context, name string, value float64, attrs Attributes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, RecordedMetric{Name: name, Value: value, Attrs: attrs})
}

func (m *MemoryRecorder) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

// Spans returns copies of the spans of the given kind, or all spans if kind is empty.
func (m *MemoryRecorder) Spans(kind SpanKind) []RecordedSpan {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedSpan
	for _, s := range m.spans {
		if kind == "" || s.SpanKind == kind {
			out = append(out, *s)
		}
	}
	return out
}

// Metrics returns the samples recorded under name.
func (m *MemoryRecorder) Metrics(name string) []RecordedMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedMetric
	for _, s := range m.metrics {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Flushes returns how many times Flush was called.
func (m *MemoryRecorder) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}
