package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordHandled(_ context.Context, _, _ string, _ time.Duration, _ error) {}
func (NoopMetrics) RecordRouted(_ context.Context, _, _ string, _ int)                     {}
func (NoopMetrics) RecordCommand(_ context.Context, _, _, _ string)                        {}
func (NoopMetrics) RecordResponse(_ context.Context, _, _ string, _ time.Duration)         {}
func (NoopMetrics) RecordTimeout(_ context.Context, _ string)                              {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartCommandSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartCommandSpan(ctx context.Context, _, _ string, _ uint64) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
