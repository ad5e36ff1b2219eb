package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records bus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordHandled records one package handled by a destination.
	RecordHandled(ctx context.Context, destination, channel string, duration time.Duration, err error)

	// RecordRouted records a package fanned out by a manager to n subscribers.
	RecordRouted(ctx context.Context, manager, channel string, fanout int)

	// RecordCommand records a command issued to a destination.
	RecordCommand(ctx context.Context, destination, command, level string)

	// RecordResponse records a response closing a transaction.
	RecordResponse(ctx context.Context, destination, status string, latency time.Duration)

	// RecordTimeout records a caller giving up on a response.
	RecordTimeout(ctx context.Context, destination string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	handled         metric.Int64Counter
	handlerErrors   metric.Int64Counter
	handleLatency   metric.Float64Histogram
	routed          metric.Int64Counter
	fanout          metric.Int64Histogram
	commands        metric.Int64Counter
	responses       metric.Int64Counter
	responseLatency metric.Float64Histogram
	timeouts        metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the shared OTel instruments.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("sitebus")
	m := &otelMetrics{}
	var err error

	if m.handled, err = meter.Int64Counter("sitebus.packages.handled",
		metric.WithDescription("Packages handled by destinations"),
	); err != nil {
		return nil, err
	}
	if m.handlerErrors, err = meter.Int64Counter("sitebus.handler.errors",
		metric.WithDescription("Handler errors and panics contained by destinations"),
	); err != nil {
		return nil, err
	}
	if m.handleLatency, err = meter.Float64Histogram("sitebus.handler.latency_ms",
		metric.WithDescription("Package handling latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.routed, err = meter.Int64Counter("sitebus.packages.routed",
		metric.WithDescription("Packages fanned out by managers"),
	); err != nil {
		return nil, err
	}
	if m.fanout, err = meter.Int64Histogram("sitebus.packages.fanout",
		metric.WithDescription("Subscribers reached per routed package"),
	); err != nil {
		return nil, err
	}
	if m.commands, err = meter.Int64Counter("sitebus.commands.issued",
		metric.WithDescription("Commands issued"),
	); err != nil {
		return nil, err
	}
	if m.responses, err = meter.Int64Counter("sitebus.responses",
		metric.WithDescription("Responses that closed a transaction"),
	); err != nil {
		return nil, err
	}
	if m.responseLatency, err = meter.Float64Histogram("sitebus.response.latency_ms",
		metric.WithDescription("Time from command issue to response in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.timeouts, err = meter.Int64Counter("sitebus.commands.timeouts",
		metric.WithDescription("Callers that gave up waiting for a response"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordHandled(ctx context.Context, destination, channel string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("channel", channel),
	)
	m.handled.Add(ctx, 1, attrs)
	m.handleLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordRouted(ctx context.Context, manager, channel string, fanout int) {
	attrs := metric.WithAttributes(
		attribute.String("manager", manager),
		attribute.String("channel", channel),
	)
	m.routed.Add(ctx, 1, attrs)
	m.fanout.Record(ctx, int64(fanout), attrs)
}

func (m *otelMetrics) RecordCommand(ctx context.Context, destination, command, level string) {
	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("command", command),
		attribute.String("level", level),
	))
}

func (m *otelMetrics) RecordResponse(ctx context.Context, destination, status string, latency time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("status", status),
	)
	m.responses.Add(ctx, 1, attrs)
	m.responseLatency.Record(ctx, float64(latency.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordTimeout(ctx context.Context, destination string) {
	m.timeouts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("destination", destination),
	))
}
