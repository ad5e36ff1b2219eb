package sitebus

import (
	"log/slog"

	"github.com/randalmurphal/sitebus/pkg/sitebus/archive"
	"github.com/randalmurphal/sitebus/pkg/sitebus/config"
	"github.com/randalmurphal/sitebus/pkg/sitebus/observability"
	"github.com/randalmurphal/sitebus/pkg/sitebus/signal"
)

type frameworkConfig struct {
	settings config.Settings
	site     config.Config
	archiver archive.Store
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	stop     *signal.Stop
}

func defaultFrameworkConfig() frameworkConfig {
	return frameworkConfig{
		settings: config.DefaultSettings(),
		site:     config.New(nil),
	}
}

// Option configures a Framework.
type Option func(*frameworkConfig)

// WithSettings replaces the framework settings.
// Default: config.DefaultSettings()
func WithSettings(s config.Settings) Option {
	return func(c *frameworkConfig) {
		c.settings = s
	}
}

// WithArchiver sets the archive every manager forwards to. The framework
// closes it on Close.
// Default: an in-memory archiver, or SQLite when Settings.ArchivePath is set
func WithArchiver(a archive.Store) Option {
	return func(c *frameworkConfig) {
		c.archiver = a
	}
}

// WithLogger sets the logger shared by every manager and component.
// Default: built from Settings.LogLevel and Settings.LogFormat on stderr
func WithLogger(l *slog.Logger) Option {
	return func(c *frameworkConfig) {
		c.logger = l
	}
}

// WithMetrics sets the metrics recorder.
// Default: OpenTelemetry when Settings.Telemetry is set, otherwise no-op
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *frameworkConfig) {
		c.metrics = m
	}
}

// WithSpans sets the span manager used for command execution.
// Default: OpenTelemetry when Settings.Telemetry is set, otherwise no-op
func WithSpans(s observability.SpanManager) Option {
	return func(c *frameworkConfig) {
		c.spans = s
	}
}

// WithStop shares an existing stop signal instead of creating one.
func WithStop(s *signal.Stop) Option {
	return func(c *frameworkConfig) {
		c.stop = s
	}
}
