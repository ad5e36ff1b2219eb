package config

import (
	"fmt"
	"strings"
	"time"

	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
)

// Settings are the framework-level knobs read from the top of a site file.
type Settings struct {
	// ResponseTimeout bounds GetResponse when the caller passes no timeout.
	ResponseTimeout time.Duration

	// Blocking selects wake-up driven manager loops. When false the loops
	// poll their queues every PollInterval.
	Blocking     bool
	PollInterval time.Duration

	// TransactionTTL is how long completed commands stay queryable.
	TransactionTTL time.Duration

	// ArchivePath is the SQLite archive file. Empty keeps the archive in
	// memory.
	ArchivePath string

	// ArchiveRetries is the number of attempts for a write that hits a
	// locked database.
	ArchiveRetries int

	LogLevel  string
	LogFormat string

	// Telemetry records OpenTelemetry metrics and spans through the global
	// providers. When false both are no-ops.
	Telemetry bool
}

// Setting keys.
const (
	KeyResponseTimeout = "response_timeout"
	KeyBlocking        = "blocking"
	KeyPollInterval    = "poll_interval"
	KeyTransactionTTL  = "transaction_ttl"
	KeyArchivePath     = "archive_path"
	KeyArchiveRetries  = "archive_retries"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
	KeyTelemetry       = "telemetry"
	KeyComponents      = "components"
)

// DefaultSettings returns the values used for keys a site file leaves out.
func DefaultSettings() Settings {
	return Settings{
		ResponseTimeout: time.Second,
		Blocking:        true,
		PollInterval:    10 * time.Millisecond,
		TransactionTTL:  5 * time.Minute,
		ArchiveRetries:  3,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Settings reads the framework settings, falling back to DefaultSettings.
func (c Config) Settings() Settings {
	d := DefaultSettings()
	return Settings{
		ResponseTimeout: c.Duration(KeyResponseTimeout, d.ResponseTimeout),
		Blocking:        c.Bool(KeyBlocking, d.Blocking),
		PollInterval:    c.Duration(KeyPollInterval, d.PollInterval),
		TransactionTTL:  c.Duration(KeyTransactionTTL, d.TransactionTTL),
		ArchivePath:     c.String(KeyArchivePath, d.ArchivePath),
		ArchiveRetries:  c.Int(KeyArchiveRetries, d.ArchiveRetries),
		LogLevel:        c.String(KeyLogLevel, d.LogLevel),
		LogFormat:       c.String(KeyLogFormat, d.LogFormat),
		Telemetry:       c.Bool(KeyTelemetry, d.Telemetry),
	}
}

// Component returns the configuration block for one named component.
func (c Config) Component(name string) Config {
	return c.Sub(KeyComponents).Sub(name)
}

// Validate rejects settings the framework cannot run with.
func (s Settings) Validate() error {
	switch {
	case s.ResponseTimeout <= 0:
		return fmt.Errorf("%w: %s must be positive, got %s", buserr.ErrInvalidConfig, KeyResponseTimeout, s.ResponseTimeout)
	case s.PollInterval <= 0:
		return fmt.Errorf("%w: %s must be positive, got %s", buserr.ErrInvalidConfig, KeyPollInterval, s.PollInterval)
	case s.TransactionTTL <= 0:
		return fmt.Errorf("%w: %s must be positive, got %s", buserr.ErrInvalidConfig, KeyTransactionTTL, s.TransactionTTL)
	case s.ArchiveRetries < 1:
		return fmt.Errorf("%w: %s must be at least 1, got %d", buserr.ErrInvalidConfig, KeyArchiveRetries, s.ArchiveRetries)
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %s must be debug, info, warn or error, got %q", buserr.ErrInvalidConfig, KeyLogLevel, s.LogLevel)
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %s must be text or json, got %q", buserr.ErrInvalidConfig, KeyLogFormat, s.LogFormat)
	}
	return nil
}
