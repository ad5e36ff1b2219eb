// Package observability provides structured logging, metrics, and tracing
// for the bus.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds a slog logger writing to w.
// level is one of debug, info, warn, error (default info); format is text or
// json (default text).
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogCommandIssued logs a command entering the manager.
func LogCommandIssued(logger *slog.Logger, commandID uint64, destination, command, level string) {
	if logger == nil {
		return
	}
	logger.Debug("command issued",
		slog.Uint64("command_id", commandID),
		slog.String("destination", destination),
		slog.String("command", command),
		slog.String("level", level),
	)
}

// LogResponse logs a response closing a transaction.
func LogResponse(logger *slog.Logger, commandID uint64, source, status string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("response received",
		slog.Uint64("command_id", commandID),
		slog.String("source", source),
		slog.String("status", status),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRoutingFailure logs a command that could not be delivered.
func LogRoutingFailure(logger *slog.Logger, commandID uint64, destination, command string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("no such method",
		slog.Uint64("command_id", commandID),
		slog.String("destination", destination),
		slog.String("command", command),
		slog.String("error", err.Error()),
	)
}

// LogHandlerError logs a handler failure that the loop contained.
func LogHandlerError(logger *slog.Logger, where string, packageID uint64, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("destination", where),
		slog.Uint64("package_id", packageID),
		slog.String("error", err.Error()),
	)
}

// LogShutdown logs the stop signal being raised.
func LogShutdown(logger *slog.Logger, source, reason string) {
	if logger == nil {
		return
	}
	logger.Info("shutdown requested",
		slog.String("source", source),
		slog.String("reason", reason),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
