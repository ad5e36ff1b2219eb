package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"loud", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "json", &buf)

	LogCommandIssued(logger, 7, "valve-1", "open", "immediate")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "command issued", entry["msg"])
	assert.Equal(t, float64(7), entry["command_id"])
	assert.Equal(t, "valve-1", entry["destination"])
	assert.Equal(t, "open", entry["command"])
	assert.Equal(t, "immediate", entry["level"])
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "text", &buf)

	LogResponse(logger, 1, "valve-1", "completed", 0.5)
	assert.Empty(t, buf.String(), "debug records are dropped at warn")

	LogRoutingFailure(logger, 2, "valve-9", "open", errors.New("unknown destination"))
	assert.Contains(t, buf.String(), "no such method")
	assert.Contains(t, buf.String(), "destination=valve-9")
}

func TestLogHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "text", &buf)

	LogHandlerError(logger, "DataManager", 12, errors.New("disk full"))
	LogShutdown(logger, "gui", "operator stop")

	out := buf.String()
	assert.Contains(t, out, "handler failed")
	assert.Contains(t, out, "package_id=12")
	assert.Contains(t, out, "disk full")
	assert.Contains(t, out, "shutdown requested")
	assert.Contains(t, out, `reason="operator stop"`)
}

func TestLogHelpers_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogCommandIssued(nil, 1, "a", "b", "c")
		LogResponse(nil, 1, "a", "b", 0)
		LogRoutingFailure(nil, 1, "a", "b", errors.New("x"))
		LogHandlerError(nil, "a", 1, errors.New("x"))
		LogShutdown(nil, "a", "b")
	})
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), 2*time.Millisecond)
}
