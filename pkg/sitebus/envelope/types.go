package envelope

// ChannelType classifies a package's purpose and drives routing.
type ChannelType string

// Channel types.
const (
	ChannelData     ChannelType = "data"
	ChannelCommand  ChannelType = "command"
	ChannelResponse ChannelType = "response"
	ChannelEvent    ChannelType = "event"
	ChannelLog      ChannelType = "log"
	ChannelMetadata ChannelType = "metadata"
	ChannelConfig   ChannelType = "config"
	ChannelManifest ChannelType = "manifest"
	ChannelOther    ChannelType = "other"
)

// Valid reports whether c is a known channel type.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelData, ChannelCommand, ChannelResponse, ChannelEvent,
		ChannelLog, ChannelMetadata, ChannelConfig, ChannelManifest, ChannelOther:
		return true
	}
	return false
}

// CommandLevel selects how the command manager delivers a command.
type CommandLevel string

const (
	// LevelImmediate runs the command synchronously in the issuing goroutine.
	LevelImmediate CommandLevel = "immediate"

	// LevelNoncritical queues the command on the target's own destination.
	LevelNoncritical CommandLevel = "noncritical"
)

// Status is the lifecycle state of a command transaction.
type Status string

// Transaction statuses. Received is the only non-terminal state.
const (
	StatusReceived     Status = "received"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusNoSuchMethod Status = "no_such_method"
)

// Terminal reports whether s ends a transaction.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusNoSuchMethod
}

// EventType tags an event payload.
type EventType string

// Event types. Shutdown is the only one with a built-in effect.
const (
	EventDefault         EventType = "default"
	EventShutdown        EventType = "shutdown"
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventExperimentStart EventType = "experiment_start"
	EventExperimentEnd   EventType = "experiment_end"
	EventAlarm           EventType = "alarm"
	EventStateChange     EventType = "state_change"
)

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	switch e {
	case EventDefault, EventShutdown, EventConnected, EventDisconnected,
		EventExperimentStart, EventExperimentEnd, EventAlarm, EventStateChange:
		return true
	}
	return false
}

// Field describes one named field of a data channel.
type Field struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Metadata maps field names to their descriptions.
type Metadata map[string]Field
