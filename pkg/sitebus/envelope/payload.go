package envelope

import (
	"fmt"
	"maps"
	"sort"
	"time"

	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
)

// Payload is the typed content of a package.
type Payload interface {
	// Origin returns the name of the component that produced the payload.
	Origin() string

	// Time returns when the payload was produced.
	Time() time.Time

	// ToMap flattens the payload into named fields.
	ToMap() map[string]any
}

// Header carries the fields every payload has.
type Header struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Origin returns the payload source.
func (h Header) Origin() string {
	return h.Source
}

// Time returns the payload timestamp.
func (h Header) Time() time.Time {
	return h.Timestamp
}

func newHeader(source string) Header {
	return Header{Source: source, Timestamp: time.Now()}
}

func (h Header) fill(m map[string]any) map[string]any {
	m["source"] = h.Source
	m["timestamp"] = h.Timestamp
	return m
}

// Data is a plain payload of named values, typically sensor readings.
type Data struct {
	Header
	Fields map[string]any `json:"fields"`
}

// NewData creates a data payload. The field map is copied.
func NewData(source string, fields map[string]any) *Data {
	return &Data{
		Header: newHeader(source),
		Fields: maps.Clone(fields),
	}
}

// Get returns a named field.
func (d *Data) Get(name string) (any, bool) {
	v, ok := d.Fields[name]
	return v, ok
}

// Names returns the field names in sorted order.
func (d *Data) Names() []string {
	names := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ToMap implements Payload.
func (d *Data) ToMap() map[string]any {
	m := make(map[string]any, len(d.Fields)+2)
	maps.Copy(m, d.Fields)
	return d.fill(m)
}

// CommandPayload is a request to run a named command on a destination.
type CommandPayload struct {
	Header
	Level        CommandLevel   `json:"command_level"`
	OnBehalfOf   uint64         `json:"on_behalf_of_id,omitempty"`
	CommandID    uint64         `json:"command_id"`
	Destination  string         `json:"destination"`
	SourceMethod string         `json:"source_method,omitempty"`
	Command      string         `json:"command"`
	Args         []any          `json:"args,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
}

// ToMap implements Payload.
func (c *CommandPayload) ToMap() map[string]any {
	return c.fill(map[string]any{
		"command_level":   string(c.Level),
		"on_behalf_of_id": c.OnBehalfOf,
		"command_id":      c.CommandID,
		"destination":     c.Destination,
		"source_method":   c.SourceMethod,
		"command":         c.Command,
		"args":            c.Args,
		"kwargs":          c.Kwargs,
	})
}

// ResponsePayload carries the outcome of a command back to its issuer.
type ResponsePayload struct {
	Header
	// Destination is the issuer of the original command.
	Destination string       `json:"destination"`
	Ret         any          `json:"ret,omitempty"`
	Err         string       `json:"error,omitempty"`
	CommandID   uint64       `json:"command_id"`
	Level       CommandLevel `json:"response_level"`
	Status      Status       `json:"status"`
}

// NewResponse builds the response to cmd, produced by source.
func NewResponse(source string, cmd *CommandPayload, status Status, ret any, err error) *ResponsePayload {
	r := &ResponsePayload{
		Header:      newHeader(source),
		Destination: cmd.Source,
		Ret:         ret,
		CommandID:   cmd.CommandID,
		Level:       cmd.Level,
		Status:      status,
	}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

// ToMap implements Payload.
func (r *ResponsePayload) ToMap() map[string]any {
	return r.fill(map[string]any{
		"destination":    r.Destination,
		"ret":            r.Ret,
		"error":          r.Err,
		"command_id":     r.CommandID,
		"response_level": string(r.Level),
		"status":         string(r.Status),
	})
}

// EventPayload announces something that happened at its source.
type EventPayload struct {
	Header
	Type   EventType      `json:"event_type"`
	Msg    string         `json:"msg,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// NewEvent creates an event payload. An unknown event type is coerced to
// EventDefault; the event manager logs the coercion when it publishes.
func NewEvent(source string, eventType EventType, msg string, fields map[string]any) *EventPayload {
	if !eventType.Valid() {
		eventType = EventDefault
	}
	return &EventPayload{
		Header: newHeader(source),
		Type:   eventType,
		Msg:    msg,
		Fields: maps.Clone(fields),
	}
}

// ToMap implements Payload.
func (e *EventPayload) ToMap() map[string]any {
	m := make(map[string]any, len(e.Fields)+4)
	maps.Copy(m, e.Fields)
	m["event_type"] = string(e.Type)
	m["msg"] = e.Msg
	return e.fill(m)
}

// Validate checks that fields carry exactly the names declared in m.
func (m Metadata) Validate(fields map[string]any) error {
	if len(m) != len(fields) {
		return fmt.Errorf("%w: have %d fields, want %d", buserr.ErrSchemaMismatch, len(fields), len(m))
	}
	for name := range fields {
		if _, ok := m[name]; !ok {
			return fmt.Errorf("%w: unexpected field %q", buserr.ErrSchemaMismatch, name)
		}
	}
	return nil
}
