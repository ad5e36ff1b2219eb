// Package envelope defines the transport envelope moved through the bus and
// the payloads it carries.
//
// A Package wraps one Payload with routing information: who sent it, when,
// and on which channel. Payloads come in four shapes:
//   - Data: named sensor values from a reader
//   - CommandPayload: a request to run a command on a named destination
//   - ResponsePayload: the outcome of a command, correlated by CommandID
//   - EventPayload: a typed notification, including the shutdown event
//
// Packages are immutable once built. Package IDs come from a process-wide
// sequence and are unique for the lifetime of the process.
package envelope

import (
	"fmt"
	"sync/atomic"
	"time"

	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
)

// Sequence hands out strictly increasing IDs starting at 1.
// The zero value is ready to use and safe for concurrent callers.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next ID.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// packageIDs allocates Package.ID for the whole process.
var packageIDs Sequence

// Package is the unit of transport.
type Package struct {
	ID        uint64      `json:"package_id"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Channel   ChannelType `json:"channel_type"`
	Metadata  Metadata    `json:"metadata,omitempty"`
	Payload   Payload     `json:"payload"`
}

// Option configures package creation.
type Option func(*Package)

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(p *Package) {
		p.Timestamp = t
	}
}

// WithMetadata attaches field metadata to the package.
func WithMetadata(m Metadata) Option {
	return func(p *Package) {
		p.Metadata = m
	}
}

// New creates a package and assigns it the next process-wide ID.
func New(source string, channel ChannelType, payload Payload, opts ...Option) *Package {
	p := &Package{
		Source:  source,
		Channel: channel,
		Payload: payload,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	p.ID = packageIDs.Next()
	return p
}

// NewDataPackage wraps fields from source in a data package.
func NewDataPackage(source string, fields map[string]any, opts ...Option) *Package {
	return New(source, ChannelData, NewData(source, fields), opts...)
}

// NewEventPackage wraps an event from source in an event package.
func NewEventPackage(source string, eventType EventType, msg string, fields map[string]any) *Package {
	return New(source, ChannelEvent, NewEvent(source, eventType, msg, fields))
}

// Validate reports whether the package can be routed.
func (p *Package) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil package", buserr.ErrInvalidPackage)
	}
	if !p.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel type %q", buserr.ErrInvalidPackage, p.Channel)
	}

	var ok bool
	switch p.Channel {
	case ChannelData:
		d, isData := p.Payload.(*Data)
		ok = isData && d != nil
	case ChannelCommand:
		c, isCommand := p.Payload.(*CommandPayload)
		ok = isCommand && c != nil
	case ChannelResponse:
		r, isResponse := p.Payload.(*ResponsePayload)
		ok = isResponse && r != nil
	case ChannelEvent:
		e, isEvent := p.Payload.(*EventPayload)
		ok = isEvent && e != nil
	default:
		ok = true
	}
	if !ok {
		return fmt.Errorf("%w: %s channel cannot carry %T", buserr.ErrInvalidPackage, p.Channel, p.Payload)
	}
	return nil
}

// Command returns the command payload, if the package carries one.
func (p *Package) Command() (*CommandPayload, bool) {
	c, ok := p.Payload.(*CommandPayload)
	return c, ok
}

// Response returns the response payload, if the package carries one.
func (p *Package) Response() (*ResponsePayload, bool) {
	r, ok := p.Payload.(*ResponsePayload)
	return r, ok
}

// Event returns the event payload, if the package carries one.
func (p *Package) Event() (*EventPayload, bool) {
	e, ok := p.Payload.(*EventPayload)
	return e, ok
}

// Data returns the data payload, if the package carries one.
func (p *Package) Data() (*Data, bool) {
	d, ok := p.Payload.(*Data)
	return d, ok
}

// ToMap flattens the package and its payload.
func (p *Package) ToMap() map[string]any {
	m := map[string]any{
		"package_id":   p.ID,
		"source":       p.Source,
		"timestamp":    p.Timestamp,
		"channel_type": string(p.Channel),
	}
	if p.Metadata != nil {
		m["metadata"] = p.Metadata
	}
	if p.Payload != nil {
		m["payload"] = p.Payload.ToMap()
	}
	return m
}
