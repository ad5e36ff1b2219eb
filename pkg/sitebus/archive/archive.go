// Package archive provides the durable sink every manager forwards traffic to.
//
// An Archiver accepts every command, response, data, and event package that
// passes through the bus, independent of routing outcome. Two implementations
// are provided:
//   - MemoryArchiver: ordered in-memory record, for tests and short runs
//   - SQLiteArchiver: persistent archive backed by modernc.org/sqlite
//
// Both also implement Store, which adds queries over what was recorded.
package archive

import (
	"sort"
	"time"

	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
)

// Archiver is the sink the managers write to.
type Archiver interface {
	// Accept records one package. It must be safe for concurrent use.
	Accept(pkg *envelope.Package) error

	// CreateChannel registers a named channel and its field metadata.
	// Data packages from a source with a registered data channel are
	// checked against that metadata.
	CreateChannel(name string, channel envelope.ChannelType, metadata envelope.Metadata) error
}

// Store is an Archiver that can be queried.
type Store interface {
	Archiver

	// Packages returns matching records in archive order.
	Packages(filter Filter) ([]Record, error)

	// Count returns the number of matching records.
	Count(filter Filter) (int, error)

	// Channels returns registered channels sorted by name, then type.
	Channels() ([]ChannelInfo, error)

	// Close releases resources. Safe to call multiple times.
	Close() error
}

// Record is one archived package.
type Record struct {
	PackageID uint64
	SessionID string
	Source    string
	Channel   envelope.ChannelType
	// CommandID is set for command and response packages, zero otherwise.
	CommandID uint64
	Timestamp time.Time
	Payload   map[string]any
}

// ChannelInfo describes a registered channel.
type ChannelInfo struct {
	Name      string
	Type      envelope.ChannelType
	Metadata  envelope.Metadata
	CreatedAt time.Time
}

// Filter selects records. Zero-valued fields match everything.
type Filter struct {
	Channel   envelope.ChannelType
	Source    string
	CommandID uint64
	SessionID string
	// Limit caps the number of records returned. Zero means no limit.
	Limit int
}

func (f Filter) match(r *Record) bool {
	if f.Channel != "" && r.Channel != f.Channel {
		return false
	}
	if f.Source != "" && r.Source != f.Source {
		return false
	}
	if f.CommandID != 0 && r.CommandID != f.CommandID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	return true
}

// Discard is an Archiver that drops everything.
type Discard struct{}

// Accept implements Archiver.
func (Discard) Accept(*envelope.Package) error { return nil }

// CreateChannel implements Archiver.
func (Discard) CreateChannel(string, envelope.ChannelType, envelope.Metadata) error { return nil }

// commandID returns the command ID carried by command and response payloads.
func commandID(pkg *envelope.Package) uint64 {
	switch p := pkg.Payload.(type) {
	case *envelope.CommandPayload:
		return p.CommandID
	case *envelope.ResponsePayload:
		return p.CommandID
	}
	return 0
}

// channelKey identifies a registered channel. One name may carry several
// channel types, such as a component's commands and the data it publishes.
type channelKey struct {
	name    string
	channel envelope.ChannelType
}

// checkSchema validates a data package against its source's registered
// data channel, if there is one.
func checkSchema(channels map[channelKey]ChannelInfo, pkg *envelope.Package) error {
	if pkg.Channel != envelope.ChannelData {
		return nil
	}
	info, ok := channels[channelKey{pkg.Source, envelope.ChannelData}]
	if !ok || info.Metadata == nil {
		return nil
	}
	data, ok := pkg.Data()
	if !ok {
		return nil
	}
	return info.Metadata.Validate(data.Fields)
}

func sortedChannels(channels map[channelKey]ChannelInfo) []ChannelInfo {
	out := make([]ChannelInfo, 0, len(channels))
	for _, info := range channels {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Type < out[j].Type
	})
	return out
}
