package archive

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
)

// MemoryArchiver keeps every accepted package in memory, in order.
// Data is lost when the process exits.
type MemoryArchiver struct {
	mu       sync.RWMutex
	records  []Record
	channels map[channelKey]ChannelInfo
	closed   bool
}

// NewMemoryArchiver creates an empty in-memory archiver.
func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{
		channels: make(map[channelKey]ChannelInfo),
	}
}

// Accept implements Archiver.
func (m *MemoryArchiver) Accept(pkg *envelope.Package) error {
	if err := pkg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("memory archiver: %w", buserr.ErrClosed)
	}
	if err := checkSchema(m.channels, pkg); err != nil {
		return fmt.Errorf("archive package %d from %s: %w", pkg.ID, pkg.Source, err)
	}

	r := Record{
		PackageID: pkg.ID,
		Source:    pkg.Source,
		Channel:   pkg.Channel,
		CommandID: commandID(pkg),
		Timestamp: pkg.Timestamp,
	}
	if pkg.Payload != nil {
		r.Payload = pkg.Payload.ToMap()
	}
	m.records = append(m.records, r)
	return nil
}

// CreateChannel implements Archiver. Registering an existing name and type
// replaces its metadata.
func (m *MemoryArchiver) CreateChannel(name string, channel envelope.ChannelType, metadata envelope.Metadata) error {
	if name == "" || !channel.Valid() {
		return fmt.Errorf("%w: channel %q of type %q", buserr.ErrInvalidPackage, name, channel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("memory archiver: %w", buserr.ErrClosed)
	}
	m.channels[channelKey{name, channel}] = ChannelInfo{
		Name:      name,
		Type:      channel,
		Metadata:  maps.Clone(metadata),
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// Packages implements Store.
func (m *MemoryArchiver) Packages(filter Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for i := range m.records {
		if !filter.match(&m.records[i]) {
			continue
		}
		out = append(out, m.records[i])
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Count implements Store.
func (m *MemoryArchiver) Count(filter Filter) (int, error) {
	filter.Limit = 0
	records, err := m.Packages(filter)
	return len(records), err
}

// Channels implements Store.
func (m *MemoryArchiver) Channels() ([]ChannelInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedChannels(m.channels), nil
}

// Len returns the number of archived packages.
func (m *MemoryArchiver) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close implements Store. Recorded packages remain queryable.
func (m *MemoryArchiver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
