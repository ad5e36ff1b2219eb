// Package data fans data packages out from named publishers to their
// subscribers.
package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/sitebus/pkg/sitebus/archive"
	"github.com/randalmurphal/sitebus/pkg/sitebus/destination"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
	"github.com/randalmurphal/sitebus/pkg/sitebus/observability"
	"github.com/randalmurphal/sitebus/pkg/sitebus/subscription"
)

// DefaultName is the manager's destination name when none is configured.
const DefaultName = "DataManager"

// Config configures a Manager.
type Config struct {
	// Destination configures the manager's own loop.
	Destination destination.Config

	// Archiver receives every data package. Default: archive.Discard
	Archiver archive.Archiver
}

// Manager routes data packages by publisher name.
//
// Every package is archived, then delivered once to each subscriber of its
// source and each subscriber of all publishers. A failing subscriber does
// not stop delivery to the rest; the failures are joined and returned, or
// logged when the manager is running.
type Manager struct {
	*destination.Threaded

	name     string
	archiver archive.Archiver
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	subs     *subscription.Table
}

// NewManager creates a stopped data manager.
func NewManager(cfg Config) *Manager {
	if cfg.Destination.Name == "" {
		cfg.Destination.Name = DefaultName
	}
	if cfg.Destination.Logger == nil {
		cfg.Destination.Logger = slog.Default()
	}
	if cfg.Destination.Metrics == nil {
		cfg.Destination.Metrics = observability.NoopMetrics{}
	}
	if cfg.Archiver == nil {
		cfg.Archiver = archive.Discard{}
	}

	m := &Manager{
		name:     cfg.Destination.Name,
		archiver: cfg.Archiver,
		logger:   cfg.Destination.Logger,
		metrics:  cfg.Destination.Metrics,
		subs:     subscription.NewTable(),
	}
	m.Threaded = destination.NewThreaded(m, cfg.Destination)
	return m
}

// Subscribe delivers packages from publisher to sub. An empty publisher
// subscribes to every publisher. An empty subscriber name defaults to the
// subscriber's Name(), or a generated UUID. Subscribe returns the name the
// subscription is stored under; subscribing the same name to the same
// publisher again replaces the subscriber.
func (m *Manager) Subscribe(sub destination.Acceptor, subscriberName, publisher string) (string, error) {
	if sub == nil {
		return "", fmt.Errorf("%w: nil subscriber", buserr.ErrInvalidTarget)
	}
	name := subscription.SubscriberName(sub, subscriberName)
	m.subs.Add(publisher, name, sub)
	return name, nil
}

// Unsubscribe removes every subscription held under name.
func (m *Manager) Unsubscribe(subscriberName string) bool {
	return m.subs.Remove(subscriberName)
}

// Subscribers returns the subscribed names, sorted.
func (m *Manager) Subscribers() []string {
	return m.subs.Names()
}

// CreateChannel registers a publisher's field metadata with the archiver.
func (m *Manager) CreateChannel(name string, metadata envelope.Metadata) error {
	return m.archiver.CreateChannel(name, envelope.ChannelData, metadata)
}

// Publish wraps fields from source in a data package and accepts it.
func (m *Manager) Publish(source string, fields map[string]any, opts ...envelope.Option) error {
	return m.Accept(envelope.NewDataPackage(source, fields, opts...))
}

// HandlePackage archives a data package and fans it out. It runs on the
// manager's loop once started.
func (m *Manager) HandlePackage(pkg *envelope.Package) error {
	if pkg.Channel != envelope.ChannelData {
		return fmt.Errorf("%w: data manager cannot route %s packages", buserr.ErrInvalidPackage, pkg.Channel)
	}

	var errs []error
	if err := m.archiver.Accept(pkg); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}

	entries := m.subs.Match(pkg.Source)
	for _, e := range entries {
		if err := e.Deliver(pkg); err != nil {
			errs = append(errs, err)
		}
	}
	m.metrics.RecordRouted(context.Background(), m.name, string(pkg.Channel), len(entries))

	return errors.Join(errs...)
}
