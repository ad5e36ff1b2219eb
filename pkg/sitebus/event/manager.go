// Package event fans event packages out by publisher and event type, and
// turns the shutdown event into the process-wide stop signal.
package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/sitebus/pkg/sitebus/archive"
	"github.com/randalmurphal/sitebus/pkg/sitebus/destination"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
	"github.com/randalmurphal/sitebus/pkg/sitebus/observability"
	"github.com/randalmurphal/sitebus/pkg/sitebus/registry"
	"github.com/randalmurphal/sitebus/pkg/sitebus/signal"
	"github.com/randalmurphal/sitebus/pkg/sitebus/subscription"
)

// DefaultName is the manager's destination name when none is configured.
const DefaultName = "EventManager"

// allTypes keys the table of subscribers that want every event type.
const allTypes envelope.EventType = ""

// Config configures a Manager.
type Config struct {
	// Destination configures the manager's own loop. Destination.Stop is
	// also the signal a shutdown event raises.
	Destination destination.Config

	// Archiver receives every event package. Default: archive.Discard
	Archiver archive.Archiver
}

// Manager routes event packages by (event type, publisher).
//
// Each subscriber is isolated: a subscriber that fails or panics is logged
// and the rest still receive the event.
type Manager struct {
	*destination.Threaded

	name     string
	archiver archive.Archiver
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	stop     *signal.Stop
	byType   *registry.Registry[envelope.EventType, *subscription.Table]
}

// NewManager creates a stopped event manager. If cfg.Destination.Stop is
// nil a fresh signal is created; Stop returns it.
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
	if cfg.Destination.Stop == nil {
		cfg.Destination.Stop = signal.NewStop()
	}
	if cfg.Archiver == nil {
		cfg.Archiver = archive.Discard{}
	}

	m := &Manager{
		name:     cfg.Destination.Name,
		archiver: cfg.Archiver,
		logger:   cfg.Destination.Logger,
		metrics:  cfg.Destination.Metrics,
		stop:     cfg.Destination.Stop,
		byType:   registry.New[envelope.EventType, *subscription.Table](),
	}
	m.Threaded = destination.NewThreaded(m, cfg.Destination)
	return m
}

// Stop returns the signal raised by shutdown events.
func (m *Manager) Stop() *signal.Stop {
	return m.stop
}

// Subscribe delivers events from publisher to sub. An empty publisher means
// every publisher; no event types means every type. Subscriber naming works
// as in the data manager. Subscribe returns the effective subscriber name.
func (m *Manager) Subscribe(sub destination.Acceptor, subscriberName, publisher string, events ...envelope.EventType) (string, error) {
	if sub == nil {
		return "", fmt.Errorf("%w: nil subscriber", buserr.ErrInvalidTarget)
	}
	for _, et := range events {
		if !et.Valid() {
			return "", fmt.Errorf("%w: unknown event type %q", buserr.ErrInvalidTarget, et)
		}
	}

	name := subscription.SubscriberName(sub, subscriberName)
	if len(events) == 0 {
		events = []envelope.EventType{allTypes}
	}
	for _, et := range events {
		m.table(et).Add(publisher, name, sub)
	}
	return name, nil
}

func (m *Manager) table(et envelope.EventType) *subscription.Table {
	return m.byType.GetOrCreate(et, subscription.NewTable)
}

// Unsubscribe removes every subscription held under name.
func (m *Manager) Unsubscribe(subscriberName string) bool {
	removed := false
	m.byType.Range(func(_ envelope.EventType, t *subscription.Table) bool {
		if t.Remove(subscriberName) {
			removed = true
		}
		return true
	})
	return removed
}

// Publish builds an event package from source and accepts it. An unknown
// event type is published as default with a warning.
func (m *Manager) Publish(source string, eventType envelope.EventType, msg string, fields map[string]any) error {
	if !eventType.Valid() {
		m.logger.Warn("unknown event type, using default",
			slog.String("source", source),
			slog.String("event_type", string(eventType)),
		)
	}
	return m.Accept(envelope.NewEventPackage(source, eventType, msg, fields))
}

// Shutdown publishes a shutdown event from source.
func (m *Manager) Shutdown(source, reason string) error {
	return m.Publish(source, envelope.EventShutdown, reason, nil)
}

// HandlePackage archives an event, raises the stop signal for shutdown
// events, and fans the event out. It runs on the manager's loop once
// started.
func (m *Manager) HandlePackage(pkg *envelope.Package) error {
	evt, ok := pkg.Event()
	if !ok {
		return fmt.Errorf("%w: event manager cannot route %s packages", buserr.ErrInvalidPackage, pkg.Channel)
	}

	if err := m.archiver.Accept(pkg); err != nil {
		m.logger.Warn("archive failed",
			slog.Uint64("package_id", pkg.ID),
			slog.String("channel", string(pkg.Channel)),
			slog.String("error", err.Error()),
		)
	}

	if evt.Type == envelope.EventShutdown {
		reason := evt.Msg
		if reason == "" {
			reason = "shutdown event from " + pkg.Source
		}
		if m.stop.Raise(reason) {
			observability.LogShutdown(m.logger, pkg.Source, reason)
		}
	}

	entries := m.match(evt.Type, pkg.Source)
	for _, e := range entries {
		if err := e.Deliver(pkg); err != nil {
			observability.LogHandlerError(m.logger, m.name, pkg.ID, err)
		}
	}
	m.metrics.RecordRouted(context.Background(), m.name, string(pkg.Channel), len(entries))
	return nil
}

// match returns the subscribers for one event: those registered for its
// type and those registered for every type, each filtered by publisher.
func (m *Manager) match(et envelope.EventType, publisher string) []subscription.Entry {
	var typed, every []subscription.Entry
	if t, ok := m.byType.Get(et); ok {
		typed = t.Match(publisher)
	}
	if t, ok := m.byType.Get(allTypes); ok {
		every = t.Match(publisher)
	}
	return subscription.Merge(typed, every)
}
