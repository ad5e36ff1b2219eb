package sitebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/sitebus/pkg/sitebus/archive"
	"github.com/randalmurphal/sitebus/pkg/sitebus/command"
	"github.com/randalmurphal/sitebus/pkg/sitebus/config"
	"github.com/randalmurphal/sitebus/pkg/sitebus/data"
	"github.com/randalmurphal/sitebus/pkg/sitebus/destination"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
	"github.com/randalmurphal/sitebus/pkg/sitebus/event"
	"github.com/randalmurphal/sitebus/pkg/sitebus/observability"
	"github.com/randalmurphal/sitebus/pkg/sitebus/registry"
	"github.com/randalmurphal/sitebus/pkg/sitebus/signal"
)

// ShutdownSource is the publisher name of shutdown events raised through
// Framework.Shutdown.
const ShutdownSource = "sitebus"

// loop is a destination with its own goroutine.
type loop interface {
	Name() string
	Start(ctx context.Context) error
	End() error
}

// Framework owns the three managers, the archive, and the stop signal they
// share, plus the components built on top of them.
type Framework struct {
	settings config.Settings
	site     config.Config
	logger   *slog.Logger
	stop     *signal.Stop
	archiver archive.Store

	commands *command.Manager
	data     *data.Manager
	events   *event.Manager

	components *registry.Registry[string, *Component]

	mu      sync.Mutex
	ctx     context.Context
	started bool
	closed  bool
}

// New builds a stopped framework.
func New(opts ...Option) (*Framework, error) {
	c := defaultFrameworkConfig()
	for _, opt := range opts {
		opt(&c)
	}
	s := c.settings
	if err := s.Validate(); err != nil {
		return nil, err
	}

	if c.logger == nil {
		c.logger = observability.NewLogger(s.LogLevel, s.LogFormat, os.Stderr)
	}
	if c.metrics == nil {
		c.metrics = observability.NoopMetrics{}
		if s.Telemetry {
			c.metrics = observability.NewMetricsRecorder()
		}
	}
	if c.spans == nil {
		c.spans = observability.NoopSpanManager{}
		if s.Telemetry {
			c.spans = observability.NewSpanManager()
		}
	}
	if c.stop == nil {
		c.stop = signal.NewStop()
	}
	if c.archiver == nil {
		a, err := openArchive(s, c.logger, c.metrics)
		if err != nil {
			return nil, err
		}
		c.archiver = a
	}

	dest := func(name string) destination.Config {
		return destination.Config{
			Name:         name,
			NonBlocking:  !s.Blocking,
			PollInterval: s.PollInterval,
			Stop:         c.stop,
			Logger:       c.logger,
			Metrics:      c.metrics,
		}
	}

	cmdOpts := []command.Option{
		command.WithResponseTimeout(s.ResponseTimeout),
		command.WithTransactionTTL(s.TransactionTTL),
		command.WithArchiver(c.archiver),
		command.WithLogger(c.logger),
		command.WithMetrics(c.metrics),
		command.WithSpans(c.spans),
		command.WithStop(c.stop),
	}
	if !s.Blocking {
		cmdOpts = append(cmdOpts, command.WithPolling(s.PollInterval))
	}

	f := &Framework{
		settings:   s,
		site:       c.site,
		logger:     c.logger,
		stop:       c.stop,
		archiver:   c.archiver,
		commands:   command.NewManager(cmdOpts...),
		data:       data.NewManager(data.Config{Destination: dest(data.DefaultName), Archiver: c.archiver}),
		events:     event.NewManager(event.Config{Destination: dest(event.DefaultName), Archiver: c.archiver}),
		components: registry.New[string, *Component](),
	}
	return f, nil
}

// NewFromConfig builds a framework from a site file. Settings come from the
// top-level keys; each component's block is available to it through
// Component.Config.
func NewFromConfig(cfg config.Config, opts ...Option) (*Framework, error) {
	base := []Option{
		WithSettings(cfg.Settings()),
		func(c *frameworkConfig) { c.site = cfg },
	}
	return New(append(base, opts...)...)
}

// openArchive opens the SQLite archive at s.ArchivePath, or an in-memory
// archive when no path is set.
func openArchive(s config.Settings, logger *slog.Logger, metrics observability.MetricsRecorder) (archive.Store, error) {
	if s.ArchivePath == "" {
		return archive.NewMemoryArchiver(), nil
	}
	a, err := archive.NewSQLiteArchiver(s.ArchivePath,
		archive.WithRetry(buserr.NewRetryConfig(buserr.WithMaxAttempts(s.ArchiveRetries))),
		archive.WithDestination(destination.Config{
			Name:         "archiver",
			NonBlocking:  !s.Blocking,
			PollInterval: s.PollInterval,
			Logger:       logger,
			Metrics:      metrics,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", s.ArchivePath, err)
	}
	return a, nil
}

// Settings returns the settings the framework was built with.
func (f *Framework) Settings() config.Settings { return f.settings }

// Logger returns the shared logger.
func (f *Framework) Logger() *slog.Logger { return f.logger }

// Stop returns the shared stop signal.
func (f *Framework) Stop() *signal.Stop { return f.stop }

// Archive returns the archive every manager forwards to.
func (f *Framework) Archive() archive.Store { return f.archiver }

// Commands returns the command manager.
func (f *Framework) Commands() *command.Manager { return f.commands }

// Data returns the data manager.
func (f *Framework) Data() *data.Manager { return f.data }

// Events returns the event manager.
func (f *Framework) Events() *event.Manager { return f.events }

// Component returns a component created with NewComponent.
func (f *Framework) Component(name string) (*Component, bool) {
	return f.components.Get(name)
}

// Components returns the names of the live components, sorted.
func (f *Framework) Components() []string {
	return registry.SortedKeys(f.components)
}

// Start launches the archive, manager, and component loops. Components
// created after Start are started as they are created.
func (f *Framework) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.closed:
		return fmt.Errorf("framework: %w", buserr.ErrClosed)
	case f.started:
		return fmt.Errorf("framework: %w", buserr.ErrAlreadyStarted)
	}
	f.started = true
	f.ctx = ctx

	loops := f.loops()
	if l, ok := f.archiver.(loop); ok {
		loops = append([]loop{l}, loops...)
	}
	for _, l := range loops {
		if err := l.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", l.Name(), err)
		}
	}
	f.logger.Info("framework started",
		slog.Int("components", f.components.Len()),
		slog.Bool("blocking", f.settings.Blocking),
	)
	return nil
}

// loops lists the manager and component loops. The archive's loop, if it
// has one, is started first and closed last, so it is kept apart.
func (f *Framework) loops() []loop {
	out := []loop{f.events, f.data, f.commands}
	f.components.Range(func(_ string, c *Component) bool {
		out = append(out, c.endpoint)
		return true
	})
	return out
}

// Shutdown publishes a shutdown event, which raises the stop signal.
func (f *Framework) Shutdown(reason string) error {
	return f.events.Shutdown(ShutdownSource, reason)
}

// Wait blocks until the stop signal is raised or ctx is done.
func (f *Framework) Wait(ctx context.Context) error {
	select {
	case <-f.stop.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends every loop, handling whatever is still queued, then closes
// the archive. Close is idempotent.
func (f *Framework) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	loops := f.loops()
	f.mu.Unlock()

	var g errgroup.Group
	for _, l := range loops {
		g.Go(l.End)
	}
	err := g.Wait()

	if cerr := f.archiver.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close archive: %w", cerr))
	}
	f.logger.Info("framework closed", slog.String("reason", f.stop.Reason()))
	return err
}

// startComponent starts c's endpoint if the framework is already running.
func (f *Framework) startComponent(c *Component) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("framework: %w", buserr.ErrClosed)
	}
	if !f.started {
		return nil
	}
	// Start may already have picked c up from the registry.
	if err := c.endpoint.Start(f.ctx); err != nil && !errors.Is(err, buserr.ErrAlreadyStarted) {
		return err
	}
	return nil
}
