// Package command implements request/response calls between named
// components.
//
// A Manager is the registry and router: targets register under a unique
// name, issuers build command packages with CreateCommandPackage, and the
// manager delivers each command to its target and correlates the response by
// command ID. Delivery depends on the command level:
//   - Immediate: the target runs the command in the issuing goroutine
//   - Noncritical: the package is handed to the target's Accept and runs on
//     the target's own loop once it is started
//
// Either way the target emits exactly one response through IssueResponse,
// and GetResponse blocks on a per-command completion channel until it
// arrives or the timeout elapses.
//
// An Endpoint is the ready-made target: a table of named command functions
// behind a Threaded destination.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/sitebus/pkg/sitebus/archive"
	"github.com/randalmurphal/sitebus/pkg/sitebus/destination"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
	"github.com/randalmurphal/sitebus/pkg/sitebus/observability"
	"github.com/randalmurphal/sitebus/pkg/sitebus/registry"
	"github.com/randalmurphal/sitebus/pkg/sitebus/signal"
)

// Target is a component addressable by commands.
//
// Execute runs a command package and must emit exactly one response for it
// through the manager's IssueResponse. Accept receives Noncritical commands
// and is expected to end up in Execute.
type Target interface {
	Name() string
	CommandNames() []string
	Accept(pkg *envelope.Package) error
	Execute(ctx context.Context, pkg *envelope.Package) (any, error)
}

// Request describes a command to build with CreateCommandPackage.
type Request struct {
	Source       string
	SourceMethod string
	Destination  string
	Command      string
	Args         []any
	Kwargs       map[string]any
	OnBehalfOf   uint64
	// Level defaults to LevelImmediate.
	Level envelope.CommandLevel
}

// Defaults.
const (
	DefaultName            = "CommandManager"
	DefaultResponseTimeout = time.Second
	DefaultTransactionTTL  = 5 * time.Minute
)

type options struct {
	name            string
	responseTimeout time.Duration
	transactionTTL  time.Duration
	archiver        archive.Archiver
	logger          *slog.Logger
	metrics         observability.MetricsRecorder
	spans           observability.SpanManager
	stop            *signal.Stop
	nonBlocking     bool
	pollInterval    time.Duration
	now             func() time.Time
}

// Option configures a Manager.
type Option func(*options)

// WithName sets the manager's name, used as the source of the responses it
// builds itself. Default: "CommandManager"
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithResponseTimeout sets the GetResponse timeout used when the caller
// passes zero. Default: 1s
func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.responseTimeout = d
		}
	}
}

// WithTransactionTTL sets how long completed transactions are kept for
// lookup before they are evicted. Commands still unanswered a TTL after
// issue are evicted too. Default: 5m
func WithTransactionTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.transactionTTL = d
		}
	}
}

// WithArchiver sets the sink every command and response is forwarded to.
func WithArchiver(a archive.Archiver) Option {
	return func(o *options) {
		if a != nil {
			o.archiver = a
		}
	}
}

// WithLogger sets the logger. Default: slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder. Default: NoopMetrics
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpans sets the span manager endpoints use for command execution.
// Default: NoopSpanManager
func WithSpans(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithStop ends the manager's loop, and those of its endpoints, when the
// signal is raised.
func WithStop(s *signal.Stop) Option {
	return func(o *options) {
		o.stop = s
	}
}

// WithPolling makes the manager's loop poll its queue every interval
// instead of blocking.
func WithPolling(interval time.Duration) Option {
	return func(o *options) {
		o.nonBlocking = true
		o.pollInterval = interval
	}
}

// registration is the static record kept per target.
type registration struct {
	target   Target
	commands map[string]struct{}
}

// Manager routes commands to registered targets and correlates responses.
type Manager struct {
	*destination.Threaded

	opts       options
	targets    *registry.Registry[string, *registration]
	commandIDs envelope.Sequence

	mu  sync.Mutex
	txs *transactions
}

// NewManager creates a stopped manager.
func NewManager(opts ...Option) *Manager {
	o := options{
		name:            DefaultName,
		responseTimeout: DefaultResponseTimeout,
		transactionTTL:  DefaultTransactionTTL,
		archiver:        archive.Discard{},
		logger:          slog.Default(),
		metrics:         observability.NoopMetrics{},
		spans:           observability.NoopSpanManager{},
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		opts:    o,
		targets: registry.New[string, *registration](),
		txs:     newTransactions(o.transactionTTL),
	}
	m.Threaded = destination.NewThreaded(m, m.destinationConfig(o.name))
	return m
}

// destinationConfig is the loop configuration shared by the manager and
// its endpoints.
func (m *Manager) destinationConfig(name string) destination.Config {
	return destination.Config{
		Name:         name,
		NonBlocking:  m.opts.nonBlocking,
		PollInterval: m.opts.pollInterval,
		Stop:         m.opts.stop,
		Logger:       m.opts.logger,
		Metrics:      m.opts.metrics,
	}
}

// Register adds a target under its name. Registering the same target again
// is a no-op; a different target under a taken name fails with
// ErrAlreadyRegistered.
func (m *Manager) Register(target Target) error {
	if target == nil || target.Name() == "" {
		return buserr.ErrInvalidTarget
	}

	names := target.CommandNames()
	reg := &registration{
		target:   target,
		commands: make(map[string]struct{}, len(names)),
	}
	for _, name := range names {
		reg.commands[name] = struct{}{}
	}

	existing, claimed := m.targets.Claim(target.Name(), reg)
	if !claimed {
		if existing.target == target {
			return nil
		}
		return fmt.Errorf("%q: %w", target.Name(), buserr.ErrAlreadyRegistered)
	}

	if ep, ok := target.(*Endpoint); ok {
		ep.bind(m)
	}

	metadata := make(envelope.Metadata, len(names))
	for _, name := range names {
		metadata[name] = envelope.Field{Type: "command"}
	}
	if err := m.opts.archiver.CreateChannel(target.Name(), envelope.ChannelCommand, metadata); err != nil {
		m.opts.logger.Warn("archive command channel failed",
			slog.String("target", target.Name()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Unregister removes a target and reports whether it was registered.
// Commands already queued on the target are unaffected.
func (m *Manager) Unregister(name string) bool {
	return m.targets.Delete(name)
}

// Targets returns the registered target names, sorted.
func (m *Manager) Targets() []string {
	return registry.SortedKeys(m.targets)
}

// Commands returns the command names a registered target exposes, sorted.
func (m *Manager) Commands(target string) ([]string, bool) {
	reg, ok := m.targets.Get(target)
	if !ok {
		return nil, false
	}
	names := make([]string, 0, len(reg.commands))
	for name := range reg.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, true
}

// CreateCommandPackage builds a command package with a fresh command ID.
// Command IDs are unique and strictly increasing per manager.
func (m *Manager) CreateCommandPackage(req Request) *envelope.Package {
	level := req.Level
	if level == "" {
		level = envelope.LevelImmediate
	}
	cmd := &envelope.CommandPayload{
		Header:       envelope.Header{Source: req.Source, Timestamp: m.opts.now()},
		Level:        level,
		OnBehalfOf:   req.OnBehalfOf,
		CommandID:    m.commandIDs.Next(),
		Destination:  req.Destination,
		SourceMethod: req.SourceMethod,
		Command:      req.Command,
		Args:         req.Args,
		Kwargs:       req.Kwargs,
	}
	return envelope.New(req.Source, envelope.ChannelCommand, cmd, envelope.WithTimestamp(cmd.Timestamp))
}

// HandlePackage routes command packages to IssueCommand and response
// packages to IssueResponse. It runs on the manager's loop once started.
func (m *Manager) HandlePackage(pkg *envelope.Package) error {
	switch pkg.Channel {
	case envelope.ChannelCommand:
		_, err := m.IssueCommand(context.Background(), pkg)
		if buserr.IsRouting(err) {
			// Already logged and answered with no_such_method.
			return nil
		}
		return err
	case envelope.ChannelResponse:
		return m.IssueResponse(pkg)
	default:
		return fmt.Errorf("%w: command manager cannot route %s packages", buserr.ErrInvalidPackage, pkg.Channel)
	}
}

// IssueCommand archives the command, opens its transaction, and delivers it.
//
// For Immediate commands the target runs in the calling goroutine and its
// result is returned. For Noncritical commands the package is handed to the
// target's Accept and IssueCommand returns (nil, nil) once it is queued.
//
// An unknown destination or command returns a RoutingError and resolves the
// transaction with a no_such_method response, so waiters return at once.
func (m *Manager) IssueCommand(ctx context.Context, pkg *envelope.Package) (any, error) {
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	cmd, ok := pkg.Command()
	if !ok {
		return nil, fmt.Errorf("%w: package %d is not a command", buserr.ErrInvalidPackage, pkg.ID)
	}

	m.archive(pkg)

	m.mu.Lock()
	t := m.txs.entry(cmd.CommandID)
	if t.issued() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: command %d already issued", buserr.ErrInvalidPackage, cmd.CommandID)
	}
	t.Command = pkg
	t.Status = envelope.StatusReceived
	t.IssuedAt = m.opts.now()
	m.txs.sweep(t.IssuedAt)
	m.mu.Unlock()

	observability.LogCommandIssued(m.opts.logger, cmd.CommandID, cmd.Destination, cmd.Command, string(cmd.Level))
	m.opts.metrics.RecordCommand(ctx, cmd.Destination, cmd.Command, string(cmd.Level))

	reg, ok := m.targets.Get(cmd.Destination)
	if !ok {
		return nil, m.noSuchMethod(pkg, cmd, buserr.ErrUnknownDestination)
	}
	if _, ok := reg.commands[cmd.Command]; !ok {
		return nil, m.noSuchMethod(pkg, cmd, buserr.ErrUnknownCommand)
	}

	if cmd.Level == envelope.LevelNoncritical {
		return nil, reg.target.Accept(pkg)
	}
	return reg.target.Execute(ctx, pkg)
}

// noSuchMethod answers an undeliverable command on the target's behalf.
func (m *Manager) noSuchMethod(pkg *envelope.Package, cmd *envelope.CommandPayload, reason error) error {
	rerr := &buserr.RoutingError{
		Destination: cmd.Destination,
		Command:     cmd.Command,
		CommandID:   cmd.CommandID,
		Err:         reason,
	}
	observability.LogRoutingFailure(m.opts.logger, cmd.CommandID, cmd.Destination, cmd.Command, reason)

	resp := envelope.NewResponse(m.opts.name, cmd, envelope.StatusNoSuchMethod, nil, rerr)
	if err := m.IssueResponse(envelope.New(m.opts.name, envelope.ChannelResponse, resp)); err != nil {
		observability.LogHandlerError(m.opts.logger, m.opts.name, pkg.ID, err)
	}
	return rerr
}

// IssueResponse archives the response and completes its transaction,
// waking any caller blocked in GetResponse.
//
// A response for a command that already has one fails with
// ErrDuplicateResponse and changes nothing. A response for a command this
// manager never issued fails with ErrUnknownTransaction.
func (m *Manager) IssueResponse(pkg *envelope.Package) error {
	if err := pkg.Validate(); err != nil {
		return err
	}
	resp, ok := pkg.Response()
	if !ok {
		return fmt.Errorf("%w: package %d is not a response", buserr.ErrInvalidPackage, pkg.ID)
	}

	m.archive(pkg)

	status := resp.Status
	if !status.Terminal() {
		status = envelope.StatusCompleted
	}

	m.mu.Lock()
	t, ok := m.txs.byID[resp.CommandID]
	if !ok || !t.issued() {
		m.mu.Unlock()
		return fmt.Errorf("command %d: %w", resp.CommandID, buserr.ErrUnknownTransaction)
	}
	if t.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("command %d: %w", resp.CommandID, buserr.ErrDuplicateResponse)
	}
	now := m.opts.now()
	t.complete(pkg, status, now)
	issuedAt := t.IssuedAt
	target := ""
	if cmd, ok := t.Command.Command(); ok {
		target = cmd.Destination
	}
	m.txs.sweep(now)
	m.mu.Unlock()

	latency := now.Sub(issuedAt)
	observability.LogResponse(m.opts.logger, resp.CommandID, resp.Source, string(status), float64(latency.Microseconds())/1000)
	m.opts.metrics.RecordResponse(context.Background(), target, string(status), latency)
	return nil
}

// GetResponse waits for the response to a command package. A timeout of
// zero or less uses the manager's default. It returns ErrTimeout if no
// response arrives in time and the context error if ctx ends first.
//
// The response stays retrievable until Forget is called or the transaction
// TTL expires.
func (m *Manager) GetResponse(ctx context.Context, pkg *envelope.Package, timeout time.Duration) (*envelope.ResponsePayload, error) {
	if pkg == nil {
		return nil, fmt.Errorf("%w: nil package", buserr.ErrInvalidPackage)
	}
	cmd, ok := pkg.Command()
	if !ok {
		return nil, fmt.Errorf("%w: package %d is not a command", buserr.ErrInvalidPackage, pkg.ID)
	}
	if timeout <= 0 {
		timeout = m.opts.responseTimeout
	}

	m.mu.Lock()
	t := m.txs.entry(cmd.CommandID)
	done := t.done
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		m.mu.Lock()
		resp, _ := t.Response.Response()
		m.mu.Unlock()
		return resp, nil
	case <-timer.C:
		m.dropWaiter(cmd.CommandID, t)
		m.opts.metrics.RecordTimeout(ctx, cmd.Destination)
		return nil, fmt.Errorf("command %d to %s.%s: %w", cmd.CommandID, cmd.Destination, cmd.Command, buserr.ErrTimeout)
	case <-ctx.Done():
		m.dropWaiter(cmd.CommandID, t)
		return nil, ctx.Err()
	}
}

// dropWaiter removes a waiter-only entry for a command that was never issued.
func (m *Manager) dropWaiter(id uint64, t *txn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.txs.byID[id]; ok && cur == t && !t.issued() {
		delete(m.txs.byID, id)
	}
}

// Transaction returns a snapshot of an issued command's transaction.
func (m *Manager) Transaction(id uint64) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs.byID[id]
	if !ok || !t.issued() {
		return Transaction{}, false
	}
	return t.Transaction, true
}

// Forget evicts a completed transaction. Open transactions are kept;
// Forget reports whether anything was removed.
func (m *Manager) Forget(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs.byID[id]
	if !ok || !t.Status.Terminal() {
		return false
	}
	delete(m.txs.byID, id)
	return true
}

// OpenTransactions returns the number of commands awaiting a response.
func (m *Manager) OpenTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	open, _ := m.txs.counts()
	return open
}

// CompletedTransactions returns the number of cached completed transactions.
func (m *Manager) CompletedTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, completed := m.txs.counts()
	return completed
}

// spanManager tolerates a nil manager so unbound endpoints can still run.
func (m *Manager) spanManager() observability.SpanManager {
	if m == nil {
		return observability.NoopSpanManager{}
	}
	return m.opts.spans
}

func (m *Manager) archive(pkg *envelope.Package) {
	if err := m.opts.archiver.Accept(pkg); err != nil {
		m.opts.logger.Warn("archive failed",
			slog.Uint64("package_id", pkg.ID),
			slog.String("channel", string(pkg.Channel)),
			slog.String("error", err.Error()),
		)
	}
}

// Call builds, issues, and waits for a command in one step.
// See Endpoint.Call for the result contract.
func (m *Manager) Call(ctx context.Context, req Request, timeout time.Duration) (any, error) {
	pkg := m.CreateCommandPackage(req)
	if _, err := m.IssueCommand(ctx, pkg); err != nil {
		switch buserr.Categorize(err) {
		case buserr.KindRouting, buserr.KindHandler:
			// Answered by a response; read it below.
		default:
			return nil, err
		}
	}

	resp, err := m.GetResponse(ctx, pkg, timeout)
	if err != nil {
		return nil, err
	}
	cmd, _ := pkg.Command()
	return Result(cmd, resp)
}

// Result converts a response into a return value and error.
func Result(cmd *envelope.CommandPayload, resp *envelope.ResponsePayload) (any, error) {
	switch resp.Status {
	case envelope.StatusNoSuchMethod:
		return nil, &buserr.RoutingError{
			Destination: cmd.Destination,
			Command:     cmd.Command,
			CommandID:   cmd.CommandID,
			Err:         routingReason(resp.Err),
		}
	case envelope.StatusFailed:
		return nil, fmt.Errorf("%w: %s", buserr.ErrCommandFailed, resp.Err)
	default:
		return resp.Ret, nil
	}
}

// routingReason recovers the routing sentinel from a response error string.
func routingReason(msg string) error {
	for _, sentinel := range []error{buserr.ErrUnknownDestination, buserr.ErrWrongDestination, buserr.ErrUnknownCommand} {
		if strings.Contains(msg, sentinel.Error()) {
			return sentinel
		}
	}
	return buserr.ErrUnknownCommand
}
