package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/sitebus/pkg/sitebus/destination"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
)

// Call is what a command function receives.
type Call struct {
	Package *envelope.Package
	Command *envelope.CommandPayload
	Args    []any
	Kwargs  map[string]any
}

// Arg returns positional argument i, or nil if there is none.
func (c Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Kwarg returns a keyword argument.
func (c Call) Kwarg(name string) (any, bool) {
	v, ok := c.Kwargs[name]
	return v, ok
}

// execKey marks a context as running inside an endpoint's execution lock.
type execKey struct{ e *Endpoint }

// Func runs one command and returns its result.
type Func func(ctx context.Context, call Call) (any, error)

// Table maps command names to functions. An endpoint's command set is its
// table's key set, fixed at construction.
type Table map[string]Func

type endpointOptions struct {
	passthrough destination.Handler
	dest        *destination.Config
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*endpointOptions)

// WithPackageHandler sets the handler for packages other than commands
// delivered to the endpoint, such as data or events it subscribed to.
// Without one those packages are rejected.
func WithPackageHandler(h destination.Handler) EndpointOption {
	return func(o *endpointOptions) {
		o.passthrough = h
	}
}

// WithEndpointDestination overrides the endpoint's loop configuration. The
// name is always the endpoint's name.
// Default: the manager's loop configuration
func WithEndpointDestination(cfg destination.Config) EndpointOption {
	return func(o *endpointOptions) {
		o.dest = &cfg
	}
}

// Endpoint exposes a table of commands under a name.
//
// Commands on one endpoint run one at a time under the endpoint's execution
// lock; different endpoints run in parallel. The lock is reentrant through
// the context: a command that makes an Immediate call back into its own
// endpoint with the ctx it was given runs the inner command without
// re-locking. A call made with an unrelated context waits for the lock.
type Endpoint struct {
	*destination.Threaded

	name        string
	table       Table
	names       []string
	passthrough destination.Handler

	exec    sync.Mutex
	manager atomic.Pointer[Manager]
}

// NewEndpoint creates an endpoint and registers it with m.
func NewEndpoint(m *Manager, name string, table Table, opts ...EndpointOption) (*Endpoint, error) {
	if name == "" {
		return nil, buserr.ErrInvalidTarget
	}
	var o endpointOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := &Endpoint{
		name:        name,
		table:       maps.Clone(table),
		passthrough: o.passthrough,
	}
	if e.table == nil {
		e.table = Table{}
	}
	for cmd := range e.table {
		e.names = append(e.names, cmd)
	}
	sort.Strings(e.names)

	cfg := m.destinationConfig(name)
	if o.dest != nil {
		cfg = *o.dest
		cfg.Name = name
	}
	e.Threaded = destination.NewThreaded(e, cfg)

	if err := m.Register(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Name returns the endpoint's registered name.
func (e *Endpoint) Name() string {
	return e.name
}

// CommandNames returns the exposed command names, sorted.
func (e *Endpoint) CommandNames() []string {
	return append([]string(nil), e.names...)
}

// Manager returns the manager the endpoint is registered with.
func (e *Endpoint) Manager() *Manager {
	return e.manager.Load()
}

func (e *Endpoint) bind(m *Manager) {
	e.manager.Store(m)
}

// HandlePackage executes command packages and forwards anything else to the
// package handler. It runs on the endpoint's loop once started.
func (e *Endpoint) HandlePackage(pkg *envelope.Package) error {
	if pkg.Channel == envelope.ChannelCommand {
		_, err := e.Execute(context.Background(), pkg)
		if buserr.IsRouting(err) {
			return nil
		}
		return err
	}
	if e.passthrough == nil {
		return fmt.Errorf("%w: endpoint %s does not handle %s packages", buserr.ErrInvalidPackage, e.name, pkg.Channel)
	}
	return e.passthrough.HandlePackage(pkg)
}

// Execute runs a command package addressed to this endpoint and emits its
// response through the manager.
//
// A package for another destination, or for a command not in the table, is
// answered with no_such_method and returns a RoutingError. A command that
// returns an error or panics is answered with failed; the returned error
// matches ErrCommandFailed or ErrHandlerPanic respectively.
func (e *Endpoint) Execute(ctx context.Context, pkg *envelope.Package) (any, error) {
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	cmd, ok := pkg.Command()
	if !ok {
		return nil, fmt.Errorf("%w: package %d is not a command", buserr.ErrInvalidPackage, pkg.ID)
	}

	if cmd.Destination != e.name {
		return nil, e.refuse(cmd, buserr.ErrWrongDestination)
	}
	fn, ok := e.table[cmd.Command]
	if !ok {
		return nil, e.refuse(cmd, buserr.ErrUnknownCommand)
	}

	spans := e.manager.Load().spanManager()
	ctx, span := spans.StartCommandSpan(ctx, e.name, cmd.Command, cmd.CommandID)

	call := Call{Package: pkg, Command: cmd, Args: cmd.Args, Kwargs: cmd.Kwargs}
	var ret any
	var err error
	if ctx.Value(execKey{e}) != nil {
		spans.AddSpanEvent(ctx, "lock reentered")
		ret, err = e.run(ctx, fn, call)
	} else {
		e.exec.Lock()
		spans.AddSpanEvent(ctx, "lock acquired")
		ret, err = e.run(context.WithValue(ctx, execKey{e}, true), fn, call)
		e.exec.Unlock()
	}

	spans.EndSpanWithError(span, err)

	if err != nil {
		e.respond(cmd, envelope.StatusFailed, nil, err)
		if errors.Is(err, buserr.ErrHandlerPanic) {
			return nil, err
		}
		return nil, fmt.Errorf("%s.%s: %w: %w", e.name, cmd.Command, buserr.ErrCommandFailed, err)
	}
	e.respond(cmd, envelope.StatusCompleted, ret, nil)
	return ret, nil
}

// run calls fn, converting a panic into a PanicError.
func (e *Endpoint) run(ctx context.Context, fn Func, call Call) (ret any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &buserr.PanicError{
				Where: e.name + "." + call.Command.Command,
				Value: r,
				Stack: string(debug.Stack()),
			}
		}
	}()

	return fn(ctx, call)
}

func (e *Endpoint) refuse(cmd *envelope.CommandPayload, reason error) error {
	rerr := &buserr.RoutingError{
		Destination: cmd.Destination,
		Command:     cmd.Command,
		CommandID:   cmd.CommandID,
		Err:         reason,
	}
	e.respond(cmd, envelope.StatusNoSuchMethod, nil, rerr)
	return rerr
}

func (e *Endpoint) respond(cmd *envelope.CommandPayload, status envelope.Status, ret any, err error) {
	m := e.manager.Load()
	if m == nil {
		return
	}
	resp := envelope.NewResponse(e.name, cmd, status, ret, err)
	if rerr := m.IssueResponse(envelope.New(e.name, envelope.ChannelResponse, resp)); rerr != nil {
		m.opts.logger.Warn("response not delivered",
			slog.String("endpoint", e.name),
			slog.Uint64("command_id", cmd.CommandID),
			slog.String("error", rerr.Error()),
		)
	}
}

// Send issues a command without waiting for its response and returns the
// command package, which can later be passed to GetResponse. The request
// source defaults to the endpoint's name and the level to Noncritical.
//
// The package goes through the manager's Accept, so it is routed on the
// manager's loop when that is running.
func (e *Endpoint) Send(req Request) (*envelope.Package, error) {
	m, err := e.boundManager()
	if err != nil {
		return nil, err
	}
	if req.Source == "" {
		req.Source = e.name
	}
	if req.Level == "" {
		req.Level = envelope.LevelNoncritical
	}
	pkg := m.CreateCommandPackage(req)
	return pkg, m.Accept(pkg)
}

// Call issues a command and waits up to timeout for its response. A timeout
// of zero or less uses the manager default. The request source defaults to
// the endpoint's name.
//
// Call returns the command's return value on completion, an error matching
// ErrCommandFailed on failure, a RoutingError when there is no such method,
// and ErrTimeout when no response arrives.
func (e *Endpoint) Call(ctx context.Context, req Request, timeout time.Duration) (any, error) {
	m, err := e.boundManager()
	if err != nil {
		return nil, err
	}
	if req.Source == "" {
		req.Source = e.name
	}
	return m.Call(ctx, req, timeout)
}

func (e *Endpoint) boundManager() (*Manager, error) {
	m := e.manager.Load()
	if m == nil {
		return nil, fmt.Errorf("endpoint %s: %w", e.name, buserr.ErrClosed)
	}
	return m, nil
}
