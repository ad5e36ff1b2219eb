// Package destination provides the accept/handle contract shared by every
// component on the bus, and Threaded, the queue-backed implementation the
// managers and command endpoints are built on.
//
// A Threaded destination has two modes. Before Start (and after End) Accept
// calls the handler synchronously in the caller's goroutine and returns its
// error. While started, Accept appends to an unbounded FIFO queue and a single
// goroutine drains it, so packages from one destination are handled in order
// and never concurrently. Errors and panics raised by the handler in that
// goroutine are logged and counted; the loop keeps going.
package destination

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
	"github.com/randalmurphal/sitebus/pkg/sitebus/observability"
	"github.com/randalmurphal/sitebus/pkg/sitebus/signal"
)

// Acceptor is anything packages can be delivered to.
type Acceptor interface {
	Accept(pkg *envelope.Package) error
}

// AcceptorFunc adapts a function to the Acceptor interface.
type AcceptorFunc func(pkg *envelope.Package) error

// Accept implements Acceptor.
func (f AcceptorFunc) Accept(pkg *envelope.Package) error {
	return f(pkg)
}

// Handler processes one package. It is the only customization point of a
// Threaded destination.
type Handler interface {
	HandlePackage(pkg *envelope.Package) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(pkg *envelope.Package) error

// HandlePackage implements Handler.
func (f HandlerFunc) HandlePackage(pkg *envelope.Package) error {
	return f(pkg)
}

// Config configures a Threaded destination.
type Config struct {
	// Name identifies the destination in logs and metrics.
	Name string

	// NonBlocking makes the loop poll the queue every PollInterval instead
	// of sleeping until a package arrives.
	// Default: false (blocking)
	NonBlocking bool

	// PollInterval is the queue polling period in non-blocking mode.
	// Default: 10ms
	PollInterval time.Duration

	// Stop ends the loop when raised. Optional.
	Stop *signal.Stop

	// Logger receives handler failures. Default: slog.Default()
	Logger *slog.Logger

	// Metrics records handled packages. Default: NoopMetrics
	Metrics observability.MetricsRecorder
}

// DefaultPollInterval is used when Config.PollInterval is unset.
const DefaultPollInterval = 10 * time.Millisecond

// Threaded is a queue-backed destination that runs its handler either in the
// caller's goroutine or on its own goroutine, depending on lifecycle state.
type Threaded struct {
	handler Handler
	config  Config

	mu      sync.Mutex
	running bool
	ending  bool
	queue   []*envelope.Package
	wake    chan struct{}
	end     chan struct{}
	exited  chan struct{}
}

// NewThreaded creates a stopped destination around handler.
func NewThreaded(handler Handler, config Config) *Threaded {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = observability.NoopMetrics{}
	}
	return &Threaded{
		handler: handler,
		config:  config,
		wake:    make(chan struct{}, 1),
	}
}

// Name returns the configured destination name.
func (t *Threaded) Name() string {
	return t.config.Name
}

// Running reports whether the destination is dispatching asynchronously.
func (t *Threaded) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Pending returns the number of queued packages.
func (t *Threaded) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Accept validates pkg and dispatches it. A malformed package fails
// immediately with ErrInvalidPackage. When stopped, the handler's error is
// returned; when running, Accept only queues and returns nil.
func (t *Threaded) Accept(pkg *envelope.Package) error {
	if err := pkg.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.running {
		t.queue = append(t.queue, pkg)
		t.mu.Unlock()
		t.notify()
		return nil
	}
	t.mu.Unlock()

	return t.handle(pkg)
}

// Start switches to asynchronous dispatch and launches the loop goroutine.
// The loop exits on End, on ctx cancellation, or when the stop signal fires.
func (t *Threaded) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("%s: %w", t.config.Name, buserr.ErrAlreadyStarted)
	}
	t.running = true
	t.ending = false
	t.end = make(chan struct{})
	t.exited = make(chan struct{})

	go t.loop(ctx, t.end, t.exited)
	return nil
}

// End switches back to synchronous dispatch and waits for the loop to exit.
// Packages still queued are handled before End returns. Calling End on a
// destination that is not running is a no-op.
func (t *Threaded) End() error {
	t.mu.Lock()
	exited := t.exited
	if t.running && !t.ending {
		t.ending = true
		close(t.end)
	}
	t.mu.Unlock()

	if exited != nil {
		<-exited
	}
	return nil
}

func (t *Threaded) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Threaded) pop() (*envelope.Package, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil, false
	}
	pkg := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	return pkg, true
}

func (t *Threaded) loop(ctx context.Context, end, exited chan struct{}) {
	defer close(exited)
	defer t.exit()

	var tick <-chan time.Time
	wake := t.wake
	if t.config.NonBlocking {
		ticker := time.NewTicker(t.config.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
		wake = nil
	}

	stop := t.config.Stop.Done()
	for {
		for {
			if t.stopping(ctx, end, stop) {
				return
			}
			pkg, ok := t.pop()
			if !ok {
				break
			}
			t.dispatch(pkg)
		}

		select {
		case <-wake:
		case <-tick:
		case <-end:
			return
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

func (t *Threaded) stopping(ctx context.Context, end, stop <-chan struct{}) bool {
	select {
	case <-end:
		return true
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// exit returns the destination to synchronous mode and handles whatever was
// still queued, so nothing accepted while running is lost.
func (t *Threaded) exit() {
	t.mu.Lock()
	t.running = false
	rest := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, pkg := range rest {
		t.dispatch(pkg)
	}
}

// dispatch handles one package on the loop goroutine and contains failures.
func (t *Threaded) dispatch(pkg *envelope.Package) {
	if err := t.handle(pkg); err != nil {
		observability.LogHandlerError(t.config.Logger, t.config.Name, pkg.ID, err)
	}
}

// handle runs the handler, converting a panic into a PanicError.
func (t *Threaded) handle(pkg *envelope.Package) (err error) {
	done := observability.TimedOperation()
	defer func() {
		if r := recover(); r != nil {
			err = &buserr.PanicError{
				Where: t.config.Name,
				Value: r,
				Stack: string(debug.Stack()),
			}
		}
		t.config.Metrics.RecordHandled(context.Background(), t.config.Name, string(pkg.Channel), done(), err)
	}()
	return t.handler.HandlePackage(pkg)
}
