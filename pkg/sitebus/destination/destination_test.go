package destination_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sitebus/pkg/sitebus/destination"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
	"github.com/randalmurphal/sitebus/pkg/sitebus/signal"
)

// recorder collects the IDs of handled packages in order.
type recorder struct {
	mu  sync.Mutex
	ids []uint64
}

func (r *recorder) HandlePackage(pkg *envelope.Package) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, pkg.ID)
	return nil
}

func (r *recorder) handled() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.ids...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestThreaded_SynchronousBeforeStart(t *testing.T) {
	wantErr := errors.New("rejected")
	d := destination.NewThreaded(destination.HandlerFunc(func(*envelope.Package) error {
		return wantErr
	}), destination.Config{Name: "sync"})

	err := d.Accept(envelope.NewDataPackage("reader", nil))
	assert.ErrorIs(t, err, wantErr, "handler error is returned to the caller when stopped")
	assert.False(t, d.Running())
}

func TestThreaded_RejectsMalformedPackages(t *testing.T) {
	called := false
	d := destination.NewThreaded(destination.HandlerFunc(func(*envelope.Package) error {
		called = true
		return nil
	}), destination.Config{Name: "strict"})

	assert.ErrorIs(t, d.Accept(nil), buserr.ErrInvalidPackage)
	assert.ErrorIs(t, d.Accept(&envelope.Package{Channel: "nope"}), buserr.ErrInvalidPackage)
	assert.False(t, called)
}

func TestThreaded_AsyncFIFO(t *testing.T) {
	rec := &recorder{}
	d := destination.NewThreaded(rec, destination.Config{Name: "fifo"})
	require.NoError(t, d.Start(context.Background()))
	defer d.End()

	var want []uint64
	for i := 0; i < 100; i++ {
		pkg := envelope.NewDataPackage("reader", map[string]any{"i": i})
		want = append(want, pkg.ID)
		require.NoError(t, d.Accept(pkg))
	}

	waitFor(t, func() bool { return len(rec.handled()) == len(want) })
	assert.Equal(t, want, rec.handled())
}

func TestThreaded_NonBlockingPolls(t *testing.T) {
	rec := &recorder{}
	d := destination.NewThreaded(rec, destination.Config{
		Name:         "poller",
		NonBlocking:  true,
		PollInterval: 2 * time.Millisecond,
	})
	require.NoError(t, d.Start(context.Background()))
	defer d.End()

	require.NoError(t, d.Accept(envelope.NewDataPackage("reader", nil)))
	waitFor(t, func() bool { return len(rec.handled()) == 1 })
}

func TestThreaded_HandlerFailuresDoNotKillLoop(t *testing.T) {
	var handled atomic.Int32
	d := destination.NewThreaded(destination.HandlerFunc(func(pkg *envelope.Package) error {
		handled.Add(1)
		data, _ := pkg.Data()
		switch data.Fields["kind"] {
		case "panic":
			panic("bad package")
		case "error":
			return errors.New("bad package")
		}
		return nil
	}), destination.Config{Name: "sturdy"})
	require.NoError(t, d.Start(context.Background()))
	defer d.End()

	for _, kind := range []string{"panic", "error", "ok", "panic", "ok"} {
		require.NoError(t, d.Accept(envelope.NewDataPackage("reader", map[string]any{"kind": kind})))
	}
	waitFor(t, func() bool { return handled.Load() == 5 })
}

func TestThreaded_PanicSurfacesWhenSynchronous(t *testing.T) {
	d := destination.NewThreaded(destination.HandlerFunc(func(*envelope.Package) error {
		panic("boom")
	}), destination.Config{Name: "fragile"})

	err := d.Accept(envelope.NewDataPackage("reader", nil))
	assert.ErrorIs(t, err, buserr.ErrHandlerPanic)

	var pe *buserr.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "fragile", pe.Where)
	assert.NotEmpty(t, pe.Stack)
}

func TestThreaded_EndDrainsAndReturnsToSync(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{}
	d := destination.NewThreaded(destination.HandlerFunc(func(pkg *envelope.Package) error {
		<-release
		return rec.HandlePackage(pkg)
	}), destination.Config{Name: "drain"})
	require.NoError(t, d.Start(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Accept(envelope.NewDataPackage("reader", nil)))
	}
	close(release)
	require.NoError(t, d.End())

	assert.Len(t, rec.handled(), 5, "queued packages are handled before End returns")
	assert.False(t, d.Running())
	assert.Zero(t, d.Pending())

	// Back in synchronous mode
	require.NoError(t, d.Accept(envelope.NewDataPackage("reader", nil)))
	assert.Len(t, rec.handled(), 6)
}

func TestThreaded_StartTwice(t *testing.T) {
	d := destination.NewThreaded(&recorder{}, destination.Config{Name: "twice"})
	require.NoError(t, d.Start(context.Background()))
	defer d.End()

	assert.ErrorIs(t, d.Start(context.Background()), buserr.ErrAlreadyStarted)
}

func TestThreaded_EndIsIdempotent(t *testing.T) {
	d := destination.NewThreaded(&recorder{}, destination.Config{Name: "idem"})
	assert.NoError(t, d.End(), "End before Start is a no-op")

	require.NoError(t, d.Start(context.Background()))
	assert.NoError(t, d.End())
	assert.NoError(t, d.End())
}

func TestThreaded_RestartAfterEnd(t *testing.T) {
	rec := &recorder{}
	d := destination.NewThreaded(rec, destination.Config{Name: "restart"})

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.End())
	require.NoError(t, d.Start(context.Background()))
	defer d.End()

	require.NoError(t, d.Accept(envelope.NewDataPackage("reader", nil)))
	waitFor(t, func() bool { return len(rec.handled()) == 1 })
}

func TestThreaded_StopSignalEndsLoop(t *testing.T) {
	stop := signal.NewStop()
	d := destination.NewThreaded(&recorder{}, destination.Config{
		Name:         "stoppable",
		NonBlocking:  true,
		PollInterval: 5 * time.Millisecond,
		Stop:         stop,
	})
	require.NoError(t, d.Start(context.Background()))
	require.True(t, d.Running())

	stop.Raise("test")

	waitFor(t, func() bool { return !d.Running() })
	assert.NoError(t, d.End())
}

func TestThreaded_ContextCancelEndsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := destination.NewThreaded(&recorder{}, destination.Config{Name: "ctx"})
	require.NoError(t, d.Start(ctx))

	cancel()
	waitFor(t, func() bool { return !d.Running() })
}

func TestAcceptorFunc(t *testing.T) {
	var got *envelope.Package
	var a destination.Acceptor = destination.AcceptorFunc(func(pkg *envelope.Package) error {
		got = pkg
		return nil
	})
	pkg := envelope.NewDataPackage("x", nil)
	require.NoError(t, a.Accept(pkg))
	assert.Same(t, pkg, got)
}
