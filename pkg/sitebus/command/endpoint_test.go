package command_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/sitebus/pkg/sitebus/command"
	"github.com/randalmurphal/sitebus/pkg/sitebus/destination"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
	"github.com/randalmurphal/sitebus/pkg/sitebus/observability"
)

// testCommandClass is a component that calls a command on itself.
type testCommandClass struct {
	*command.Endpoint
}

func newTestCommandClass(t *testing.T, m *command.Manager) *testCommandClass {
	t.Helper()
	ep, err := command.NewEndpoint(m, "TCC", command.Table{
		"receiveTestCommand": func(context.Context, command.Call) (any, error) {
			return true, nil
		},
	})
	require.NoError(t, err)
	return &testCommandClass{Endpoint: ep}
}

func (c *testCommandClass) sendTestCommand(ctx context.Context) (any, error) {
	return c.Call(ctx, command.Request{
		SourceMethod: "sendTestCommand",
		Destination:  c.Name(),
		Command:      "receiveTestCommand",
	}, time.Second)
}

func TestEndpoint_ImmediateRoundTrip(t *testing.T) {
	m, _ := newManager(t)
	tcc := newTestCommandClass(t, m)

	got, err := tcc.sendTestCommand(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestEndpoint_ImmediateRoundTripThreaded(t *testing.T) {
	m, _ := newManager(t)
	tcc := newTestCommandClass(t, m)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, tcc.Start(context.Background()))
	defer tcc.End()

	got, err := tcc.sendTestCommand(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestEndpoint_NoncriticalSend(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Start(context.Background()))

	var opened atomic.Int32
	valve, err := command.NewEndpoint(m, "valve-1", command.Table{
		"open": func(_ context.Context, call command.Call) (any, error) {
			opened.Add(1)
			pct, _ := call.Kwarg("percent")
			return pct, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, valve.Start(context.Background()))
	defer valve.End()

	gui, err := command.NewEndpoint(m, "gui", nil)
	require.NoError(t, err)

	pkg, err := gui.Send(command.Request{
		Destination: "valve-1",
		Command:     "open",
		Kwargs:      map[string]any{"percent": 50},
	})
	require.NoError(t, err)

	cmd, _ := pkg.Command()
	assert.Equal(t, envelope.LevelNoncritical, cmd.Level)
	assert.Equal(t, "gui", cmd.Source)

	resp, err := m.GetResponse(context.Background(), pkg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusCompleted, resp.Status)
	assert.Equal(t, 50, resp.Ret)
	assert.Equal(t, "gui", resp.Destination)
	assert.Equal(t, int32(1), opened.Load())
}

func TestEndpoint_CommandFailure(t *testing.T) {
	m, _ := newManager(t)
	ep, err := command.NewEndpoint(m, "valve-1", command.Table{
		"close": func(context.Context, command.Call) (any, error) {
			return nil, errors.New("actuator stuck")
		},
		"open": func(context.Context, command.Call) (any, error) {
			panic("wiring fault")
		},
		"status": func(context.Context, command.Call) (any, error) {
			return "ok", nil
		},
	})
	require.NoError(t, err)

	_, err = ep.Call(context.Background(), command.Request{Destination: "valve-1", Command: "close"}, time.Second)
	assert.ErrorIs(t, err, buserr.ErrCommandFailed)
	assert.Contains(t, err.Error(), "actuator stuck")

	_, err = ep.Call(context.Background(), command.Request{Destination: "valve-1", Command: "open"}, time.Second)
	assert.ErrorIs(t, err, buserr.ErrCommandFailed)
	assert.Contains(t, err.Error(), "wiring fault")

	ret, err := ep.Call(context.Background(), command.Request{Destination: "valve-1", Command: "status"}, time.Second)
	require.NoError(t, err, "a panicking command does not break the endpoint")
	assert.Equal(t, "ok", ret)
}

func TestEndpoint_ExecuteReturnsTypedErrors(t *testing.T) {
	m, _ := newManager(t)
	_, err := command.NewEndpoint(m, "valve-1", command.Table{
		"open": func(context.Context, command.Call) (any, error) { panic("boom") },
	})
	require.NoError(t, err)

	pkg := m.CreateCommandPackage(command.Request{Destination: "valve-1", Command: "open"})
	_, err = m.IssueCommand(context.Background(), pkg)
	assert.ErrorIs(t, err, buserr.ErrHandlerPanic)

	tx, ok := m.Transaction(mustCommand(t, pkg).CommandID)
	require.True(t, ok)
	assert.Equal(t, envelope.StatusFailed, tx.Status)
}

func TestEndpoint_WrongDestination(t *testing.T) {
	m, _ := newManager(t)
	ep, err := command.NewEndpoint(m, "valve-1", command.Table{
		"open": func(context.Context, command.Call) (any, error) { return nil, nil },
	})
	require.NoError(t, err)

	// Delivered to valve-1 but addressed to valve-2.
	pkg := m.CreateCommandPackage(command.Request{Destination: "valve-2", Command: "open"})
	_, err = ep.Execute(context.Background(), pkg)
	assert.ErrorIs(t, err, buserr.ErrWrongDestination)

	pkg = m.CreateCommandPackage(command.Request{Destination: "valve-1", Command: "close"})
	_, err = ep.Execute(context.Background(), pkg)
	assert.ErrorIs(t, err, buserr.ErrUnknownCommand)

	_, err = ep.Execute(context.Background(), envelope.NewDataPackage("labjack", nil))
	assert.ErrorIs(t, err, buserr.ErrInvalidPackage)
}

func TestEndpoint_SerializesCommands(t *testing.T) {
	m, _ := newManager(t)

	var active, peak atomic.Int32
	ep, err := command.NewEndpoint(m, "valve-1", command.Table{
		"cycle": func(context.Context, command.Call) (any, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			return nil, nil
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ep.Call(context.Background(), command.Request{Destination: "valve-1", Command: "cycle"}, 5*time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load(), "commands on one endpoint never overlap")
}

func TestEndpoint_ImmediateSelfCallReenters(t *testing.T) {
	spans := &spanEvents{}
	m, _ := newManager(t, command.WithSpans(spans))

	var ep *command.Endpoint
	ep, err := command.NewEndpoint(m, "ctl", command.Table{
		"inner": func(context.Context, command.Call) (any, error) { return "inner done", nil },
		"outer": func(ctx context.Context, _ command.Call) (any, error) {
			return ep.Call(ctx, command.Request{Destination: "ctl", Command: "inner"}, 100*time.Millisecond)
		},
	})
	require.NoError(t, err)

	type result struct {
		ret any
		err error
	}
	done := make(chan result, 1)
	go func() {
		ret, err := ep.Call(context.Background(), command.Request{Destination: "ctl", Command: "outer"}, time.Second)
		done <- result{ret, err}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "inner done", r.ret)
	case <-time.After(2 * time.Second):
		t.Fatal("immediate call into the caller's own endpoint deadlocked")
	}
	assert.Equal(t, []string{"lock acquired", "lock reentered"}, spans.names())
}

// spanEvents records the span events an endpoint adds.
type spanEvents struct {
	observability.NoopSpanManager
	mu     sync.Mutex
	events []string
}

func (s *spanEvents) AddSpanEvent(_ context.Context, name string, _ ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
}

func (s *spanEvents) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func TestEndpoint_ParallelAcrossEndpoints(t *testing.T) {
	m, _ := newManager(t)

	release := make(chan struct{})
	entered := make(chan string, 2)
	table := command.Table{
		"hold": func(_ context.Context, call command.Call) (any, error) {
			entered <- call.Command.Destination
			<-release
			return nil, nil
		},
	}
	a, err := command.NewEndpoint(m, "valve-a", table)
	require.NoError(t, err)
	b, err := command.NewEndpoint(m, "valve-b", table)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, ep := range []*command.Endpoint{a, b} {
		wg.Add(1)
		go func(ep *command.Endpoint) {
			defer wg.Done()
			_, _ = ep.Call(context.Background(), command.Request{Destination: ep.Name(), Command: "hold"}, 5*time.Second)
		}(ep)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(time.Second):
			t.Fatal("commands on different endpoints should run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestEndpoint_PackageHandler(t *testing.T) {
	m, _ := newManager(t)

	var got atomic.Pointer[envelope.Package]
	ep, err := command.NewEndpoint(m, "plotter", nil,
		command.WithPackageHandler(destination.HandlerFunc(func(pkg *envelope.Package) error {
			got.Store(pkg)
			return nil
		})))
	require.NoError(t, err)

	data := envelope.NewDataPackage("labjack", map[string]any{"t": 20.5})
	require.NoError(t, ep.Accept(data))
	assert.Same(t, data, got.Load())

	bare, err := command.NewEndpoint(m, "bare", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, bare.Accept(data), buserr.ErrInvalidPackage)
	assert.Empty(t, bare.CommandNames())
}

func TestEndpoint_NameConflict(t *testing.T) {
	m, _ := newManager(t)
	_, err := command.NewEndpoint(m, "valve-1", nil)
	require.NoError(t, err)

	_, err = command.NewEndpoint(m, "valve-1", nil)
	assert.ErrorIs(t, err, buserr.ErrAlreadyRegistered)

	_, err = command.NewEndpoint(m, "", nil)
	assert.ErrorIs(t, err, buserr.ErrInvalidTarget)
}

func TestEndpoint_CommandNamesSorted(t *testing.T) {
	m, _ := newManager(t)
	nop := func(context.Context, command.Call) (any, error) { return nil, nil }
	ep, err := command.NewEndpoint(m, "valve-1", command.Table{"open": nop, "close": nop, "status": nop})
	require.NoError(t, err)

	assert.Equal(t, []string{"close", "open", "status"}, ep.CommandNames())
	assert.Same(t, m, ep.Manager())
}

func TestCall_Args(t *testing.T) {
	call := command.Call{Args: []any{"a"}, Kwargs: map[string]any{"k": 1}}
	assert.Equal(t, "a", call.Arg(0))
	assert.Nil(t, call.Arg(1))
	assert.Nil(t, call.Arg(-1))

	v, ok := call.Kwarg("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = call.Kwarg("missing")
	assert.False(t, ok)
}

func mustCommand(t *testing.T, pkg *envelope.Package) *envelope.CommandPayload {
	t.Helper()
	cmd, ok := pkg.Command()
	require.True(t, ok)
	return cmd
}
