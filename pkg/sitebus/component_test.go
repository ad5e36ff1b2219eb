package sitebus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sitebus/pkg/sitebus/archive"
	"github.com/randalmurphal/sitebus/pkg/sitebus/command"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
)

// recorder collects what a component's handlers receive.
type recorder struct {
	mu     sync.Mutex
	data   []string
	events []envelope.EventType
}

func (r *recorder) onData(source string, _ *envelope.Data) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, source)
	return nil
}

func (r *recorder) onEvent(_ string, evt *envelope.EventPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt.Type)
	return nil
}

func (r *recorder) dataSources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...)
}

func (r *recorder) eventTypes() []envelope.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]envelope.EventType(nil), r.events...)
}

func valveTable(state *bool) command.Table {
	return command.Table{
		"open": func(context.Context, command.Call) (any, error) {
			*state = true
			return true, nil
		},
		"close": func(context.Context, command.Call) (any, error) {
			*state = false
			return true, nil
		},
		"jam": func(context.Context, command.Call) (any, error) {
			return nil, errors.New("actuator stalled")
		},
	}
}

func TestComponent_CommandRoundTrip(t *testing.T) {
	fw := newFramework(t)
	var open bool
	_, err := fw.NewComponent("valve-1", valveTable(&open))
	require.NoError(t, err)
	controller, err := fw.NewComponent("controller", nil)
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))

	ret, err := controller.Call(context.Background(), "valve-1", "open")
	require.NoError(t, err)
	assert.Equal(t, true, ret)
	assert.True(t, open)

	_, err = controller.Call(context.Background(), "valve-1", "jam")
	assert.ErrorIs(t, err, buserr.ErrCommandFailed)
	assert.ErrorContains(t, err, "actuator stalled")

	_, err = controller.Call(context.Background(), "valve-1", "explode")
	assert.ErrorIs(t, err, buserr.ErrUnknownCommand)

	_, err = controller.Call(context.Background(), "valve-9", "open")
	assert.ErrorIs(t, err, buserr.ErrUnknownDestination)

	n, err := fw.Archive().Count(archive.Filter{Channel: envelope.ChannelCommand})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = fw.Archive().Count(archive.Filter{Channel: envelope.ChannelResponse})
	require.NoError(t, err)
	assert.Equal(t, 4, n, "every command is answered, including the unroutable ones")
}

func TestComponent_Send(t *testing.T) {
	fw := newFramework(t)
	var open bool
	_, err := fw.NewComponent("valve-1", valveTable(&open))
	require.NoError(t, err)
	controller, err := fw.NewComponent("controller", nil)
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))

	pkg, err := controller.Send("valve-1", "open")
	require.NoError(t, err)

	resp, err := fw.Commands().GetResponse(context.Background(), pkg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusCompleted, resp.Status)
	assert.True(t, open)
}

func TestComponent_CallTimeout(t *testing.T) {
	fw := newFramework(t)
	release := make(chan struct{})
	_, err := fw.NewComponent("slow", command.Table{
		"wait": func(context.Context, command.Call) (any, error) {
			<-release
			return nil, nil
		},
	})
	require.NoError(t, err)
	controller, err := fw.NewComponent("controller", nil)
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))
	defer close(release)

	_, err = controller.CallTimeout(context.Background(), 20*time.Millisecond, command.Request{
		Destination: "slow",
		Command:     "wait",
		Level:       envelope.LevelNoncritical,
	})
	assert.ErrorIs(t, err, buserr.ErrTimeout)
}

func TestComponent_DataSubscriptions(t *testing.T) {
	fw := newFramework(t)
	labjack, err := fw.NewComponent("labjack", nil)
	require.NoError(t, err)
	alicat, err := fw.NewComponent("alicat", nil)
	require.NoError(t, err)

	plotter, err := fw.NewComponent("plotter", nil)
	require.NoError(t, err)
	var fromLabjack, fromAnyone recorder
	require.NoError(t, plotter.SubscribeData("labjack", fromLabjack.onData))
	require.NoError(t, plotter.SubscribeData("", fromAnyone.onData))

	require.NoError(t, fw.Start(context.Background()))
	require.NoError(t, labjack.PublishData(map[string]any{"ain0": 1.2}))
	require.NoError(t, alicat.PublishData(map[string]any{"flow": 3.4}))

	require.Eventually(t, func() bool {
		return len(fromLabjack.dataSources())+len(fromAnyone.dataSources()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"labjack"}, fromLabjack.dataSources(), "the specific handler wins for its publisher")
	assert.Equal(t, []string{"alicat"}, fromAnyone.dataSources())

	assert.ErrorIs(t, plotter.SubscribeData("x", nil), buserr.ErrInvalidTarget)
}

func TestComponent_EventSubscriptions(t *testing.T) {
	fw := newFramework(t)
	sensor, err := fw.NewComponent("sensor", nil)
	require.NoError(t, err)

	monitor, err := fw.NewComponent("monitor", nil)
	require.NoError(t, err)
	var alarms, everything recorder
	require.NoError(t, monitor.SubscribeEvents("sensor", alarms.onEvent, envelope.EventAlarm))
	require.NoError(t, monitor.SubscribeEvents("", everything.onEvent))

	require.NoError(t, sensor.PublishEvent(envelope.EventAlarm, "methane high", nil))
	require.NoError(t, sensor.PublishEvent(envelope.EventConnected, "", nil))

	assert.Equal(t, []envelope.EventType{envelope.EventAlarm}, alarms.eventTypes())
	assert.Equal(t, []envelope.EventType{envelope.EventAlarm, envelope.EventConnected}, everything.eventTypes())

	assert.ErrorIs(t, monitor.SubscribeEvents("", everything.onEvent, "tornado"), buserr.ErrInvalidTarget)
	assert.ErrorIs(t, monitor.SubscribeEvents("", nil), buserr.ErrInvalidTarget)
}

func TestComponent_CreateChannelValidatesData(t *testing.T) {
	fw := newFramework(t)
	alicat, err := fw.NewComponent("alicat", nil)
	require.NoError(t, err)

	require.NoError(t, alicat.CreateChannel(envelope.Metadata{
		"flow":     {Type: "float", Description: "SLPM"},
		"pressure": {Type: "float", Description: "psia"},
	}))
	assert.NoError(t, alicat.PublishData(map[string]any{"flow": 1.0, "pressure": 14.7}))
	assert.ErrorIs(t, alicat.PublishData(map[string]any{"flow": 1.0}), buserr.ErrSchemaMismatch)
}

func TestComponent_NameConflict(t *testing.T) {
	fw := newFramework(t)
	_, err := fw.NewComponent("valve-1", nil)
	require.NoError(t, err)

	_, err = fw.NewComponent("valve-1", nil)
	assert.ErrorIs(t, err, buserr.ErrAlreadyRegistered)
	assert.Equal(t, []string{"valve-1"}, fw.Components())
}

func TestComponent_StartedWhenCreatedLate(t *testing.T) {
	fw := newFramework(t)
	require.NoError(t, fw.Start(context.Background()))

	late, err := fw.NewComponent("late", nil)
	require.NoError(t, err)
	assert.True(t, late.Endpoint().Running())

	got, ok := fw.Component("late")
	require.True(t, ok)
	assert.Same(t, late, got)
}

func TestComponent_Close(t *testing.T) {
	fw := newFramework(t)
	var open bool
	valve, err := fw.NewComponent("valve-1", valveTable(&open))
	require.NoError(t, err)
	var seen recorder
	require.NoError(t, valve.SubscribeData("", seen.onData))
	require.NoError(t, valve.SubscribeEvents("", seen.onEvent))
	controller, err := fw.NewComponent("controller", nil)
	require.NoError(t, err)

	require.NoError(t, valve.Close())
	require.NoError(t, valve.Close())

	require.NoError(t, controller.PublishData(map[string]any{"x": 1}))
	require.NoError(t, controller.PublishEvent(envelope.EventAlarm, "", nil))
	assert.Empty(t, seen.dataSources())
	assert.Empty(t, seen.eventTypes())

	_, err = controller.Call(context.Background(), "valve-1", "open")
	assert.ErrorIs(t, err, buserr.ErrUnknownDestination)
	assert.Equal(t, []string{"controller"}, fw.Components())
	assert.NotContains(t, fw.Commands().Targets(), "valve-1")
}
