package sitebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/sitebus/pkg/sitebus/command"
	"github.com/randalmurphal/sitebus/pkg/sitebus/config"
	"github.com/randalmurphal/sitebus/pkg/sitebus/destination"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
	"github.com/randalmurphal/sitebus/pkg/sitebus/subscription"
)

// DataHandler receives a data package a component subscribed to.
type DataHandler func(source string, d *envelope.Data) error

// EventHandler receives an event a component subscribed to.
type EventHandler func(source string, evt *envelope.EventPayload) error

type eventRoute struct {
	publisher string
	types     map[envelope.EventType]struct{}
	fn        EventHandler
}

func (r eventRoute) matches(source string, et envelope.EventType) bool {
	if r.publisher != subscription.All && r.publisher != source {
		return false
	}
	if len(r.types) == 0 {
		return true
	}
	_, ok := r.types[et]
	return ok
}

// Component is a named participant on the bus: a command endpoint plus the
// data and event subscriptions it holds. Subscribed packages are queued on
// the endpoint's loop alongside Noncritical commands, so a component's
// handlers run one package at a time once the framework is started.
type Component struct {
	fw       *Framework
	name     string
	endpoint *command.Endpoint

	mu     sync.RWMutex
	data   map[string]DataHandler
	events []eventRoute
	closed bool
}

// NewComponent registers a component under name with the commands in table.
// A nil table gives a component with no commands.
func (f *Framework) NewComponent(name string, table command.Table) (*Component, error) {
	c := &Component{
		fw:   f,
		name: name,
		data: make(map[string]DataHandler),
	}

	ep, err := command.NewEndpoint(f.commands, name, table,
		command.WithPackageHandler(destination.HandlerFunc(c.handlePackage)))
	if err != nil {
		return nil, err
	}
	c.endpoint = ep

	if _, claimed := f.components.Claim(name, c); !claimed {
		f.commands.Unregister(name)
		return nil, fmt.Errorf("component %q: %w", name, buserr.ErrAlreadyRegistered)
	}
	if err := f.startComponent(c); err != nil {
		f.components.Delete(name)
		f.commands.Unregister(name)
		return nil, err
	}
	return c, nil
}

// Name returns the component's name, which is also its publisher name and
// command destination.
func (c *Component) Name() string { return c.name }

// Config returns the component's block from the site file.
func (c *Component) Config() config.Config {
	return c.fw.site.Component(c.name)
}

// Endpoint returns the component's command endpoint.
func (c *Component) Endpoint() *command.Endpoint { return c.endpoint }

// SubscribeData delivers data from publisher to fn. An empty publisher
// subscribes to every publisher; a specific subscription takes precedence
// over the catch-all for its publisher.
func (c *Component) SubscribeData(publisher string, fn DataHandler) error {
	if fn == nil {
		return fmt.Errorf("%w: nil data handler", buserr.ErrInvalidTarget)
	}
	c.mu.Lock()
	c.data[publisher] = fn
	c.mu.Unlock()

	_, err := c.fw.data.Subscribe(c.endpoint, c.name, publisher)
	return err
}

// SubscribeEvents delivers events from publisher to fn. An empty publisher
// means every publisher; no types means every event type.
func (c *Component) SubscribeEvents(publisher string, fn EventHandler, types ...envelope.EventType) error {
	if fn == nil {
		return fmt.Errorf("%w: nil event handler", buserr.ErrInvalidTarget)
	}
	if _, err := c.fw.events.Subscribe(c.endpoint, c.name, publisher, types...); err != nil {
		return err
	}

	route := eventRoute{publisher: publisher, fn: fn}
	if len(types) > 0 {
		route.types = make(map[envelope.EventType]struct{}, len(types))
		for _, et := range types {
			route.types[et] = struct{}{}
		}
	}
	c.mu.Lock()
	c.events = append(c.events, route)
	c.mu.Unlock()
	return nil
}

// CreateChannel registers the fields this component publishes, so the
// archive can check them.
func (c *Component) CreateChannel(metadata envelope.Metadata) error {
	return c.fw.data.CreateChannel(c.name, metadata)
}

// PublishData publishes fields under the component's name.
func (c *Component) PublishData(fields map[string]any, opts ...envelope.Option) error {
	return c.fw.data.Publish(c.name, fields, opts...)
}

// PublishEvent publishes an event under the component's name.
func (c *Component) PublishEvent(et envelope.EventType, msg string, fields map[string]any) error {
	return c.fw.events.Publish(c.name, et, msg, fields)
}

// Call runs command on destination and waits for the result, using the
// framework's response timeout.
func (c *Component) Call(ctx context.Context, destination, cmd string, args ...any) (any, error) {
	return c.CallTimeout(ctx, 0, command.Request{Destination: destination, Command: cmd, Args: args})
}

// CallTimeout is Call with a full request and an explicit timeout.
func (c *Component) CallTimeout(ctx context.Context, timeout time.Duration, req command.Request) (any, error) {
	return c.endpoint.Call(ctx, req, timeout)
}

// Send issues command on destination without waiting for its response.
func (c *Component) Send(destination, cmd string, args ...any) (*envelope.Package, error) {
	return c.endpoint.Send(command.Request{Destination: destination, Command: cmd, Args: args})
}

// Poll runs read every interval and publishes its fields under the
// component's name. See Framework.Poll.
func (c *Component) Poll(ctx context.Context, interval time.Duration, read ReadFunc) error {
	return c.fw.Poll(ctx, c.name, interval, read)
}

// Close removes the component's subscriptions and command registration and
// ends its loop. Close is idempotent.
func (c *Component) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.fw.data.Unsubscribe(c.name)
	c.fw.events.Unsubscribe(c.name)
	c.fw.commands.Unregister(c.name)
	c.fw.components.Delete(c.name)
	return c.endpoint.End()
}

// handlePackage dispatches subscribed data and events to the component's
// handlers. Commands never reach it; the endpoint executes those.
func (c *Component) handlePackage(pkg *envelope.Package) error {
	switch pkg.Channel {
	case envelope.ChannelData:
		d, _ := pkg.Data()
		c.mu.RLock()
		fn, ok := c.data[pkg.Source]
		if !ok {
			fn, ok = c.data[subscription.All]
		}
		c.mu.RUnlock()
		if !ok {
			return nil
		}
		return fn(pkg.Source, d)

	case envelope.ChannelEvent:
		evt, _ := pkg.Event()
		c.mu.RLock()
		routes := append([]eventRoute(nil), c.events...)
		c.mu.RUnlock()

		var errs []error
		for _, r := range routes {
			if r.matches(pkg.Source, evt.Type) {
				if err := r.fn(pkg.Source, evt); err != nil {
					errs = append(errs, err)
				}
			}
		}
		return errors.Join(errs...)
	}
	return fmt.Errorf("%w: component %s does not handle %s packages", buserr.ErrInvalidPackage, c.name, pkg.Channel)
}
