package sitebus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
)

// ReadFunc takes one reading from a device. A nil map with a nil error means
// there is nothing to publish this round.
//
// Errors marked with errors.Transient are logged and polling continues. Any
// other error ends Poll after a disconnected event is published for the
// source.
type ReadFunc func(ctx context.Context) (map[string]any, error)

// Poll calls read every interval and publishes each reading as a data
// package from source. It returns nil when the stop signal is raised,
// ctx.Err() when ctx ends, or the first non-transient read error.
func (f *Framework) Poll(ctx context.Context, source string, interval time.Duration, read ReadFunc) error {
	if interval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", buserr.ErrInvalidConfig, interval)
	}
	logger := f.logger.With(slog.String("source", source))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.stop.Done():
			return nil
		case <-ticker.C:
		}

		fields, err := read(ctx)
		if err != nil {
			if buserr.IsTransient(err) {
				logger.Warn("read failed, retrying next interval", slog.String("error", err.Error()))
				continue
			}
			logger.Error("read failed, stopping reader", slog.String("error", err.Error()))
			if perr := f.events.Publish(source, envelope.EventDisconnected, err.Error(), nil); perr != nil {
				logger.Warn("publish disconnected event failed", slog.String("error", perr.Error()))
			}
			return fmt.Errorf("%s: read: %w", source, err)
		}
		if fields == nil {
			continue
		}
		if err := f.data.Publish(source, fields); err != nil {
			logger.Warn("publish failed", slog.String("error", err.Error()))
		}
	}
}
