package command

import "time"

// WithClock replaces the manager's clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
