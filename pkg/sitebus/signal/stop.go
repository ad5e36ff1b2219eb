// Package signal provides the stop signal shared by every loop on the bus.
//
// A Stop is raised at most once. Raising it closes a channel, so any number of
// goroutines can select on Done() and all of them wake together. The
// EventManager raises it when a shutdown event passes through; nothing else in
// the bus needs to know who raised it or why.
package signal

import (
	"sync"
	"time"
)

// Stop is a one-shot, process-wide stop signal.
// The zero value is not usable; create one with NewStop.
type Stop struct {
	once sync.Once
	done chan struct{}

	mu       sync.RWMutex
	reason   string
	raisedAt time.Time
}

// NewStop creates an unraised stop signal.
func NewStop() *Stop {
	return &Stop{done: make(chan struct{})}
}

// Raise sets the signal. Only the first call has any effect; it reports
// whether this call was the one that raised it.
func (s *Stop) Raise(reason string) bool {
	raised := false
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.raisedAt = time.Now()
		s.mu.Unlock()
		close(s.done)
		raised = true
	})
	return raised
}

// Done returns a channel that is closed once the signal is raised.
// A nil Stop never fires.
func (s *Stop) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Raised reports whether the signal has been raised.
func (s *Stop) Raised() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason given to Raise, or "" if not raised.
func (s *Stop) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// RaisedAt returns when the signal was raised, or the zero time.
func (s *Stop) RaisedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raisedAt
}
