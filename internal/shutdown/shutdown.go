// Package shutdown provides the one-shot notification primitive both processes select on for
// graceful shutdown (§4.14, §5), plus the atomic flag the event loop consults every iteration.
package shutdown

import (
	"sync"
	"sync/atomic"
)

// Signal lets goroutines signal that a one-time event (SIGTERM/SIGINT) has occurred, and lets
// other goroutines wait for or poll it. Adapted from the teacher's safe-signal primitive with an
// added atomic flag so hot loops can check without a channel receive.
type Signal struct {
	ch      chan struct{}
	once    sync.Once
	flagged atomic.Bool
}

// New creates an unsignalled Signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Notify alerts any goroutines waiting on this signal that shutdown has begun. Safe to call
// multiple times or concurrently; only the first call has effect.
func (s *Signal) Notify() {
	s.once.Do(func() {
		s.flagged.Store(true)
		close(s.ch)
	})
}

// Wait returns a channel that is closed when Notify is first called.
func (s *Signal) Wait() <-chan struct{} {
	return s.ch
}

// ShuttingDown reports whether Notify has been called, without blocking. The event loop consults
// this at every poll iteration (§5 "Cancellation and timeouts").
func (s *Signal) ShuttingDown() bool {
	return s.flagged.Load()
}
