// Package backoff implements the exponential-backoff reconnect schedule the Connector uses when
// its QUIC connection to the Intermediate drops (§4.12): 1s initial, doubling, capped at 30s, with
// sleeps decomposed into <=500ms chunks so a shutdown signal is noticed promptly.
package backoff

import (
	"context"
	"time"
)

const (
	baseDelay  = time.Second
	maxDelay   = 30 * time.Second
	chunkSize  = 500 * time.Millisecond
)

// Handler tracks the current backoff delay across reconnect attempts.
type Handler struct {
	delay time.Duration
	clock func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a Handler starting at baseDelay.
func New() *Handler {
	return &Handler{delay: baseDelay, clock: time.Now, after: time.After}
}

// Reset returns the delay to baseDelay after a successful reconnect (§4.12: "on ACK, resume
// normal operation and reset backoff to 1 s").
func (h *Handler) Reset() {
	h.delay = baseDelay
}

// NextDelay returns the delay to use for the upcoming sleep and doubles it (capped at maxDelay)
// for the following attempt.
func (h *Handler) NextDelay() time.Duration {
	current := h.delay
	h.delay *= 2
	if h.delay > maxDelay {
		h.delay = maxDelay
	}
	return current
}

// Sleep waits for d, but in chunkSize slices, returning early (with false) if shuttingDown
// signals shutdown or ctx is cancelled mid-sleep. Returns true if the full delay elapsed.
func (h *Handler) Sleep(ctx context.Context, d time.Duration, shuttingDown <-chan struct{}) bool {
	remaining := d
	for remaining > 0 {
		slice := chunkSize
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-h.after(slice):
			remaining -= slice
		case <-ctx.Done():
			return false
		case <-shuttingDown:
			return false
		}
	}
	return true
}
