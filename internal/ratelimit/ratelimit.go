// Package ratelimit implements a per-key token bucket, used to rate-limit TCP SYNs by source IP
// (§4.11, default 10/s).
package ratelimit

import (
	"net/netip"
	"time"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is a per-key token bucket limiter. It is loop-local; no locking (§5).
type Limiter struct {
	ratePerSec float64
	burst      float64
	buckets    map[netip.Addr]*bucket
	now        func() time.Time
	idleAfter  time.Duration
}

// New creates a Limiter allowing ratePerSec events per second per key, with a burst capacity
// equal to ratePerSec (so a quiescent key can immediately admit one second's worth of bursts).
func New(ratePerSec float64) *Limiter {
	return &Limiter{
		ratePerSec: ratePerSec,
		burst:      ratePerSec,
		buckets:    make(map[netip.Addr]*bucket),
		now:        time.Now,
		idleAfter:  5 * time.Minute,
	}
}

// Allow consumes one token for key, returning false if the bucket is empty.
func (l *Limiter) Allow(key netip.Addr) bool {
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * l.ratePerSec
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Reap removes buckets that have been idle longer than idleAfter, bounding memory for
// long-running Connector processes.
func (l *Limiter) Reap() {
	now := l.now()
	for k, b := range l.buckets {
		if now.Sub(b.lastRefill) > l.idleAfter {
			delete(l.buckets, k)
		}
	}
}

// SetClockForTest overrides the time source; production callers never use this.
func (l *Limiter) SetClockForTest(now func() time.Time) {
	l.now = now
}
