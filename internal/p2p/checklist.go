package p2p

import (
	"crypto/rand"
	"sort"
	"time"
)

// Role distinguishes the controlling (nominating) side from the controlled side (§4.7).
type Role int

const (
	Controlling Role = iota
	Controlled
)

// Checklist drives connectivity checks for a sorted set of candidate pairs (§4.7). It is
// single-threaded and not safe for concurrent use; one goroutine must own it.
type Checklist struct {
	role     Role
	pairs    []*Pair
	deadline time.Time
	now      func() time.Time
	send     func(pair *Pair, txID [12]byte) error
}

// NewChecklist builds a checklist from local x remote candidate pairs, sorted by pair priority
// descending (highest priority checked first, §4.7).
func NewChecklist(role Role, local, remote []Candidate, send func(pair *Pair, txID [12]byte) error) *Checklist {
	localIsControlling := role == Controlling
	pairs := make([]*Pair, 0, len(local)*len(remote))
	for _, l := range local {
		for _, r := range remote {
			pairs = append(pairs, NewPair(l, r, localIsControlling))
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Priority(localIsControlling) > pairs[j].Priority(localIsControlling)
	})
	// Unfreeze the first pair of each foundation group immediately; later pairs sharing a
	// foundation stay Frozen until Tick fails a pair on exhausted retries, which releases the
	// next Frozen pair of that foundation (§4.7).
	seenFoundation := make(map[string]bool)
	for _, p := range pairs {
		key := p.Local.Foundation + "|" + p.Remote.Foundation
		if !seenFoundation[key] {
			p.State = Waiting
			seenFoundation[key] = true
		}
	}
	return &Checklist{
		role:  role,
		pairs: pairs,
		now:   time.Now,
		send:  send,
	}
}

// Start begins the check budget window (§4.7: total 5s).
func (c *Checklist) Start() {
	c.deadline = c.now().Add(checkBudget)
}

// Expired reports whether the 5s check budget has elapsed.
func (c *Checklist) Expired() bool {
	return !c.deadline.IsZero() && c.now().After(c.deadline)
}

func newTransactionID() ([12]byte, error) {
	var id [12]byte
	_, err := rand.Read(id[:])
	return id, err
}

// Tick drives every Waiting pair forward: sends a BindingRequest with a fresh transaction ID,
// and fails pairs that have exhausted their retry budget. Call this periodically (e.g. every
// RTO-sized slice) from the goroutine that owns the Checklist.
func (c *Checklist) Tick() error {
	if c.Expired() {
		for _, p := range c.pairs {
			if p.State == Waiting || p.State == InProgress {
				p.State = Failed
			}
		}
		return nil
	}
	for _, p := range c.pairs {
		if p.State != Waiting {
			continue
		}
		if p.ExhaustedRetries() {
			p.State = Failed
			c.unfreezeFoundation(p)
			continue
		}
		if !p.lastSentAt.IsZero() && c.now().Sub(p.lastSentAt) < p.rto {
			continue
		}
		txID, err := newTransactionID()
		if err != nil {
			return err
		}
		p.txID = txID
		p.State = InProgress
		p.lastSentAt = c.now()
		if err := c.send(p, txID); err != nil {
			return err
		}
	}
	// Pairs waiting for a retry tick back to Waiting so Tick re-sends on the next pass.
	for _, p := range c.pairs {
		if p.State == InProgress && !p.lastSentAt.IsZero() && c.now().Sub(p.lastSentAt) >= p.rto {
			p.retries++
			p.rto = p.NextRTO()
			p.State = Waiting
		}
	}
	return nil
}

// OnBindingResponse marks the pair matching txID as Succeeded. On the first Succeeded pair, it
// nominates that pair (if Controlling) and fails every other InProgress or Waiting pair (§4.7).
func (c *Checklist) OnBindingResponse(txID [12]byte) (*Pair, bool) {
	for _, p := range c.pairs {
		if p.State == InProgress && p.txID == txID {
			p.State = Succeeded
			if c.role == Controlling {
				p.Nominated = true
			}
			for _, other := range c.pairs {
				if other != p && (other.State == InProgress || other.State == Waiting) {
					other.State = Failed
				}
			}
			return p, true
		}
	}
	return nil, false
}

// AcceptNomination marks pair as nominated on the controlled side, once the controlling peer's
// StartPunching/BindingRequest indicates it chose this pair.
func (c *Checklist) AcceptNomination(p *Pair) {
	p.Nominated = true
	for _, other := range c.pairs {
		if other != p && (other.State == InProgress || other.State == Waiting) {
			other.State = Failed
		}
	}
}

// Nominated returns the nominated pair, if any.
func (c *Checklist) Nominated() (*Pair, bool) {
	for _, p := range c.pairs {
		if p.Nominated {
			return p, true
		}
	}
	return nil, false
}

// AllFailed reports whether every pair has failed (triggering fallback to Relay, §4.7).
func (c *Checklist) AllFailed() bool {
	for _, p := range c.pairs {
		if p.State != Failed {
			return false
		}
	}
	return len(c.pairs) > 0
}

func (c *Checklist) unfreezeFoundation(failed *Pair) {
	key := failed.Local.Foundation + "|" + failed.Remote.Foundation
	for _, p := range c.pairs {
		if p.State == Frozen && p.Local.Foundation+"|"+p.Remote.Foundation == key {
			p.State = Waiting
			return
		}
	}
}

// SetClockForTest overrides the time source; production callers never use this.
func (c *Checklist) SetClockForTest(now func() time.Time) {
	c.now = now
}
