package p2p

import (
	"time"
)

// PairState is the per-pair connectivity-check state machine (§3, §4.7).
type PairState int

const (
	Frozen PairState = iota
	Waiting
	InProgress
	Succeeded
	Failed
)

const (
	initialRTO  = 100 * time.Millisecond
	maxRTO      = 1600 * time.Millisecond
	maxRetries  = 7
	checkBudget = 5 * time.Second
)

// Pair is a local x remote candidate combination under check (§3 "CandidatePair").
type Pair struct {
	Local, Remote Candidate
	State         PairState
	Nominated     bool

	rto        time.Duration
	retries    int
	lastSentAt time.Time
	txID       [12]byte
}

// PairPriority computes the RFC 8445 pair priority: 2^32*min(G,D) + 2*max(G,D) + (G>D?1:0), where G is
// the controlling side's candidate priority (§3).
func PairPriority(controllingPriority, controlledPriority uint32, controllingIsG bool) uint64 {
	var g, d uint64
	if controllingIsG {
		g, d = uint64(controllingPriority), uint64(controlledPriority)
	} else {
		g, d = uint64(controlledPriority), uint64(controllingPriority)
	}
	min, max := g, d
	if g > d {
		min, max = d, g
	}
	var tie uint64
	if g > d {
		tie = 1
	}
	return (1<<32)*min + 2*max + tie
}

// NewPair builds a Pair in Frozen state. No priority is stored and localIsControlling is not
// kept: the role is passed to Priority each time the pair priority is needed.
func NewPair(local, remote Candidate, localIsControlling bool) *Pair {
	return &Pair{
		Local:   local,
		Remote:  remote,
		State:   Frozen,
		rto:     initialRTO,
		retries: 0,
	}
}

// Priority delegates to PairPriority using this pair's candidates.
func (p *Pair) Priority(localIsControlling bool) uint64 {
	return PairPriority(p.Local.Priority(), p.Remote.Priority(), localIsControlling)
}

// NextRTO doubles the retransmit timeout up to maxRTO, per §4.7.
func (p *Pair) NextRTO() time.Duration {
	next := p.rto * 2
	if next > maxRTO {
		next = maxRTO
	}
	p.rto = next
	return p.rto
}

// ExhaustedRetries reports whether the pair has used its full retry budget (7 retries, §4.7).
func (p *Pair) ExhaustedRetries() bool {
	return p.retries >= maxRetries
}
