// Package signaling implements the Intermediate's NAT-traversal signalling broker (§4.5).
// A single instance is loop-local, owned by the event loop (§5).
package signaling

import (
	"crypto/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-core/internal/connid"
)

// SessionState is the broker's per-session state machine (§4.5).
type SessionState int

const (
	StateOfferSent SessionState = iota
	StateAnswered
	StateDone
)

const sessionTTL = 30 * time.Second

// SessionID is a 16-byte cryptographically random identifier (§3).
type SessionID [16]byte

func newSessionID() (SessionID, error) {
	var id SessionID
	if _, err := rand.Read(id[:]); err != nil {
		return SessionID{}, err
	}
	return id, nil
}

// Session is the broker's record for one in-flight signalling exchange (§3 "Signalling session").
type Session struct {
	ID            SessionID
	ServiceID     string
	InitiatorConn connid.ID
	ResponderConn connid.ID
	State         SessionState
	CreatedAt     time.Time
}

// Broker tracks sessions and enforces the ownership rule: only a session's responder (the bound
// Connector) may answer it, and only its initiator may cancel it.
type Broker struct {
	sessions map[SessionID]*Session
	byConn   map[connid.ID]map[SessionID]struct{}
	log      *zerolog.Logger
	now      func() time.Time
}

func New(log *zerolog.Logger) *Broker {
	return &Broker{
		sessions: make(map[SessionID]*Session),
		byConn:   make(map[connid.ID]map[SessionID]struct{}),
		log:      log,
		now:      time.Now,
	}
}

func (b *Broker) track(conn connid.ID, id SessionID) {
	set, ok := b.byConn[conn]
	if !ok {
		set = make(map[SessionID]struct{})
		b.byConn[conn] = set
	}
	set[id] = struct{}{}
}

// Offer creates a new session for serviceID, initiated by initiator and targeted at responder
// (the service's bound Connector). Returns the new session.
func (b *Broker) Offer(initiator, responder connid.ID, serviceID string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:            id,
		ServiceID:     serviceID,
		InitiatorConn: initiator,
		ResponderConn: responder,
		State:         StateOfferSent,
		CreatedAt:     b.now(),
	}
	b.sessions[id] = s
	b.track(initiator, id)
	b.track(responder, id)
	return s, nil
}

// Answer transitions a session from OfferSent to Answered. Only the session's designated
// responder (the bound Connector) may answer; all other callers are rejected (ownership rule).
func (b *Broker) Answer(id SessionID, sender connid.ID) (*Session, bool) {
	s, ok := b.sessions[id]
	if !ok || b.expired(s) {
		return nil, false
	}
	if s.State != StateOfferSent || sender != s.ResponderConn {
		return nil, false
	}
	s.State = StateAnswered
	return s, true
}

// StartPunching transitions Answered -> Done. Either party may trigger it once answered.
func (b *Broker) StartPunching(id SessionID, sender connid.ID) (*Session, bool) {
	s, ok := b.sessions[id]
	if !ok || b.expired(s) {
		return nil, false
	}
	if s.State != StateAnswered || (sender != s.InitiatorConn && sender != s.ResponderConn) {
		return nil, false
	}
	s.State = StateDone
	return s, true
}

// Cancel removes a session. Only its initiator may cancel it (ownership rule).
func (b *Broker) Cancel(id SessionID, sender connid.ID) bool {
	s, ok := b.sessions[id]
	if !ok || sender != s.InitiatorConn {
		return false
	}
	b.remove(id)
	return true
}

func (b *Broker) expired(s *Session) bool {
	return b.now().Sub(s.CreatedAt) > sessionTTL
}

func (b *Broker) remove(id SessionID) {
	s, ok := b.sessions[id]
	if !ok {
		return
	}
	delete(b.sessions, id)
	if set, ok := b.byConn[s.InitiatorConn]; ok {
		delete(set, id)
	}
	if set, ok := b.byConn[s.ResponderConn]; ok {
		delete(set, id)
	}
}

// ReapExpired removes every session older than sessionTTL, returning the removed IDs.
func (b *Broker) ReapExpired() []SessionID {
	var expired []SessionID
	for id, s := range b.sessions {
		if b.expired(s) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		b.remove(id)
	}
	return expired
}

// OnDisconnect reaps every session owned or answered by conn (§4.5: "A connection closing reaps
// all sessions it owns or answered").
func (b *Broker) OnDisconnect(conn connid.ID) {
	set, ok := b.byConn[conn]
	if !ok {
		return
	}
	ids := make([]SessionID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	for _, id := range ids {
		b.remove(id)
	}
	delete(b.byConn, conn)
}

// Get returns the session for id, if live and unexpired.
func (b *Broker) Get(id SessionID) (*Session, bool) {
	s, ok := b.sessions[id]
	if !ok || b.expired(s) {
		return nil, false
	}
	return s, true
}

// SetClockForTest overrides the time source; production callers never use this.
func (b *Broker) SetClockForTest(now func() time.Time) {
	b.now = now
}
