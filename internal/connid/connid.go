// Package connid mints the opaque connection handles the QUIC adapter hands out to every
// accepted or dialed connection (§3 "Connection handle").
package connid

import (
	"fmt"
	"net/netip"
	"sync/atomic"
)

// Role hints how a connection is being used. A connection starts Unknown until its first
// registration frame arrives.
type Role int

const (
	RoleUnknown Role = iota
	RoleAgent
	RoleConnector
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleConnector:
		return "connector"
	default:
		return "unknown"
	}
}

// ID is a process-lifetime-unique connection handle (§3).
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("conn-%d", uint64(id))
}

var counter uint64

// New mints a fresh ID. Safe for concurrent use; its only caller in this codebase is the
// Intermediate's accept-loop goroutine.
func New() ID {
	return ID(atomic.AddUint64(&counter, 1))
}

// Info is the metadata the QUIC adapter associates with a live connection.
type Info struct {
	ID         ID
	RemoteAddr netip.AddrPort
	Role       Role
}
