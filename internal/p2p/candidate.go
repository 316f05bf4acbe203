// Package p2p implements the candidate gatherer, connectivity checker and hole-punch coordinator
// used by the Agent's P2P engine (§4.6-§4.8).
package p2p

import (
	"net/netip"
)

// Kind is a candidate's RFC 8445-ish type.
type Kind int

const (
	Host Kind = iota
	ServerReflexive
	Relay
)

// typePreference implements the type_pref term of the RFC 8445 priority formula (§3).
func (k Kind) typePreference() uint32 {
	switch k {
	case Host:
		return 126
	case ServerReflexive:
		return 100
	case Relay:
		return 0
	default:
		return 0
	}
}

// Candidate is one address/port a peer might be reachable on (§3).
type Candidate struct {
	Kind       Kind
	Addr       netip.AddrPort
	Foundation string
	// LocalPref breaks ties among candidates of the same Kind (e.g. interface preference order);
	// default 65535 per RFC 8445 §5.1.2.1 when only one candidate of a kind exists.
	LocalPref uint32
}

// Priority computes the RFC 8445 candidate priority: (type_pref<<24) | (local_pref<<8) | (256 -
// component_id). This system has a single UDP component, so component_id is always 1 (§4.6).
func (c Candidate) Priority() uint32 {
	const componentID = 1
	return (c.Kind.typePreference() << 24) | ((c.LocalPref & 0xffff) << 8) | (256 - componentID)
}

// DedupKey identifies candidates that should be collapsed (§4.6: "Deduplicate by (address,
// port)").
func (c Candidate) DedupKey() netip.AddrPort {
	return c.Addr
}

// Dedup removes candidates sharing an (address, port), keeping the first occurrence (which, given
// gathering order Host -> ServerReflexive -> Relay, prefers the more specific kind).
func Dedup(candidates []Candidate) []Candidate {
	seen := make(map[netip.AddrPort]struct{}, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		key := c.DedupKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}
