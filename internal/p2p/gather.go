package p2p

import (
	"net"
	"net/netip"
)

// Gatherer assembles the three candidate kinds for one local UDP port (§4.6).
type Gatherer struct {
	localPort       uint16
	observedAddr    netip.AddrPort // most recent QAD report (ServerReflexive)
	hasObserved     bool
	intermediateAddr netip.AddrPort // Relay fallback, always-on
}

// NewGatherer creates a Gatherer bound to localPort, with the Intermediate's own address as the
// permanent Relay fallback candidate.
func NewGatherer(localPort uint16, intermediateAddr netip.AddrPort) *Gatherer {
	return &Gatherer{
		localPort:        localPort,
		intermediateAddr: intermediateAddr,
	}
}

// SetObservedAddr records the address most recently reported via a QAD frame (§4.13's
// set_local_observed_address capability; §4.6 ServerReflexive source).
func (g *Gatherer) SetObservedAddr(addr netip.AddrPort) {
	g.observedAddr = addr
	g.hasObserved = true
}

// hostCandidates enumerates every local interface address that is neither loopback nor
// link-local (§4.6).
func hostCandidates(localPort uint16) ([]Candidate, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []Candidate
	localPref := uint32(65535)
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP.To4())
		if !ok {
			if a16, ok2 := netip.AddrFromSlice(ipNet.IP.To16()); ok2 {
				addr = a16
			} else {
				continue
			}
		}
		out = append(out, Candidate{
			Kind:       Host,
			Addr:       netip.AddrPortFrom(addr, localPort),
			Foundation: "host",
			LocalPref:  localPref,
		})
		if localPref > 1 {
			localPref--
		}
	}
	return out, nil
}

// Gather assembles Host, ServerReflexive (if observed) and Relay candidates, deduplicated by
// (address, port) per §4.6.
func (g *Gatherer) Gather() ([]Candidate, error) {
	var out []Candidate

	hosts, err := hostCandidates(g.localPort)
	if err != nil {
		return nil, err
	}
	out = append(out, hosts...)

	if g.hasObserved {
		out = append(out, Candidate{
			Kind:       ServerReflexive,
			Addr:       g.observedAddr,
			Foundation: "srflx",
			LocalPref:  65535,
		})
	}

	if g.intermediateAddr.IsValid() {
		out = append(out, Candidate{
			Kind:       Relay,
			Addr:       g.intermediateAddr,
			Foundation: "relay",
			LocalPref:  65535,
		})
	}

	return Dedup(out), nil
}
