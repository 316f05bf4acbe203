// Package udpforward implements the Connector's UDP forwarding and return-path mapping (§3, §4.11):
// inbound UDP datagrams are written to the service's backend over a dedicated per-flow socket
// keyed by the inner packet's four-tuple, and backend replies read on that socket are
// re-encapsulated with source and destination swapped and handed to the flow's Sender toward the
// originating Agent. Flow tracking and
// idle expiry mirror the teacher's packet.FunnelTracker (packet/funnel.go), adapted from raw-packet
// funnels to UDP sockets.
package udpforward

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-core/internal/ippkt"
)

// defaultIdleTimeout expires a UDP flow mapping after this much inactivity (§4.11).
const defaultIdleTimeout = 2 * time.Minute

// Sender injects a synthesized IP/UDP datagram back onto the return path.
type Sender func(datagram []byte) error

type flowKey struct {
	src     netip.Addr
	srcPort uint16
	dst     netip.Addr
	dstPort uint16
}

type flow struct {
	key        flowKey
	conn       *net.UDPConn
	send       Sender
	lastActive time.Time
}

// Forwarder tracks live UDP flows for one Connector process.
type Forwarder struct {
	mu          sync.Mutex
	flows       map[flowKey]*flow
	idleTimeout time.Duration
	log         *zerolog.Logger
}

// New builds a Forwarder using the default idle timeout.
func New(log *zerolog.Logger) *Forwarder {
	return &Forwarder{
		flows:       make(map[flowKey]*flow),
		idleTimeout: defaultIdleTimeout,
		log:         log,
	}
}

// HandleDatagram processes one inbound IP/UDP datagram addressed to backend, opening a new
// per-flow socket on first sight and reusing it for subsequent datagrams on the same four-tuple.
func (f *Forwarder) HandleDatagram(ip *ippkt.IPv4, dgram *ippkt.UDP, backend string, send Sender) {
	key := flowKey{src: ip.Src, srcPort: dgram.SrcPort, dst: ip.Dst, dstPort: dgram.DstPort}

	fl := f.get(key)
	if fl == nil {
		var err error
		fl, err = f.open(key, backend, send)
		if err != nil {
			f.log.Warn().Err(err).Str("backend", backend).Msg("udp forward: backend dial failed")
			return
		}
	}
	fl.lastActive = time.Now()
	if _, err := fl.conn.Write(dgram.Payload); err != nil {
		f.remove(key)
	}
}

func (f *Forwarder) get(key flowKey) *flow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flows[key]
}

func (f *Forwarder) open(key flowKey, backend string, send Sender) (*flow, error) {
	addr, err := net.ResolveUDPAddr("udp", backend)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	fl := &flow{key: key, conn: conn, send: send, lastActive: time.Now()}
	f.mu.Lock()
	f.flows[key] = fl
	f.mu.Unlock()
	go f.readBackend(fl)
	return fl, nil
}

func (f *Forwarder) readBackend(fl *flow) {
	buf := make([]byte, 64*1024)
	for {
		n, err := fl.conn.Read(buf)
		if n > 0 {
			dgram := ippkt.BuildUDP(fl.key.dst, fl.key.src, fl.key.dstPort, fl.key.srcPort, buf[:n])
			pkt := ippkt.BuildIPv4(fl.key.dst, fl.key.src, ippkt.ProtoUDP, ippkt.DefaultTTL, 0, dgram)
			_ = fl.send(pkt)
		}
		if err != nil {
			f.remove(fl.key)
			return
		}
	}
}

func (f *Forwarder) remove(key flowKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.flows[key]
	if !ok {
		return
	}
	_ = fl.conn.Close()
	delete(f.flows, key)
}

// ReapIdle closes and removes flows inactive longer than the configured idle timeout.
func (f *Forwarder) ReapIdle() {
	now := time.Now()
	f.mu.Lock()
	stale := make([]flowKey, 0)
	for k, fl := range f.flows {
		if now.Sub(fl.lastActive) > f.idleTimeout {
			stale = append(stale, k)
		}
	}
	f.mu.Unlock()
	for _, k := range stale {
		f.remove(k)
	}
}

// ActiveFlows returns the number of tracked flows, for metrics/tests.
func (f *Forwarder) ActiveFlows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flows)
}

// SetIdleTimeoutForTest overrides the idle timeout; production callers never use this.
func (f *Forwarder) SetIdleTimeoutForTest(d time.Duration) {
	f.idleTimeout = d
}
