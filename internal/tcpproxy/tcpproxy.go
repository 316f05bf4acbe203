// Package tcpproxy implements the Connector's userspace TCP state machine (§4.11): each inbound
// SYN opens a non-blocking connection to the service's backend, payload bytes are written through,
// backend reads are re-encapsulated as IP/TCP segments and sent back over the return path, and a
// FIN half-closes the backend with a bounded drain deadline. Flow tracking and idle cleanup follow
// the teacher's packet.FunnelTracker (packet/funnel.go); SYN admission is rate-limited per source
// IP via internal/ratelimit (§4.11 default 10/s).
package tcpproxy

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-core/internal/ippkt"
	"github.com/hfyeomans/ztna-core/internal/ratelimit"
)

// drainDeadline bounds how long a half-closed flow is kept around after a FIN (§4.11).
const drainDeadline = 5 * time.Second

// Sender injects a synthesized IP/TCP segment back onto the return path (toward the Agent that
// owns this flow). The Connector wires this to its QUIC DATAGRAM send.
type Sender func(segment []byte) error

// flowKey identifies one TCP flow by its four-tuple, the same way the teacher keys a Funnel.
type flowKey struct {
	src     netip.Addr
	srcPort uint16
	dst     netip.Addr
	dstPort uint16
}

type flow struct {
	key        flowKey
	backend    net.Conn
	send       Sender
	seq        uint32
	ack        uint32
	lastActive time.Time
	closing    bool
}

// Proxy tracks live TCP flows for one Connector process. Besides the caller of HandleSegment, the
// per-flow backend-read goroutine and drain timer touch it: they send via the flow's Sender
// closure and reach the flow table only through the mutex-guarded closeFlow/removeFlow.
type Proxy struct {
	mu      sync.Mutex
	flows   map[flowKey]*flow
	limiter *ratelimit.Limiter
	dial    func(network, addr string) (net.Conn, error)
	log     *zerolog.Logger
}

// New builds a Proxy with the given SYN rate limit (events/sec per source address).
func New(synRatePerSec float64, log *zerolog.Logger) *Proxy {
	p := &Proxy{
		flows:   make(map[flowKey]*flow),
		limiter: ratelimit.New(synRatePerSec),
		dial:    net.Dial,
		log:     log,
	}
	return p
}

// HandleSegment processes one inbound IP/TCP segment addressed to backend. send delivers any
// reply segments (ACKs, backend data, FIN/RST) back toward the originating Agent.
func (p *Proxy) HandleSegment(ip *ippkt.IPv4, seg *ippkt.TCP, backend string, send Sender) {
	key := flowKey{src: ip.Src, srcPort: seg.SrcPort, dst: ip.Dst, dstPort: seg.DstPort}

	p.mu.Lock()
	f, exists := p.flows[key]
	p.mu.Unlock()

	switch {
	case seg.Flags.Has(ippkt.TCPFlagSYN) && !exists:
		if !p.limiter.Allow(ip.Src) {
			return
		}
		p.openFlow(key, seg, backend, send)
	case exists && seg.Flags.Has(ippkt.TCPFlagFIN):
		p.closeFlow(f, drainDeadline)
	case exists && seg.Flags.Has(ippkt.TCPFlagRST):
		p.removeFlow(f)
	case exists:
		p.forwardPayload(f, seg)
	}
}

func (p *Proxy) openFlow(key flowKey, seg *ippkt.TCP, backend string, send Sender) {
	conn, err := p.dial("tcp", backend)
	if err != nil {
		p.log.Warn().Err(err).Str("backend", backend).Msg("tcp proxy: backend dial failed")
		return
	}
	f := &flow{
		key:        key,
		backend:    conn,
		send:       send,
		seq:        seg.Ack,
		ack:        seg.Seq + 1,
		lastActive: time.Now(),
	}
	p.mu.Lock()
	p.flows[key] = f
	p.mu.Unlock()

	ack := ippkt.BuildTCP(key.dst, key.src, ippkt.TCP{
		SrcPort: key.dstPort, DstPort: key.srcPort,
		Seq: f.seq, Ack: f.ack, Flags: ippkt.TCPFlagSYN | ippkt.TCPFlagACK,
		Window: 65535,
	})
	_ = send(wrapIPv4(key.dst, key.src, ack))

	go p.readBackend(f)
}

func (p *Proxy) forwardPayload(f *flow, seg *ippkt.TCP) {
	f.lastActive = time.Now()
	if len(seg.Payload) == 0 {
		return
	}
	if _, err := f.backend.Write(seg.Payload); err != nil {
		p.removeFlow(f)
		return
	}
	f.ack = seg.Seq + uint32(len(seg.Payload))
	ack := ippkt.BuildTCP(f.key.dst, f.key.src, ippkt.TCP{
		SrcPort: f.key.dstPort, DstPort: f.key.srcPort,
		Seq: f.seq, Ack: f.ack, Flags: ippkt.TCPFlagACK, Window: 65535,
	})
	_ = f.send(wrapIPv4(f.key.dst, f.key.src, ack))
}

func (p *Proxy) readBackend(f *flow) {
	buf := make([]byte, 16*1024)
	for {
		n, err := f.backend.Read(buf)
		if n > 0 {
			seg := ippkt.BuildTCP(f.key.dst, f.key.src, ippkt.TCP{
				SrcPort: f.key.dstPort, DstPort: f.key.srcPort,
				Seq: f.seq, Ack: f.ack, Flags: ippkt.TCPFlagACK | ippkt.TCPFlagPSH,
				Window: 65535, Payload: append([]byte(nil), buf[:n]...),
			})
			f.seq += uint32(n)
			_ = f.send(wrapIPv4(f.key.dst, f.key.src, seg))
		}
		if err != nil {
			p.closeFlow(f, drainDeadline)
			return
		}
	}
}

// closeFlow sends a FIN/ACK and schedules removal after deadline, giving the backend time to
// drain any in-flight bytes (§4.11).
func (p *Proxy) closeFlow(f *flow, deadline time.Duration) {
	p.mu.Lock()
	if f.closing {
		p.mu.Unlock()
		return
	}
	f.closing = true
	p.mu.Unlock()

	fin := ippkt.BuildTCP(f.key.dst, f.key.src, ippkt.TCP{
		SrcPort: f.key.dstPort, DstPort: f.key.srcPort,
		Seq: f.seq, Ack: f.ack, Flags: ippkt.TCPFlagFIN | ippkt.TCPFlagACK, Window: 65535,
	})
	_ = f.send(wrapIPv4(f.key.dst, f.key.src, fin))

	go func() {
		time.Sleep(deadline)
		p.removeFlow(f)
	}()
}

func (p *Proxy) removeFlow(f *flow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.flows[f.key]; !ok {
		return
	}
	_ = f.backend.Close()
	delete(p.flows, f.key)
}

// ReapIdle closes and removes flows that have been inactive longer than idleAfter.
func (p *Proxy) ReapIdle(idleAfter time.Duration) {
	now := time.Now()
	p.mu.Lock()
	stale := make([]*flow, 0)
	for _, f := range p.flows {
		if now.Sub(f.lastActive) > idleAfter {
			stale = append(stale, f)
		}
	}
	p.mu.Unlock()
	for _, f := range stale {
		p.removeFlow(f)
	}
}

// ActiveFlows returns the number of tracked flows, for metrics/tests.
func (p *Proxy) ActiveFlows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.flows)
}

func wrapIPv4(src, dst netip.Addr, tcpSegment []byte) []byte {
	return ippkt.BuildIPv4(src, dst, ippkt.ProtoTCP, ippkt.DefaultTTL, 0, tcpSegment)
}
