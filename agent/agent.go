// Package agent implements the Agent core library (§4.13): a QUIC client to the Intermediate,
// per-service Direct P2P connections to Connectors, service-routed DATAGRAM encapsulation,
// keepalive/QAD demultiplexing and a bounded return-path queue. It has no event loop of its own
// in the sense intermediate.Server and connector.Server do — a Handle is driven by whatever host
// process embeds it, the way the teacher's edgediscovery/session packages expose a library
// surface rather than a main loop.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-core/internal/p2p"
	"github.com/hfyeomans/ztna-core/internal/quicsrv"
	"github.com/hfyeomans/ztna-core/internal/shutdown"
	"github.com/hfyeomans/ztna-core/internal/tlsutil"
	"github.com/hfyeomans/ztna-core/internal/wire"
)

const (
	// returnQueueCapacity is the default bounded size of the return-path queue (§4.13).
	returnQueueCapacity = 4096
	// keepaliveInterval is how often a Direct connection is probed for liveness (§4.9).
	keepaliveInterval = 15 * time.Second
	// directSuspectThreshold is the number of consecutive Direct send failures within one
	// keepalive interval that demotes a service back to the Relay path (§4.9).
	directSuspectThreshold = 3
	// checkBudget bounds how long a punch attempt spends dialing candidate pairs (§4.7, §5).
	checkBudget = 5 * time.Second
)

// Config configures a new Handle (§4.13 create(config)).
type Config struct {
	// Cert/Key identify this Agent for both the Intermediate connection and any Direct
	// connections it dials to Connectors (one QUIC identity, matching the Connector's own
	// single-identity design).
	Cert, Key string
	CACert     string
	VerifyPeer bool
	// LocalP2PPort is the UDP port advertised in this Agent's Host candidates. It does not bind
	// a listener: the Agent only ever dials Direct connections, it never accepts them (§4.10 is
	// the Connector's side of the dance).
	LocalP2PPort uint16
	// ReturnQueueCapacity overrides the default bounded queue depth; 0 keeps the default.
	ReturnQueueCapacity int
}

type directPath struct {
	conn                *quicsrv.Conn
	lastKeepaliveAck    time.Time
	consecutiveFailures int
}

// Handle is one Agent's live state: its connection to the Intermediate, any Direct connections to
// Connectors, and the plumbing each capability in §4.13 hangs off of.
type Handle struct {
	cfg     Config
	log     *zerolog.Logger
	tlsConf *tls.Config

	mu             sync.Mutex
	client         *quicsrv.Conn
	direct         map[string]*directPath   // serviceID -> Direct connection
	coordinators   map[string]*p2p.Coordinator
	gatherer       *p2p.Gatherer
	pendingService string // serviceID with an outstanding Offer awaiting an Answer, "" if none
	pendingLocal   []p2p.Candidate

	queue *returnQueue

	// droppedOutbound counts datagrams dropped as the oldest entry in a full per-connection
	// outbound queue (§4.4), across the client connection and every Direct connection.
	droppedOutbound atomic.Uint64

	shutdown *shutdown.Signal
}

// DroppedOutboundDatagrams returns the running count of outbound datagrams this Handle has
// dropped for being the oldest entry in a full send queue (§4.4), for a host process to export.
func (h *Handle) DroppedOutboundDatagrams() uint64 {
	return h.droppedOutbound.Load()
}

// Create builds a Handle from cfg without connecting anywhere yet (§4.13 create(config) -> handle).
func Create(cfg Config, log *zerolog.Logger) (*Handle, error) {
	tlsConf := &tls.Config{}
	if cfg.Cert != "" && cfg.Key != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, errors.Wrap(err, "loading agent certificate")
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}
	if !cfg.VerifyPeer {
		tlsConf.InsecureSkipVerify = true
	}
	if cfg.CACert != "" {
		pool, err := tlsutil.LoadClientCAPool(cfg.CACert)
		if err != nil {
			return nil, err
		}
		tlsConf.RootCAs = pool
	}

	capacity := cfg.ReturnQueueCapacity
	if capacity == 0 {
		capacity = returnQueueCapacity
	}

	return &Handle{
		cfg:          cfg,
		log:          log,
		tlsConf:      tlsConf,
		direct:       make(map[string]*directPath),
		coordinators: make(map[string]*p2p.Coordinator),
		queue:        newReturnQueue(capacity),
		shutdown:     shutdown.New(),
	}, nil
}

// Connect dials target (the Intermediate) and begins the Agent's inbound demux loop and keepalive
// loop (§4.13 connect(target, certs, verify_peer); certs/verify_peer were already folded into
// tlsConf by Create, matching how quicsrv.Dial expects one *tls.Config).
func (h *Handle) Connect(ctx context.Context, target string) error {
	conn, err := quicsrv.Dial(ctx, target, h.tlsConf)
	if err != nil {
		return errors.Wrap(err, "dialing intermediate")
	}
	conn.SetDropCounter(func() { h.droppedOutbound.Add(1) })

	relayAddr := netip.AddrPort{}
	if ap, err := netip.ParseAddrPort(target); err == nil {
		relayAddr = ap
	}

	h.mu.Lock()
	h.client = conn
	h.gatherer = p2p.NewGatherer(h.cfg.LocalP2PPort, relayAddr)
	h.mu.Unlock()

	go h.readClientLoop(conn)
	go h.keepaliveLoop(ctx)
	return nil
}

// Register sends a 0x10 Agent registration frame for serviceID over the client connection.
func (h *Handle) Register(serviceID string) error {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return fmt.Errorf("agent: not connected")
	}
	buf, err := (wire.Registration{ServiceID: serviceID}).MarshalAgentRegister()
	if err != nil {
		return err
	}
	return client.SendDatagram(buf)
}

// SendRouted sends ipPacket on whichever path is currently preferred for serviceID (§4.9): on a
// healthy Direct path the raw packet goes out unwrapped; otherwise it is wrapped in a 0x2F
// service-routed frame and sent via the Relay. A Direct send failure falls back to Relay for that
// packet and counts against the demotion threshold.
func (h *Handle) SendRouted(serviceID string, ipPacket []byte) error {
	if len(ipPacket) < 20 {
		return fmt.Errorf("agent: ip_packet shorter than a minimal IPv4 header")
	}
	if len(serviceID) == 0 || len(serviceID) > 255 {
		return fmt.Errorf("agent: service id must be 1-255 bytes")
	}

	h.mu.Lock()
	dp, hasDirect := h.direct[serviceID]
	client := h.client
	h.mu.Unlock()

	if hasDirect && time.Since(dp.lastKeepaliveAck) <= 3*keepaliveInterval {
		if err := dp.conn.SendDatagram(ipPacket); err == nil {
			h.resetDirectFailures(serviceID)
			return nil
		}
		h.recordDirectFailure(serviceID)
	}

	if client == nil {
		return fmt.Errorf("agent: not connected to intermediate")
	}
	wrapped, err := (wire.ServiceRouted{ServiceID: serviceID, Payload: ipPacket}).Marshal()
	if err != nil {
		return err
	}
	return client.SendDatagram(wrapped)
}

// SendRawDatagram sends bytes unwrapped on the client connection (§4.13 legacy path).
func (h *Handle) SendRawDatagram(data []byte) error {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return fmt.Errorf("agent: not connected")
	}
	return client.SendDatagram(data)
}

// RecvDatagram drains one entry from the return queue, if any (§4.13 recv_datagram() -> Option<bytes>).
func (h *Handle) RecvDatagram() ([]byte, bool) {
	return h.queue.pop()
}

// SetLocalObservedAddress updates the ServerReflexive candidate fed into future Offers (§4.13
// set_local_observed_address; also called internally when a QAD frame arrives).
func (h *Handle) SetLocalObservedAddress(addr netip.AddrPort) {
	h.mu.Lock()
	if h.gatherer != nil {
		h.gatherer.SetObservedAddr(addr)
	}
	h.mu.Unlock()
}

// Shutdown closes every connection this Handle owns (§4.13 shutdown()).
func (h *Handle) Shutdown() {
	h.shutdown.Notify()
	h.mu.Lock()
	if h.client != nil {
		h.client.CloseWithCode(0, "agent shutting down")
	}
	for _, dp := range h.direct {
		dp.conn.CloseWithCode(0, "agent shutting down")
	}
	h.mu.Unlock()
}

// InitiateDirect starts a hole-punch attempt for serviceID: gathers local candidates and sends an
// Offer over the client connection (§4.6-§4.8). Returns an error if a punch for this service is
// already in flight or this Agent has no client connection yet. Only one punch attempt runs
// process-wide at a time: the wire's CandidateMessage carries no service identifier, so this
// Agent can only disambiguate an incoming Answer by tracking a single pending exchange.
func (h *Handle) InitiateDirect(serviceID string) error {
	h.mu.Lock()
	if h.pendingService != "" {
		h.mu.Unlock()
		return fmt.Errorf("agent: a direct-path attempt for %q is already in flight", h.pendingService)
	}
	client := h.client
	gatherer := h.gatherer
	coord, ok := h.coordinators[serviceID]
	if !ok {
		coord = p2p.NewCoordinator()
		h.coordinators[serviceID] = coord
	}
	h.mu.Unlock()

	if client == nil || gatherer == nil {
		return fmt.Errorf("agent: not connected")
	}
	coord.CooldownElapsed()
	if !coord.RequestPunch() {
		return fmt.Errorf("agent: service %q is already holepunching or cooling down", serviceID)
	}

	candidates, err := gatherer.Gather()
	if err != nil {
		return errors.Wrap(err, "gathering local candidates")
	}
	if !coord.CandidatesReady(len(candidates) > 0) {
		return fmt.Errorf("agent: no local candidates to offer for %q", serviceID)
	}

	h.mu.Lock()
	h.pendingService = serviceID
	h.pendingLocal = candidates
	h.mu.Unlock()

	offer := wire.CandidateMessage{Candidates: toWireCandidates(candidates)}.MarshalOffer()
	if err := client.SendDatagram(offer); err != nil {
		h.clearPending()
		return errors.Wrap(err, "sending offer")
	}
	return nil
}

func (h *Handle) clearPending() {
	h.mu.Lock()
	h.pendingService = ""
	h.pendingLocal = nil
	h.mu.Unlock()
}

func (h *Handle) recordDirectFailure(serviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dp, ok := h.direct[serviceID]
	if !ok {
		return
	}
	dp.consecutiveFailures++
	if dp.consecutiveFailures >= directSuspectThreshold {
		delete(h.direct, serviceID)
		if coord, ok := h.coordinators[serviceID]; ok {
			coord.DirectKeepaliveFailed()
		}
	}
}

func (h *Handle) resetDirectFailures(serviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dp, ok := h.direct[serviceID]; ok {
		dp.consecutiveFailures = 0
	}
}

func (h *Handle) setDirect(serviceID string, conn *quicsrv.Conn) {
	h.mu.Lock()
	h.direct[serviceID] = &directPath{conn: conn, lastKeepaliveAck: time.Now()}
	h.mu.Unlock()
}

// readClientLoop demultiplexes DATAGRAMs received on the client connection until it closes.
func (h *Handle) readClientLoop(conn *quicsrv.Conn) {
	for {
		data, err := conn.ReceiveDatagram(conn.Context())
		if err != nil {
			h.log.Warn().Err(err).Msg("agent: connection to intermediate closed")
			return
		}
		h.demuxClient(data)
	}
}

// demuxClient implements §4.13's inbound dispatch over the client (Relay) connection: keepalives
// are handled internally, QAD updates the observed address, service-routed frames are unwrapped
// onto the return queue, and P2P frames drive the hole-punch state machine.
func (h *Handle) demuxClient(data []byte) {
	if wire.IsKeepalive(data) {
		return
	}
	ft, err := wire.ParseType(data)
	if err != nil {
		return
	}
	switch ft {
	case wire.FrameQADv4, wire.FrameQADv6:
		qad, err := wire.UnmarshalQAD(data)
		if err != nil {
			return
		}
		addr, ok := netip.AddrFromSlice(qad.IP)
		if !ok {
			return
		}
		h.SetLocalObservedAddress(netip.AddrPortFrom(addr.Unmap(), qad.Port))
	case wire.FrameRegisterACK:
		_, serviceID, err := wire.UnmarshalRegisterResult(data[1:])
		if err == nil {
			h.log.Info().Str("service", serviceID).Msg("agent: registration acknowledged")
		}
	case wire.FrameRegisterNACK:
		reason, serviceID, err := wire.UnmarshalRegisterResult(data[1:])
		if err == nil {
			h.log.Warn().Str("service", serviceID).Uint8("reason", reason).Msg("agent: registration rejected")
		}
	case wire.FrameServiceRouted:
		sr, err := wire.UnmarshalServiceRouted(data[1:])
		if err != nil {
			return
		}
		h.queue.push(sr.Payload)
	case wire.FrameP2PMagic:
		h.handleP2PFrame(data)
	default:
		h.queue.push(data)
	}
}

func (h *Handle) handleP2PFrame(data []byte) {
	pt, err := wire.ParseP2PType(data)
	if err != nil {
		return
	}
	switch pt {
	case wire.P2PCandidateAnswer:
		h.onAnswer(data)
	case wire.P2PStartPunching:
		// Either party may send this once Answered (§4.5); the Connector's passive accept-only
		// role means it needs no signal here, and this Agent already begins punching on Answer.
	}
}

// onAnswer receives the Connector's candidates, orders local x remote pairs by RFC 8445 pair
// priority, and spends the check budget dialing them in priority order. A successful QUIC
// handshake to a candidate is treated as proof of reachability (§4.7): the full STUN-like
// BindingRequest/Response exchange internal/p2p.Checklist drives would need a raw UDP socket
// distinct from the one quic.Transport owns, which this system's single-socket dual-mode design
// does not have room for.
func (h *Handle) onAnswer(data []byte) {
	msg, err := wire.UnmarshalCandidateMessage(data[2:])
	if err != nil {
		return
	}

	h.mu.Lock()
	serviceID := h.pendingService
	local := h.pendingLocal
	coord := h.coordinators[serviceID]
	h.mu.Unlock()

	if serviceID == "" || coord == nil {
		return
	}
	if !coord.AnswerReceivedOrTimeout() {
		return
	}

	remote := fromWireCandidates(msg.Candidates)
	go h.punch(serviceID, local, remote, coord)
}

type candidatePair struct {
	local, remote p2p.Candidate
	priority      uint64
}

// punch dials local x remote candidate pairs in descending RFC 8445 priority order, within
// checkBudget, nominating the first pair whose dial succeeds (§4.7-§4.8).
func (h *Handle) punch(serviceID string, local, remote []p2p.Candidate, coord *p2p.Coordinator) {
	defer h.clearPending()

	var pairs []candidatePair
	for _, l := range local {
		for _, r := range remote {
			if r.Kind == p2p.Relay {
				continue // the Relay candidate is the fallback path, not a direct-dial target
			}
			pairs = append(pairs, candidatePair{
				local: l, remote: r,
				priority: p2p.PairPriority(l.Priority(), r.Priority(), true),
			})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].priority > pairs[j].priority })

	deadline := time.Now().Add(checkBudget)
	for _, pair := range pairs {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		conn, err := quicsrv.Dial(ctx, pair.remote.Addr.String(), h.tlsConf)
		cancel()
		if err != nil {
			continue
		}
		conn.SetDropCounter(func() { h.droppedOutbound.Add(1) })
		if err := h.announceDirect(conn, serviceID); err != nil {
			conn.CloseWithCode(1, "direct handshake incomplete")
			continue
		}
		coord.PairNominated()
		h.setDirect(serviceID, conn)
		go h.readDirectLoop(serviceID, conn)
		return
	}

	coord.BudgetExpired()
}

// announceDirect sends the reused 0x10 Agent-register frame that the Connector expects as the
// first message on a fresh direct connection, binding it to serviceID on the Connector's side.
func (h *Handle) announceDirect(conn *quicsrv.Conn, serviceID string) error {
	buf, err := (wire.Registration{ServiceID: serviceID}).MarshalAgentRegister()
	if err != nil {
		return err
	}
	return conn.SendDatagram(buf)
}

func (h *Handle) readDirectLoop(serviceID string, conn *quicsrv.Conn) {
	for {
		data, err := conn.ReceiveDatagram(conn.Context())
		if err != nil {
			h.mu.Lock()
			delete(h.direct, serviceID)
			h.mu.Unlock()
			return
		}
		h.demuxDirect(serviceID, data)
	}
}

// demuxDirect handles a DATAGRAM arriving on a Direct connection: it carries raw IP packets with
// no 0x2F wrapper, since the connection is already scoped to one service (§4.9).
func (h *Handle) demuxDirect(serviceID string, data []byte) {
	if wire.IsKeepalive(data) {
		if wire.P2PType(data[1]) == wire.P2PKeepaliveAck {
			h.mu.Lock()
			if dp, ok := h.direct[serviceID]; ok {
				dp.lastKeepaliveAck = time.Now()
			}
			h.mu.Unlock()
		}
		return
	}
	h.queue.push(data)
}

// keepaliveLoop probes every Direct connection every keepaliveInterval (§4.9).
func (h *Handle) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown.Wait():
			return
		case <-ticker.C:
			h.mu.Lock()
			conns := make([]*quicsrv.Conn, 0, len(h.direct))
			for _, dp := range h.direct {
				conns = append(conns, dp.conn)
			}
			h.mu.Unlock()
			for _, c := range conns {
				_ = c.SendDatagram(wire.MarshalKeepalive())
			}
		}
	}
}

func toWireCandidates(candidates []p2p.Candidate) []wire.WireCandidate {
	out := make([]wire.WireCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, encodeCandidate(c))
	}
	return out
}

func encodeCandidate(c p2p.Candidate) wire.WireCandidate {
	var kind wire.CandidateKind
	switch c.Kind {
	case p2p.ServerReflexive:
		kind = wire.CandidateServerReflexive
	case p2p.Relay:
		kind = wire.CandidateRelay
	default:
		kind = wire.CandidateHost
	}
	addr := c.Addr.Addr()
	var ipBuf [16]byte
	isV4 := addr.Is4()
	if isV4 {
		b := addr.As4()
		copy(ipBuf[:4], b[:])
	} else {
		b := addr.As16()
		copy(ipBuf[:], b[:])
	}
	return wire.WireCandidate{
		Kind: kind, IP: ipBuf, IsV4: isV4, Port: c.Addr.Port(),
		Priority: c.Priority(), Foundation: c.Foundation,
	}
}

func fromWireCandidates(in []wire.WireCandidate) []p2p.Candidate {
	out := make([]p2p.Candidate, 0, len(in))
	for _, c := range in {
		var kind p2p.Kind
		switch c.Kind {
		case wire.CandidateServerReflexive:
			kind = p2p.ServerReflexive
		case wire.CandidateRelay:
			kind = p2p.Relay
		default:
			kind = p2p.Host
		}
		var addr netip.Addr
		if c.IsV4 {
			var b [4]byte
			copy(b[:], c.IP[:4])
			addr = netip.AddrFrom4(b)
		} else {
			addr = netip.AddrFrom16(c.IP)
		}
		out = append(out, p2p.Candidate{
			Kind:       kind,
			Addr:       netip.AddrPortFrom(addr, c.Port),
			Foundation: c.Foundation,
			LocalPref:  (c.Priority >> 8) & 0xffff,
		})
	}
	return out
}
