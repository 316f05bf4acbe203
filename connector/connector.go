// Package connector wires together the App Connector's event loop (§4.10-§4.12): one UDP socket
// serves both roles of dual-mode QUIC (client to the Intermediate, server for direct P2P peers);
// a single goroutine demultiplexes inbound DATAGRAMs and owns the TCP proxy, UDP forwarder and
// registration state, the same owning-loop/channel-handoff shape as intermediate.Server.Run.
package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-core/internal/backoff"
	"github.com/hfyeomans/ztna-core/internal/config"
	"github.com/hfyeomans/ztna-core/internal/icmpresponder"
	"github.com/hfyeomans/ztna-core/internal/ippkt"
	"github.com/hfyeomans/ztna-core/internal/metrics"
	"github.com/hfyeomans/ztna-core/internal/p2p"
	"github.com/hfyeomans/ztna-core/internal/quicsrv"
	"github.com/hfyeomans/ztna-core/internal/shutdown"
	"github.com/hfyeomans/ztna-core/internal/tcpproxy"
	"github.com/hfyeomans/ztna-core/internal/tlsutil"
	"github.com/hfyeomans/ztna-core/internal/udpforward"
	"github.com/hfyeomans/ztna-core/internal/wire"
)

const (
	tcpSYNRatePerSec = 10.0
	tcpIdleTimeout   = 5 * time.Minute
)

type serviceBinding struct {
	cfg       config.ServiceConfig
	virtualIP netip.Addr
}

type inbound struct {
	conn *quicsrv.Conn
	data []byte
}

// Server runs one Connector process end to end.
type Server struct {
	cfg     config.Connector
	log     *zerolog.Logger
	metrics *metrics.Connector
	services map[string]serviceBinding

	tcp *tcpproxy.Proxy
	udp *udpforward.Forwarder

	certs    *tlsutil.CertReloader
	gatherer *p2p.Gatherer
	ln       *quicsrv.Listener

	backoff  *backoff.Handler
	shutdown *shutdown.Signal

	mu              sync.Mutex
	client          *quicsrv.Conn
	directServiceOf map[*quicsrv.Conn]string
}

// New builds a Server from its validated configuration.
func New(cfg config.Connector, log *zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	services := make(map[string]serviceBinding, len(cfg.Services))
	for _, svc := range cfg.Services {
		vip, err := netip.ParseAddr(svc.VirtualIP)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("parsing virtual_ip for service %s", svc.ID))
		}
		services[svc.ID] = serviceBinding{cfg: svc, virtualIP: vip}
	}

	s := &Server{
		cfg:             cfg,
		log:             log,
		metrics:         metrics.NewConnector(time.Now()),
		services:        services,
		tcp:             tcpproxy.New(tcpSYNRatePerSec, log),
		udp:             udpforward.New(log),
		backoff:         backoff.New(),
		shutdown:        shutdown.New(),
		directServiceOf: make(map[*quicsrv.Conn]string),
	}

	if cfg.P2P.Cert != "" && cfg.P2P.Key != "" && cfg.P2P.ListenPort != 0 {
		certs, err := tlsutil.NewCertReloader(cfg.P2P.Cert, cfg.P2P.Key)
		if err != nil {
			return nil, errors.Wrap(err, "loading p2p certificate")
		}
		s.certs = certs

		var relayAddr netip.AddrPort
		if udpAddr, err := net.ResolveUDPAddr("udp", cfg.IntermediateServer); err == nil {
			if ip, ok := netip.AddrFromSlice(udpAddr.IP); ok {
				relayAddr = netip.AddrPortFrom(ip.Unmap(), uint16(udpAddr.Port))
			}
		}
		s.gatherer = p2p.NewGatherer(uint16(cfg.P2P.ListenPort), relayAddr)
	}

	return s, nil
}

// Run starts the Connector's dual-mode QUIC endpoint and event loop, blocking until ctx is
// cancelled or a SIGTERM/SIGINT arrives (§4.14: "the Connector simply breaks the event loop and
// exits").
func (s *Server) Run(ctx context.Context) error {
	tlsConf, err := s.tlsConfig()
	if err != nil {
		return err
	}

	if s.cfg.P2P.ListenPort != 0 {
		ln, err := quicsrv.Listen(netAddr(s.cfg.P2P.ListenPort), tlsConf, quicsrv.AlwaysRetry(false))
		if err != nil {
			return errors.Wrap(err, "starting p2p listener")
		}
		defer ln.Close()
		s.ln = ln
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go metrics.Serve(ctx, s.cfg.MetricsPort, s.metrics, s.log)

	inboundCh := make(chan inbound, 1024)
	if s.ln != nil {
		go s.acceptDirectLoop(ctx, s.ln, inboundCh)
	}
	go s.clientLoop(ctx, tlsConf, inboundCh)

	reapTicker := time.NewTicker(5 * time.Second)
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown.Notify()
			return nil
		case <-sigCh:
			s.shutdown.Notify()
			return nil
		case in := <-inboundCh:
			s.handleInbound(in)
		case <-reapTicker.C:
			s.tcp.ReapIdle(tcpIdleTimeout)
			s.udp.ReapIdle()
		}
	}
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{}
	if s.certs != nil {
		cfg.GetCertificate = s.certs.GetCertificate
	}
	if !s.cfg.VerifyPeer {
		cfg.InsecureSkipVerify = true
	}
	if s.cfg.CACert != "" {
		pool, err := tlsutil.LoadClientCAPool(s.cfg.CACert)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
		if s.cfg.VerifyPeer {
			cfg.ClientCAs = pool
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return cfg, nil
}

// clientLoop dials the Intermediate, registers every configured service, and re-dials with
// exponential backoff whenever the connection drops (§4.12).
func (s *Server) clientLoop(ctx context.Context, tlsConf *tls.Config, inboundCh chan<- inbound) {
	reconnecting := false
	for {
		if s.shutdown.ShuttingDown() {
			return
		}
		var conn *quicsrv.Conn
		var err error
		if s.ln != nil {
			conn, err = s.ln.DialPeer(ctx, s.cfg.IntermediateServer, tlsConf)
		} else {
			conn, err = quicsrv.Dial(ctx, s.cfg.IntermediateServer, tlsConf)
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("connector: dial to intermediate failed")
			if !s.backoff.Sleep(ctx, s.backoff.NextDelay(), s.shutdown.Wait()) {
				return
			}
			continue
		}

		conn.SetDropCounter(s.metrics.OutboundDatagramsDropped.Inc)
		s.setClient(conn)
		s.registerAll(conn)
		if reconnecting {
			s.metrics.ReconnectionsTotal.Inc()
		}
		s.backoff.Reset()

		s.readLoop(conn, inboundCh)

		s.setClient(nil)
		reconnecting = true
		if s.shutdown.ShuttingDown() {
			return
		}
		if !s.backoff.Sleep(ctx, s.backoff.NextDelay(), s.shutdown.Wait()) {
			return
		}
	}
}

func (s *Server) registerAll(conn *quicsrv.Conn) {
	for id := range s.services {
		buf, err := (wire.Registration{ServiceID: id}).MarshalConnectorRegister()
		if err != nil {
			continue
		}
		if err := conn.SendDatagram(buf); err != nil {
			s.log.Warn().Err(err).Str("service", id).Msg("connector: registration send failed")
		}
	}
}

func (s *Server) acceptDirectLoop(ctx context.Context, ln *quicsrv.Listener, inboundCh chan<- inbound) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if s.shutdown.ShuttingDown() {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Warn().Err(err).Msg("connector: p2p accept failed")
			continue
		}
		if !s.authorizeDirectPeer(conn) {
			s.metrics.UnknownSourceTotal.Inc()
			conn.CloseWithCode(3, "unauthorized peer certificate")
			continue
		}
		conn.SetDropCounter(s.metrics.OutboundDatagramsDropped.Inc)
		go s.readLoop(conn, inboundCh)
	}
}

// authorizeDirectPeer requires the peer's certificate to carry a service SAN this Connector
// serves, mirroring the registry's Invariant 2 authorization on the Intermediate side.
func (s *Server) authorizeDirectPeer(conn *quicsrv.Conn) bool {
	if !s.cfg.VerifyPeer {
		return true
	}
	certs := conn.PeerCertificates()
	if len(certs) == 0 {
		return false
	}
	sans := tlsutil.ServiceSANsFromCert(certs[0])
	for id := range s.services {
		if _, ok := sans[id]; ok {
			return true
		}
	}
	return false
}

func (s *Server) readLoop(conn *quicsrv.Conn, inboundCh chan<- inbound) {
	defer s.forgetDirectConn(conn)
	for {
		data, err := conn.ReceiveDatagram(conn.Context())
		if err != nil {
			return
		}
		inboundCh <- inbound{conn: conn, data: data}
	}
}

func (s *Server) setClient(c *quicsrv.Conn) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Server) isClient(c *quicsrv.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client == c
}

func (s *Server) bindDirectConn(c *quicsrv.Conn, serviceID string) {
	s.mu.Lock()
	s.directServiceOf[c] = serviceID
	s.mu.Unlock()
}

func (s *Server) directService(c *quicsrv.Conn) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.directServiceOf[c]
	return id, ok
}

func (s *Server) forgetDirectConn(c *quicsrv.Conn) {
	s.mu.Lock()
	delete(s.directServiceOf, c)
	s.mu.Unlock()
}

// handleInbound dispatches one DATAGRAM received on either the client connection or a direct peer
// connection. Frames on a direct connection carry raw IP packets with no 0x2F wrapper (§4.9: the
// wrapper only exists for the Relay path); the first frame on a fresh direct connection is instead
// expected to be a 0x10 Agent registration frame naming the service it is dialing in for, so this
// Connector knows how to route everything that follows on that connection.
func (s *Server) handleInbound(in inbound) {
	ft, err := wire.ParseType(in.data)
	if err != nil {
		return
	}
	switch ft {
	case wire.FrameQADv4, wire.FrameQADv6:
		qad, err := wire.UnmarshalQAD(in.data)
		if err != nil {
			return
		}
		addr, ok := netip.AddrFromSlice(qad.IP)
		if !ok {
			return
		}
		s.mu.Lock()
		if s.gatherer != nil {
			s.gatherer.SetObservedAddr(netip.AddrPortFrom(addr.Unmap(), qad.Port))
		}
		s.mu.Unlock()
	case wire.FrameAgentRegister:
		reg, err := wire.UnmarshalRegistration(in.data[1:])
		if err != nil {
			return
		}
		if _, ok := s.services[reg.ServiceID]; !ok {
			return
		}
		s.bindDirectConn(in.conn, reg.ServiceID)
	case wire.FrameRegisterACK:
		_, serviceID, err := wire.UnmarshalRegisterResult(in.data[1:])
		if err == nil {
			s.log.Info().Str("service", serviceID).Msg("connector: registration acknowledged")
		}
	case wire.FrameRegisterNACK:
		reason, serviceID, err := wire.UnmarshalRegisterResult(in.data[1:])
		if err == nil {
			s.log.Warn().Str("service", serviceID).Uint8("reason", reason).Msg("connector: registration rejected")
		}
	case wire.FrameServiceRouted:
		sr, err := wire.UnmarshalServiceRouted(in.data[1:])
		if err != nil {
			return
		}
		s.route(sr.ServiceID, sr.Payload, in.conn)
	case wire.FrameP2PMagic:
		if wire.IsKeepalive(in.data) {
			if wire.P2PType(in.data[1]) == wire.P2PKeepalive {
				_ = in.conn.SendDatagram(wire.MarshalKeepaliveAck())
			}
			return
		}
		s.handleP2PFrame(in.conn, in.data)
	default:
		if serviceID, ok := s.directService(in.conn); ok {
			s.route(serviceID, in.data, in.conn)
		}
	}
}

// route builds the right return-path sender for conn (wrapped 0x2F via the Relay, raw via a
// Direct peer connection) and hands the inner IP packet to the protocol handler.
func (s *Server) route(serviceID string, payload []byte, conn *quicsrv.Conn) {
	var send func([]byte) error
	if s.isClient(conn) {
		send = func(pkt []byte) error {
			wrapped, err := (wire.ServiceRouted{ServiceID: serviceID, Payload: pkt}).Marshal()
			if err != nil {
				return err
			}
			return conn.SendDatagram(wrapped)
		}
	} else {
		send = conn.SendDatagram
	}
	s.handleServiceRouted(serviceID, payload, send)
}

// handleServiceRouted implements the protocol table in §4.11.
func (s *Server) handleServiceRouted(serviceID string, payload []byte, send func([]byte) error) {
	svc, ok := s.services[serviceID]
	if !ok {
		return
	}
	ip, err := ippkt.ParseIPv4(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("service", serviceID).Msg("connector: failed to parse inner IP packet")
		return
	}
	if ip.Dst != svc.virtualIP {
		s.log.Warn().Str("service", serviceID).Msg("connector: packet addressed to unexpected virtual IP, dropping")
		return
	}

	switch ip.Protocol {
	case ippkt.ProtoUDP:
		dgram, err := ippkt.ParseUDP(ip.Payload)
		if err != nil {
			s.log.Warn().Err(err).Str("service", serviceID).Msg("connector: short UDP datagram, dropping")
			return
		}
		s.udp.HandleDatagram(ip, dgram, svc.cfg.Backend, udpforward.Sender(send))
		s.metrics.ForwardedPacketsTotal.Inc()
		s.metrics.ForwardedBytesTotal.Add(float64(len(dgram.Payload)))
	case ippkt.ProtoTCP:
		seg, err := ippkt.ParseTCP(ip.Payload)
		if err != nil {
			s.metrics.TCPErrorsTotal.Inc()
			return
		}
		if seg.Flags.Has(ippkt.TCPFlagSYN) {
			s.metrics.TCPSessionsTotal.Inc()
		}
		s.tcp.HandleSegment(ip, seg, svc.cfg.Backend, tcpproxy.Sender(send))
		s.metrics.ForwardedPacketsTotal.Inc()
		s.metrics.ForwardedBytesTotal.Add(float64(len(seg.Payload)))
	case ippkt.ProtoICMP:
		if reply, ok := icmpresponder.Reply(ip); ok {
			_ = send(reply)
			s.metrics.ForwardedPacketsTotal.Inc()
		}
	default:
		s.metrics.UnsupportedProtoTotal.Inc()
	}
}

// handleP2PFrame answers a forwarded Offer with this Connector's own gathered candidates
// (§4.6-§4.9). Connectivity checks, pairing and hole-punch state are the Agent's responsibility
// (§4.7-§4.8); the Connector's part in the dance ends at Answer, then simply waits for the
// resulting direct QUIC connection to arrive at its P2P listener.
func (s *Server) handleP2PFrame(conn *quicsrv.Conn, data []byte) {
	pt, err := wire.ParseP2PType(data)
	if err != nil || pt != wire.P2PCandidateOffer || s.gatherer == nil {
		return
	}
	msg, err := wire.UnmarshalCandidateMessage(data[2:])
	if err != nil {
		return
	}
	candidates, err := s.gatherer.Gather()
	if err != nil {
		s.log.Warn().Err(err).Msg("connector: candidate gathering failed")
		return
	}
	answer := wire.CandidateMessage{SessionID: msg.SessionID, Candidates: toWireCandidates(candidates)}.MarshalAnswer()
	_ = conn.SendDatagram(answer)
}

func toWireCandidates(candidates []p2p.Candidate) []wire.WireCandidate {
	out := make([]wire.WireCandidate, 0, len(candidates))
	for _, c := range candidates {
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
		out = append(out, wire.WireCandidate{
			Kind: kind, IP: ipBuf, IsV4: isV4, Port: c.Addr.Port(),
			Priority: c.Priority(), Foundation: c.Foundation,
		})
	}
	return out
}

func netAddr(port int) string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
}
