// Package intermediate wires together the Intermediate server's event loop (§4.2-§4.5, §5): a
// single goroutine owns the QUIC listener, registry, router and signalling broker; per-connection
// goroutines only decode/encode bytes and hand DATAGRAMs to the owning loop over channels, the way
// the teacher's supervisor/tunnel goroutines report back to a single owning loop rather than share
// locks (supervisor/tunnel.go).
package intermediate

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-core/internal/config"
	"github.com/hfyeomans/ztna-core/internal/connid"
	"github.com/hfyeomans/ztna-core/internal/metrics"
	"github.com/hfyeomans/ztna-core/internal/quicsrv"
	"github.com/hfyeomans/ztna-core/internal/ratelimit"
	"github.com/hfyeomans/ztna-core/internal/registry"
	"github.com/hfyeomans/ztna-core/internal/router"
	"github.com/hfyeomans/ztna-core/internal/shutdown"
	"github.com/hfyeomans/ztna-core/internal/signaling"
	"github.com/hfyeomans/ztna-core/internal/tlsutil"
	"github.com/hfyeomans/ztna-core/internal/wire"
)

// handshakeRate caps how many new QUIC handshakes per source IP are exempted from the stateless
// Retry round trip (§4.3 "gate anti-amplification"); above this rate VerifySourceAddress forces a
// Retry so an attacker must prove reachability before the Intermediate commits per-connection state.
const handshakeRate = 20.0

type inbound struct {
	conn *quicsrv.Conn
	id   connid.ID
	data []byte
}

// Server runs one Intermediate process end to end.
type Server struct {
	cfg       config.Intermediate
	log       *zerolog.Logger
	reg       *registry.Registry
	broker    *signaling.Broker
	router    *router.Router
	metrics   *metrics.Intermediate
	handshake *ratelimit.Limiter
	certs     *tlsutil.CertReloader
	shutdown  *shutdown.Signal
}

// New builds a Server from its validated configuration.
func New(cfg config.Intermediate, log *zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	certs, err := tlsutil.NewCertReloader(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, errors.Wrap(err, "loading server certificate")
	}
	reg := registry.New(cfg.RequireClientCert, log)
	broker := signaling.New(log)
	m := metrics.NewIntermediate(time.Now())
	return &Server{
		cfg:       cfg,
		log:       log,
		reg:       reg,
		broker:    broker,
		router:    router.New(reg, broker, m, log),
		metrics:   m,
		handshake: ratelimit.New(handshakeRate),
		certs:     certs,
		shutdown:  shutdown.New(),
	}, nil
}

// Run starts the Intermediate's QUIC listener and event loop, blocking until ctx is cancelled or a
// SIGTERM/SIGINT arrives (§4.14 graceful shutdown: drain with APPLICATION_CLOSE within 3s).
func (s *Server) Run(ctx context.Context) error {
	tlsConf := &tls.Config{GetCertificate: s.certs.GetCertificate}
	if s.cfg.RequireClientCert {
		pool, err := tlsutil.LoadClientCAPool(s.cfg.CACert)
		if err != nil {
			return errors.Wrap(err, "loading client CA pool")
		}
		tlsConf.ClientCAs = pool
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
	}

	var verify quicsrv.VerifySourceAddress
	if !s.cfg.DisableRetry {
		verify = s.verifySourceAddress
	}

	ln, err := quicsrv.Listen(netAddr(s.cfg.BindAddr, s.cfg.Port), tlsConf, verify)
	if err != nil {
		return errors.Wrap(err, "starting quic listener")
	}
	defer ln.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)

	go metrics.Serve(ctx, s.cfg.MetricsPort, s.metrics, s.log)

	inboundCh := make(chan inbound, 1024)
	go s.acceptLoop(ctx, ln, inboundCh)

	reapTicker := time.NewTicker(5 * time.Second)
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain(ln)
			return nil
		case <-sigCh:
			s.drain(ln)
			return nil
		case <-sighup:
			if err := s.certs.Reload(); err != nil {
				s.log.Error().Err(err).Msg("certificate reload failed, keeping previous certificate")
			} else {
				s.log.Info().Msg("certificate reloaded")
			}
		case in := <-inboundCh:
			s.router.HandleDatagram(in.id, in.data)
		case <-reapTicker.C:
			s.router.ReapExpiredSessions()
			s.handshake.Reap()
			s.metrics.ActiveConnections.Set(float64(s.reg.ActiveConnections()))
		}
	}
}

// verifySourceAddress gates the stateless Retry round trip per source IP (§4.3). Issuing and
// validating the actual wire-level Retry token is quic-go's responsibility once this returns true;
// this hook only decides whether a Retry is required, it is never told whether a client's
// returning token actually validated, so it cannot drive RetryTokensValidated/RetryTokenFailures
// (see DESIGN.md). retrytoken.Generator models the token content the spec describes and is
// exercised directly by internal/retrytoken's own tests, since quic-go v0.42 does not expose a
// hook to substitute a caller-supplied token.
func (s *Server) verifySourceAddress(addr net.Addr) bool {
	ap, ok := toAddrPort(addr)
	if !ok {
		return true
	}
	if s.handshake.Allow(ap.Addr()) {
		return false
	}
	s.metrics.RetryRequiredTotal.Inc()
	return true
}

func (s *Server) acceptLoop(ctx context.Context, ln *quicsrv.Listener, inboundCh chan<- inbound) {
	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if s.shutdown.ShuttingDown() {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		id := connid.New()
		qc.SetDropCounter(s.metrics.OutboundDatagramsDropped.Inc)
		s.router.AddConn(id, qc, qc.RemoteAddrPort(), nil)
		s.sendQAD(qc)
		go s.readLoop(qc, id, inboundCh)
	}
}

// sendQAD reports a freshly-accepted peer's observed public address (§4.6 ServerReflexive
// source), the way every connection to the Intermediate learns its own reflexive candidate.
func (s *Server) sendQAD(qc *quicsrv.Conn) {
	ap := qc.RemoteAddrPort()
	if !ap.IsValid() {
		return
	}
	buf, err := wire.MarshalQAD(wire.QAD{IP: net.IP(ap.Addr().AsSlice()), Port: ap.Port()})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode QAD")
		return
	}
	if err := qc.SendDatagram(buf); err != nil {
		s.log.Warn().Err(err).Msg("failed to send QAD")
	}
}

func (s *Server) readLoop(qc *quicsrv.Conn, id connid.ID, inboundCh chan<- inbound) {
	defer s.router.RemoveConn(id)
	for {
		data, err := qc.ReceiveDatagram(qc.Context())
		if err != nil {
			return
		}
		inboundCh <- inbound{conn: qc, id: id, data: data}
	}
}

// drain application-closes every tracked connection, waits 3s so the closes can go out, then
// closes the listener (§4.14).
func (s *Server) drain(ln *quicsrv.Listener) {
	s.shutdown.Notify()
	s.router.CloseAll(0, "server shutting down")
	deadline := time.NewTimer(3 * time.Second)
	defer deadline.Stop()
	<-deadline.C
	_ = ln.Close()
}

func netAddr(bindAddr string, port int) string {
	if bindAddr == "" {
		bindAddr = "0.0.0.0"
	}
	return net.JoinHostPort(bindAddr, strconv.Itoa(port))
}

func toAddrPort(addr net.Addr) (netip.AddrPort, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(udpAddr.Port)), true
}
