// Package quicsrv adapts github.com/quic-go/quic-go to this system's transport requirements
// (§4.1, §4.3): ALPN "ztna-v1", TLS 1.3, the QUIC DATAGRAM extension (RFC 9221) and, on the
// Intermediate, source-address validation before a connection is allowed to consume state. The
// teacher's quic/v3 package wraps the same library one layer up (session multiplexing); this
// package stays below that, at the listener/connection level, the way teacher's quic/v3/manager.go
// sits above a bare *quic.Conn.
package quicsrv

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// ALPN is the single protocol this system ever negotiates.
const ALPN = "ztna-v1"

// outboundQueueCapacity bounds each Conn's outbound DATAGRAM queue (§4.4: "queued bounded (e.g.,
// 4096 per connection); oldest dropped first with a counter bump").
const outboundQueueCapacity = 4096

// TLSConfig returns a base *tls.Config with the ALPN and minimum version this system requires.
// Callers layer in certificates, client-auth policy and CA pools themselves.
func TLSConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	cfg.NextProtos = []string{ALPN}
	cfg.MinVersion = tls.VersionTLS13
	return cfg
}

// QUICConfig returns the quic.Config shared by every endpoint in this system: DATAGRAMs enabled,
// 0-RTT disabled.
func QUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		Allow0RTT:       false,
	}
}

// VerifySourceAddress decides whether an incoming handshake from addr must first complete a
// stateless Retry round trip before quic-go commits any per-connection state (§4.3). The
// Intermediate wires this to a rate limiter keyed by source IP (internal/ratelimit); it is the
// transport-level trigger that the stateless-retry token format in internal/retrytoken models.
type VerifySourceAddress func(addr net.Addr) bool

// Listener accepts incoming QUIC connections. It wraps a quic.Transport so VerifySourceAddress can
// be wired in on the Intermediate; the Connector's direct-path listener passes AlwaysRetry(false).
type Listener struct {
	transport *quic.Transport
	ln        *quic.Listener
}

// AlwaysRetry returns a VerifySourceAddress that unconditionally requires (or skips) Retry.
func AlwaysRetry(require bool) VerifySourceAddress {
	return func(net.Addr) bool { return require }
}

// Listen binds addr and begins accepting QUIC connections with the DATAGRAM extension enabled.
func Listen(addr string, tlsConf *tls.Config, verify VerifySourceAddress) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving listen address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "binding UDP socket")
	}
	transport := &quic.Transport{Conn: conn}
	if verify != nil {
		transport.VerifySourceAddress = verify
	}
	ln, err := transport.Listen(TLSConfig(tlsConf), QUICConfig())
	if err != nil {
		return nil, errors.Wrap(err, "starting quic listener")
	}
	return &Listener{transport: transport, ln: ln}, nil
}

// Accept blocks for the next incoming connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	c, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newConn(c), nil
}

// Addr returns the listener's local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// DialPeer opens an outbound connection over this same Listener's UDP socket, the way the
// Connector's single transport both accepts direct peers and dials the Intermediate on one socket
// (§4.10 "one UDP socket serves two roles").
func (l *Listener) DialPeer(ctx context.Context, addr string, tlsConf *tls.Config) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving dial address")
	}
	c, err := l.transport.Dial(ctx, udpAddr, TLSConfig(tlsConf), QUICConfig())
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("dialing %s", addr))
	}
	return newConn(c), nil
}

// Close tears down the listener and its underlying UDP socket.
func (l *Listener) Close() error {
	lnErr := l.ln.Close()
	transErr := l.transport.Close()
	if lnErr != nil {
		return lnErr
	}
	return transErr
}

// Dial opens a client connection to addr (§4.3: the Agent and Connector's path to the
// Intermediate, and the Agent's direct dial to a Connector's candidate).
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (*Conn, error) {
	c, err := quic.DialAddr(ctx, addr, TLSConfig(tlsConf), QUICConfig())
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("dialing %s", addr))
	}
	return newConn(c), nil
}

// outboundQueue is the bounded, drop-oldest queue backing Conn.SendDatagram (§4.4). quic-go's own
// SendDatagram blocks until its single in-flight slot frees up; queueing in front of it means a
// burst of sends never blocks the caller on that one slot, at the cost of dropping the oldest
// still-unsent datagram once the queue is full. Shaped like agent.returnQueue, but drained by a
// dedicated goroutine per connection instead of polled by a host.
type outboundQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    [][]byte
	capacity int
	closed   bool
	onDrop   func()
}

func newOutboundQueue(capacity int) *outboundQueue {
	q := &outboundQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// setOnDrop installs the counter bump §4.4 requires on an oldest-drop. Safe to call after push has
// already started; a drop before it's called is simply uncounted.
func (q *outboundQueue) setOnDrop(f func()) {
	q.mu.Lock()
	q.onDrop = f
	q.mu.Unlock()
}

func (q *outboundQueue) push(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		if q.onDrop != nil {
			q.onDrop()
		}
	}
	q.items = append(q.items, data)
	q.cond.Signal()
	return true
}

func (q *outboundQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Conn wraps a quic.Connection, implementing router.Sender and adding the bounded, drop-oldest
// outbound DATAGRAM queue described in §4.4.
type Conn struct {
	conn     quic.Connection
	outbound *outboundQueue
}

func newConn(c quic.Connection) *Conn {
	conn := &Conn{conn: c, outbound: newOutboundQueue(outboundQueueCapacity)}
	go conn.drainOutbound()
	go func() {
		<-c.Context().Done()
		conn.outbound.close()
	}()
	return conn
}

// drainOutbound is the per-connection goroutine that feeds quic-go's single-slot SendDatagram from
// the bounded queue, the way §4.4 describes the outbound path sitting in front of the transport.
func (c *Conn) drainOutbound() {
	for {
		data, ok := c.outbound.pop()
		if !ok {
			return
		}
		_ = c.conn.SendDatagram(data)
	}
}

// SetDropCounter installs a callback invoked once per datagram dropped for being the oldest entry
// in a full outbound queue (§4.4's "counter bump"). Callers set this immediately after obtaining a
// Conn, before handing it to any code that calls SendDatagram.
func (c *Conn) SetDropCounter(f func()) {
	c.outbound.setOnDrop(f)
}

// SendDatagram enqueues data for best-effort delivery onto the bounded, drop-oldest outbound queue
// (§4.4); a background goroutine drains it into quic-go's own SendDatagram. It returns an error
// only once the connection has already closed and stopped draining.
func (c *Conn) SendDatagram(data []byte) error {
	if !c.outbound.push(data) {
		return errors.New("quicsrv: connection closed")
	}
	return nil
}

// ReceiveDatagram blocks for the next inbound DATAGRAM.
func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

// CloseWithCode closes the connection with an application-level error code and reason string.
func (c *Conn) CloseWithCode(code uint64, reason string) {
	_ = c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// Context returns the connection's lifetime context, cancelled on close.
func (c *Conn) Context() context.Context {
	return c.conn.Context()
}

// PeerCertificates returns the verified client certificate chain presented during the handshake,
// used for mTLS SAN-based authorization (§4.2). Empty when the peer presented no certificate.
func (c *Conn) PeerCertificates() []*x509.Certificate {
	return c.conn.ConnectionState().TLS.PeerCertificates
}

// RemoteAddrPort returns the connection's remote endpoint as a netip.AddrPort, falling back to the
// zero value if the underlying net.Addr cannot be parsed (unexpected for a UDP-backed transport).
func (c *Conn) RemoteAddrPort() netip.AddrPort {
	addr, ok := c.conn.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Unmap(), uint16(addr.Port))
}
