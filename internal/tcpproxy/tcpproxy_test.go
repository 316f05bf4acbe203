package tcpproxy

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-core/internal/ippkt"
)

func newTestProxy(t *testing.T) (*Proxy, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	log := zerolog.Nop()
	return New(1000, &log), ln
}

func TestSYNOpensBackendConnectionAndRepliesSYNACK(t *testing.T) {
	p, ln := newTestProxy(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	var replies [][]byte
	send := func(seg []byte) error {
		replies = append(replies, seg)
		return nil
	}

	ip := &ippkt.IPv4{Src: netip.MustParseAddr("10.10.0.2"), Dst: netip.MustParseAddr("10.10.0.1")}
	syn := &ippkt.TCP{SrcPort: 50000, DstPort: 80, Seq: 1000, Flags: ippkt.TCPFlagSYN}
	p.HandleSegment(ip, syn, ln.Addr().String(), send)

	select {
	case c := <-accepted:
		defer c.Close()
	case <-time.After(time.Second):
		t.Fatal("backend connection was never accepted")
	}

	require.Len(t, replies, 1)
	outer, err := ippkt.ParseIPv4(replies[0])
	require.NoError(t, err)
	reply, err := ippkt.ParseTCP(outer.Payload)
	require.NoError(t, err)
	assert.True(t, reply.Flags.Has(ippkt.TCPFlagSYN))
	assert.True(t, reply.Flags.Has(ippkt.TCPFlagACK))
	assert.Equal(t, uint32(1001), reply.Ack)
	assert.Equal(t, 1, p.ActiveFlows())
}

func TestSYNRateLimitedPastBurstIsDropped(t *testing.T) {
	p, ln := newTestProxy(t)
	p.limiter.SetClockForTest(func() time.Time { return time.Unix(0, 0) })
	go func() {
		for i := 0; i < 10; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	var sent int
	send := func([]byte) error { sent++; return nil }

	src := netip.MustParseAddr("10.10.0.5")
	for i := 0; i < 2000; i++ {
		ip := &ippkt.IPv4{Src: src, Dst: netip.MustParseAddr("10.10.0.1")}
		syn := &ippkt.TCP{SrcPort: uint16(40000 + i), DstPort: 80, Seq: uint32(i), Flags: ippkt.TCPFlagSYN}
		p.HandleSegment(ip, syn, ln.Addr().String(), send)
	}
	assert.Less(t, p.ActiveFlows(), 2000)
}

func TestFINIsAnsweredWithFIN(t *testing.T) {
	p, ln := newTestProxy(t)
	go func() {
		c, _ := ln.Accept()
		if c != nil {
			defer c.Close()
		}
	}()

	var replies [][]byte
	send := func(seg []byte) error {
		replies = append(replies, seg)
		return nil
	}

	ip := &ippkt.IPv4{Src: netip.MustParseAddr("10.10.0.2"), Dst: netip.MustParseAddr("10.10.0.1")}
	syn := &ippkt.TCP{SrcPort: 50001, DstPort: 80, Seq: 2000, Flags: ippkt.TCPFlagSYN}
	p.HandleSegment(ip, syn, ln.Addr().String(), send)
	require.Eventually(t, func() bool { return p.ActiveFlows() == 1 }, time.Second, 10*time.Millisecond)

	fin := &ippkt.TCP{SrcPort: 50001, DstPort: 80, Seq: 2001, Ack: 1, Flags: ippkt.TCPFlagFIN | ippkt.TCPFlagACK}
	p.HandleSegment(ip, fin, ln.Addr().String(), send)

	require.Len(t, replies, 2)
	outer, err := ippkt.ParseIPv4(replies[1])
	require.NoError(t, err)
	finReply, err := ippkt.ParseTCP(outer.Payload)
	require.NoError(t, err)
	assert.True(t, finReply.Flags.Has(ippkt.TCPFlagFIN))
}
