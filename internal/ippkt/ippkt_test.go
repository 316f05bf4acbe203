package ippkt_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-core/internal/ippkt"
)

func TestIPv4RoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.100")
	dst := netip.MustParseAddr("10.100.0.1")
	payload := []byte("HELLO")

	raw := ippkt.BuildIPv4(src, dst, ippkt.ProtoUDP, 64, 1, payload)
	got, err := ippkt.ParseIPv4(raw)
	require.NoError(t, err)
	require.Equal(t, src, got.Src)
	require.Equal(t, dst, got.Dst)
	require.Equal(t, uint8(ippkt.ProtoUDP), got.Protocol)
	require.Equal(t, payload, got.Payload)
}

func TestIPv4RejectsShortPacket(t *testing.T) {
	_, err := ippkt.ParseIPv4([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestUDPRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.100")
	dst := netip.MustParseAddr("10.100.0.1")
	raw := ippkt.BuildUDP(src, dst, 12345, 9999, []byte("HELLO"))

	got, err := ippkt.ParseUDP(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(12345), got.SrcPort)
	require.Equal(t, uint16(9999), got.DstPort)
	require.Equal(t, []byte("HELLO"), got.Payload)
}

func TestUDPRejectsShortLength(t *testing.T) {
	_, err := ippkt.ParseUDP([]byte{0, 1, 0, 2, 0, 3})
	require.Error(t, err)
}

func TestUDPZeroLengthPayloadAccepted(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := ippkt.BuildUDP(src, dst, 1, 2, nil)
	got, err := ippkt.ParseUDP(raw)
	require.NoError(t, err)
	require.Empty(t, got.Payload)
}

func TestTCPRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	seg := ippkt.TCP{SrcPort: 1000, DstPort: 2000, Seq: 1, Ack: 2, Flags: ippkt.TCPFlagSYN, Window: 65535}
	raw := ippkt.BuildTCP(src, dst, seg)

	got, err := ippkt.ParseTCP(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(1000), got.SrcPort)
	require.True(t, got.Flags.Has(ippkt.TCPFlagSYN))
	require.False(t, got.Flags.Has(ippkt.TCPFlagACK))
}

func TestICMPEchoRoundTrip(t *testing.T) {
	req := ippkt.ICMPEcho{Type: ippkt.ICMPTypeEchoRequest, Identifier: 0xBEEF, Sequence: 1, Data: []byte("ping")}
	raw := ippkt.BuildICMPEcho(req)

	got, err := ippkt.ParseICMPEcho(raw)
	require.NoError(t, err)
	require.Equal(t, req.Identifier, got.Identifier)
	require.Equal(t, req.Sequence, got.Sequence)

	reply := ippkt.EchoReplyFor(*got)
	require.Equal(t, ippkt.ICMPTypeEchoReply, reply.Type)
	require.Equal(t, req.Identifier, reply.Identifier)
	require.Equal(t, req.Sequence, reply.Sequence)
}
