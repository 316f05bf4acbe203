package icmpresponder

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-core/internal/ippkt"
)

func TestReplyPreservesIdentifierSequenceAndData(t *testing.T) {
	req := ippkt.BuildICMPEcho(ippkt.ICMPEcho{
		Type: ippkt.ICMPTypeEchoRequest, Identifier: 99, Sequence: 7, Data: []byte("payload"),
	})
	ip := &ippkt.IPv4{
		Src: netip.MustParseAddr("10.10.0.2"), Dst: netip.MustParseAddr("10.10.0.1"),
		Protocol: ippkt.ProtoICMP, TTL: 64, Payload: req,
	}

	out, ok := Reply(ip)
	require.True(t, ok)

	outer, err := ippkt.ParseIPv4(out)
	require.NoError(t, err)
	assert.Equal(t, ip.Dst, outer.Src)
	assert.Equal(t, ip.Src, outer.Dst)

	reply, err := ippkt.ParseICMPEcho(outer.Payload)
	require.NoError(t, err)
	assert.Equal(t, ippkt.ICMPTypeEchoReply, reply.Type)
	assert.Equal(t, uint16(99), reply.Identifier)
	assert.Equal(t, uint16(7), reply.Sequence)
	assert.Equal(t, []byte("payload"), reply.Data)
}

func TestReplyIgnoresNonEchoRequest(t *testing.T) {
	ip := &ippkt.IPv4{Protocol: ippkt.ProtoTCP, Payload: []byte{1, 2, 3}}
	_, ok := Reply(ip)
	assert.False(t, ok)
}
