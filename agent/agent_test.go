package agent

import (
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-core/internal/p2p"
	"github.com/hfyeomans/ztna-core/internal/wire"
)

func TestCreateWithoutCertificateStillBuildsAHandle(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	assert.NotNil(t, h.queue)
}

func TestSendRoutedRejectsShortIPPacket(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	err = h.SendRouted("echo-service", []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSendRoutedRejectsOversizedServiceID(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	longID := make([]byte, 256)
	for i := range longID {
		longID[i] = 'a'
	}
	err = h.SendRouted(string(longID), make([]byte, 20))
	assert.Error(t, err)
}

func TestSendRoutedWithoutConnectionFails(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	err = h.SendRouted("echo-service", make([]byte, 20))
	assert.Error(t, err, "sending before Connect must fail rather than panic")
}

func TestInitiateDirectWithoutConnectionFails(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	err = h.InitiateDirect("echo-service")
	assert.Error(t, err)
}

func TestRecvDatagramOnEmptyQueueReturnsFalse(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	_, ok := h.RecvDatagram()
	assert.False(t, ok)
}

func TestDemuxClientPushesServiceRoutedPayloadUnwrapped(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)

	wrapped, err := wire.ServiceRouted{ServiceID: "echo-service", Payload: []byte("hello")}.Marshal()
	require.NoError(t, err)

	h.demuxClient(wrapped)

	got, ok := h.RecvDatagram()
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)
}

func TestDemuxClientUpdatesObservedAddressFromQAD(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	h.gatherer = p2p.NewGatherer(4000, netip.AddrPort{})

	buf, err := wire.MarshalQAD(wire.QAD{IP: netip.MustParseAddr("203.0.113.9").AsSlice(), Port: 4242})
	require.NoError(t, err)

	h.demuxClient(buf)

	candidates, err := h.gatherer.Gather()
	require.NoError(t, err)
	var sawReflexive bool
	for _, c := range candidates {
		if c.Kind == p2p.ServerReflexive {
			sawReflexive = true
			assert.Equal(t, uint16(4242), c.Addr.Port())
		}
	}
	assert.True(t, sawReflexive)
}

func TestDemuxClientIgnoresBareKeepalive(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	h.demuxClient(wire.MarshalKeepalive())
	_, ok := h.RecvDatagram()
	assert.False(t, ok, "a keepalive frame must never reach the return queue")
}

func TestDemuxDirectTracksKeepaliveAckWithoutQueueing(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	h.direct["echo-service"] = &directPath{}

	h.demuxDirect("echo-service", wire.MarshalKeepaliveAck())

	_, ok := h.RecvDatagram()
	assert.False(t, ok)
	assert.False(t, h.direct["echo-service"].lastKeepaliveAck.IsZero())
}

func TestDemuxDirectQueuesRawIPPacketsUnwrapped(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	h.demuxDirect("echo-service", []byte("raw-ip-packet"))
	got, ok := h.RecvDatagram()
	require.True(t, ok)
	assert.Equal(t, []byte("raw-ip-packet"), got)
}

func TestToWireCandidatesRoundTripsThroughFromWireCandidates(t *testing.T) {
	in := []p2p.Candidate{
		{Kind: p2p.Host, Addr: netip.MustParseAddrPort("192.168.1.5:4000"), Foundation: "host", LocalPref: 65535},
		{Kind: p2p.ServerReflexive, Addr: netip.MustParseAddrPort("203.0.113.9:4000"), Foundation: "srflx", LocalPref: 65535},
	}
	out := fromWireCandidates(toWireCandidates(in))
	require.Len(t, out, 2)
	assert.Equal(t, in[0].Kind, out[0].Kind)
	assert.Equal(t, in[0].Addr, out[0].Addr)
	assert.Equal(t, in[1].Kind, out[1].Kind)
}

func TestInitiateDirectRejectsConcurrentAttemptForADifferentService(t *testing.T) {
	log := zerolog.Nop()
	h, err := Create(Config{}, &log)
	require.NoError(t, err)
	h.pendingService = "already-running"

	err = h.InitiateDirect("echo-service")
	assert.Error(t, err)
}

func TestReturnQueueDropsOldestWhenFull(t *testing.T) {
	q := newReturnQueue(2)
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c"))

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), first, "oldest entry must be dropped once capacity is exceeded")

	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("c"), second)

	_, ok = q.pop()
	assert.False(t, ok)
}
