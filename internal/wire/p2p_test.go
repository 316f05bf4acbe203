package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-core/internal/wire"
)

func TestKeepaliveIsUnambiguous(t *testing.T) {
	ka := wire.MarshalKeepalive()
	require.Len(t, ka, 5)
	require.True(t, wire.IsKeepalive(ka))

	ack := wire.MarshalKeepaliveAck()
	require.True(t, wire.IsKeepalive(ack))
}

func TestFiveByteNonMagicIsNotKeepalive(t *testing.T) {
	// Any 5-byte buffer lacking the 0x5A prefix must never be classified as a keepalive:
	// it is ambiguous with a QUIC stateless reset and must reach the QUIC stack (§8).
	notKeepalive := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	require.False(t, wire.IsKeepalive(notKeepalive))
}

func TestCandidateMessageRoundTrip(t *testing.T) {
	msg := wire.CandidateMessage{
		SessionID: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Candidates: []wire.WireCandidate{
			{Kind: wire.CandidateHost, IP: [16]byte{192, 168, 1, 5}, IsV4: true, Port: 4500, Priority: 126 << 24, Foundation: "h1"},
			{Kind: wire.CandidateServerReflexive, IP: [16]byte{203, 0, 113, 9}, IsV4: true, Port: 4501, Priority: 100 << 24, Foundation: "s1"},
		},
	}
	buf := msg.MarshalOffer()
	require.Equal(t, byte(wire.FrameP2PMagic), buf[0])
	require.Equal(t, byte(wire.P2PCandidateOffer), buf[1])

	got, err := wire.UnmarshalCandidateMessage(buf[2:])
	require.NoError(t, err)
	require.Equal(t, msg.SessionID, got.SessionID)
	require.Len(t, got.Candidates, 2)
	require.Equal(t, msg.Candidates[0].Foundation, got.Candidates[0].Foundation)
	require.Equal(t, msg.Candidates[1].Priority, got.Candidates[1].Priority)
}

func TestStartPunchingRoundTrip(t *testing.T) {
	msg := wire.StartPunchingMessage{
		SessionID:  [16]byte{9},
		Candidates: []wire.WireCandidate{{Kind: wire.CandidateRelay, IP: [16]byte{1, 1, 1, 1}, IsV4: true, Port: 1, Priority: 0, Foundation: "r"}},
	}
	buf := msg.Marshal()
	got, err := wire.UnmarshalStartPunching(buf[2:])
	require.NoError(t, err)
	require.Equal(t, msg.SessionID, got.SessionID)
	require.Len(t, got.Candidates, 1)
}

func TestBindingRequestResponseRoundTrip(t *testing.T) {
	req := wire.BindingRequest{TransactionID: [12]byte{1, 2, 3}}
	buf := req.Marshal()
	gotReq, err := wire.UnmarshalBindingRequest(buf[2:])
	require.NoError(t, err)
	require.Equal(t, req.TransactionID, gotReq.TransactionID)

	resp := wire.BindingResponse{TransactionID: req.TransactionID}
	rbuf := resp.Marshal()
	gotResp, err := wire.UnmarshalBindingResponse(rbuf[2:])
	require.NoError(t, err)
	require.Equal(t, resp.TransactionID, gotResp.TransactionID)
}
