package wire_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-core/internal/wire"
)

func TestRegistrationRoundTrip(t *testing.T) {
	r := wire.Registration{ServiceID: "echo-service"}

	agentFrame, err := r.MarshalAgentRegister()
	require.NoError(t, err)
	require.Equal(t, byte(wire.FrameAgentRegister), agentFrame[0])

	got, err := wire.UnmarshalRegistration(agentFrame[1:])
	require.NoError(t, err)
	require.Equal(t, r, got)

	connFrame, err := r.MarshalConnectorRegister()
	require.NoError(t, err)
	require.Equal(t, byte(wire.FrameConnectorRegister), connFrame[0])
}

func TestRegistrationRejectsEmptyOrOversizedID(t *testing.T) {
	_, err := wire.Registration{ServiceID: ""}.MarshalAgentRegister()
	require.Error(t, err)

	huge := make([]byte, 256)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err = wire.Registration{ServiceID: string(huge)}.MarshalAgentRegister()
	require.Error(t, err)
}

func TestRegisterACKNACKRoundTrip(t *testing.T) {
	ack := wire.RegisterACK{ServiceID: "echo-service"}
	buf, err := ack.Marshal()
	require.NoError(t, err)
	require.Equal(t, []byte{0x12, 0x00, 0x0c}, buf[:3])
	require.Equal(t, "echo-service", string(buf[3:]))

	reason, id, err := wire.UnmarshalRegisterResult(buf[1:])
	require.NoError(t, err)
	require.Equal(t, wire.ReasonOK, reason)
	require.Equal(t, "echo-service", id)

	nack := wire.RegisterNACK{Reason: wire.ReasonInvalidUTF8, ServiceID: "x"}
	nbuf, err := nack.Marshal()
	require.NoError(t, err)
	reason, id, err = wire.UnmarshalRegisterResult(nbuf[1:])
	require.NoError(t, err)
	require.Equal(t, wire.ReasonInvalidUTF8, reason)
	require.Equal(t, "x", id)
}

func TestServiceRoutedRoundTrip(t *testing.T) {
	sr := wire.ServiceRouted{ServiceID: "echo-service", Payload: []byte("HELLO")}
	buf, err := sr.Marshal()
	require.NoError(t, err)
	require.Equal(t, byte(wire.FrameServiceRouted), buf[0])

	got, err := wire.UnmarshalServiceRouted(buf[1:])
	require.NoError(t, err)
	require.Equal(t, sr.ServiceID, got.ServiceID)
	require.Equal(t, sr.Payload, got.Payload)
}

func TestServiceRoutedZeroLengthPayloadAccepted(t *testing.T) {
	sr := wire.ServiceRouted{ServiceID: "echo-service", Payload: nil}
	buf, err := sr.Marshal()
	require.NoError(t, err)
	got, err := wire.UnmarshalServiceRouted(buf[1:])
	require.NoError(t, err)
	require.Empty(t, got.Payload)
}

func TestQADRoundTripIPv4(t *testing.T) {
	q := wire.QAD{IP: net.ParseIP("203.0.113.9"), Port: 51820}
	buf, err := wire.MarshalQAD(q)
	require.NoError(t, err)
	require.Equal(t, byte(wire.FrameQADv4), buf[0])
	require.Len(t, buf, 7)

	got, err := wire.UnmarshalQAD(buf)
	require.NoError(t, err)
	require.True(t, got.IP.Equal(q.IP))
	require.Equal(t, q.Port, got.Port)
}

func TestQADRoundTripIPv6(t *testing.T) {
	q := wire.QAD{IP: net.ParseIP("2001:db8::1"), Port: 51820}
	buf, err := wire.MarshalQAD(q)
	require.NoError(t, err)
	require.Equal(t, byte(wire.FrameQADv6), buf[0])
	require.Len(t, buf, 19)

	got, err := wire.UnmarshalQAD(buf)
	require.NoError(t, err)
	require.True(t, got.IP.Equal(q.IP))
}

func TestQADUnknownVariantDoesNotPanic(t *testing.T) {
	_, err := wire.UnmarshalQAD([]byte{0x99, 1, 2, 3})
	require.Error(t, err)
}

func TestQADBadLengthDoesNotPanic(t *testing.T) {
	_, err := wire.UnmarshalQAD([]byte{byte(wire.FrameQADv4), 1, 2})
	require.Error(t, err)
}
