package router

import (
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-core/internal/connid"
	"github.com/hfyeomans/ztna-core/internal/metrics"
	"github.com/hfyeomans/ztna-core/internal/registry"
	"github.com/hfyeomans/ztna-core/internal/signaling"
	"github.com/hfyeomans/ztna-core/internal/wire"
)

type fakeSender struct {
	sent   [][]byte
	closed bool
	reason string
}

func (f *fakeSender) SendDatagram(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeSender) CloseWithCode(code uint64, reason string) {
	f.closed = true
	f.reason = reason
}

func newTestRouter() *Router {
	log := zerolog.Nop()
	reg := registry.New(false, &log)
	broker := signaling.New(&log)
	m := metrics.NewIntermediate(time.Now())
	return New(reg, broker, m, &log)
}

func TestHandleDatagramUnknownTypeIncrementsCounter(t *testing.T) {
	r := newTestRouter()
	agent := connid.New()
	s := &fakeSender{}
	r.AddConn(agent, s, netip.MustParseAddrPort("203.0.113.5:1"), nil)

	r.HandleDatagram(agent, []byte{0xFF})

	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.UnknownFrameType))
}

func TestRegisterAgentThenServiceRoutedReachesBoundConnector(t *testing.T) {
	r := newTestRouter()
	agent := connid.New()
	connector := connid.New()
	agentSender := &fakeSender{}
	connectorSender := &fakeSender{}
	r.AddConn(agent, agentSender, netip.MustParseAddrPort("203.0.113.5:1"), nil)
	r.AddConn(connector, connectorSender, netip.MustParseAddrPort("203.0.113.6:1"), nil)

	connReg, err := wire.Registration{ServiceID: "echo-service"}.MarshalConnectorRegister()
	require.NoError(t, err)
	r.HandleDatagram(connector, connReg)
	require.Len(t, connectorSender.sent, 1)

	agentReg, err := wire.Registration{ServiceID: "echo-service"}.MarshalAgentRegister()
	require.NoError(t, err)
	r.HandleDatagram(agent, agentReg)
	require.Len(t, agentSender.sent, 1)

	inner := []byte("hello backend")
	frame, err := wire.ServiceRouted{ServiceID: "echo-service", Payload: inner}.Marshal()
	require.NoError(t, err)
	r.HandleDatagram(agent, frame)

	require.Len(t, connectorSender.sent, 2)
	got, err := wire.UnmarshalServiceRouted(connectorSender.sent[1][1:])
	require.NoError(t, err)
	assert.Equal(t, "echo-service", got.ServiceID)
	assert.Equal(t, inner, got.Payload)
}

func TestServiceRoutedRejectedWithoutAgentRegistration(t *testing.T) {
	r := newTestRouter()
	agent := connid.New()
	agentSender := &fakeSender{}
	r.AddConn(agent, agentSender, netip.MustParseAddrPort("203.0.113.5:1"), nil)

	frame, err := wire.ServiceRouted{ServiceID: "echo-service", Payload: []byte("x")}.Marshal()
	require.NoError(t, err)
	r.HandleDatagram(agent, frame)

	assert.Empty(t, agentSender.sent)
}

func TestConnectorReplacementClosesOldConnection(t *testing.T) {
	r := newTestRouter()
	oldConnector := connid.New()
	newConnector := connid.New()
	oldSender := &fakeSender{}
	newSender := &fakeSender{}
	r.AddConn(oldConnector, oldSender, netip.MustParseAddrPort("203.0.113.6:1"), nil)
	r.AddConn(newConnector, newSender, netip.MustParseAddrPort("203.0.113.7:1"), nil)

	reg1, _ := wire.Registration{ServiceID: "echo-service"}.MarshalConnectorRegister()
	r.HandleDatagram(oldConnector, reg1)
	reg2, _ := wire.Registration{ServiceID: "echo-service"}.MarshalConnectorRegister()
	r.HandleDatagram(newConnector, reg2)

	assert.True(t, oldSender.closed)
	bound, ok := r.reg.FindConnectorFor("echo-service")
	require.True(t, ok)
	assert.Equal(t, newConnector, bound)
}

func TestRouteReturnSendsToLastOriginator(t *testing.T) {
	r := newTestRouter()
	agent := connid.New()
	connector := connid.New()
	agentSender := &fakeSender{}
	connectorSender := &fakeSender{}
	r.AddConn(agent, agentSender, netip.MustParseAddrPort("203.0.113.5:1"), nil)
	r.AddConn(connector, connectorSender, netip.MustParseAddrPort("203.0.113.6:1"), nil)

	connReg, _ := wire.Registration{ServiceID: "echo-service"}.MarshalConnectorRegister()
	r.HandleDatagram(connector, connReg)
	agentReg, _ := wire.Registration{ServiceID: "echo-service"}.MarshalAgentRegister()
	r.HandleDatagram(agent, agentReg)

	frame, _ := wire.ServiceRouted{ServiceID: "echo-service", Payload: []byte("req")}.Marshal()
	r.HandleDatagram(agent, frame)

	r.RouteReturn("echo-service", []byte("resp"))

	require.Len(t, agentSender.sent, 2)
	got, err := wire.UnmarshalServiceRouted(agentSender.sent[1][1:])
	require.NoError(t, err)
	assert.Equal(t, []byte("resp"), got.Payload)
}

func TestOfferAnswerStartPunchingRelayedThroughRouter(t *testing.T) {
	r := newTestRouter()
	agent := connid.New()
	connector := connid.New()
	agentSender := &fakeSender{}
	connectorSender := &fakeSender{}
	r.AddConn(agent, agentSender, netip.MustParseAddrPort("203.0.113.5:1"), nil)
	r.AddConn(connector, connectorSender, netip.MustParseAddrPort("203.0.113.6:1"), nil)

	connReg, _ := wire.Registration{ServiceID: "echo-service"}.MarshalConnectorRegister()
	r.HandleDatagram(connector, connReg)
	agentReg, _ := wire.Registration{ServiceID: "echo-service"}.MarshalAgentRegister()
	r.HandleDatagram(agent, agentReg)

	offer := wire.CandidateMessage{
		Candidates: []wire.WireCandidate{{Kind: wire.CandidateHost, IsV4: true, Port: 4500, Priority: 100}},
	}.MarshalOffer()
	r.HandleDatagram(agent, offer)
	require.Len(t, connectorSender.sent, 2)

	forwardedOffer, err := wire.UnmarshalCandidateMessage(connectorSender.sent[1][2:])
	require.NoError(t, err)
	sessionID := forwardedOffer.SessionID

	answer := wire.CandidateMessage{
		SessionID:  sessionID,
		Candidates: []wire.WireCandidate{{Kind: wire.CandidateHost, IsV4: true, Port: 5000, Priority: 90}},
	}.MarshalAnswer()
	r.HandleDatagram(connector, answer)
	require.Len(t, agentSender.sent, 2)

	start := wire.StartPunchingMessage{SessionID: sessionID}.Marshal()
	r.HandleDatagram(agent, start)
	assert.Len(t, agentSender.sent, 3)
	assert.Len(t, connectorSender.sent, 3)
}
