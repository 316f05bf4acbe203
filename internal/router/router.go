// Package router implements the Intermediate's per-DATAGRAM dispatch (§4.4): registration frames
// go to the registry, 0x2F service-routed frames are relayed to the bound Connector (recording a
// reverse mapping for return traffic), P2P control frames go to the signalling broker, and
// everything else is dropped with a counter bump.
package router

import (
	"net/netip"

	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-core/internal/connid"
	"github.com/hfyeomans/ztna-core/internal/metrics"
	"github.com/hfyeomans/ztna-core/internal/registry"
	"github.com/hfyeomans/ztna-core/internal/signaling"
	"github.com/hfyeomans/ztna-core/internal/wire"
)

// Sender is the subset of a QUIC connection the router needs to push frames back out. It is an
// interface so the router's dispatch logic can be unit tested without a real QUIC stack.
type Sender interface {
	// SendDatagram enqueues data for best-effort delivery onto the bounded, drop-oldest outbound
	// queue described in §4.4 (quicsrv.Conn's implementation owns that queue and its own
	// drain goroutine; it returns an error only once the connection has closed).
	SendDatagram(data []byte) error
	// CloseWithCode sends an application-level close with code and reason (Invariant 1 replace).
	CloseWithCode(code uint64, reason string)
}

// flowKey keys lastOriginator (service -> most recent Agent conn), used for unicast return
// routing per §4.4: "unicast responses use the most recent originator".
type flowKey struct {
	serviceID string
}

// Router dispatches incoming DATAGRAMs for one Intermediate process. It is loop-local (§5).
type Router struct {
	reg     *registry.Registry
	broker  *signaling.Broker
	conns   map[connid.ID]Sender
	lastOriginator map[flowKey]connid.ID
	metrics *metrics.Intermediate
	log     *zerolog.Logger
}

func New(reg *registry.Registry, broker *signaling.Broker, m *metrics.Intermediate, log *zerolog.Logger) *Router {
	return &Router{
		reg:            reg,
		broker:         broker,
		conns:          make(map[connid.ID]Sender),
		lastOriginator: make(map[flowKey]connid.ID),
		metrics:        m,
		log:            log,
	}
}

// AddConn registers a connection's Sender so the router can push frames (registration ACKs,
// relayed datagrams, signalling replies) back out to it.
func (r *Router) AddConn(id connid.ID, s Sender, remote netip.AddrPort, identity map[string]struct{}) {
	r.conns[id] = s
	r.reg.OnConnect(id, remote, identity)
}

// RemoveConn tears down a closed connection's registry and signalling state.
func (r *Router) RemoveConn(id connid.ID) {
	r.reg.OnDisconnect(id)
	r.broker.OnDisconnect(id)
	delete(r.conns, id)
}

// HandleDatagram dispatches one incoming DATAGRAM from sender (§4.4).
func (r *Router) HandleDatagram(sender connid.ID, data []byte) {
	ft, err := wire.ParseType(data)
	if err != nil {
		r.metrics.WireDecodeErrors.Inc()
		return
	}
	switch ft {
	case wire.FrameAgentRegister:
		r.handleRegister(sender, connid.RoleAgent, data[1:])
	case wire.FrameConnectorRegister:
		r.handleRegister(sender, connid.RoleConnector, data[1:])
	case wire.FrameServiceRouted:
		r.handleServiceRouted(sender, data[1:])
	case wire.FrameP2PMagic:
		r.handleP2P(sender, data)
	default:
		r.metrics.UnknownFrameType.Inc()
	}
}

func (r *Router) handleRegister(sender connid.ID, role connid.Role, body []byte) {
	reg, err := wire.UnmarshalRegistration(body)
	if err != nil {
		r.metrics.WireDecodeErrors.Inc()
		r.sendNACK(sender, wire.ReasonBadLength, "")
		return
	}
	result, replaced := r.reg.OnRegistration(sender, role, reg.ServiceID)
	switch result {
	case registry.ResultOK:
		r.metrics.RegistrationsTotal.Inc()
		r.sendACK(sender, reg.ServiceID)
		if replaced != nil {
			if old, ok := r.conns[replaced.OldConn]; ok {
				old.CloseWithCode(4, "replaced by a new connector registration for "+replaced.ServiceID)
			}
		}
	case registry.ResultBadLength:
		r.metrics.RegistrationRejections.Inc()
		r.sendNACK(sender, wire.ReasonBadLength, reg.ServiceID)
	case registry.ResultInvalidUTF8:
		r.metrics.RegistrationRejections.Inc()
		r.sendNACK(sender, wire.ReasonInvalidUTF8, reg.ServiceID)
	case registry.ResultUnauthorized:
		r.metrics.RegistrationRejections.Inc()
		r.sendNACK(sender, wire.ReasonUnauthorized, reg.ServiceID)
	default:
		r.metrics.RegistrationRejections.Inc()
		r.sendNACK(sender, wire.ReasonDuplicateConnect, reg.ServiceID)
	}
}

func (r *Router) sendACK(to connid.ID, serviceID string) {
	s, ok := r.conns[to]
	if !ok {
		return
	}
	buf, err := (wire.RegisterACK{ServiceID: serviceID}).Marshal()
	if err != nil {
		return
	}
	_ = s.SendDatagram(buf)
}

func (r *Router) sendNACK(to connid.ID, reason byte, serviceID string) {
	s, ok := r.conns[to]
	if !ok {
		return
	}
	buf, err := (wire.RegisterNACK{Reason: reason, ServiceID: serviceID}).Marshal()
	if err != nil {
		return
	}
	_ = s.SendDatagram(buf)
}

func (r *Router) handleServiceRouted(sender connid.ID, body []byte) {
	sr, err := wire.UnmarshalServiceRouted(body)
	if err != nil {
		r.metrics.WireDecodeErrors.Inc()
		return
	}
	// Invariant 2: sender must be an authorized Agent for this service.
	if !r.reg.IsAgentFor(sender, sr.ServiceID) {
		r.metrics.RegistrationRejections.Inc()
		return
	}
	connectorID, ok := r.reg.FindConnectorFor(sr.ServiceID)
	if !ok {
		return
	}
	connector, ok := r.conns[connectorID]
	if !ok {
		return
	}
	r.lastOriginator[flowKey{serviceID: sr.ServiceID}] = sender

	wrapped, err := (wire.ServiceRouted{ServiceID: sr.ServiceID, Payload: sr.Payload}).Marshal()
	if err != nil {
		return
	}
	if err := connector.SendDatagram(wrapped); err != nil {
		return
	}
	r.metrics.DatagramsRelayedTotal.Inc()
	r.metrics.RelayBytesTotal.Add(float64(len(sr.Payload)))
}

// RouteReturn relays a 0x2F frame originated by a Connector back to the service's most recent
// Agent originator (§4.4 "unicast responses use the most recent originator"; broadcast across
// r.reg.AgentsFor is available to callers that want every Agent targeting a service).
func (r *Router) RouteReturn(serviceID string, payload []byte) {
	agentID, ok := r.lastOriginator[flowKey{serviceID: serviceID}]
	if !ok {
		return
	}
	agent, ok := r.conns[agentID]
	if !ok {
		return
	}
	wrapped, err := (wire.ServiceRouted{ServiceID: serviceID, Payload: payload}).Marshal()
	if err != nil {
		return
	}
	if err := agent.SendDatagram(wrapped); err != nil {
		return
	}
	r.metrics.DatagramsRelayedTotal.Inc()
	r.metrics.RelayBytesTotal.Add(float64(len(payload)))
}

func (r *Router) handleP2P(sender connid.ID, data []byte) {
	pt, err := wire.ParseP2PType(data)
	if err != nil {
		r.metrics.WireDecodeErrors.Inc()
		return
	}
	switch pt {
	case wire.P2PCandidateOffer:
		r.handleOffer(sender, data[2:])
	case wire.P2PCandidateAnswer:
		r.handleAnswer(sender, data[2:])
	case wire.P2PStartPunching:
		r.handleStartPunching(sender, data[2:])
	default:
		r.metrics.UnknownFrameType.Inc()
	}
}

func (r *Router) handleOffer(sender connid.ID, body []byte) {
	msg, err := wire.UnmarshalCandidateMessage(body)
	if err != nil {
		r.metrics.WireDecodeErrors.Inc()
		return
	}
	// The offer targets whichever service sender is currently registered as an Agent for;
	// multi-service fan-out means one Offer per service.
	entry, ok := r.reg.Entry(sender)
	if !ok {
		return
	}
	var serviceID string
	for svc := range entry.Services {
		serviceID = svc
		break
	}
	connectorID, ok := r.reg.FindConnectorFor(serviceID)
	if !ok {
		return
	}
	session, err := r.broker.Offer(sender, connectorID, serviceID)
	if err != nil {
		return
	}
	r.metrics.SignalingSessionsTotal.Inc()
	if connector, ok := r.conns[connectorID]; ok {
		forwarded := wire.CandidateMessage{SessionID: session.ID, Candidates: msg.Candidates}.MarshalOffer()
		_ = connector.SendDatagram(forwarded)
	}
}

func (r *Router) handleAnswer(sender connid.ID, body []byte) {
	msg, err := wire.UnmarshalCandidateMessage(body)
	if err != nil {
		r.metrics.WireDecodeErrors.Inc()
		return
	}
	session, ok := r.broker.Answer(signaling.SessionID(msg.SessionID), sender)
	if !ok {
		return
	}
	if initiator, ok := r.conns[session.InitiatorConn]; ok {
		forwarded := msg.MarshalAnswer()
		_ = initiator.SendDatagram(forwarded)
	}
}

func (r *Router) handleStartPunching(sender connid.ID, body []byte) {
	msg, err := wire.UnmarshalStartPunching(body)
	if err != nil {
		r.metrics.WireDecodeErrors.Inc()
		return
	}
	session, ok := r.broker.StartPunching(signaling.SessionID(msg.SessionID), sender)
	if !ok {
		return
	}
	frame := msg.Marshal()
	if initiator, ok := r.conns[session.InitiatorConn]; ok {
		_ = initiator.SendDatagram(frame)
	}
	if responder, ok := r.conns[session.ResponderConn]; ok {
		_ = responder.SendDatagram(frame)
	}
}

// CloseAll application-closes every tracked connection with code and reason, used during
// graceful shutdown (§4.14).
func (r *Router) CloseAll(code uint64, reason string) {
	for _, s := range r.conns {
		s.CloseWithCode(code, reason)
	}
}

// ReapExpiredSessions should be called periodically by the event loop (§4.5: "Session lifetime
// <= 30 s; expired sessions are reaped").
func (r *Router) ReapExpiredSessions() {
	r.broker.ReapExpired()
}
