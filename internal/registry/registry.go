// Package registry implements the Intermediate's service <-> connection bindings (§3, §4.2).
// A single instance is owned by the event-loop goroutine; per §4.2 no locking is required.
package registry

import (
	"net/netip"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-core/internal/connid"
)

// RegisterResult mirrors the ACK/NACK reason space of §6.
type RegisterResult byte

const (
	ResultOK RegisterResult = iota
	ResultBadLength
	ResultInvalidUTF8
	ResultUnauthorized
	ResultDuplicateConnector
)

// ClientEntry is the registry's per-connection record (§3 "Client entry").
type ClientEntry struct {
	ConnID     connid.ID
	Role       connid.Role
	Services   map[string]struct{}
	Identity   map[string]struct{} // authenticated_identity, nil means "any" (mTLS not enforced)
	RemoteAddr netip.AddrPort
}

// ReplacedConnector is returned by OnRegistration when a Connector registration displaces an
// existing binding (Invariant 1); the caller is responsible for emitting the warning event and
// closing the displaced connection with an application-level close code.
type ReplacedConnector struct {
	ServiceID string
	OldConn   connid.ID
}

// Registry holds the live client table and the service bindings derived from it.
type Registry struct {
	clients          map[connid.ID]*ClientEntry
	connectorByService map[string]connid.ID
	agentsByService  map[string]map[connid.ID]struct{}
	requireClientCert bool
	log              *zerolog.Logger
}

func New(requireClientCert bool, log *zerolog.Logger) *Registry {
	return &Registry{
		clients:            make(map[connid.ID]*ClientEntry),
		connectorByService: make(map[string]connid.ID),
		agentsByService:    make(map[string]map[connid.ID]struct{}),
		requireClientCert:  requireClientCert,
		log:                log,
	}
}

// OnConnect registers a brand-new connection with Role unknown until its first registration.
func (r *Registry) OnConnect(id connid.ID, remote netip.AddrPort, identity map[string]struct{}) {
	r.clients[id] = &ClientEntry{
		ConnID:     id,
		Role:       connid.RoleUnknown,
		Services:   make(map[string]struct{}),
		Identity:   identity,
		RemoteAddr: remote,
	}
}

func isValidServiceID(id string) bool {
	return len(id) > 0 && len(id) <= 255 && utf8.ValidString(id)
}

// authorizedFor reports whether conn may bind to serviceID, given mTLS enforcement.
func (r *Registry) authorizedFor(entry *ClientEntry, serviceID string) bool {
	if !r.requireClientCert || entry.Identity == nil {
		return true
	}
	_, ok := entry.Identity[serviceID]
	return ok
}

// OnRegistration processes a 0x10 (Agent) or 0x11 (Connector) frame. Registration is idempotent
// for Agents (§4.2). A Connector connection may bind any number of services; the number of
// services per connection is not limited. Each service has at most one bound Connector: an
// authorized registration from another connection replaces the binding, logs a warning and
// returns the displaced connection.
func (r *Registry) OnRegistration(id connid.ID, role connid.Role, serviceID string) (RegisterResult, *ReplacedConnector) {
	entry, ok := r.clients[id]
	if !ok {
		return ResultUnauthorized, nil
	}
	if !isValidServiceID(serviceID) {
		if len(serviceID) == 0 {
			return ResultBadLength, nil
		}
		return ResultInvalidUTF8, nil
	}
	if !r.authorizedFor(entry, serviceID) {
		return ResultUnauthorized, nil
	}

	entry.Role = role
	switch role {
	case connid.RoleAgent:
		entry.Services[serviceID] = struct{}{}
		set, ok := r.agentsByService[serviceID]
		if !ok {
			set = make(map[connid.ID]struct{})
			r.agentsByService[serviceID] = set
		}
		set[id] = struct{}{}
		return ResultOK, nil

	case connid.RoleConnector:
		var replaced *ReplacedConnector
		if existing, ok := r.connectorByService[serviceID]; ok && existing != id {
			r.log.Warn().
				Str("service_id", serviceID).
				Uint64("old_conn", uint64(existing)).
				Uint64("new_conn", uint64(id)).
				Msg("replacing connector binding for service")
			replaced = &ReplacedConnector{ServiceID: serviceID, OldConn: existing}
			if oldEntry, ok := r.clients[existing]; ok {
				delete(oldEntry.Services, serviceID)
			}
		}
		r.connectorByService[serviceID] = id
		entry.Services[serviceID] = struct{}{}
		return ResultOK, replaced

	default:
		return ResultUnauthorized, nil
	}
}

// OnDisconnect atomically removes all entries for id (§4.2).
func (r *Registry) OnDisconnect(id connid.ID) {
	entry, ok := r.clients[id]
	if !ok {
		return
	}
	for svc := range entry.Services {
		if r.connectorByService[svc] == id {
			delete(r.connectorByService, svc)
		}
		if set, ok := r.agentsByService[svc]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.agentsByService, svc)
			}
		}
	}
	delete(r.clients, id)
}

// FindConnectorFor returns the single active Connector binding for a service, if any.
func (r *Registry) FindConnectorFor(serviceID string) (connid.ID, bool) {
	id, ok := r.connectorByService[serviceID]
	return id, ok
}

// AgentsFor returns the set of Agent connections currently targeting serviceID.
func (r *Registry) AgentsFor(serviceID string) []connid.ID {
	set, ok := r.agentsByService[serviceID]
	if !ok {
		return nil
	}
	out := make([]connid.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// IsAgentFor enforces Invariant 2: an Agent may only send service-routed data for a Service ID
// present in its own Services set.
func (r *Registry) IsAgentFor(id connid.ID, serviceID string) bool {
	entry, ok := r.clients[id]
	if !ok || entry.Role != connid.RoleAgent {
		return false
	}
	_, ok = entry.Services[serviceID]
	return ok
}

// AuthorizedServices returns the set of service IDs a connection is permitted to register,
// derived from its TLS client cert SANs when mTLS is enforced, or nil ("any") otherwise.
func (r *Registry) AuthorizedServices(id connid.ID) map[string]struct{} {
	entry, ok := r.clients[id]
	if !ok {
		return nil
	}
	return entry.Identity
}

// Entry returns the live entry for id, for callers that need the full record (e.g. metrics).
func (r *Registry) Entry(id connid.ID) (*ClientEntry, bool) {
	e, ok := r.clients[id]
	return e, ok
}

// ActiveConnections returns the number of tracked connections, for the active_connections gauge.
func (r *Registry) ActiveConnections() int {
	return len(r.clients)
}
