// Package wire implements the fixed-layout control frames that ride as QUIC
// DATAGRAMs between Agent, Intermediate and Connector (see §4.1).
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// FrameType is the first byte of every control DATAGRAM.
type FrameType byte

const (
	// FrameQADv4 carries the sender's observed public address, IPv4 form.
	FrameQADv4 FrameType = 0x01
	// FrameQADv6 carries the sender's observed public address, IPv6 form (§9 open question).
	FrameQADv6 FrameType = 0x02
	// FrameAgentRegister registers an Agent for a service.
	FrameAgentRegister FrameType = 0x10
	// FrameConnectorRegister registers a Connector for a service.
	FrameConnectorRegister FrameType = 0x11
	// FrameRegisterACK acknowledges a successful registration.
	FrameRegisterACK FrameType = 0x12
	// FrameRegisterNACK rejects a registration with a reason code.
	FrameRegisterNACK FrameType = 0x13
	// FrameServiceRouted wraps an inner IP packet addressed to a service.
	FrameServiceRouted FrameType = 0x2F
	// FrameP2PMagic prefixes every P2P control message (§4.1, §4.9).
	FrameP2PMagic FrameType = 0x5A
)

// NACK reason codes (§6).
const (
	ReasonOK               byte = 0
	ReasonBadLength        byte = 1
	ReasonInvalidUTF8      byte = 2
	ReasonUnauthorized     byte = 3
	ReasonDuplicateConnect byte = 4
)

var (
	// ErrTooShort is returned whenever a buffer is shorter than a frame's fixed header.
	ErrTooShort = fmt.Errorf("wire: buffer too short to contain a frame header")
	// ErrBadLength is returned when a length-prefixed field overruns the buffer.
	ErrBadLength = fmt.Errorf("wire: length field does not fit remaining buffer")
	// ErrUnknownFrame is returned by ParseType for an empty buffer.
	ErrUnknownFrame = fmt.Errorf("wire: empty datagram")
)

// ParseType reads the discriminant byte 0 off a datagram without allocating.
func ParseType(data []byte) (FrameType, error) {
	if len(data) < 1 {
		return 0, ErrUnknownFrame
	}
	return FrameType(data[0]), nil
}

// Registration carries an Agent or Connector's request to bind to a service ID.
type Registration struct {
	ServiceID string
}

func (r Registration) marshal(t FrameType) ([]byte, error) {
	if len(r.ServiceID) == 0 || len(r.ServiceID) > 255 {
		return nil, ErrBadLength
	}
	buf := make([]byte, 2+len(r.ServiceID))
	buf[0] = byte(t)
	buf[1] = byte(len(r.ServiceID))
	copy(buf[2:], r.ServiceID)
	return buf, nil
}

// MarshalAgentRegister encodes a 0x10 Agent registration frame.
func (r Registration) MarshalAgentRegister() ([]byte, error) {
	return r.marshal(FrameAgentRegister)
}

// MarshalConnectorRegister encodes a 0x11 Connector registration frame.
func (r Registration) MarshalConnectorRegister() ([]byte, error) {
	return r.marshal(FrameConnectorRegister)
}

// UnmarshalRegistration decodes the body of a 0x10/0x11 frame (after the type byte, which the
// caller has already read via ParseType): a length byte followed by the service ID.
func UnmarshalRegistration(data []byte) (Registration, error) {
	if len(data) < 1 {
		return Registration{}, ErrTooShort
	}
	n := int(data[0])
	if len(data) < 1+n {
		return Registration{}, ErrBadLength
	}
	return Registration{ServiceID: string(data[1 : 1+n])}, nil
}

// RegisterACK is the 0x12 success reply.
type RegisterACK struct {
	ServiceID string
}

func (a RegisterACK) Marshal() ([]byte, error) {
	if len(a.ServiceID) > 255 {
		return nil, ErrBadLength
	}
	buf := make([]byte, 3+len(a.ServiceID))
	buf[0] = byte(FrameRegisterACK)
	buf[1] = ReasonOK
	buf[2] = byte(len(a.ServiceID))
	copy(buf[3:], a.ServiceID)
	return buf, nil
}

// RegisterNACK is the 0x13 failure reply, carrying a reason byte (§6).
type RegisterNACK struct {
	Reason    byte
	ServiceID string
}

func (n RegisterNACK) Marshal() ([]byte, error) {
	if len(n.ServiceID) > 255 {
		return nil, ErrBadLength
	}
	buf := make([]byte, 3+len(n.ServiceID))
	buf[0] = byte(FrameRegisterNACK)
	buf[1] = n.Reason
	buf[2] = byte(len(n.ServiceID))
	copy(buf[3:], n.ServiceID)
	return buf, nil
}

// UnmarshalRegisterResult decodes either a 0x12 or 0x13 frame body (after the type byte).
func UnmarshalRegisterResult(data []byte) (reason byte, serviceID string, err error) {
	if len(data) < 2 {
		return 0, "", ErrTooShort
	}
	reason = data[0]
	n := int(data[1])
	if len(data) < 2+n {
		return 0, "", ErrBadLength
	}
	return reason, string(data[2 : 2+n]), nil
}

// ServiceRouted is the 0x2F wrapper carrying an inner IP packet for a named service.
type ServiceRouted struct {
	ServiceID string
	Payload   []byte
}

func (s ServiceRouted) Marshal() ([]byte, error) {
	if len(s.ServiceID) == 0 || len(s.ServiceID) > 255 {
		return nil, ErrBadLength
	}
	buf := make([]byte, 2+len(s.ServiceID)+len(s.Payload))
	buf[0] = byte(FrameServiceRouted)
	buf[1] = byte(len(s.ServiceID))
	n := copy(buf[2:], s.ServiceID)
	copy(buf[2+n:], s.Payload)
	return buf, nil
}

// UnmarshalServiceRouted decodes a 0x2F frame body (after the type byte).
func UnmarshalServiceRouted(data []byte) (ServiceRouted, error) {
	if len(data) < 1 {
		return ServiceRouted{}, ErrTooShort
	}
	n := int(data[0])
	if len(data) < 1+n {
		return ServiceRouted{}, ErrBadLength
	}
	return ServiceRouted{
		ServiceID: string(data[1 : 1+n]),
		Payload:   data[1+n:],
	}, nil
}

// QAD is the observed-address report the Intermediate sends to every peer.
type QAD struct {
	IP   net.IP
	Port uint16
}

// MarshalQAD encodes a 0x01 (IPv4) or 0x02 (IPv6) QAD frame.
func MarshalQAD(q QAD) ([]byte, error) {
	if v4 := q.IP.To4(); v4 != nil {
		buf := make([]byte, 7)
		buf[0] = byte(FrameQADv4)
		copy(buf[1:5], v4)
		binary.BigEndian.PutUint16(buf[5:7], q.Port)
		return buf, nil
	}
	v6 := q.IP.To16()
	if v6 == nil {
		return nil, fmt.Errorf("wire: invalid IP for QAD")
	}
	buf := make([]byte, 19)
	buf[0] = byte(FrameQADv6)
	copy(buf[1:17], v6)
	binary.BigEndian.PutUint16(buf[17:19], q.Port)
	return buf, nil
}

// UnmarshalQAD decodes either QAD variant. Unknown variants or bad lengths return an error
// rather than panicking (§4.1); callers must treat that as "leave address unchanged, log warning".
func UnmarshalQAD(data []byte) (QAD, error) {
	if len(data) < 1 {
		return QAD{}, ErrUnknownFrame
	}
	switch FrameType(data[0]) {
	case FrameQADv4:
		if len(data) != 7 {
			return QAD{}, ErrBadLength
		}
		ip := net.IPv4(data[1], data[2], data[3], data[4])
		port := binary.BigEndian.Uint16(data[5:7])
		return QAD{IP: ip, Port: port}, nil
	case FrameQADv6:
		if len(data) != 19 {
			return QAD{}, ErrBadLength
		}
		ip := make(net.IP, 16)
		copy(ip, data[1:17])
		port := binary.BigEndian.Uint16(data[17:19])
		return QAD{IP: ip, Port: port}, nil
	default:
		return QAD{}, fmt.Errorf("wire: unknown QAD variant 0x%x", data[0])
	}
}
