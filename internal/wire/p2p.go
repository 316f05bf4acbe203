package wire

import (
	"encoding/binary"
)

// P2PType is the sub-type byte following the 0x5A magic prefix.
type P2PType byte

const (
	P2PCandidateOffer   P2PType = 0x01
	P2PCandidateAnswer  P2PType = 0x02
	P2PStartPunching    P2PType = 0x03
	P2PBindingRequest   P2PType = 0x04
	P2PBindingResponse  P2PType = 0x05
	P2PKeepalive        P2PType = 0x06
	P2PKeepaliveAck     P2PType = 0x07
)

// keepaliveLen is the total wire length of a bare keepalive/ack message: magic + subtype + 3
// bytes of padding, chosen so it is exactly 5 bytes (§4.9, §8: "any 5-byte input lacking the 0x5A
// prefix is passed to QUIC" — the prefix is what disambiguates it, never the length alone).
const keepaliveLen = 5

// IsKeepalive reports whether data is a bare (unprefixed-ambiguity-free) keepalive frame: it must
// carry the 0x5A magic AND be exactly keepaliveLen bytes. A 5-byte buffer without the magic byte
// is NOT a keepalive and must fall through to the QUIC stack untouched.
func IsKeepalive(data []byte) bool {
	return len(data) == keepaliveLen && FrameType(data[0]) == FrameP2PMagic &&
		(P2PType(data[1]) == P2PKeepalive || P2PType(data[1]) == P2PKeepaliveAck)
}

func marshalKeepalive(t P2PType) []byte {
	buf := make([]byte, keepaliveLen)
	buf[0] = byte(FrameP2PMagic)
	buf[1] = byte(t)
	return buf
}

// MarshalKeepalive encodes a direct-path liveness probe.
func MarshalKeepalive() []byte { return marshalKeepalive(P2PKeepalive) }

// MarshalKeepaliveAck encodes the reply to a liveness probe.
func MarshalKeepaliveAck() []byte { return marshalKeepalive(P2PKeepaliveAck) }

// CandidateKind mirrors the kind of §3's Candidate type on the wire.
type CandidateKind byte

const (
	CandidateHost             CandidateKind = 0
	CandidateServerReflexive  CandidateKind = 1
	CandidateRelay            CandidateKind = 2
)

type WireCandidate struct {
	Kind      CandidateKind
	IP        [16]byte
	IsV4      bool
	Port      uint16
	Priority  uint32
	Foundation string
}

func encodeCandidate(buf []byte, c WireCandidate) []byte {
	buf = append(buf, byte(c.Kind))
	if c.IsV4 {
		buf = append(buf, 4)
		buf = append(buf, c.IP[:4]...)
	} else {
		buf = append(buf, 6)
		buf = append(buf, c.IP[:]...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], c.Port)
	buf = append(buf, portBuf[:]...)
	var prioBuf [4]byte
	binary.BigEndian.PutUint32(prioBuf[:], c.Priority)
	buf = append(buf, prioBuf[:]...)
	buf = append(buf, byte(len(c.Foundation)))
	buf = append(buf, c.Foundation...)
	return buf
}

func decodeCandidate(data []byte) (WireCandidate, int, error) {
	if len(data) < 2 {
		return WireCandidate{}, 0, ErrTooShort
	}
	kind := CandidateKind(data[0])
	famLen := int(data[1])
	if famLen != 4 && famLen != 6 {
		return WireCandidate{}, 0, ErrBadLength
	}
	off := 2
	if len(data) < off+famLen+2+4+1 {
		return WireCandidate{}, 0, ErrBadLength
	}
	var ip [16]byte
	copy(ip[:], data[off:off+famLen])
	off += famLen
	port := binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	prio := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	fLen := int(data[off])
	off++
	if len(data) < off+fLen {
		return WireCandidate{}, 0, ErrBadLength
	}
	foundation := string(data[off : off+fLen])
	off += fLen
	return WireCandidate{
		Kind:       kind,
		IP:         ip,
		IsV4:       famLen == 4,
		Port:       port,
		Priority:   prio,
		Foundation: foundation,
	}, off, nil
}

// CandidateOffer and CandidateAnswer (P2PCandidateOffer/Answer) carry the signalling session ID
// plus a candidate list.
type CandidateMessage struct {
	SessionID  [16]byte
	Candidates []WireCandidate
}

func (m CandidateMessage) marshal(t P2PType) []byte {
	buf := make([]byte, 0, 2+16+1+64)
	buf = append(buf, byte(FrameP2PMagic), byte(t))
	buf = append(buf, m.SessionID[:]...)
	buf = append(buf, byte(len(m.Candidates)))
	for _, c := range m.Candidates {
		buf = encodeCandidate(buf, c)
	}
	return buf
}

func (m CandidateMessage) MarshalOffer() []byte  { return m.marshal(P2PCandidateOffer) }
func (m CandidateMessage) MarshalAnswer() []byte { return m.marshal(P2PCandidateAnswer) }

// UnmarshalCandidateMessage decodes the body following the magic+type bytes.
func UnmarshalCandidateMessage(data []byte) (CandidateMessage, error) {
	if len(data) < 17 {
		return CandidateMessage{}, ErrTooShort
	}
	var m CandidateMessage
	copy(m.SessionID[:], data[0:16])
	count := int(data[16])
	off := 17
	m.Candidates = make([]WireCandidate, 0, count)
	for i := 0; i < count; i++ {
		c, n, err := decodeCandidate(data[off:])
		if err != nil {
			return CandidateMessage{}, err
		}
		m.Candidates = append(m.Candidates, c)
		off += n
	}
	return m, nil
}

// StartPunching carries the session ID and the peer's exchanged candidate set (§4.5).
type StartPunchingMessage struct {
	SessionID  [16]byte
	Candidates []WireCandidate
}

func (m StartPunchingMessage) Marshal() []byte {
	buf := make([]byte, 0, 2+16+1+64)
	buf = append(buf, byte(FrameP2PMagic), byte(P2PStartPunching))
	buf = append(buf, m.SessionID[:]...)
	buf = append(buf, byte(len(m.Candidates)))
	for _, c := range m.Candidates {
		buf = encodeCandidate(buf, c)
	}
	return buf
}

func UnmarshalStartPunching(data []byte) (StartPunchingMessage, error) {
	cm, err := UnmarshalCandidateMessage(data)
	if err != nil {
		return StartPunchingMessage{}, err
	}
	return StartPunchingMessage(cm), nil
}

// BindingRequest/Response implement the STUN-like connectivity check (§4.7).
type BindingRequest struct {
	TransactionID [12]byte
}

func (b BindingRequest) Marshal() []byte {
	buf := make([]byte, 0, 14)
	buf = append(buf, byte(FrameP2PMagic), byte(P2PBindingRequest))
	buf = append(buf, b.TransactionID[:]...)
	return buf
}

func UnmarshalBindingRequest(data []byte) (BindingRequest, error) {
	if len(data) < 12 {
		return BindingRequest{}, ErrTooShort
	}
	var b BindingRequest
	copy(b.TransactionID[:], data[0:12])
	return b, nil
}

type BindingResponse struct {
	TransactionID [12]byte
}

func (b BindingResponse) Marshal() []byte {
	buf := make([]byte, 0, 14)
	buf = append(buf, byte(FrameP2PMagic), byte(P2PBindingResponse))
	buf = append(buf, b.TransactionID[:]...)
	return buf
}

func UnmarshalBindingResponse(data []byte) (BindingResponse, error) {
	if len(data) < 12 {
		return BindingResponse{}, ErrTooShort
	}
	var b BindingResponse
	copy(b.TransactionID[:], data[0:12])
	return b, nil
}

// ParseP2PType reads the sub-type byte of a 0x5A-prefixed message (data[0] must already be
// FrameP2PMagic; callers branch on ParseType first).
func ParseP2PType(data []byte) (P2PType, error) {
	if len(data) < 2 {
		return 0, ErrTooShort
	}
	return P2PType(data[1]), nil
}
