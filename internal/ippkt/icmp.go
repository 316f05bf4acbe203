package ippkt

import (
	"encoding/binary"
	"fmt"
)

const icmpHeaderLen = 8

// ICMPType mirrors the handful of ICMPv4 types this responder cares about (§4.11).
const (
	ICMPTypeEchoReply   uint8 = 0
	ICMPTypeEchoRequest uint8 = 8
)

// ICMPEcho is a decoded Echo Request/Reply message: type, code, identifier, sequence, and the
// arbitrary data payload the requester attached.
type ICMPEcho struct {
	Type       uint8
	Code       uint8
	Identifier uint16
	Sequence   uint16
	Data       []byte
}

// ParseICMPEcho decodes an Echo Request/Reply. Other ICMP types are not understood by this
// responder; the Connector only acts on Echo Request (§4.11).
func ParseICMPEcho(data []byte) (*ICMPEcho, error) {
	if len(data) < icmpHeaderLen {
		return nil, fmt.Errorf("ippkt: ICMP message shorter than header (%d < %d)", len(data), icmpHeaderLen)
	}
	return &ICMPEcho{
		Type:       data[0],
		Code:       data[1],
		Identifier: binary.BigEndian.Uint16(data[4:6]),
		Sequence:   binary.BigEndian.Uint16(data[6:8]),
		Data:       data[icmpHeaderLen:],
	}, nil
}

// BuildICMPEcho serializes an ICMP Echo Request/Reply message with a valid checksum.
func BuildICMPEcho(msg ICMPEcho) []byte {
	buf := make([]byte, icmpHeaderLen+len(msg.Data))
	buf[0] = msg.Type
	buf[1] = msg.Code
	binary.BigEndian.PutUint16(buf[2:4], 0) // checksum, filled below
	binary.BigEndian.PutUint16(buf[4:6], msg.Identifier)
	binary.BigEndian.PutUint16(buf[6:8], msg.Sequence)
	copy(buf[icmpHeaderLen:], msg.Data)

	cs := checksum(buf)
	binary.BigEndian.PutUint16(buf[2:4], cs)
	return buf
}

// EchoReplyFor builds the Echo Reply ICMP message (type Echo Reply, code 0) for a decoded Echo
// Request, preserving identifier, sequence and data (§4.11, §8 scenario 3). It carries no
// checksum; BuildICMPEcho computes one when the reply is encoded.
func EchoReplyFor(req ICMPEcho) ICMPEcho {
	return ICMPEcho{
		Type:       ICMPTypeEchoReply,
		Code:       0,
		Identifier: req.Identifier,
		Sequence:   req.Sequence,
		Data:       req.Data,
	}
}
