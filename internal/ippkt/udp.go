package ippkt

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const udpHeaderLen = 8

// UDP is a decoded UDP datagram (header fields + payload).
type UDP struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// ParseUDP decodes a UDP segment. §4.11: "UDP length < 8 -> drop with warning" is enforced here
// by returning an error the caller treats as a drop.
func ParseUDP(data []byte) (*UDP, error) {
	if len(data) < udpHeaderLen {
		return nil, fmt.Errorf("ippkt: UDP segment shorter than header (%d < %d)", len(data), udpHeaderLen)
	}
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if length < udpHeaderLen || length > len(data) {
		return nil, fmt.Errorf("ippkt: invalid UDP length %d for segment of %d bytes", length, len(data))
	}
	return &UDP{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Payload: data[udpHeaderLen:length],
	}, nil
}

// BuildUDP serializes a UDP datagram (header + payload) including its checksum over the IPv4
// pseudo-header, for §4.11's "re-encapsulate into an IP/UDP packet" return path.
func BuildUDP(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	length := udpHeaderLen + len(payload)
	buf := make([]byte, length)
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(length))
	binary.BigEndian.PutUint16(buf[6:8], 0)
	copy(buf[udpHeaderLen:], payload)

	pseudo := pseudoHeaderV4(src, dst, ProtoUDP, length)
	full := append(append([]byte{}, pseudo...), buf...)
	cs := checksum(full)
	if cs == 0 {
		cs = 0xffff // UDP checksum of 0 means "no checksum"; avoid the ambiguity
	}
	binary.BigEndian.PutUint16(buf[6:8], cs)
	return buf
}
