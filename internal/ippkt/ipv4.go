// Package ippkt decodes and encodes the IPv4 packets the Connector terminates and synthesizes
// (§4.11). IP packets cross the Agent boundary as opaque byte slices (§1 Non-goals); this package
// exists only on the Connector side, which must actually interpret them.
package ippkt

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Supported IP protocol numbers (§4.11).
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

const (
	minIPv4HeaderLen = 20
	// DefaultTTL is used when this process originates a packet (e.g. synthesized ICMP Echo Reply).
	DefaultTTL = 64
)

// IPv4 is a parsed IPv4 header plus its payload (the upper-layer protocol body).
type IPv4 struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	TTL      uint8
	ID       uint16
	Payload  []byte
}

// ParseIPv4 decodes the fixed and variable-length IPv4 header. It never panics: short or
// malformed input returns an error (§7 "wire decode ... never abort a process").
func ParseIPv4(data []byte) (*IPv4, error) {
	if len(data) < minIPv4HeaderLen {
		return nil, fmt.Errorf("ippkt: IPv4 packet shorter than minimum header (%d < %d)", len(data), minIPv4HeaderLen)
	}
	version := data[0] >> 4
	if version != 4 {
		return nil, fmt.Errorf("ippkt: unsupported IP version %d", version)
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < minIPv4HeaderLen || len(data) < ihl {
		return nil, fmt.Errorf("ippkt: invalid IHL %d for packet of length %d", ihl, len(data))
	}
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen < ihl || totalLen > len(data) {
		return nil, fmt.Errorf("ippkt: invalid total length %d for packet of length %d", totalLen, len(data))
	}
	id := binary.BigEndian.Uint16(data[4:6])
	ttl := data[8]
	proto := data[9]
	src, ok := netip.AddrFromSlice(data[12:16])
	if !ok {
		return nil, fmt.Errorf("ippkt: malformed source address")
	}
	dst, ok := netip.AddrFromSlice(data[16:20])
	if !ok {
		return nil, fmt.Errorf("ippkt: malformed destination address")
	}
	return &IPv4{
		Src:      src,
		Dst:      dst,
		Protocol: proto,
		TTL:      ttl,
		ID:       id,
		Payload:  data[ihl:totalLen],
	}, nil
}

func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// BuildIPv4 serializes an IPv4 header plus payload, computing the header checksum. Used by the
// Connector to re-encapsulate backend replies and synthesize ICMP responses (§4.11).
func BuildIPv4(src, dst netip.Addr, protocol uint8, ttl uint8, id uint16, payload []byte) []byte {
	totalLen := minIPv4HeaderLen + len(payload)
	buf := make([]byte, totalLen)
	buf[0] = 0x45 // version 4, IHL 5 (no options)
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/fragment offset
	buf[8] = ttl
	buf[9] = protocol
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(buf[12:16], srcBytes[:])
	copy(buf[16:20], dstBytes[:])
	binary.BigEndian.PutUint16(buf[10:12], 0)
	cs := checksum(buf[0:20])
	binary.BigEndian.PutUint16(buf[10:12], cs)
	copy(buf[20:], payload)
	return buf
}

func pseudoHeaderV4(src, dst netip.Addr, protocol uint8, length int) []byte {
	buf := make([]byte, 12)
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(buf[0:4], srcBytes[:])
	copy(buf[4:8], dstBytes[:])
	buf[8] = 0
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], uint16(length))
	return buf
}
