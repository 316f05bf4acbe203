package ippkt

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const minTCPHeaderLen = 20

// TCPFlags is the bitmask of control flags carried in a TCP header.
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 1 << 0
	TCPFlagSYN TCPFlags = 1 << 1
	TCPFlagRST TCPFlags = 1 << 2
	TCPFlagPSH TCPFlags = 1 << 3
	TCPFlagACK TCPFlags = 1 << 4
)

func (f TCPFlags) Has(bit TCPFlags) bool { return f&bit != 0 }

// TCP is a decoded TCP segment (options are not preserved; this proxy only needs the control
// flags, sequence numbers and payload, §4.11).
type TCP struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlags
	Window  uint16
	Payload []byte
}

// ParseTCP decodes a TCP segment, skipping any options per the header's data offset field.
func ParseTCP(data []byte) (*TCP, error) {
	if len(data) < minTCPHeaderLen {
		return nil, fmt.Errorf("ippkt: TCP segment shorter than minimum header (%d < %d)", len(data), minTCPHeaderLen)
	}
	dataOffset := int(data[12]>>4) * 4
	if dataOffset < minTCPHeaderLen || dataOffset > len(data) {
		return nil, fmt.Errorf("ippkt: invalid TCP data offset %d for segment of %d bytes", dataOffset, len(data))
	}
	return &TCP{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Seq:     binary.BigEndian.Uint32(data[4:8]),
		Ack:     binary.BigEndian.Uint32(data[8:12]),
		Flags:   TCPFlags(data[13] & 0x3f),
		Window:  binary.BigEndian.Uint16(data[14:16]),
		Payload: data[dataOffset:],
	}, nil
}

// BuildTCP serializes a TCP segment with no options, computing the checksum over the IPv4
// pseudo-header, for injecting backend reads/ACKs back to the Agent (§4.11).
func BuildTCP(src, dst netip.Addr, seg TCP) []byte {
	length := minTCPHeaderLen + len(seg.Payload)
	buf := make([]byte, length)
	binary.BigEndian.PutUint16(buf[0:2], seg.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], seg.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], seg.Seq)
	binary.BigEndian.PutUint32(buf[8:12], seg.Ack)
	buf[12] = byte(minTCPHeaderLen/4) << 4
	buf[13] = byte(seg.Flags)
	binary.BigEndian.PutUint16(buf[14:16], seg.Window)
	binary.BigEndian.PutUint16(buf[18:20], 0) // urgent pointer
	copy(buf[minTCPHeaderLen:], seg.Payload)

	pseudo := pseudoHeaderV4(src, dst, ProtoTCP, length)
	full := append(append([]byte{}, pseudo...), buf...)
	cs := checksum(full)
	binary.BigEndian.PutUint16(buf[16:18], cs)
	return buf
}
