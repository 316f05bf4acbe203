// Package retrytoken implements AEAD-sealed stateless-retry tokens (§4.3) that bind a client's
// source address and destination connection ID. The key is random per Generator; tokens older
// than maxTokenAge are rejected. The Intermediate does not construct a Generator: its Retry
// tokens are issued and checked by quic-go.
package retrytoken

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

const maxTokenAge = 30 * time.Second

// Generator seals and validates retry tokens. Its key is fixed when it is created and is never
// rotated.
type Generator struct {
	aead  cipher.AEAD
	clock func() time.Time
}

// New creates a Generator with a fresh random key (process-lifetime, per §4.3).
func New() (*Generator, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("retrytoken: generating key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("retrytoken: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("retrytoken: %w", err)
	}
	return &Generator{aead: aead, clock: time.Now}, nil
}

// SetClockForTest overrides the time source; production callers never use this.
func (g *Generator) SetClockForTest(clock func() time.Time) {
	g.clock = clock
}

// Seal produces a token binding the client source address and destination connection ID.
func (g *Generator) Seal(src netip.AddrPort, dstCID []byte) ([]byte, error) {
	nonce := make([]byte, g.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	plain := make([]byte, 0, 8+len(dstCID)+src.Addr().BitLen()/8+2)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(g.clock().Unix()))
	plain = append(plain, tsBuf[:]...)
	addrBytes := src.Addr().AsSlice()
	plain = append(plain, byte(len(addrBytes)))
	plain = append(plain, addrBytes...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], src.Port())
	plain = append(plain, portBuf[:]...)
	plain = append(plain, dstCID...)

	sealed := g.aead.Seal(nil, nonce, plain, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Validate decrypts token and verifies it matches src and is within maxTokenAge. On success it
// returns the destination CID that was bound into the token.
func (g *Generator) Validate(token []byte, src netip.AddrPort) (dstCID []byte, err error) {
	nonceLen := g.aead.NonceSize()
	if len(token) < nonceLen {
		return nil, fmt.Errorf("retrytoken: token too short")
	}
	nonce, sealed := token[:nonceLen], token[nonceLen:]
	plain, err := g.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("retrytoken: invalid token: %w", err)
	}
	if len(plain) < 8+1 {
		return nil, fmt.Errorf("retrytoken: malformed token")
	}
	ts := int64(binary.BigEndian.Uint64(plain[0:8]))
	if g.clock().Sub(time.Unix(ts, 0)) > maxTokenAge {
		return nil, fmt.Errorf("retrytoken: expired")
	}
	off := 8
	addrLen := int(plain[off])
	off++
	if len(plain) < off+addrLen+2 {
		return nil, fmt.Errorf("retrytoken: malformed token")
	}
	addrBytes := plain[off : off+addrLen]
	off += addrLen
	port := binary.BigEndian.Uint16(plain[off : off+2])
	off += 2

	addr, ok := netip.AddrFromSlice(addrBytes)
	if !ok {
		return nil, fmt.Errorf("retrytoken: malformed address")
	}
	boundAddr := netip.AddrPortFrom(addr, port)
	if boundAddr.Addr() != src.Addr() || boundAddr.Port() != src.Port() {
		return nil, fmt.Errorf("retrytoken: source address mismatch")
	}
	return plain[off:], nil
}
