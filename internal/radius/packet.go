// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package radius implements the slice of RADIUS Dynamic Authorization
// (RFC 5176) the control plane speaks: an outbound CoA/Disconnect client and
// an inbound DAE server, over a shared packet codec. Only the attributes the
// control plane uses are modeled; everything else passes through as raw TLVs.
package radius

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Packet codes (RFC 5176).
const (
	CodeDisconnectRequest = 40
	CodeDisconnectACK     = 41
	CodeDisconnectNAK     = 42
	CodeCoARequest        = 43
	CodeCoAACK            = 44
	CodeCoANAK            = 45
)

// Attribute types.
const (
	AttrUserName         = 1
	AttrNASIPAddress     = 4
	AttrFramedIPAddress  = 8
	AttrFilterID         = 11
	AttrSessionTimeout   = 27
	AttrIdleTimeout      = 28
	AttrCalledStationID  = 30
	AttrCallingStationID = 31
	AttrNASIdentifier    = 32
	AttrAcctSessionID    = 44
	AttrErrorCause       = 101
)

// Error-Cause values (RFC 5176 §3.5).
const (
	CauseMissingAttribute       = 402
	CauseInvalidRequest         = 404
	CauseSessionContextNotFound = 503
)

const headerLen = 20

// maxPacketLen bounds a RADIUS datagram (RFC 2865 §3).
const maxPacketLen = 4096

var (
	// ErrMalformedPacket covers short packets, length mismatches and TLV
	// walks that overrun the payload.
	ErrMalformedPacket = errors.New("malformed radius packet")
	// ErrBadAuthenticator marks an authenticator that does not verify
	// against the shared secret.
	ErrBadAuthenticator = errors.New("bad radius authenticator")
)

// Attribute is one type-length-value entry.
type Attribute struct {
	Type  byte
	Value []byte
}

// Packet is a parsed or under-construction RADIUS packet.
type Packet struct {
	Code          byte
	Identifier    byte
	Authenticator [16]byte
	Attributes    []Attribute
}

// Parse decodes a datagram. The declared length must match the walked TLVs
// exactly; trailing bytes beyond the declared length are ignored per RFC.
func Parse(data []byte) (*Packet, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length < headerLen || length > len(data) || length > maxPacketLen {
		return nil, fmt.Errorf("%w: declared length %d, datagram %d", ErrMalformedPacket, length, len(data))
	}

	p := &Packet{Code: data[0], Identifier: data[1]}
	copy(p.Authenticator[:], data[4:20])

	attrs := data[headerLen:length]
	for len(attrs) > 0 {
		if len(attrs) < 2 {
			return nil, fmt.Errorf("%w: truncated attribute header", ErrMalformedPacket)
		}
		alen := int(attrs[1])
		if alen < 2 || alen > len(attrs) {
			return nil, fmt.Errorf("%w: attribute length %d overruns payload", ErrMalformedPacket, alen)
		}
		value := make([]byte, alen-2)
		copy(value, attrs[2:alen])
		p.Attributes = append(p.Attributes, Attribute{Type: attrs[0], Value: value})
		attrs = attrs[alen:]
	}
	return p, nil
}

// Encode serializes the packet with its current authenticator.
func (p *Packet) Encode() []byte {
	buf := make([]byte, headerLen, headerLen+64)
	buf[0] = p.Code
	buf[1] = p.Identifier
	copy(buf[4:20], p.Authenticator[:])
	for _, a := range p.Attributes {
		buf = append(buf, a.Type, byte(len(a.Value)+2))
		buf = append(buf, a.Value...)
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	return buf
}

// AddString appends a text attribute.
func (p *Packet) AddString(attrType byte, value string) {
	p.Attributes = append(p.Attributes, Attribute{Type: attrType, Value: []byte(value)})
}

// AddIP appends a 4-octet address attribute.
func (p *Packet) AddIP(attrType byte, ip net.IP) {
	if v4 := ip.To4(); v4 != nil {
		p.Attributes = append(p.Attributes, Attribute{Type: attrType, Value: v4})
	}
}

// AddUint32 appends a 4-octet integer attribute.
func (p *Packet) AddUint32(attrType byte, v uint32) {
	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, v)
	p.Attributes = append(p.Attributes, Attribute{Type: attrType, Value: value})
}

// Get returns the first attribute of the given type.
func (p *Packet) Get(attrType byte) ([]byte, bool) {
	for _, a := range p.Attributes {
		if a.Type == attrType {
			return a.Value, true
		}
	}
	return nil, false
}

// GetString returns the first attribute of the given type as text.
func (p *Packet) GetString(attrType byte) (string, bool) {
	v, ok := p.Get(attrType)
	if !ok {
		return "", false
	}
	return string(v), true
}

// GetUint32 returns the first attribute of the given type as an integer.
func (p *Packet) GetUint32(attrType byte) (uint32, bool) {
	v, ok := p.Get(attrType)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// Authenticate computes the packet authenticator,
// MD5(code‖id‖length‖zero16‖attrs‖secret), and stores it. Both requests and
// replies use this form.
func (p *Packet) Authenticate(secret string) {
	p.Authenticator = computeAuthenticator(p, secret)
}

// VerifyAuthenticator checks the packet authenticator against the shared
// secret in constant time.
func (p *Packet) VerifyAuthenticator(secret string) error {
	want := computeAuthenticator(p, secret)
	if subtle.ConstantTimeCompare(want[:], p.Authenticator[:]) != 1 {
		return ErrBadAuthenticator
	}
	return nil
}

func computeAuthenticator(p *Packet, secret string) [16]byte {
	shadow := *p
	shadow.Authenticator = [16]byte{}
	wire := shadow.Encode()
	return md5.Sum(append(wire, secret...))
}
