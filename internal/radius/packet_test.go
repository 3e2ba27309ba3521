// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package radius

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_EncodeParseRoundTrip(t *testing.T) {
	pkt := &Packet{Code: CodeDisconnectRequest, Identifier: 42}
	pkt.AddString(AttrUserName, "alice")
	pkt.AddString(AttrNASIdentifier, "router-1")
	pkt.AddIP(AttrFramedIPAddress, net.ParseIP("10.1.0.5"))
	pkt.AddUint32(AttrSessionTimeout, 3600)
	pkt.Authenticate("s3cret")

	parsed, err := Parse(pkt.Encode())
	require.NoError(t, err)

	assert.EqualValues(t, CodeDisconnectRequest, parsed.Code)
	assert.EqualValues(t, 42, parsed.Identifier)

	user, ok := parsed.GetString(AttrUserName)
	require.True(t, ok)
	assert.Equal(t, "alice", user)

	nas, _ := parsed.GetString(AttrNASIdentifier)
	assert.Equal(t, "router-1", nas)

	ip, ok := parsed.Get(AttrFramedIPAddress)
	require.True(t, ok)
	assert.Equal(t, net.IP(ip).String(), "10.1.0.5")

	timeout, ok := parsed.GetUint32(AttrSessionTimeout)
	require.True(t, ok)
	assert.EqualValues(t, 3600, timeout)

	assert.NoError(t, parsed.VerifyAuthenticator("s3cret"))
}

func TestPacket_VerifyAuthenticator(t *testing.T) {
	pkt := &Packet{Code: CodeCoARequest, Identifier: 7}
	pkt.AddString(AttrUserName, "bob")
	pkt.Authenticate("right")

	assert.NoError(t, pkt.VerifyAuthenticator("right"))
	assert.ErrorIs(t, pkt.VerifyAuthenticator("wrong"), ErrBadAuthenticator)

	// Tampering with an attribute after signing must break verification.
	pkt.Attributes[0].Value = []byte("eve")
	assert.ErrorIs(t, pkt.VerifyAuthenticator("right"), ErrBadAuthenticator)
}

func TestParse_Malformed(t *testing.T) {
	valid := &Packet{Code: CodeDisconnectRequest, Identifier: 1}
	valid.AddString(AttrUserName, "alice")
	wire := valid.Encode()

	truncatedAttr := make([]byte, len(wire))
	copy(truncatedAttr, wire)
	truncatedAttr[21] = 200 // attribute length overruns the payload

	zeroAttrLen := make([]byte, len(wire))
	copy(zeroAttrLen, wire)
	zeroAttrLen[21] = 1 // below the 2-byte TLV minimum

	declaredTooLong := make([]byte, len(wire))
	copy(declaredTooLong, wire)
	declaredTooLong[2] = 0xFF
	declaredTooLong[3] = 0xFF

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", make([]byte, 10)},
		{"declared length beyond datagram", declaredTooLong},
		{"attribute overrun", truncatedAttr},
		{"attribute length below minimum", zeroAttrLen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestParse_IgnoresTrailingBytes(t *testing.T) {
	pkt := &Packet{Code: CodeCoAACK, Identifier: 9}
	wire := append(pkt.Encode(), 0xDE, 0xAD)

	parsed, err := Parse(wire)
	require.NoError(t, err)
	assert.EqualValues(t, CodeCoAACK, parsed.Code)
	assert.Empty(t, parsed.Attributes)
}

func TestGet_FirstAttributeWins(t *testing.T) {
	pkt := &Packet{Code: CodeCoARequest}
	pkt.AddString(AttrFilterID, "first")
	pkt.AddString(AttrFilterID, "second")

	v, ok := pkt.GetString(AttrFilterID)
	require.True(t, ok)
	assert.Equal(t, "first", v)
}
