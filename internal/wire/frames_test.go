// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RPCResult(t *testing.T) {
	data := []byte(`{"type":"rpc-result","id":"cp1-1700000000000-42","result":{"ok":true}}`)

	frame, err := Decode(data)
	require.NoError(t, err)

	res, ok := frame.(*RPCResult)
	require.True(t, ok, "expected *RPCResult, got %T", frame)
	assert.Equal(t, "cp1-1700000000000-42", res.ID)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))
	assert.False(t, res.IsError())
}

func TestRPCResult_IsError(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{"error payload", `{"type":"rpc-result","id":"a","error":{"message":"no such client"}}`, true},
		{"status error", `{"type":"rpc-result","id":"a","status":"error"}`, true},
		{"plain result", `{"type":"rpc-result","id":"a","result":{}}`, false},
		{"empty envelope", `{"type":"rpc-result","id":"a"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Decode([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, frame.(*RPCResult).IsError())
		})
	}
}

func TestDecode_TunnelDataRoundTrip(t *testing.T) {
	payload := []byte("GET / HTTP/1.1\r\n\r\n")
	frame := NewTunnelData("r1-1700000000000-abc1", payload)

	data, err := Encode(frame)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	td := decoded.(*TunnelData)
	assert.Equal(t, "r1-1700000000000-abc1", td.SessionID)

	got, err := td.Payload()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecode_RPCRequestValidation(t *testing.T) {
	data := []byte(`{"type":"rpc","id":"cp1-1-1","path":"hotspot","method":"clients"}`)

	frame, err := Decode(data)
	require.NoError(t, err)

	req := frame.(*RPCRequest)
	assert.Equal(t, "hotspot", req.Path)
	assert.Empty(t, req.ResponseChannel)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"rpc-result without id", `{"type":"rpc-result","result":{}}`},
		{"rpc without path", `{"type":"rpc","id":"x","method":"clients"}`},
		{"rpc without method", `{"type":"rpc","id":"x","path":"hotspot"}`},
		{"tunnel-data without session", `{"type":"tunnel-data","data":"aGk="}`},
		{"tunnel-data bad base64", `{"type":"tunnel-data","sessionId":"s","data":"%%%"}`},
		{"tunnel-started without session", `{"type":"tunnel-started"}`},
		{"name-update without name", `{"type":"name-update"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestDecode_UnknownTypeSentinel(t *testing.T) {
	_, err := Decode([]byte(`{"type":"self-destruct"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestConnected_WireShape(t *testing.T) {
	data, err := Encode(NewConnected("router-7"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "connected", raw["type"])
	assert.Equal(t, "router-7", raw["routerId"])
	assert.NotZero(t, raw["timestamp"])
}

func TestRPCRequest_ResponseChannelOmittedWhenEmpty(t *testing.T) {
	req := &RPCRequest{Type: TypeRPC, ID: "cp1-1-7", Path: "hotspot", Method: "kick"}
	data, err := Encode(req)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "_responseChannel")

	req.ResponseChannel = "router:rpc:response:cp1"
	data, err = Encode(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"_responseChannel":"router:rpc:response:cp1"`)
}

func TestTunnelData_DirTagging(t *testing.T) {
	frame := NewTunnelData("s1", []byte("hi"))
	frame.Dir = DirDown

	data, err := Encode(frame)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"dir":"down"`)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, DirDown, decoded.(*TunnelData).Dir)
}
