// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the framed JSON protocol spoken between the control
// plane and router edge agents, plus the envelopes relayed between
// control-plane instances over the message bus. Every frame carries a type
// tag; incoming frames are decoded strictly per type and validated before
// dispatch.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame types sent by routers.
const (
	TypeMetrics       = "metrics"
	TypeRPCResult     = "rpc-result"
	TypeTunnelData    = "tunnel-data"
	TypeTunnelStarted = "tunnel-started"
	TypeTunnelError   = "tunnel-error"
	TypeNameUpdate    = "name-update"
)

// Frame types sent to routers.
const (
	TypeConnected   = "connected"
	TypeRPC         = "rpc"
	TypeTunnelStart = "tunnel-start"
	TypeTunnelStop  = "tunnel-stop"
)

// ErrUnknownType marks a frame whose type tag is not part of the protocol.
var ErrUnknownType = errors.New("unknown frame type")

// Connected is sent once to a router after successful registration.
type Connected struct {
	Type      string `json:"type"`
	RouterID  string `json:"routerId"`
	Timestamp int64  `json:"timestamp"`
}

// NewConnected builds the registration acknowledgement frame.
func NewConnected(routerID string) *Connected {
	return &Connected{
		Type:      TypeConnected,
		RouterID:  routerID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// RPCRequest is a command sent to a router. ResponseChannel is set only when
// the request travels over the message bus; the owning instance strips it
// before forwarding to the router and publishes the result there.
type RPCRequest struct {
	Type            string         `json:"type"`
	ID              string         `json:"id"`
	Path            string         `json:"path"`
	Method          string         `json:"method"`
	Args            map[string]any `json:"args,omitempty"`
	ResponseChannel string         `json:"_responseChannel,omitempty"`
}

// Validate checks the fields required to route and correlate the request.
func (r *RPCRequest) Validate() error {
	if r.ID == "" {
		return errors.New("rpc request missing id")
	}
	if r.Path == "" {
		return errors.New("rpc request missing path")
	}
	if r.Method == "" {
		return errors.New("rpc request missing method")
	}
	return nil
}

// RPCResult is a router's answer to an RPCRequest. Either Result or Error is
// set; Status mirrors the router firmware's envelope and "error" marks a
// remote failure even when Error is empty.
type RPCResult struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// IsError reports whether the router signalled failure.
func (r *RPCResult) IsError() bool {
	return len(r.Error) > 0 || r.Status == "error" || r.Type == "error"
}

// TunnelData carries one chunk of a tunnel session in either direction.
// Dir is set only on bus envelopes: "up" flows toward the router, "down"
// toward the user client.
type TunnelData struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Dir       string `json:"dir,omitempty"`
}

// Tunnel bus directions.
const (
	DirUp   = "up"
	DirDown = "down"
)

// NewTunnelData encodes raw bytes into a tunnel frame.
func NewTunnelData(sessionID string, payload []byte) *TunnelData {
	return &TunnelData{
		Type:      TypeTunnelData,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(payload),
	}
}

// Payload decodes the base64 chunk.
func (t *TunnelData) Payload() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(t.Data)
	if err != nil {
		return nil, fmt.Errorf("decode tunnel data: %w", err)
	}
	return b, nil
}

// TunnelControl covers tunnel-start, tunnel-stop, tunnel-started and
// tunnel-error frames, which differ only in type tag and the optional error.
type TunnelControl struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
}

// NameUpdate is the router's self-reported display name.
type NameUpdate struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Metrics is a periodic stats report. The core treats it purely as a
// liveness signal and ignores the payload.
type Metrics struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// head is the tag peeked at before the strict per-type decode.
type head struct {
	Type string `json:"type"`
}

// Decode parses an inbound frame into its typed representation. The caller
// switches on the returned concrete type. Unknown types return
// ErrUnknownType so the pump can log and drop them.
func Decode(data []byte) (any, error) {
	var h head
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode frame head: %w", err)
	}

	switch h.Type {
	case TypeMetrics:
		var f Metrics
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode metrics frame: %w", err)
		}
		return &f, nil

	case TypeRPCResult:
		var f RPCResult
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode rpc-result frame: %w", err)
		}
		if f.ID == "" {
			return nil, errors.New("rpc-result frame missing id")
		}
		return &f, nil

	case TypeRPC:
		var f RPCRequest
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode rpc frame: %w", err)
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		return &f, nil

	case TypeTunnelData:
		var f TunnelData
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode tunnel-data frame: %w", err)
		}
		if f.SessionID == "" {
			return nil, errors.New("tunnel-data frame missing sessionId")
		}
		if _, err := f.Payload(); err != nil {
			return nil, err
		}
		return &f, nil

	case TypeTunnelStarted, TypeTunnelError, TypeTunnelStart, TypeTunnelStop:
		var f TunnelControl
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode tunnel control frame: %w", err)
		}
		if f.SessionID == "" {
			return nil, fmt.Errorf("%s frame missing sessionId", h.Type)
		}
		return &f, nil

	case TypeNameUpdate:
		var f NameUpdate
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode name-update frame: %w", err)
		}
		if f.Name == "" {
			return nil, errors.New("name-update frame missing name")
		}
		return &f, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
}

// Encode marshals any frame for the wire.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
