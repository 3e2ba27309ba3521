// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for the command error taxonomy. Callers test with
// errors.Is; RemoteError additionally carries the router's payload.
var (
	// ErrRouterOffline means no instance holds a connection for the router.
	ErrRouterOffline = errors.New("router offline")
	// ErrTimeout means the command deadline fired before a response arrived.
	ErrTimeout = errors.New("command timeout")
	// ErrConnectionLost means the router's connection closed while the
	// command was in flight.
	ErrConnectionLost = errors.New("connection lost")
)

// RemoteError wraps a structured error returned by the router. The detail is
// forwarded verbatim.
type RemoteError struct {
	CommandID string
	Detail    json.RawMessage
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if len(e.Detail) == 0 {
		return fmt.Sprintf("remote error for command %s", e.CommandID)
	}
	return fmt.Sprintf("remote error for command %s: %s", e.CommandID, string(e.Detail))
}
