// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned when sending to a router this instance does
// not hold a connection for.
var ErrNotConnected = errors.New("router not connected to this instance")

// Conn is one live router connection. Writes are serialized through the
// connection's mutex; the read pump is the only reader.
type Conn struct {
	RouterID    string
	ConnectedAt time.Time

	ws     *websocket.Conn
	cancel func()

	writeMu sync.Mutex

	mu       sync.Mutex
	lastPong time.Time
}

// Send writes one text frame to the router.
func (c *Conn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// ping sends a control ping frame.
func (c *Conn) ping(deadline time.Time) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// closeWith sends a close frame with the given code and closes the socket.
func (c *Conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

func (c *Conn) touchPong(at time.Time) {
	c.mu.Lock()
	c.lastPong = at
	c.mu.Unlock()
}

// LastPong returns the time of the most recent pong or inbound frame.
func (c *Conn) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Connections is the local half of the connection registry: router id to
// open connection on this instance. A new connection for the same router
// replaces and closes the previous one.
type Connections struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	logger *slog.Logger
}

// NewConnections creates an empty local connection table.
func NewConnections(logger *slog.Logger) *Connections {
	return &Connections{
		conns:  make(map[string]*Conn),
		logger: logger.With("component", "connections"),
	}
}

// Register stores the connection, returning the replaced one if the router
// was already connected here.
func (cs *Connections) Register(conn *Conn) *Conn {
	cs.mu.Lock()
	old := cs.conns[conn.RouterID]
	cs.conns[conn.RouterID] = conn
	total := len(cs.conns)
	cs.mu.Unlock()

	cs.logger.Info("router connection registered",
		"router", conn.RouterID, "replaced", old != nil, "total", total)
	return old
}

// Unregister removes the connection only if it is still the current one for
// its router. Returns false when a newer connection already replaced it.
func (cs *Connections) Unregister(conn *Conn) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.conns[conn.RouterID] != conn {
		return false
	}
	delete(cs.conns, conn.RouterID)
	return true
}

// Get returns the router's live connection, if any.
func (cs *Connections) Get(routerID string) (*Conn, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	conn, ok := cs.conns[routerID]
	return conn, ok
}

// IsConnected reports whether this instance holds the router's connection.
func (cs *Connections) IsConnected(routerID string) bool {
	_, ok := cs.Get(routerID)
	return ok
}

// Send writes a frame to a locally connected router.
func (cs *Connections) Send(routerID string, payload []byte) error {
	conn, ok := cs.Get(routerID)
	if !ok {
		return ErrNotConnected
	}
	return conn.Send(payload)
}

// Count returns the number of open router connections on this instance.
func (cs *Connections) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.conns)
}

// CloseAll closes every connection. Used during shutdown drain; each read
// pump runs its own cleanup as its connection dies.
func (cs *Connections) CloseAll() {
	cs.mu.RLock()
	conns := make([]*Conn, 0, len(cs.conns))
	for _, c := range cs.conns {
		conns = append(conns, c)
	}
	cs.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
