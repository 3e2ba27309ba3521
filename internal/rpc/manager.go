// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc correlates commands sent to routers with their responses. Each
// in-flight command lives in a per-instance pending table keyed by a
// cluster-unique command id; responses resolve the entry exactly once, and a
// deadline or connection loss fails it. Commands for routers owned by
// another instance travel over the message bus.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/radfleet/radfleet/internal/bus"
	"github.com/radfleet/radfleet/internal/wire"
)

// Locator resolves which instance owns a router's connection.
type Locator interface {
	Locate(ctx context.Context, routerID string) (string, bool, error)
}

// LocalSender writes a frame to a router connected to this instance.
type LocalSender interface {
	IsConnected(routerID string) bool
	Send(routerID string, payload []byte) error
}

// Transport is the slice of the message bus the manager uses.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) <-chan bus.Message
}

// outcome is the one-shot resolution of a pending command.
type outcome struct {
	result *wire.RPCResult
	err    error
}

type pendingCommand struct {
	routerID string
	ch       chan outcome
}

// Manager owns the pending-command table for this instance.
type Manager struct {
	instanceID string
	locator    Locator
	local      LocalSender
	transport  Transport
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand
	// routes maps command ids received over the bus to the response channel
	// their result must be published on.
	routes map[string]string

	counter atomic.Uint64

	// OnTimeout observes commands that hit their deadline. May be nil.
	OnTimeout func()

	// DefaultTimeout bounds Send calls that pass no timeout of their own.
	// Zero falls back to a built-in 30s.
	DefaultTimeout time.Duration
}

const fallbackTimeout = 30 * time.Second

// NewManager builds the command manager for one instance.
func NewManager(instanceID string, locator Locator, local LocalSender, transport Transport, logger *slog.Logger) *Manager {
	return &Manager{
		instanceID: instanceID,
		locator:    locator,
		local:      local,
		transport:  transport,
		logger:     logger.With("component", "rpc"),
		pending:    make(map[string]*pendingCommand),
		routes:     make(map[string]string),
	}
}

// nextID generates a command id unique across the cluster:
// <instance>-<unix-ms>-<counter>.
func (m *Manager) nextID() string {
	return fmt.Sprintf("%s-%d-%d", m.instanceID, time.Now().UnixMilli(), m.counter.Add(1))
}

// Inflight returns the size of the pending table.
func (m *Manager) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Send issues a command to a router and waits for the result or the timeout.
// A non-positive timeout uses the manager's DefaultTimeout. The error is one
// of ErrRouterOffline, ErrTimeout, ErrConnectionLost, a *RemoteError, or a
// transport failure.
func (m *Manager) Send(ctx context.Context, routerID, path, method string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = m.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = fallbackTimeout
	}

	_, located, err := m.locator.Locate(ctx, routerID)
	if err != nil {
		return nil, fmt.Errorf("locate router %s: %w", routerID, err)
	}
	if !located && !m.local.IsConnected(routerID) {
		return nil, fmt.Errorf("router %s: %w", routerID, ErrRouterOffline)
	}

	id := m.nextID()
	cmd := &pendingCommand{routerID: routerID, ch: make(chan outcome, 1)}
	m.mu.Lock()
	m.pending[id] = cmd
	m.mu.Unlock()

	req := &wire.RPCRequest{
		Type:   wire.TypeRPC,
		ID:     id,
		Path:   path,
		Method: method,
		Args:   args,
	}

	if err := m.dispatch(ctx, routerID, req); err != nil {
		m.remove(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-cmd.ch:
		if out.err != nil {
			return nil, out.err
		}
		return resolveResult(id, out.result)
	case <-timer.C:
		m.remove(id)
		if m.OnTimeout != nil {
			m.OnTimeout()
		}
		return nil, fmt.Errorf("command %s to router %s: %w", id, routerID, ErrTimeout)
	case <-ctx.Done():
		m.remove(id)
		return nil, ctx.Err()
	}
}

// dispatch writes the request locally when this instance owns the router,
// otherwise publishes it on the router's RPC channel with the response
// channel attached.
func (m *Manager) dispatch(ctx context.Context, routerID string, req *wire.RPCRequest) error {
	if m.local.IsConnected(routerID) {
		payload, err := wire.Encode(req)
		if err != nil {
			return err
		}
		if err := m.local.Send(routerID, payload); err != nil {
			return fmt.Errorf("send to router %s: %w", routerID, err)
		}
		return nil
	}

	remote := *req
	remote.ResponseChannel = bus.RPCResponseChannel(m.instanceID)
	payload, err := wire.Encode(&remote)
	if err != nil {
		return err
	}
	if err := m.transport.Publish(ctx, bus.RPCChannel(routerID), payload); err != nil {
		return fmt.Errorf("publish rpc for router %s: %w", routerID, err)
	}
	return nil
}

func resolveResult(id string, res *wire.RPCResult) (json.RawMessage, error) {
	if res.IsError() {
		detail := res.Error
		if len(detail) == 0 {
			detail, _ = json.Marshal(res)
		}
		return nil, &RemoteError{CommandID: id, Detail: detail}
	}
	if len(res.Result) > 0 {
		return res.Result, nil
	}
	whole, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return whole, nil
}

// remove deletes a pending entry by id. Compare-and-remove: only the first
// caller for an id observes it.
func (m *Manager) remove(id string) (*pendingCommand, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	return cmd, ok
}

// HandleResponse resolves a router's result. Responses for commands sent by
// this instance complete the pending entry; responses for commands that
// arrived over the bus are published back to the originating instance. Late
// or unknown responses are discarded.
func (m *Manager) HandleResponse(ctx context.Context, res *wire.RPCResult) {
	if cmd, ok := m.remove(res.ID); ok {
		cmd.ch <- outcome{result: res}
		return
	}

	m.mu.Lock()
	channel, routed := m.routes[res.ID]
	if routed {
		delete(m.routes, res.ID)
	}
	m.mu.Unlock()

	if !routed {
		m.logger.Debug("discarding response for unknown command", "id", res.ID)
		return
	}

	payload, err := wire.Encode(res)
	if err != nil {
		m.logger.Warn("failed to encode routed response", "id", res.ID, "error", err)
		return
	}
	if err := m.transport.Publish(ctx, channel, payload); err != nil {
		m.logger.Warn("failed to publish routed response", "id", res.ID, "channel", channel, "error", err)
	}
}

// FailRouter fails every pending command for the router with
// ErrConnectionLost and drops its bus routes. Called synchronously from the
// connection teardown path.
func (m *Manager) FailRouter(routerID string) {
	m.mu.Lock()
	var failed []*pendingCommand
	for id, cmd := range m.pending {
		if cmd.routerID == routerID {
			delete(m.pending, id)
			failed = append(failed, cmd)
		}
	}
	m.mu.Unlock()

	for _, cmd := range failed {
		cmd.ch <- outcome{err: fmt.Errorf("router %s: %w", routerID, ErrConnectionLost)}
	}
	if len(failed) > 0 {
		m.logger.Info("failed pending commands on disconnect", "router", routerID, "count", len(failed))
	}
}

// Run consumes this instance's response channel until ctx ends. Instances
// that forwarded a command over the bus publish the router's result here.
func (m *Manager) Run(ctx context.Context) {
	msgs := m.transport.Subscribe(ctx, bus.RPCResponseChannel(m.instanceID))
	for msg := range msgs {
		var res wire.RPCResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil || res.ID == "" {
			m.logger.Warn("invalid bus response envelope", "channel", msg.Channel, "error", err)
			continue
		}
		m.HandleResponse(ctx, &res)
	}
}

// ServeRouter forwards bus-published commands to a locally connected router
// until ctx ends. The gateway starts one per registration and cancels it on
// disconnect.
func (m *Manager) ServeRouter(ctx context.Context, routerID string) {
	msgs := m.transport.Subscribe(ctx, bus.RPCChannel(routerID))
	for msg := range msgs {
		var req wire.RPCRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			m.logger.Warn("invalid bus rpc envelope", "router", routerID, "error", err)
			continue
		}
		if err := req.Validate(); err != nil {
			m.logger.Warn("invalid bus rpc envelope", "router", routerID, "error", err)
			continue
		}
		// Commands this instance itself published resolve through the
		// pending table, not a bus route.
		m.mu.Lock()
		_, mine := m.pending[req.ID]
		if !mine && req.ResponseChannel != "" {
			m.routes[req.ID] = req.ResponseChannel
		}
		m.mu.Unlock()
		if mine {
			continue
		}

		forward := req
		forward.ResponseChannel = ""
		payload, err := wire.Encode(&forward)
		if err != nil {
			m.logger.Warn("failed to encode forwarded rpc", "router", routerID, "error", err)
			continue
		}
		if err := m.local.Send(routerID, payload); err != nil {
			m.logger.Warn("failed to forward rpc to router", "router", routerID, "id", req.ID, "error", err)
			m.mu.Lock()
			delete(m.routes, req.ID)
			m.mu.Unlock()
		}
	}
}
