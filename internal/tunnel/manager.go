// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel relays bidirectional binary streams between user-facing
// terminal clients and routers, multiplexed over the router's control
// connection. The creating instance is the single authoritative holder of a
// session; frames for routers owned elsewhere travel over the message bus
// with an explicit direction tag.
package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/radfleet/radfleet/internal/bus"
	"github.com/radfleet/radfleet/internal/rpc"
	"github.com/radfleet/radfleet/internal/wire"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("tunnel session not found")

// Config carries tunnel lifecycle settings.
type Config struct {
	IdleTimeout  time.Duration
	ProbeTimeout time.Duration
}

// ClientConn is the user-facing half of a tunnel.
type ClientConn interface {
	WriteBinary(p []byte) error
	Close() error
}

// RouterSender writes frames to routers connected to this instance.
type RouterSender interface {
	IsConnected(routerID string) bool
	Send(routerID string, payload []byte) error
}

// Prober issues the reachability ping before a session opens.
type Prober interface {
	Send(ctx context.Context, routerID, path, method string, args map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// OnlineChecker reports router liveness from the shared store.
type OnlineChecker interface {
	IsOnline(ctx context.Context, routerID string) (bool, error)
}

// Transport is the slice of the message bus the manager uses.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) <-chan bus.Message
}

// Session is one live tunnel.
type Session struct {
	ID        string
	RouterID  string
	UserID    string
	StartedAt time.Time

	client ClientConn

	mu         sync.Mutex
	lastActive time.Time
	closed     bool
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the most recent traffic in either
// direction.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Manager owns this instance's tunnel sessions.
type Manager struct {
	cfg       Config
	local     RouterSender
	prober    Prober
	online    OnlineChecker
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	// remoteSubs holds cancel funcs for per-router bus subscriptions opened
	// for sessions on routers owned by another instance.
	remoteSubs map[string]context.CancelFunc
}

// NewManager builds the tunnel manager.
func NewManager(cfg Config, local RouterSender, prober Prober, online OnlineChecker, transport Transport, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		local:      local,
		prober:     prober,
		online:     online,
		transport:  transport,
		logger:     logger.With("component", "tunnel"),
		sessions:   make(map[string]*Session),
		remoteSubs: make(map[string]context.CancelFunc),
	}
}

// Create opens a tunnel session to an online router. The router must answer
// a probe ping within the probe timeout before the session is admitted.
func (m *Manager) Create(ctx context.Context, routerID, userID string, client ClientConn) (*Session, error) {
	online, err := m.online.IsOnline(ctx, routerID)
	if err != nil {
		return nil, fmt.Errorf("check router liveness: %w", err)
	}
	if !online {
		return nil, fmt.Errorf("router %s: %w", routerID, rpc.ErrRouterOffline)
	}

	if _, err := m.prober.Send(ctx, routerID, "system", "ping", nil, m.cfg.ProbeTimeout); err != nil {
		return nil, fmt.Errorf("router probe failed: %w", err)
	}

	session := &Session{
		ID:         newSessionID(routerID),
		RouterID:   routerID,
		UserID:     userID,
		StartedAt:  time.Now(),
		client:     client,
		lastActive: time.Now(),
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	if !m.local.IsConnected(routerID) {
		m.ensureRemoteSubLocked(routerID)
	}
	m.mu.Unlock()

	start := &wire.TunnelControl{Type: wire.TypeTunnelStart, SessionID: session.ID}
	if err := m.sendToRouter(ctx, routerID, start, wire.DirUp); err != nil {
		m.Close(ctx, session.ID, false)
		return nil, fmt.Errorf("start tunnel: %w", err)
	}

	m.logger.Info("tunnel session created", "session", session.ID, "router", routerID, "user", userID)
	return session, nil
}

// newSessionID builds <router-id>-<unix-ms>-<random>.
func newSessionID(routerID string) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%d-%s", routerID, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// ClientData relays bytes from the user client toward the router.
func (m *Manager) ClientData(ctx context.Context, sessionID string, payload []byte) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	session.touch()

	frame := wire.NewTunnelData(sessionID, payload)
	return m.sendToRouter(ctx, session.RouterID, frame, wire.DirUp)
}

// sendToRouter writes a frame to the router directly when it is connected
// here, otherwise publishes it on the router's tunnel channel tagged with
// the bus direction.
func (m *Manager) sendToRouter(ctx context.Context, routerID string, frame any, dir string) error {
	if m.local.IsConnected(routerID) {
		payload, err := wire.Encode(frame)
		if err != nil {
			return err
		}
		return m.local.Send(routerID, payload)
	}

	tagged, err := tagDirection(frame, dir)
	if err != nil {
		return err
	}
	return m.transport.Publish(ctx, bus.TunnelChannel(routerID), tagged)
}

func tagDirection(frame any, dir string) ([]byte, error) {
	switch f := frame.(type) {
	case *wire.TunnelData:
		tagged := *f
		tagged.Dir = dir
		return wire.Encode(&tagged)
	case *wire.TunnelControl:
		return wire.Encode(struct {
			*wire.TunnelControl
			Dir string `json:"dir"`
		}{f, dir})
	default:
		return nil, fmt.Errorf("cannot tag frame type %T", frame)
	}
}

// HandleRouterData relays a tunnel-data frame received from a router on this
// instance: to the local client when the session lives here, otherwise back
// over the bus for the session's owning instance.
func (m *Manager) HandleRouterData(ctx context.Context, routerID string, frame *wire.TunnelData) {
	m.mu.Lock()
	session, local := m.sessions[frame.SessionID]
	m.mu.Unlock()

	if local {
		m.writeToClient(session, frame)
		return
	}

	tagged := *frame
	tagged.Dir = wire.DirDown
	payload, err := wire.Encode(&tagged)
	if err != nil {
		m.logger.Warn("failed to encode tunnel frame", "session", frame.SessionID, "error", err)
		return
	}
	if err := m.transport.Publish(ctx, bus.TunnelChannel(routerID), payload); err != nil {
		m.logger.Warn("failed to relay tunnel frame", "session", frame.SessionID, "error", err)
	}
}

func (m *Manager) writeToClient(session *Session, frame *wire.TunnelData) {
	payload, err := frame.Payload()
	if err != nil {
		m.logger.Warn("invalid tunnel payload", "session", session.ID, "error", err)
		return
	}
	session.touch()
	if err := session.client.WriteBinary(payload); err != nil {
		m.logger.Info("client write failed, closing tunnel", "session", session.ID, "error", err)
		m.Close(context.Background(), session.ID, true)
	}
}

// ServeRouter consumes the router's tunnel channel until ctx ends. The
// gateway starts one per locally connected router; the manager starts one
// itself for remote routers it holds sessions on.
func (m *Manager) ServeRouter(ctx context.Context, routerID string) {
	msgs := m.transport.Subscribe(ctx, bus.TunnelChannel(routerID))
	for msg := range msgs {
		m.handleBusFrame(ctx, routerID, msg.Payload)
	}
}

func (m *Manager) handleBusFrame(ctx context.Context, routerID string, payload []byte) {
	var head struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		Dir       string `json:"dir"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.SessionID == "" {
		m.logger.Warn("invalid tunnel bus envelope", "router", routerID, "error", err)
		return
	}

	switch {
	case head.Dir == wire.DirUp && m.local.IsConnected(routerID):
		// Strip the bus tag and forward to the router verbatim.
		var frame wire.TunnelData
		if head.Type == wire.TypeTunnelData {
			if err := json.Unmarshal(payload, &frame); err != nil {
				return
			}
			frame.Dir = ""
			out, err := wire.Encode(&frame)
			if err != nil {
				return
			}
			if err := m.local.Send(routerID, out); err != nil {
				m.logger.Warn("failed to forward tunnel frame to router", "session", head.SessionID, "error", err)
			}
			return
		}
		control := &wire.TunnelControl{Type: head.Type, SessionID: head.SessionID}
		out, err := wire.Encode(control)
		if err != nil {
			return
		}
		if err := m.local.Send(routerID, out); err != nil {
			m.logger.Warn("failed to forward tunnel control to router", "session", head.SessionID, "error", err)
		}

	case head.Dir == wire.DirDown && head.Type == wire.TypeTunnelData:
		m.mu.Lock()
		session, ok := m.sessions[head.SessionID]
		m.mu.Unlock()
		if !ok {
			return
		}
		var frame wire.TunnelData
		if err := json.Unmarshal(payload, &frame); err != nil {
			return
		}
		m.writeToClient(session, &frame)
	}
}

// ensureRemoteSubLocked opens the per-router bus subscription for sessions
// held here on routers owned elsewhere. Caller holds m.mu.
func (m *Manager) ensureRemoteSubLocked(routerID string) {
	if _, ok := m.remoteSubs[routerID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.remoteSubs[routerID] = cancel
	go m.ServeRouter(ctx, routerID)
}

// Close tears down a session. Idempotent; when notifyRouter is set a
// tunnel-stop frame is delivered to the router.
func (m *Manager) Close(ctx context.Context, sessionID string, notifyRouter bool) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		m.pruneRemoteSubLocked(session.RouterID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	session.mu.Lock()
	alreadyClosed := session.closed
	session.closed = true
	session.mu.Unlock()
	if alreadyClosed {
		return
	}

	_ = session.client.Close()

	if notifyRouter {
		stop := &wire.TunnelControl{Type: wire.TypeTunnelStop, SessionID: sessionID}
		if err := m.sendToRouter(ctx, session.RouterID, stop, wire.DirUp); err != nil {
			m.logger.Debug("failed to notify router of tunnel stop", "session", sessionID, "error", err)
		}
	}
	m.logger.Info("tunnel session closed", "session", sessionID, "router", session.RouterID)
}

// pruneRemoteSubLocked cancels the router's bus subscription once no session
// here references it. Caller holds m.mu.
func (m *Manager) pruneRemoteSubLocked(routerID string) {
	for _, s := range m.sessions {
		if s.RouterID == routerID {
			return
		}
	}
	if cancel, ok := m.remoteSubs[routerID]; ok {
		cancel()
		delete(m.remoteSubs, routerID)
	}
}

// CloseForRouter closes every session on the router. Called from the
// connection teardown path; the router is gone, so it is not notified.
func (m *Manager) CloseForRouter(routerID string) {
	m.mu.Lock()
	var ids []string
	for id, s := range m.sessions {
		if s.RouterID == routerID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(context.Background(), id, false)
	}
}

// Count returns the number of live sessions on this instance.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run reaps idle sessions until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle(ctx)
		}
	}
}

func (m *Manager) reapIdle(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.logger.Info("closing idle tunnel session", "session", id)
		m.Close(ctx, id, true)
	}
}
