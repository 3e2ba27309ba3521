// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the inbound router endpoint: it accepts long-lived
// WebSocket connections from edge routers, authenticates them against the
// durable store, claims them in the cluster registry and pumps their frames
// into the RPC and tunnel layers. One read pump, one ping loop and one
// registry-renewal loop run per connection.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/radfleet/radfleet/internal/cluster"
	"github.com/radfleet/radfleet/internal/rpc"
	"github.com/radfleet/radfleet/internal/store"
	"github.com/radfleet/radfleet/internal/wire"
)

// Config carries the liveness settings for router connections.
type Config struct {
	PingInterval          time.Duration
	PongTimeout           time.Duration
	LivenessWriteInterval time.Duration
}

// TunnelRelay is the slice of the tunnel manager the endpoint feeds.
type TunnelRelay interface {
	HandleRouterData(ctx context.Context, routerID string, frame *wire.TunnelData)
	ServeRouter(ctx context.Context, routerID string)
	CloseForRouter(routerID string)
}

// Endpoint accepts and runs router connections.
type Endpoint struct {
	cfg      Config
	conns    *Connections
	cluster  *cluster.Client
	routers  *store.RouterRepo
	commands *rpc.Manager
	tunnels  TunnelRelay
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// OnRegister runs after a successful registration, off the connection
	// goroutine. Wired to the reconciliation sweep and the disconnect retry
	// enqueue.
	OnRegister func(routerID string)
	// OnDisconnect runs after a connection's cleanup completes.
	OnDisconnect func(routerID string)
}

// New builds the endpoint.
func New(cfg Config, conns *Connections, cl *cluster.Client, routers *store.RouterRepo, commands *rpc.Manager, tunnels TunnelRelay, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		cfg:      cfg,
		conns:    conns,
		cluster:  cl,
		routers:  routers,
		commands: commands,
		tunnels:  tunnels,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "gateway"),
	}
}

// ServeWS is the HTTP handler routers dial. Query parameters: routerId,
// token.
func (e *Endpoint) ServeWS(w http.ResponseWriter, r *http.Request) {
	routerID := r.URL.Query().Get("routerId")
	token := r.URL.Query().Get("token")
	if routerID == "" || token == "" {
		http.Error(w, "missing routerId or token parameter", http.StatusBadRequest)
		return
	}

	clientAddr := clientHost(r)

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("failed to upgrade connection", "router", routerID, "error", err)
		return
	}

	conn := &Conn{RouterID: routerID, ConnectedAt: time.Now(), ws: ws}

	router, err := e.authenticate(r.Context(), routerID, token)
	if err != nil {
		var policyErr *policyError
		if errors.As(err, &policyErr) {
			e.logger.Warn("router rejected", "router", routerID, "addr", clientAddr, "reason", policyErr.reason)
			conn.closeWith(websocket.ClosePolicyViolation, policyErr.reason)
		} else {
			e.logger.Error("router setup failed", "router", routerID, "error", err)
			conn.closeWith(websocket.CloseInternalServerErr, "setup failed")
		}
		return
	}

	if err := e.setup(r.Context(), router, clientAddr); err != nil {
		e.logger.Error("router setup failed", "router", routerID, "error", err)
		conn.closeWith(websocket.CloseInternalServerErr, "setup failed")
		return
	}

	e.run(conn)
}

// policyError marks an authentication or authorization rejection.
type policyError struct {
	reason string
}

func (e *policyError) Error() string { return e.reason }

// authenticate loads the router and checks its token.
func (e *Endpoint) authenticate(ctx context.Context, routerID, token string) (*store.Router, error) {
	router, err := e.routers.Get(ctx, routerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &policyError{reason: "unknown router"}
		}
		return nil, fmt.Errorf("load router: %w", err)
	}
	if router.Token == "" || router.Token != token {
		return nil, &policyError{reason: "invalid token"}
	}
	return router, nil
}

// setup synthesizes a missing RADIUS secret and atomically rebinds the
// router's address and NAS entry when the address changed. Failure rejects
// the connection.
func (e *Endpoint) setup(ctx context.Context, router *store.Router, clientAddr string) error {
	if router.RadiusSecret == "" {
		secret, err := generateSecret()
		if err != nil {
			return fmt.Errorf("generate radius secret: %w", err)
		}
		wrote, err := e.routers.SetSecretIfAbsent(ctx, router.ID, secret)
		if err != nil {
			return err
		}
		if wrote {
			router.RadiusSecret = secret
		} else {
			fresh, err := e.routers.Get(ctx, router.ID)
			if err != nil {
				return fmt.Errorf("reload router after secret race: %w", err)
			}
			router.RadiusSecret = fresh.RadiusSecret
		}
	}

	if clientAddr != "" && clientAddr != router.Address {
		if err := e.routers.RebindAddress(ctx, router.ID, clientAddr, router.RadiusSecret); err != nil {
			return err
		}
		router.Address = clientAddr
	}
	return nil
}

// run registers the connection and blocks on its read pump until the
// connection dies, then tears everything down.
func (e *Endpoint) run(conn *Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	routerID := conn.RouterID

	if old := e.conns.Register(conn); old != nil {
		old.closeWith(websocket.CloseGoingAway, "replaced by new connection")
	}

	if err := e.cluster.Register(ctx, routerID); err != nil {
		e.logger.Error("failed to claim router in registry", "router", routerID, "error", err)
		e.conns.Unregister(conn)
		cancel()
		conn.closeWith(websocket.CloseInternalServerErr, "registry unavailable")
		return
	}
	conn.touchPong(time.Now())
	if err := e.cluster.Heartbeat(ctx, routerID); err != nil {
		e.logger.Warn("initial heartbeat write failed", "router", routerID, "error", err)
	}
	if err := e.routers.TouchLastSeen(ctx, routerID, time.Now()); err != nil {
		e.logger.Warn("durable liveness write failed", "router", routerID, "error", err)
	}

	if payload, err := wire.Encode(wire.NewConnected(routerID)); err == nil {
		if err := conn.Send(payload); err != nil {
			e.logger.Warn("failed to send connected frame", "router", routerID, "error", err)
		}
	}

	go e.renewLoop(ctx, conn)
	go e.pingLoop(ctx, conn)
	go e.commands.ServeRouter(ctx, routerID)
	go e.tunnels.ServeRouter(ctx, routerID)

	if e.OnRegister != nil {
		go e.OnRegister(routerID)
	}

	e.logger.Info("router connected", "router", routerID)
	e.readPump(ctx, conn)
	e.teardown(conn)
}

// renewLoop refreshes the connection-registry fact every half TTL.
func (e *Endpoint) renewLoop(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(cluster.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.cluster.Renew(ctx, conn.RouterID); err != nil && ctx.Err() == nil {
				e.logger.Warn("registry renewal failed", "router", conn.RouterID, "error", err)
			}
		}
	}
}

// pingLoop sends control pings and closes the connection when no pong or
// frame arrived inside the pong timeout.
func (e *Endpoint) pingLoop(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(conn.LastPong()) > e.cfg.PongTimeout {
				e.logger.Warn("router missed pong window, closing", "router", conn.RouterID)
				conn.closeWith(websocket.CloseGoingAway, "liveness timeout")
				return
			}
			if err := conn.ping(time.Now().Add(10 * time.Second)); err != nil {
				e.logger.Debug("ping failed", "router", conn.RouterID, "error", err)
				return
			}
		}
	}
}

// readPump consumes frames until the connection errors. Any frame or pong
// refreshes the heartbeat fact; durable liveness writes are rate-limited to
// the configured interval.
func (e *Endpoint) readPump(ctx context.Context, conn *Conn) {
	routerID := conn.RouterID
	lastDurableWrite := time.Now()

	_ = conn.ws.SetReadDeadline(time.Now().Add(e.cfg.PongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(e.cfg.PongTimeout))
		conn.touchPong(time.Now())
		if err := e.cluster.Heartbeat(ctx, routerID); err != nil {
			e.logger.Debug("heartbeat refresh failed", "router", routerID, "error", err)
		}
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Warn("router connection error", "router", routerID, "error", err)
			} else {
				e.logger.Info("router disconnected", "router", routerID)
			}
			return
		}

		_ = conn.ws.SetReadDeadline(time.Now().Add(e.cfg.PongTimeout))
		conn.touchPong(time.Now())
		if err := e.cluster.Heartbeat(ctx, routerID); err != nil {
			e.logger.Debug("heartbeat refresh failed", "router", routerID, "error", err)
		}
		if time.Since(lastDurableWrite) >= e.cfg.LivenessWriteInterval {
			lastDurableWrite = time.Now()
			if err := e.routers.TouchLastSeen(ctx, routerID, lastDurableWrite); err != nil {
				e.logger.Warn("durable liveness write failed", "router", routerID, "error", err)
			}
		}

		e.dispatch(ctx, routerID, data)
	}
}

// dispatch decodes one frame and hands it to its consumer. Decode failures
// and unknown types are logged and dropped; the connection stays up.
func (e *Endpoint) dispatch(ctx context.Context, routerID string, data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		e.logger.Warn("dropping invalid frame", "router", routerID, "error", err)
		return
	}

	switch f := frame.(type) {
	case *wire.Metrics:
		// Liveness only; payload ignored.
	case *wire.RPCResult:
		e.commands.HandleResponse(ctx, f)
	case *wire.TunnelData:
		e.tunnels.HandleRouterData(ctx, routerID, f)
	case *wire.TunnelControl:
		if f.Type == wire.TypeTunnelError {
			e.logger.Warn("tunnel error reported by router",
				"router", routerID, "session", f.SessionID, "error", f.Error)
		} else {
			e.logger.Debug("tunnel control frame",
				"router", routerID, "type", f.Type, "session", f.SessionID)
		}
	case *wire.NameUpdate:
		if err := e.routers.UpdateName(ctx, routerID, f.Name); err != nil {
			e.logger.Warn("failed to update router name", "router", routerID, "error", err)
		}
	default:
		e.logger.Warn("dropping unhandled frame", "router", routerID, "type", fmt.Sprintf("%T", f))
	}
}

// teardown clears every trace of the connection: registry fact, heartbeat,
// pending commands, tunnels, durable status. Skipped when a newer connection
// already replaced this one, except for the parts scoped to this socket.
func (e *Endpoint) teardown(conn *Conn) {
	routerID := conn.RouterID
	conn.cancel()
	_ = conn.ws.Close()

	current := e.conns.Unregister(conn)
	e.commands.FailRouter(routerID)
	e.tunnels.CloseForRouter(routerID)

	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.cluster.Unregister(ctx, routerID); err != nil {
		e.logger.Warn("failed to remove registry fact", "router", routerID, "error", err)
	}
	if err := e.cluster.ClearHeartbeat(ctx, routerID); err != nil {
		e.logger.Warn("failed to clear heartbeat", "router", routerID, "error", err)
	}
	if err := e.routers.UpdateStatus(ctx, routerID, store.RouterStatusOffline); err != nil {
		e.logger.Warn("failed to mark router offline", "router", routerID, "error", err)
	}

	if e.OnDisconnect != nil {
		go e.OnDisconnect(routerID)
	}
	e.logger.Info("router connection cleaned up", "router", routerID)
}

// clientHost extracts the peer address, preferring the standard proxy header.
func clientHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// generateSecret returns a 32-hex-char cryptographically random secret.
func generateSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
