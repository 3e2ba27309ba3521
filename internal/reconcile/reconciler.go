// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile closes the drift between durable accounting sessions and
// the clients a router actually has connected. It runs per router after a
// reconnect and fleet-wide on a schedule; both paths are idempotent and
// absorb per-router failures.
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/radfleet/radfleet/internal/metrics"
	"github.com/radfleet/radfleet/internal/store"
)

// Invoker issues RPC commands to routers.
type Invoker interface {
	Send(ctx context.Context, routerID, path, method string, args map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// Fleet lists routers with a live heartbeat for the scheduled sweep.
type Fleet interface {
	OnlineRouters(ctx context.Context) ([]string, error)
}

// Config carries sweep settings.
type Config struct {
	SweepInterval time.Duration
	JitterMax     time.Duration
}

// Result summarizes one per-router reconciliation.
type Result struct {
	SessionsChecked int
	Kicked          int
	Closed          int
	Errors          int
}

// Reconciler compares durable session state with live router client lists
// and terminates sessions that should not exist.
type Reconciler struct {
	cfg      Config
	sessions *store.SessionRepo
	users    *store.UserRepo
	invoker  Invoker
	fleet    Fleet
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New builds the reconciler.
func New(cfg Config, st *store.Store, invoker Invoker, fleet Fleet, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		sessions: st.Sessions,
		users:    st.Users,
		invoker:  invoker,
		fleet:    fleet,
		metrics:  m,
		logger:   logger.With("component", "reconciler"),
	}
}

// routerClient is one entry of the router's live client list.
type routerClient struct {
	MAC string `json:"mac"`
}

// ReconcileRouter runs the per-router pass: fetch the live client list, mark
// durable sessions whose user must be disabled or whose MAC is gone, kick
// the drifted clients and force-close their sessions. RPC failures are
// counted, never fatal.
func (r *Reconciler) ReconcileRouter(ctx context.Context, routerID string) Result {
	var res Result

	durable, err := r.sessions.ActiveByRouter(ctx, routerID)
	if err != nil {
		r.logger.Error("failed to load sessions for reconciliation", "router", routerID, "error", err)
		res.Errors++
		return res
	}
	res.SessionsChecked = len(durable)
	if len(durable) == 0 {
		return res
	}

	// A zero timeout defers to the command manager's configured default.
	raw, err := r.invoker.Send(ctx, routerID, "hotspot", "clients", nil, 0)
	if err != nil {
		r.logger.Warn("live client list unavailable, skipping router", "router", routerID, "error", err)
		res.Errors++
		return res
	}
	var clients []routerClient
	if err := json.Unmarshal(raw, &clients); err != nil {
		r.logger.Warn("unparseable client list", "router", routerID, "error", err)
		res.Errors++
		return res
	}

	live := make(map[string]struct{}, len(clients))
	for _, c := range clients {
		if mac := NormalizeMAC(c.MAC); mac != "" {
			live[mac] = struct{}{}
		}
	}

	for i := range durable {
		sess := &durable[i]
		mac := NormalizeMAC(sess.CallingStationID)

		disable, err := r.users.ShouldDisable(ctx, sess.Username)
		if err != nil {
			r.logger.Warn("disable predicate failed", "user", sess.Username, "error", err)
			res.Errors++
			continue
		}
		_, present := live[mac]
		if !disable && present {
			continue
		}

		if present {
			if _, err := r.invoker.Send(ctx, routerID, "hotspot", "kick",
				map[string]any{"mac": mac}, 0); err != nil {
				r.logger.Warn("kick failed", "router", routerID, "mac", mac, "error", err)
				res.Errors++
			} else {
				res.Kicked++
			}
		}

		if err := r.sessions.ForceClose(ctx, sess.ID, store.TerminateCauseAdminReset); err != nil {
			r.logger.Error("failed to force-close session", "session", sess.ID, "error", err)
			res.Errors++
			continue
		}
		res.Closed++
	}

	r.metrics.ObserveSessionTerminated(res.Closed)
	if res.Kicked > 0 || res.Closed > 0 || res.Errors > 0 {
		r.logger.Info("router reconciled", "router", routerID,
			"checked", res.SessionsChecked, "kicked", res.Kicked,
			"closed", res.Closed, "errors", res.Errors)
	}
	return res
}

// Sweep reconciles every online router, spreading starts with random jitter
// so a fleet-wide sweep does not stampede.
func (r *Reconciler) Sweep(ctx context.Context) {
	routers, err := r.fleet.OnlineRouters(ctx)
	if err != nil {
		r.logger.Error("failed to list online routers", "error", err)
		return
	}
	for _, routerID := range routers {
		if r.cfg.JitterMax > 0 {
			jitter := time.Duration(rand.Int63n(int64(r.cfg.JitterMax)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter):
			}
		}
		r.ReconcileRouter(ctx, routerID)
	}
}

// Run executes the scheduled fleet sweep until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// NormalizeMAC canonicalizes a MAC address for comparison: separators
// stripped, hex uppercased. Unusual station ids pass through the same
// transform so both sides always compare in the same form.
func NormalizeMAC(mac string) string {
	var b strings.Builder
	b.Grow(len(mac))
	for _, r := range mac {
		switch {
		case r == ':' || r == '-' || r == '.' || r == ' ':
		default:
			b.WriteRune(r)
		}
	}
	stripped := strings.ToUpper(b.String())
	return stripped
}
