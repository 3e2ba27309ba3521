// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package disconnect drains the durable disconnect queue: for each intent it
// resolves the user's active sessions and sends CoA-Disconnect to online
// routers. Items touching an offline router stay pending until that router
// reconnects and the re-feed retries them. Processing is driven by change
// notifications with a polling fallback; job-key dedupe makes the two feeds
// safe together.
package disconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/radfleet/radfleet/internal/metrics"
	"github.com/radfleet/radfleet/internal/quota"
	"github.com/radfleet/radfleet/internal/radius"
	"github.com/radfleet/radfleet/internal/store"
)

// Config carries worker settings.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	CoAPort      int
	MasterSecret string
}

// errRouterOffline marks an item whose sessions sit on an unreachable
// router. It lands in last_error and the attempt counter so the reconnect
// re-feed can pick the row up.
var errRouterOffline = errors.New("router offline")

// CoASender issues the actual Disconnect packet.
type CoASender interface {
	Disconnect(ctx context.Context, addr, secret string, req radius.DisconnectRequest) error
}

// OnlineChecker reports router liveness from the shared store.
type OnlineChecker interface {
	IsOnline(ctx context.Context, routerID string) (bool, error)
}

// AttributeRefresher recomputes the user's enforcement reply attributes
// after a disconnect lands: an exhausted or expired quota deletes them, a
// healthy one rewrites them.
type AttributeRefresher interface {
	RefreshReplyAttributes(ctx context.Context, username string) (*quota.Summary, error)
}

// Worker is the per-instance disconnect queue consumer.
type Worker struct {
	cfg      Config
	queue    *store.DisconnectRepo
	sessions *store.SessionRepo
	routers  *store.RouterRepo
	coa      CoASender
	online   OnlineChecker
	attrs    AttributeRefresher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	jobs *jobKeys
	wake chan struct{}
}

// NewWorker builds the worker.
func NewWorker(cfg Config, st *store.Store, coa CoASender, online OnlineChecker, attrs AttributeRefresher, m *metrics.Metrics, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		queue:    st.Disconnects,
		sessions: st.Sessions,
		routers:  st.Routers,
		coa:      coa,
		online:   online,
		attrs:    attrs,
		metrics:  m,
		logger:   logger.With("component", "disconnect-worker"),
		jobs:     newJobKeys(),
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the worker to drain the queue now. Coalesces when a drain is
// already pending.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue on notifications and on the polling fallback until
// ctx ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
		w.drain(ctx)
	}
}

// drain processes one batch of unprocessed items in created-at order.
func (w *Worker) drain(ctx context.Context) {
	items, err := w.queue.NextBatch(ctx, w.cfg.BatchSize, w.cfg.MaxAttempts)
	if err != nil {
		w.logger.Error("failed to read disconnect batch", "error", err)
		return
	}

	for i := range items {
		if ctx.Err() != nil {
			return
		}
		w.processItem(ctx, &items[i])
	}
}

// processItem handles one queue intent under its dedupe key. Per-item errors
// are absorbed: the attempt counter advances and the row stays unprocessed
// for the next pass.
func (w *Worker) processItem(ctx context.Context, item *store.DisconnectItem) {
	key := jobKey(item.Username, item.ID)
	if !w.jobs.begin(key) {
		return
	}
	defer w.jobs.end(key)

	sessions, err := w.sessions.ActiveByUsername(ctx, item.Username)
	if err != nil {
		w.fail(ctx, item, fmt.Errorf("resolve sessions: %w", err))
		return
	}

	if len(sessions) == 0 {
		// Nothing to terminate; enforcement is complete once the reply
		// attributes are gone.
		w.finish(ctx, item)
		return
	}

	byRouter := make(map[string][]store.AcctSession)
	for _, s := range sessions {
		byRouter[s.RouterID] = append(byRouter[s.RouterID], s)
	}

	var firstErr error
	for routerID, routerSessions := range byRouter {
		if err := w.disconnectOnRouter(ctx, item, routerID, routerSessions); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		w.fail(ctx, item, firstErr)
		return
	}
	w.finish(ctx, item)
}

// disconnectOnRouter sends a Disconnect per session to one router. An
// offline router fails the item so the row stays unprocessed: the reconnect
// path re-feeds it, and an admin intent with healthy quota and plan would
// otherwise be lost.
func (w *Worker) disconnectOnRouter(ctx context.Context, item *store.DisconnectItem, routerID string, sessions []store.AcctSession) error {
	online, err := w.online.IsOnline(ctx, routerID)
	if err != nil {
		return fmt.Errorf("check router %s: %w", routerID, err)
	}
	if !online {
		w.logger.Info("router offline, keeping disconnect pending",
			"user", item.Username, "router", routerID)
		return fmt.Errorf("router %s: %w", routerID, errRouterOffline)
	}

	router, err := w.routers.Get(ctx, routerID)
	if err != nil {
		return fmt.Errorf("load router %s: %w", routerID, err)
	}
	secret := router.RadiusSecret
	if secret == "" {
		secret = w.cfg.MasterSecret
	}
	addr := net.JoinHostPort(router.Address, strconv.Itoa(w.cfg.CoAPort))

	for _, sess := range sessions {
		req := radius.DisconnectRequest{
			Username:         item.Username,
			NASIdentifier:    routerID,
			CallingStationID: sess.CallingStationID,
			AcctSessionID:    sess.AcctSessionID,
		}
		if ip := net.ParseIP(sess.NASIPAddress); ip != nil {
			req.NASIPAddress = ip
		}
		if ip := net.ParseIP(sess.FramedIPAddress); ip != nil {
			req.FramedIPAddress = ip
		}

		if err := w.sendWithRetry(ctx, addr, secret, req); err != nil {
			return fmt.Errorf("disconnect %s on router %s: %w", item.Username, routerID, err)
		}
	}
	return nil
}

// sendWithRetry retries transport-level failures with exponential backoff
// inside one pass. A NAK is terminal here; the cross-pass attempt counter
// and the notification feed provide the longer retry schedule.
func (w *Worker) sendWithRetry(ctx context.Context, addr, secret string, req radius.DisconnectRequest) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 15 * time.Second

	err := backoff.Retry(func() error {
		err := w.coa.Disconnect(ctx, addr, secret, req)
		if err == nil {
			w.metrics.ObserveCoAResult("ack")
			return nil
		}
		var nak *radius.NAKError
		if errors.As(err, &nak) {
			w.metrics.ObserveCoAResult("nak")
			return backoff.Permanent(err)
		}
		w.metrics.ObserveCoAResult("timeout")
		return err
	}, backoff.WithContext(bo, ctx))
	return err
}

func (w *Worker) finish(ctx context.Context, item *store.DisconnectItem) {
	if err := w.queue.MarkProcessed(ctx, item.ID); err != nil {
		w.logger.Error("failed to mark item processed", "item", item.ID, "error", err)
		return
	}
	if _, err := w.attrs.RefreshReplyAttributes(ctx, item.Username); err != nil {
		w.logger.Warn("failed to refresh reply attributes", "user", item.Username, "error", err)
	}
	w.metrics.ObserveDisconnectProcessed()
	w.logger.Info("disconnect item processed",
		"item", item.ID, "user", item.Username, "reason", item.Reason)
}

func (w *Worker) fail(ctx context.Context, item *store.DisconnectItem, cause error) {
	w.metrics.ObserveDisconnectFailed()
	w.logger.Warn("disconnect item failed",
		"item", item.ID, "user", item.Username, "attempt", item.Attempts+1, "error", cause)
	if err := w.queue.RecordFailure(ctx, item.ID, cause.Error()); err != nil {
		w.logger.Error("failed to record item failure", "item", item.ID, "error", err)
	}
}

// EnqueueRetriesForRouter re-feeds previously failed items touching users
// with sessions on the given router. Called when that router reconnects; the
// job keys are unchanged so dedupe holds.
func (w *Worker) EnqueueRetriesForRouter(ctx context.Context, routerID string) {
	items, err := w.queue.PendingForRouter(ctx, routerID)
	if err != nil {
		w.logger.Error("failed to load pending disconnects for router", "router", routerID, "error", err)
		return
	}
	if len(items) == 0 {
		return
	}
	w.logger.Info("retrying failed disconnects after reconnect", "router", routerID, "items", len(items))
	for i := range items {
		w.processItem(ctx, &items[i])
	}
}
