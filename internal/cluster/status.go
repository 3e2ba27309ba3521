// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/radfleet/radfleet/internal/store"
)

// StatusResolver derives a router's real-time status from the liveness chain
// heartbeat → registry → offline, mirroring divergence back into the durable
// store in the background.
type StatusResolver struct {
	cluster *Client
	routers *store.RouterRepo
	logger  *slog.Logger

	// OnUnroutable fires when a router has a live heartbeat but no registry
	// fact, meaning no instance can route commands to it. May be nil.
	OnUnroutable func(routerID string)
}

// NewStatusResolver builds the aggregator.
func NewStatusResolver(cluster *Client, routers *store.RouterRepo, logger *slog.Logger) *StatusResolver {
	return &StatusResolver{
		cluster: cluster,
		routers: routers,
		logger:  logger.With("component", "status-resolver"),
	}
}

// Status resolves the router's current status. The heartbeat fact wins; a
// registry fact without a heartbeat still counts as online (the owning
// instance is about to refresh it or lose the connection).
func (r *StatusResolver) Status(ctx context.Context, routerID string) (string, error) {
	online, err := r.cluster.IsOnline(ctx, routerID)
	if err != nil {
		return "", err
	}
	_, located, err := r.cluster.Locate(ctx, routerID)
	if err != nil {
		return "", err
	}
	if online && !located {
		// Heartbeat without a registry fact: the router is alive but
		// unroutable. The heartbeat-keyed sweep also covers it, but the hook
		// lets callers reconcile immediately.
		r.logger.Warn("router heartbeat without a connection fact", "router", routerID)
		if r.OnUnroutable != nil {
			go r.OnUnroutable(routerID)
		}
	}
	online = online || located

	status := store.RouterStatusOffline
	if online {
		status = store.RouterStatusOnline
	}

	r.writeback(ctx, routerID, status)
	return status, nil
}

// writeback mirrors the derived status into the durable row fire-and-forget
// when it diverges from what is stored.
func (r *StatusResolver) writeback(ctx context.Context, routerID, status string) {
	row, err := r.routers.Get(ctx, routerID)
	if err != nil || row.Status == status {
		return
	}
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.routers.UpdateStatus(wctx, routerID, status); err != nil {
			r.logger.Debug("status writeback failed", "router", routerID, "error", err)
		}
	}()
}
