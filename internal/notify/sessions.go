// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"log/slog"

	"github.com/radfleet/radfleet/internal/cluster"
	"github.com/radfleet/radfleet/internal/store"
)

// SessionCounter maintains the per-user active-session counters in the
// shared TTL store from session_count_change events. A counter driven below
// zero is recomputed from the accounting store.
type SessionCounter struct {
	cluster  *cluster.Client
	sessions *store.SessionRepo
	logger   *slog.Logger
}

// NewSessionCounter builds the counter handler.
func NewSessionCounter(cl *cluster.Client, sessions *store.SessionRepo, logger *slog.Logger) *SessionCounter {
	return &SessionCounter{
		cluster:  cl,
		sessions: sessions,
		logger:   logger.With("component", "session-counter"),
	}
}

// Handle applies one start/stop event.
func (c *SessionCounter) Handle(ctx context.Context, username, action string) {
	switch action {
	case "start":
		if _, err := c.cluster.IncrSessions(ctx, username); err != nil {
			c.logger.Warn("failed to increment session counter", "user", username, "error", err)
		}

	case "stop":
		n, err := c.cluster.DecrSessions(ctx, username)
		if err != nil {
			c.logger.Warn("failed to decrement session counter", "user", username, "error", err)
			return
		}
		if n >= 0 {
			return
		}
		// Counter drifted; rebuild it from the accounting store.
		count, err := c.sessions.CountActiveByUsername(ctx, username)
		if err != nil {
			c.logger.Error("failed to recount sessions", "user", username, "error", err)
			return
		}
		if err := c.cluster.SetSessions(ctx, username, count); err != nil {
			c.logger.Error("failed to repair session counter", "user", username, "error", err)
			return
		}
		c.logger.Info("session counter repaired", "user", username, "count", count)
	}
}
