// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify holds the single long-lived LISTEN/NOTIFY subscription to
// the durable store's change channels and fans events out to the disconnect
// worker, the expiry handler and the session counters. Correctness does not
// depend on this feed: the worker's polling fallback covers gaps while the
// listener reconnects.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Change-notification channels emitted by the schema triggers.
const (
	ChanDisconnectQueue = "disconnect_queue_notify"
	ChanPlanExpiry      = "plan_expiry_notify"
	ChanSessionCount    = "session_count_change"
)

// reconnectDelay spaces reconnection attempts after a dropped subscription.
const reconnectDelay = 5 * time.Second

// Handlers receives dispatched events. Any nil handler is skipped.
type Handlers struct {
	// OnDisconnectQueue fires when the disconnect queue changed.
	OnDisconnectQueue func()
	// OnPlanExpiry fires with the affected username.
	OnPlanExpiry func(ctx context.Context, username string)
	// OnSessionCount fires with the username and "start" or "stop".
	OnSessionCount func(ctx context.Context, username, action string)
}

// sessionCountEvent is the session_count_change payload.
type sessionCountEvent struct {
	Username string `json:"username"`
	Action   string `json:"action"`
}

// Listener owns the dedicated notification connection.
type Listener struct {
	url      string
	handlers Handlers
	logger   *slog.Logger
}

// NewListener builds the listener. The URL is a plain Postgres connection
// string; the listener opens its own connection outside the pool because
// LISTEN pins a session.
func NewListener(url string, handlers Handlers, logger *slog.Logger) *Listener {
	return &Listener{
		url:      url,
		handlers: handlers,
		logger:   logger.With("component", "notify-listener"),
	}
}

// Run serves notifications until ctx ends, reconnecting after failures.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("notification subscription lost, reconnecting",
				"delay", reconnectDelay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		return
	}
}

// listen holds one connection until it fails or ctx ends. A nil return
// means ctx ended.
func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.url)
	if err != nil {
		return fmt.Errorf("connect for notifications: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for _, channel := range []string{ChanDisconnectQueue, ChanPlanExpiry, ChanSessionCount} {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return fmt.Errorf("listen on %s: %w", channel, err)
		}
	}
	l.logger.Info("notification listener connected")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.dispatch(ctx, notification.Channel, notification.Payload)
	}
}

func (l *Listener) dispatch(ctx context.Context, channel, payload string) {
	switch channel {
	case ChanDisconnectQueue:
		if l.handlers.OnDisconnectQueue != nil {
			l.handlers.OnDisconnectQueue()
		}

	case ChanPlanExpiry:
		if payload == "" {
			l.logger.Warn("plan expiry notification without username")
			return
		}
		if l.handlers.OnPlanExpiry != nil {
			l.handlers.OnPlanExpiry(ctx, payload)
		}

	case ChanSessionCount:
		var ev sessionCountEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Username == "" {
			l.logger.Warn("invalid session count payload", "payload", payload, "error", err)
			return
		}
		if ev.Action != "start" && ev.Action != "stop" {
			l.logger.Warn("unknown session count action", "action", ev.Action)
			return
		}
		if l.handlers.OnSessionCount != nil {
			l.handlers.OnSessionCount(ctx, ev.Username, ev.Action)
		}

	default:
		l.logger.Debug("ignoring notification on unknown channel", "channel", channel)
	}
}
