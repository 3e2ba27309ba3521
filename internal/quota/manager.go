// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota owns per-user data allowances and the two RADIUS reply
// attributes the control plane writes: the data-remaining octets and the
// session timeout. Usage accounting itself is advanced by database triggers;
// this package only reads it and synthesizes enforcement attributes.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/radfleet/radfleet/internal/store"
)

// BytesPerGB fixes 1 GB = 2^30 bytes throughout the control plane.
const BytesPerGB = int64(1) << 30

// DefaultQuotaType is used when callers do not specify one.
const DefaultQuotaType = "monthly"

// Summary is the caller-facing view of a user's active quota.
type Summary struct {
	MaxOctets  int64   `json:"maxOctets"`
	UsedOctets int64   `json:"usedOctets"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
	PeriodEnd  time.Time
}

// Invoker issues RPC commands to routers for live usage queries.
type Invoker interface {
	Send(ctx context.Context, routerID, path, method string, args map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// OnlineChecker reports router liveness from the shared store.
type OnlineChecker interface {
	IsOnline(ctx context.Context, routerID string) (bool, error)
}

// Manager computes quota state and maintains the owned reply attributes.
type Manager struct {
	quotas   *store.QuotaRepo
	replies  *store.ReplyAttrRepo
	sessions *store.SessionRepo
	invoker  Invoker
	online   OnlineChecker
	logger   *slog.Logger
}

// NewManager builds the quota manager.
func NewManager(st *store.Store, invoker Invoker, online OnlineChecker, logger *slog.Logger) *Manager {
	return &Manager{
		quotas:   st.Quotas,
		replies:  st.ReplyAttrs,
		sessions: st.Sessions,
		invoker:  invoker,
		online:   online,
		logger:   logger.With("component", "quota"),
	}
}

// Get returns the user's active quota summary, or nil when no period covers
// now.
func (m *Manager) Get(ctx context.Context, username string) (*Summary, error) {
	q, err := m.quotas.Active(ctx, username, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return summarize(q), nil
}

func summarize(q *store.Quota) *Summary {
	remaining := q.MaxOctets - q.UsedOctets
	if remaining < 0 {
		remaining = 0
	}
	var pct float64
	if q.MaxOctets > 0 {
		pct = float64(q.UsedOctets) / float64(q.MaxOctets) * 100
		if pct > 100 {
			pct = 100
		}
	}
	return &Summary{
		MaxOctets:  q.MaxOctets,
		UsedOctets: q.UsedOctets,
		Remaining:  remaining,
		Percentage: pct,
		PeriodEnd:  q.PeriodEnd,
	}
}

// CreateOrUpdate upserts the quota for the period starting now. Usage
// already accumulated in an existing period is preserved, and the reply
// attributes are refreshed to match.
func (m *Manager) CreateOrUpdate(ctx context.Context, username string, maxGB float64, quotaType string, periodDays int) error {
	if maxGB <= 0 {
		return fmt.Errorf("quota size must be positive, got %v", maxGB)
	}
	if quotaType == "" {
		quotaType = DefaultQuotaType
	}
	if periodDays <= 0 {
		periodDays = 30
	}

	now := time.Now()
	existing, err := m.quotas.Active(ctx, username, now)
	start := now
	if err == nil && existing.QuotaType == quotaType {
		// Resizing inside a running period keeps its boundaries.
		start = existing.PeriodStart
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	q := &store.Quota{
		Username:    username,
		QuotaType:   quotaType,
		PeriodStart: start,
		PeriodEnd:   start.Add(time.Duration(periodDays) * 24 * time.Hour),
		MaxOctets:   int64(maxGB * float64(BytesPerGB)),
	}
	if err := m.quotas.Upsert(ctx, q); err != nil {
		return err
	}

	if _, err := m.RefreshReplyAttributes(ctx, username); err != nil {
		return fmt.Errorf("refresh after quota update: %w", err)
	}
	return nil
}

// RefreshReplyAttributes recomputes and writes the owned reply attributes
// from the user's active quota. No active quota or nothing remaining deletes
// both attributes and returns nil. The call is idempotent.
func (m *Manager) RefreshReplyAttributes(ctx context.Context, username string) (*Summary, error) {
	q, err := m.quotas.Active(ctx, username, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, m.RemoveReplyAttributes(ctx, username)
		}
		return nil, err
	}

	s := summarize(q)
	if s.Remaining == 0 {
		return nil, m.RemoveReplyAttributes(ctx, username)
	}

	secondsToExpiry := int64(time.Until(q.PeriodEnd) / time.Second)
	if secondsToExpiry < 0 {
		secondsToExpiry = 0
	}

	if err := m.replies.UpsertOwned(ctx, username, s.Remaining, secondsToExpiry); err != nil {
		return nil, err
	}
	return s, nil
}

// RemoveReplyAttributes deletes both owned attributes for the user.
func (m *Manager) RemoveReplyAttributes(ctx context.Context, username string) error {
	return m.replies.DeleteOwned(ctx, username)
}

// liveUsage is the router's answer to an accounting usage query.
type liveUsage struct {
	BytesIn  int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
}

// SyncActive recomputes the reply attributes against real-time usage from
// the routers carrying the user's active sessions. Unreachable routers fall
// back to the durable octet counters.
func (m *Manager) SyncActive(ctx context.Context, username string) error {
	q, err := m.quotas.Active(ctx, username, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return m.RemoveReplyAttributes(ctx, username)
		}
		return err
	}

	sessions, err := m.sessions.ActiveByUsername(ctx, username)
	if err != nil {
		return err
	}

	liveTotal := int64(0)
	for i := range sessions {
		sess := &sessions[i]
		durable := sess.InputOctets + sess.OutputOctets

		online, err := m.online.IsOnline(ctx, sess.RouterID)
		if err != nil || !online {
			liveTotal += durable
			continue
		}

		// A zero timeout defers to the command manager's configured default.
		raw, err := m.invoker.Send(ctx, sess.RouterID, "accounting", "usage",
			map[string]any{"callingStationId": sess.CallingStationID}, 0)
		if err != nil {
			m.logger.Debug("live usage query failed, using durable counters",
				"user", username, "router", sess.RouterID, "error", err)
			liveTotal += durable
			continue
		}

		var usage liveUsage
		if err := json.Unmarshal(raw, &usage); err != nil {
			liveTotal += durable
			continue
		}
		live := usage.BytesIn + usage.BytesOut
		if live > durable {
			liveTotal += live
		} else {
			liveTotal += durable
		}
	}

	// Usage from sessions already stopped this period is in used_octets; the
	// durable counters of active sessions are folded in by triggers as
	// interim updates arrive, so take the larger of the two views.
	used := q.UsedOctets
	if liveTotal > used {
		used = liveTotal
	}

	remaining := q.MaxOctets - used
	if remaining <= 0 {
		return m.RemoveReplyAttributes(ctx, username)
	}

	secondsToExpiry := int64(time.Until(q.PeriodEnd) / time.Second)
	if secondsToExpiry < 0 {
		secondsToExpiry = 0
	}
	return m.replies.UpsertOwned(ctx, username, remaining, secondsToExpiry)
}
