// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package disconnect

import (
	"context"
	"log/slog"
	"time"

	"github.com/radfleet/radfleet/internal/store"
)

// Scheduler runs the periodic expiry pass: plans past their expiry and quota
// periods that ended both become plan-expired disconnect intents, the
// enforcement attributes are cleaned up, and users left without any active
// plan are disabled. The plan_expiry_notify channel triggers the same logic
// per user between ticks.
type Scheduler struct {
	interval time.Duration
	queue    *store.DisconnectRepo
	users    *store.UserRepo
	quotas   *store.QuotaRepo
	attrs    AttributeRefresher
	worker   *Worker
	logger   *slog.Logger
}

// NewScheduler builds the expiry scheduler. A zero interval defaults to one
// hour.
func NewScheduler(interval time.Duration, st *store.Store, attrs AttributeRefresher, worker *Worker, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		interval: interval,
		queue:    st.Disconnects,
		users:    st.Users,
		quotas:   st.Quotas,
		attrs:    attrs,
		worker:   worker,
		logger:   logger.With("component", "expiry-scheduler"),
	}
}

// Run executes the expiry pass on a fixed cadence until ctx ends. The first
// pass runs shortly after startup to catch anything that expired while the
// instance was down.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.pass(ctx)
			timer.Reset(s.interval)
		}
	}
}

// pass performs one fleet-wide expiry sweep.
func (s *Scheduler) pass(ctx context.Context) {
	now := time.Now()

	expiredPlans, err := s.users.ExpirePlans(ctx, now)
	if err != nil {
		s.logger.Error("failed to expire plans", "error", err)
	}
	for _, username := range expiredPlans {
		s.HandleExpiredUser(ctx, username)
	}

	expiredQuotas, err := s.quotas.ExpiredUsernames(ctx, now, store.AttrDataRemaining)
	if err != nil {
		s.logger.Error("failed to list expired quotas", "error", err)
		return
	}
	for _, username := range expiredQuotas {
		s.HandleExpiredUser(ctx, username)
	}

	if len(expiredPlans)+len(expiredQuotas) > 0 {
		s.logger.Info("expiry pass complete",
			"expired_plans", len(expiredPlans), "expired_quotas", len(expiredQuotas))
		s.worker.Wake()
	}
}

// HandleExpiredUser enqueues a plan-expired disconnect for the user,
// refreshes (which deletes) the enforcement attributes and disables the user
// when no active plan remains. Also invoked by the notification listener.
func (s *Scheduler) HandleExpiredUser(ctx context.Context, username string) {
	pending, err := s.queue.HasPending(ctx, username)
	if err != nil {
		s.logger.Error("failed to check pending disconnects", "user", username, "error", err)
		return
	}
	if !pending {
		if _, err := s.queue.Enqueue(ctx, username, store.ReasonPlanExpired); err != nil {
			s.logger.Error("failed to enqueue expiry disconnect", "user", username, "error", err)
			return
		}
	}

	if _, err := s.attrs.RefreshReplyAttributes(ctx, username); err != nil {
		s.logger.Warn("failed to refresh reply attributes", "user", username, "error", err)
	}

	active, err := s.users.HasActivePlan(ctx, username)
	if err != nil {
		s.logger.Error("failed to check active plan", "user", username, "error", err)
		return
	}
	if !active {
		if err := s.users.Disable(ctx, username); err != nil {
			s.logger.Error("failed to disable user", "user", username, "error", err)
			return
		}
		s.logger.Info("user disabled, no active plan remains", "user", username)
	}
}
