// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UserRepo manages end users, their plans, and the check-attribute rows that
// gate authentication.
type UserRepo struct {
	db *sql.DB
}

// Disable marks the user disabled and writes an Auth-Type Reject check row
// so the RADIUS server refuses new sessions. Both writes happen in one
// transaction.
func (r *UserRepo) Disable(ctx context.Context, username string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("disable user: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET disabled = true WHERE username = $1`, username); err != nil {
		return fmt.Errorf("disable user: update user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO radcheck (username, attribute, op, value)
VALUES ($1, 'Auth-Type', ':=', 'Reject')
ON CONFLICT (username, attribute) DO UPDATE SET op = EXCLUDED.op, value = EXCLUDED.value`,
		username); err != nil {
		return fmt.Errorf("disable user: upsert reject check: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("disable user: commit: %w", err)
	}
	return nil
}

// HasActivePlan reports whether the user holds a plan that is active and not
// past its expiry.
func (r *UserRepo) HasActivePlan(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS(
  SELECT 1 FROM user_plans
  WHERE username = $1 AND active AND (expires_at IS NULL OR expires_at > now())
)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active plan: %w", err)
	}
	return exists, nil
}

// ExpirePlans deactivates plans past their expiry and returns the affected
// usernames. The user_plans trigger emits plan_expiry_notify per flipped row.
func (r *UserRepo) ExpirePlans(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
UPDATE user_plans SET active = false
WHERE active AND expires_at IS NOT NULL AND expires_at <= $1
RETURNING username`, now)
	if err != nil {
		return nil, fmt.Errorf("expire plans: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan expired plan username: %w", err)
		}
		if _, dup := seen[u]; !dup {
			seen[u] = struct{}{}
			usernames = append(usernames, u)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired plans: %w", err)
	}
	return usernames, nil
}

// ShouldDisable evaluates the reconciler's termination predicate in a single
// query: no active plan, an exhausted active quota, a pending disconnect, or
// an explicit reject check row.
func (r *UserRepo) ShouldDisable(ctx context.Context, username string) (bool, error) {
	var should bool
	err := r.db.QueryRowContext(ctx, `
SELECT
  NOT EXISTS(
    SELECT 1 FROM user_plans
    WHERE username = $1 AND active AND (expires_at IS NULL OR expires_at > now())
  )
  OR EXISTS(
    SELECT 1 FROM user_quotas
    WHERE username = $1 AND period_start <= now() AND period_end > now()
      AND used_octets >= max_octets
  )
  OR EXISTS(
    SELECT 1 FROM disconnect_queue WHERE username = $1 AND processed = false
  )
  OR EXISTS(
    SELECT 1 FROM radcheck
    WHERE username = $1 AND attribute = 'Auth-Type' AND value = 'Reject'
  )`, username).Scan(&should)
	if err != nil {
		return false, fmt.Errorf("evaluate user disable predicate: %w", err)
	}
	return should, nil
}

// IsDisabled reports the user's disabled flag. Unknown users count as
// disabled so reconciliation errs toward kicking strangers.
func (r *UserRepo) IsDisabled(ctx context.Context, username string) (bool, error) {
	var disabled bool
	err := r.db.QueryRowContext(ctx,
		`SELECT disabled FROM users WHERE username = $1`, username).Scan(&disabled)
	if err != nil {
		if err == sql.ErrNoRows {
			return true, nil
		}
		return false, fmt.Errorf("check user disabled: %w", err)
	}
	return disabled, nil
}
