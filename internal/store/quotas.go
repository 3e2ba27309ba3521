// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// QuotaRepo reads and writes per-user data quotas. used_octets is advanced
// only by database triggers; this repo never touches it on update.
type QuotaRepo struct {
	db *sql.DB
}

const quotaColumns = `id, username, quota_type, period_start, period_end, max_octets, used_octets`

// Active returns the quota record covering now for the user. When several
// periods overlap, the one with the largest period_end wins.
func (r *QuotaRepo) Active(ctx context.Context, username string, now time.Time) (*Quota, error) {
	var q Quota
	err := r.db.QueryRowContext(ctx, `
SELECT `+quotaColumns+` FROM user_quotas
WHERE username = $1 AND period_start <= $2 AND period_end > $2
ORDER BY period_end DESC LIMIT 1`, username, now).
		Scan(&q.ID, &q.Username, &q.QuotaType, &q.PeriodStart, &q.PeriodEnd, &q.MaxOctets, &q.UsedOctets)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query active quota: %w", err)
	}
	return &q, nil
}

// Upsert creates or updates the quota row for (username, quota_type,
// period_start). Usage already accumulated in the period is preserved.
func (r *QuotaRepo) Upsert(ctx context.Context, q *Quota) error {
	if _, err := r.db.ExecContext(ctx, `
INSERT INTO user_quotas (username, quota_type, period_start, period_end, max_octets)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (username, quota_type, period_start)
DO UPDATE SET period_end = EXCLUDED.period_end, max_octets = EXCLUDED.max_octets`,
		q.Username, q.QuotaType, q.PeriodStart, q.PeriodEnd, q.MaxOctets); err != nil {
		return fmt.Errorf("upsert quota: %w", err)
	}
	return nil
}

// ExpiredUsernames returns users whose newest quota period has ended while
// their enforcement reply attributes are still present. These are the users
// the expiry pass must clean up; once the attributes are deleted the user
// stops matching, which keeps the pass idempotent.
func (r *QuotaRepo) ExpiredUsernames(ctx context.Context, now time.Time, dataAttribute string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT DISTINCT q.username FROM user_quotas q
WHERE q.period_end <= $1
  AND NOT EXISTS (
    SELECT 1 FROM user_quotas q2
    WHERE q2.username = q.username AND q2.period_start <= $1 AND q2.period_end > $1
  )
  AND EXISTS (
    SELECT 1 FROM radreply rr
    WHERE rr.username = q.username AND rr.attribute = $2
  )
ORDER BY q.username`, now, dataAttribute)
	if err != nil {
		return nil, fmt.Errorf("query expired quotas: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan expired quota username: %w", err)
		}
		usernames = append(usernames, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired quotas: %w", err)
	}
	return usernames, nil
}
