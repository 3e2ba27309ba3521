// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DisconnectRepo manages the durable disconnect queue. Inserts fire the
// disconnect_queue_notify channel through a database trigger.
type DisconnectRepo struct {
	db *sql.DB
}

const disconnectColumns = `id, username, reason, created_at, processed, attempts, COALESCE(last_error, '')`

func scanDisconnects(rows *sql.Rows) ([]DisconnectItem, error) {
	defer rows.Close()
	var out []DisconnectItem
	for rows.Next() {
		var item DisconnectItem
		if err := rows.Scan(&item.ID, &item.Username, &item.Reason, &item.CreatedAt,
			&item.Processed, &item.Attempts, &item.LastError); err != nil {
			return nil, fmt.Errorf("scan disconnect item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disconnect items: %w", err)
	}
	return out, nil
}

// Enqueue inserts a disconnect intent and returns its id.
func (r *DisconnectRepo) Enqueue(ctx context.Context, username, reason string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO disconnect_queue (username, reason) VALUES ($1, $2) RETURNING id`,
		username, reason).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue disconnect: %w", err)
	}
	return id, nil
}

// NextBatch returns up to limit unprocessed items in created-at order,
// skipping items that exhausted their retry budget. Those stay in the table
// for the reconnect re-feed, which applies no attempt cap.
func (r *DisconnectRepo) NextBatch(ctx context.Context, limit, maxAttempts int) ([]DisconnectItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+disconnectColumns+` FROM disconnect_queue
WHERE processed = false AND attempts < $2
ORDER BY created_at ASC
LIMIT $1`, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("query disconnect batch: %w", err)
	}
	return scanDisconnects(rows)
}

// MarkProcessed flips the processed flag exactly once.
func (r *DisconnectRepo) MarkProcessed(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE disconnect_queue SET processed = true WHERE id = $1 AND processed = false`,
		id); err != nil {
		return fmt.Errorf("mark disconnect processed: %w", err)
	}
	return nil
}

// RecordFailure increments the attempt counter and stores the last error.
func (r *DisconnectRepo) RecordFailure(ctx context.Context, id int64, message string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE disconnect_queue SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id, message); err != nil {
		return fmt.Errorf("record disconnect failure: %w", err)
	}
	return nil
}

// PendingForRouter returns unprocessed items that already failed at least
// once and whose user has an open session on the given router. Fed back to
// the worker when that router reconnects.
func (r *DisconnectRepo) PendingForRouter(ctx context.Context, routerID string) ([]DisconnectItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+disconnectColumns+` FROM disconnect_queue dq
WHERE dq.processed = false AND dq.attempts > 0
  AND EXISTS (
    SELECT 1 FROM radacct a
    WHERE a.username = dq.username AND a.router_id = $1 AND a.acctstoptime IS NULL
  )
ORDER BY dq.created_at ASC`, routerID)
	if err != nil {
		return nil, fmt.Errorf("query pending disconnects for router: %w", err)
	}
	return scanDisconnects(rows)
}

// HasPending reports whether the user has any unprocessed disconnect intent.
func (r *DisconnectRepo) HasPending(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM disconnect_queue WHERE username = $1 AND processed = false)`,
		username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending disconnects: %w", err)
	}
	return exists, nil
}
