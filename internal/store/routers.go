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

// ErrNotFound is returned when a queried row does not exist.
var ErrNotFound = errors.New("not found")

// RouterRepo reads and mutates router rows and their NAS entries.
type RouterRepo struct {
	db *sql.DB
}

const routerColumns = `id, name, token, COALESCE(radius_secret, ''), address, status, last_seen, created_at`

func scanRouter(row *sql.Row) (*Router, error) {
	var r Router
	var lastSeen sql.NullTime
	err := row.Scan(&r.ID, &r.Name, &r.Token, &r.RadiusSecret, &r.Address, &r.Status, &lastSeen, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan router: %w", err)
	}
	if lastSeen.Valid {
		r.LastSeen = &lastSeen.Time
	}
	return &r, nil
}

// Get returns the router by id.
func (r *RouterRepo) Get(ctx context.Context, id string) (*Router, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+routerColumns+` FROM routers WHERE id = $1`, id)
	return scanRouter(row)
}

// GetByAddress returns the router whose last-known address matches. Used by
// the DAE server to resolve the shared secret for an inbound packet.
func (r *RouterRepo) GetByAddress(ctx context.Context, address string) (*Router, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+routerColumns+` FROM routers WHERE address = $1 ORDER BY last_seen DESC NULLS LAST LIMIT 1`, address)
	return scanRouter(row)
}

// SetSecretIfAbsent persists a freshly generated RADIUS secret for a router
// that has none. Returns true when this call performed the write; false
// means another writer got there first and the caller should re-read.
func (r *RouterRepo) SetSecretIfAbsent(ctx context.Context, id, secret string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE routers SET radius_secret = $2 WHERE id = $1 AND (radius_secret IS NULL OR radius_secret = '')`,
		id, secret)
	if err != nil {
		return false, fmt.Errorf("set router secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set router secret: %w", err)
	}
	return n == 1, nil
}

// RebindAddress updates the router's address and upserts its NAS entry in
// one transaction. A failed transaction leaves both untouched.
func (r *RouterRepo) RebindAddress(ctx context.Context, id, address, nasSecret string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rebind address: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE routers SET address = $2 WHERE id = $1`, id, address); err != nil {
		return fmt.Errorf("rebind address: update router: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO nas (nasname, shortname, type, secret, description)
VALUES ($1, $2, 'other', $3, 'managed by radfleet')
ON CONFLICT (nasname) DO UPDATE SET shortname = EXCLUDED.shortname, secret = EXCLUDED.secret`,
		address, id, nasSecret); err != nil {
		return fmt.Errorf("rebind address: upsert nas: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rebind address: commit: %w", err)
	}
	return nil
}

// UpdateName stores the router's self-reported display name.
func (r *RouterRepo) UpdateName(ctx context.Context, id, name string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE routers SET name = $2 WHERE id = $1`, id, name); err != nil {
		return fmt.Errorf("update router name: %w", err)
	}
	return nil
}

// UpdateStatus mirrors the derived online/offline state into the row.
func (r *RouterRepo) UpdateStatus(ctx context.Context, id, status string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE routers SET status = $2 WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("update router status: %w", err)
	}
	return nil
}

// TouchLastSeen records durable liveness. Callers rate-limit this; the
// shared TTL store carries liveness between writes.
func (r *RouterRepo) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE routers SET last_seen = $2, status = $3 WHERE id = $1`,
		id, at, RouterStatusOnline); err != nil {
		return fmt.Errorf("touch router last seen: %w", err)
	}
	return nil
}
