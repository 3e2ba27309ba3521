// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable layer of the control plane: routers, RADIUS
// accounting sessions, quotas, reply/check attributes, user plans and the
// disconnect queue, all in Postgres. The schema stays column-compatible with
// a stock RADIUS SQL module so the RADIUS server reads the same tables this
// package maintains.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds connection settings for the durable store.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store bundles the repositories over one connection pool.
type Store struct {
	db *sql.DB

	Routers     *RouterRepo
	Sessions    *SessionRepo
	Quotas      *QuotaRepo
	ReplyAttrs  *ReplyAttrRepo
	Disconnects *DisconnectRepo
	Users       *UserRepo
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return New(db), nil
}

// New wraps an existing pool. Used by Open and by tests with a mock DB.
func New(db *sql.DB) *Store {
	return &Store{
		db:          db,
		Routers:     &RouterRepo{db: db},
		Sessions:    &SessionRepo{db: db},
		Quotas:      &QuotaRepo{db: db},
		ReplyAttrs:  &ReplyAttrRepo{db: db},
		Disconnects: &DisconnectRepo{db: db},
		Users:       &UserRepo{db: db},
	}
}

// DB exposes the underlying pool for the notification listener, which needs
// its own dedicated connection outside this pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies all embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// EnsureWildcardNAS upserts the catch-all NAS entry carrying the master
// secret. Routers without a generated per-router secret authenticate
// against this entry until their first connect.
func (s *Store) EnsureWildcardNAS(ctx context.Context, masterSecret string) error {
	const q = `
INSERT INTO nas (nasname, shortname, type, secret, description)
VALUES ('0.0.0.0/0', 'wildcard', 'other', $1, 'radfleet master entry')
ON CONFLICT (nasname) DO UPDATE SET secret = EXCLUDED.secret`
	if _, err := s.db.ExecContext(ctx, q, masterSecret); err != nil {
		return fmt.Errorf("upsert wildcard nas: %w", err)
	}
	return nil
}
