// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SessionRepo reads RADIUS accounting sessions. The accounting flow writes
// these rows; the core only ever sets a stop time with cause "admin-reset".
type SessionRepo struct {
	db *sql.DB
}

const sessionColumns = `radacctid, acctsessionid, username, COALESCE(router_id, ''),
	COALESCE(nasipaddress, ''), COALESCE(framedipaddress, ''), COALESCE(callingstationid, ''),
	acctstarttime, acctstoptime, acctinputoctets, acctoutputoctets, COALESCE(acctterminatecause, '')`

func scanSessions(rows *sql.Rows) ([]AcctSession, error) {
	defer rows.Close()
	var out []AcctSession
	for rows.Next() {
		var s AcctSession
		var stop sql.NullTime
		if err := rows.Scan(&s.ID, &s.AcctSessionID, &s.Username, &s.RouterID,
			&s.NASIPAddress, &s.FramedIPAddress, &s.CallingStationID,
			&s.StartTime, &stop, &s.InputOctets, &s.OutputOctets, &s.TerminateCause); err != nil {
			return nil, fmt.Errorf("scan accounting session: %w", err)
		}
		if stop.Valid {
			s.StopTime = &stop.Time
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounting sessions: %w", err)
	}
	return out, nil
}

// ActiveByUsername returns the user's open sessions across all routers.
func (r *SessionRepo) ActiveByUsername(ctx context.Context, username string) ([]AcctSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM radacct WHERE username = $1 AND acctstoptime IS NULL ORDER BY acctstarttime`,
		username)
	if err != nil {
		return nil, fmt.Errorf("query active sessions by username: %w", err)
	}
	return scanSessions(rows)
}

// ActiveByRouter returns all open sessions on one router.
func (r *SessionRepo) ActiveByRouter(ctx context.Context, routerID string) ([]AcctSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM radacct WHERE router_id = $1 AND acctstoptime IS NULL ORDER BY acctstarttime`,
		routerID)
	if err != nil {
		return nil, fmt.Errorf("query active sessions by router: %w", err)
	}
	return scanSessions(rows)
}

// FindActive locates a single open session for a user, optionally narrowed
// by accounting session id. Returns ErrNotFound when nothing matches.
func (r *SessionRepo) FindActive(ctx context.Context, username, acctSessionID string) (*AcctSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM radacct WHERE username = $1 AND acctstoptime IS NULL`
	args := []any{username}
	if acctSessionID != "" {
		q += ` AND acctsessionid = $2`
		args = append(args, acctSessionID)
	}
	q += ` ORDER BY acctstarttime DESC LIMIT 1`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return &sessions[0], nil
}

// ForceClose stamps an open session with a stop time and terminate cause.
// Closing an already-closed session is a no-op.
func (r *SessionRepo) ForceClose(ctx context.Context, id int64, cause string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE radacct SET acctstoptime = now(), acctterminatecause = $2 WHERE radacctid = $1 AND acctstoptime IS NULL`,
		id, cause); err != nil {
		return fmt.Errorf("force close session: %w", err)
	}
	return nil
}

// CountActiveByUsername recomputes the user's open session count. Used to
// repair the shared-store counter when it drifts below zero.
func (r *SessionRepo) CountActiveByUsername(ctx context.Context, username string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM radacct WHERE username = $1 AND acctstoptime IS NULL`, username).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}
