// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// RADIUS attribute names owned by the quota manager. These are the only two
// reply attributes the control plane writes on its own behalf; everything
// else in radreply belongs to external tooling.
const (
	AttrDataRemaining  = "ChilliSpot-Max-Total-Octets"
	AttrSessionTimeout = "Session-Timeout"
)

// OpSet is the check/reply operator used for owned attributes.
const OpSet = ":="

// ReplyAttrRepo writes the RADIUS reply and check tables shared with the
// RADIUS server.
type ReplyAttrRepo struct {
	db *sql.DB
}

// UpsertOwned writes the data-remaining and session-timeout pair in one
// transaction, so the RADIUS server never observes one without the other.
func (r *ReplyAttrRepo) UpsertOwned(ctx context.Context, username string, remainingOctets, timeoutSeconds int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert reply attributes: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const upsert = `
INSERT INTO radreply (username, attribute, op, value)
VALUES ($1, $2, $3, $4)
ON CONFLICT (username, attribute) DO UPDATE SET op = EXCLUDED.op, value = EXCLUDED.value`

	if _, err := tx.ExecContext(ctx, upsert,
		username, AttrDataRemaining, OpSet, strconv.FormatInt(remainingOctets, 10)); err != nil {
		return fmt.Errorf("upsert data-remaining attribute: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert,
		username, AttrSessionTimeout, OpSet, strconv.FormatInt(timeoutSeconds, 10)); err != nil {
		return fmt.Errorf("upsert session-timeout attribute: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert reply attributes: commit: %w", err)
	}
	return nil
}

// DeleteOwned removes both owned attributes for the user. Removing attributes
// that are already gone is a no-op.
func (r *ReplyAttrRepo) DeleteOwned(ctx context.Context, username string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM radreply WHERE username = $1 AND attribute IN ($2, $3)`,
		username, AttrDataRemaining, AttrSessionTimeout); err != nil {
		return fmt.Errorf("delete reply attributes: %w", err)
	}
	return nil
}

// GetOwned returns the owned attribute values currently stored for the user,
// keyed by attribute name.
func (r *ReplyAttrRepo) GetOwned(ctx context.Context, username string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT attribute, value FROM radreply WHERE username = $1 AND attribute IN ($2, $3)`,
		username, AttrDataRemaining, AttrSessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("query reply attributes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, 2)
	for rows.Next() {
		var attr, value string
		if err := rows.Scan(&attr, &value); err != nil {
			return nil, fmt.Errorf("scan reply attribute: %w", err)
		}
		out[attr] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reply attributes: %w", err)
	}
	return out, nil
}

// Upsert writes an arbitrary reply attribute. Used by the DAE server for
// recognized attributes carried in CoA-Requests.
func (r *ReplyAttrRepo) Upsert(ctx context.Context, username, attribute, op, value string) error {
	if _, err := r.db.ExecContext(ctx, `
INSERT INTO radreply (username, attribute, op, value)
VALUES ($1, $2, $3, $4)
ON CONFLICT (username, attribute) DO UPDATE SET op = EXCLUDED.op, value = EXCLUDED.value`,
		username, attribute, op, value); err != nil {
		return fmt.Errorf("upsert reply attribute %s: %w", attribute, err)
	}
	return nil
}
