// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/radfleet/radfleet/internal/radius"
	"github.com/radfleet/radfleet/internal/store"
)

// daeSecrets resolves DAE shared secrets by sender address. Unknown senders
// and routers without a generated secret fall back to the master secret,
// matching the wildcard NAS entry the RADIUS server authenticates against.
type daeSecrets struct {
	routers *store.RouterRepo
	master  string
}

func (s *daeSecrets) SecretForAddr(ctx context.Context, ip string) (string, error) {
	router, err := s.routers.GetByAddress(ctx, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.master, nil
		}
		return "", fmt.Errorf("resolve dae secret for %s: %w", ip, err)
	}
	if router.RadiusSecret == "" {
		return s.master, nil
	}
	return router.RadiusSecret, nil
}

// daeSessions bridges the DAE server to the accounting store.
type daeSessions struct {
	sessions *store.SessionRepo
}

func (s *daeSessions) FindActiveSession(ctx context.Context, username, acctSessionID string) (int64, error) {
	sess, err := s.sessions.FindActive(ctx, username, acctSessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, radius.ErrNoSession
		}
		return 0, err
	}
	return sess.ID, nil
}

func (s *daeSessions) CloseSession(ctx context.Context, id int64, cause string) error {
	return s.sessions.ForceClose(ctx, id, cause)
}

// daeAttrs writes CoA-carried attributes into the reply table.
type daeAttrs struct {
	replies *store.ReplyAttrRepo
}

func (a *daeAttrs) UpsertReplyAttribute(ctx context.Context, username, attribute, op, value string) error {
	return a.replies.Upsert(ctx, username, attribute, op, value)
}
