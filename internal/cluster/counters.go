// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// IncrSessions bumps the user's active-session counter and returns the new
// value. The key TTL is refreshed so abandoned counters eventually vanish.
func (c *Client) IncrSessions(ctx context.Context, username string) (int64, error) {
	key := keySessions + username
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment session counter: %w", err)
	}
	if err := c.rdb.Expire(ctx, key, SessionKeyTTL).Err(); err != nil {
		return n, fmt.Errorf("refresh session counter ttl: %w", err)
	}
	return n, nil
}

// DecrSessions lowers the user's active-session counter and returns the new
// value. A negative result means the counter drifted; the caller recomputes
// from the accounting store and calls SetSessions.
func (c *Client) DecrSessions(ctx context.Context, username string) (int64, error) {
	key := keySessions + username
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("decrement session counter: %w", err)
	}
	if err := c.rdb.Expire(ctx, key, SessionKeyTTL).Err(); err != nil {
		return n, fmt.Errorf("refresh session counter ttl: %w", err)
	}
	return n, nil
}

// SetSessions overwrites the counter with a recomputed value.
func (c *Client) SetSessions(ctx context.Context, username string, count int64) error {
	if err := c.rdb.Set(ctx, keySessions+username, count, SessionKeyTTL).Err(); err != nil {
		return fmt.Errorf("set session counter: %w", err)
	}
	return nil
}

// Sessions returns the user's counter value; absent counts as zero.
func (c *Client) Sessions(ctx context.Context, username string) (int64, error) {
	v, err := c.rdb.Get(ctx, keySessions+username).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get session counter: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse session counter: %w", err)
	}
	return n, nil
}
