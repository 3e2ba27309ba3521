// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package cluster tracks which control-plane instance owns each router
// connection and whether a router is alive, using TTL keys in the shared
// Redis store. TTL-based self-eviction replaces distributed locking: a fact
// that is not renewed disappears on its own.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes and channels in the shared store.
const (
	keyHeartbeat  = "router:heartbeat:"
	keyOnline     = "router:online:"
	keyConnection = "router:connection:"
	keySessions   = "user:sessions:"
)

// TTLs for the shared-store facts.
const (
	FactTTL       = 60 * time.Second
	RenewInterval = 30 * time.Second
	SessionKeyTTL = 24 * time.Hour
)

// ConnectionFact is the registry value mapping a router to its owning
// instance.
type ConnectionFact struct {
	ServerID  string `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
	RouterID  string `json:"routerId"`
}

// Client wraps the shared TTL store for registry, heartbeat and session
// counter operations. All methods are safe for concurrent use.
type Client struct {
	rdb        *redis.Client
	instanceID string
}

// New creates a cluster client bound to this instance's identity.
func New(rdb *redis.Client, instanceID string) *Client {
	return &Client{rdb: rdb, instanceID: instanceID}
}

// InstanceID returns this instance's cluster identity.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Redis exposes the underlying client for the message bus, which shares the
// connection settings but owns its own pub/sub state.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Register writes the connection fact claiming this router for this
// instance. The owning connection renews it every RenewInterval; an expired
// fact means the router is offline cluster-wide.
func (c *Client) Register(ctx context.Context, routerID string) error {
	fact := ConnectionFact{
		ServerID:  c.instanceID,
		Timestamp: time.Now().UnixMilli(),
		RouterID:  routerID,
	}
	data, err := json.Marshal(fact)
	if err != nil {
		return fmt.Errorf("marshal connection fact: %w", err)
	}
	if err := c.rdb.Set(ctx, keyConnection+routerID, data, FactTTL).Err(); err != nil {
		return fmt.Errorf("register router connection: %w", err)
	}
	return nil
}

// Renew refreshes the connection fact TTL. Renewing re-writes the full fact
// so a stale value from a previous owner cannot outlive its TTL.
func (c *Client) Renew(ctx context.Context, routerID string) error {
	return c.Register(ctx, routerID)
}

// Unregister removes the connection fact. Only the owning instance calls
// this; a crashed instance's fact simply expires.
func (c *Client) Unregister(ctx context.Context, routerID string) error {
	if err := c.rdb.Del(ctx, keyConnection+routerID).Err(); err != nil {
		return fmt.Errorf("unregister router connection: %w", err)
	}
	return nil
}

// Locate returns the instance id owning the router's connection, or ok=false
// when no instance does.
func (c *Client) Locate(ctx context.Context, routerID string) (string, bool, error) {
	data, err := c.rdb.Get(ctx, keyConnection+routerID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("locate router: %w", err)
	}
	var fact ConnectionFact
	if err := json.Unmarshal(data, &fact); err != nil {
		return "", false, fmt.Errorf("decode connection fact: %w", err)
	}
	return fact.ServerID, true, nil
}

// IsLocal reports whether this instance holds the router's connection fact.
func (c *Client) IsLocal(ctx context.Context, routerID string) (bool, error) {
	owner, ok, err := c.Locate(ctx, routerID)
	if err != nil {
		return false, err
	}
	return ok && owner == c.instanceID, nil
}

// Heartbeat refreshes the router's liveness facts. Called on every inbound
// frame and pong.
func (c *Client) Heartbeat(ctx context.Context, routerID string) error {
	now := time.Now().UnixMilli()
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, keyHeartbeat+routerID, now, FactTTL)
	pipe.Set(ctx, keyOnline+routerID, "1", FactTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refresh heartbeat: %w", err)
	}
	return nil
}

// ClearHeartbeat drops the liveness facts so the router reads offline
// immediately instead of after TTL expiry.
func (c *Client) ClearHeartbeat(ctx context.Context, routerID string) error {
	if err := c.rdb.Del(ctx, keyHeartbeat+routerID, keyOnline+routerID).Err(); err != nil {
		return fmt.Errorf("clear heartbeat: %w", err)
	}
	return nil
}

// IsOnline reports whether the router has a live heartbeat fact. An absent
// heartbeat means offline regardless of registry state.
func (c *Client) IsOnline(ctx context.Context, routerID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, keyHeartbeat+routerID).Result()
	if err != nil {
		return false, fmt.Errorf("check heartbeat: %w", err)
	}
	return n > 0, nil
}

// OnlineRouters lists router ids with a live heartbeat fact. Used by the
// fleet reconciliation sweep.
func (c *Client) OnlineRouters(ctx context.Context) ([]string, error) {
	keys, err := c.rdb.Keys(ctx, keyHeartbeat+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("list online routers: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len(keyHeartbeat):])
	}
	return out, nil
}

// Ping verifies the shared store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
