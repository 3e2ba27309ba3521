// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the best-effort pub/sub fabric between control-plane
// instances, backed by Redis channels. Delivery is at-most-once; messages
// published while a subscriber is reconnecting are lost, which the RPC layer
// tolerates through command-id correlation and timeouts.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Channel name builders for the conventions shared across instances.
func RPCChannel(routerID string) string { return "router:rpc:" + routerID }

func RPCResponseChannel(instanceID string) string { return "router:rpc:response:" + instanceID }

func TunnelChannel(routerID string) string { return "router:x:" + routerID }

// Message is one delivery from a subscription.
type Message struct {
	Channel string
	Payload []byte
}

// Bus publishes and subscribes on the shared Redis instance.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a bus over an existing Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger.With("component", "bus")}
}

// Publish sends a payload to one channel. Zero subscribers is not an error.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a long-lived subscription on the given channels and
// returns the delivery channel. The subscription survives connection loss by
// resubscribing with exponential backoff capped at 30s; it ends when ctx is
// cancelled, which also closes the delivery channel.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan Message {
	out := make(chan Message, 64)
	go b.run(ctx, channels, out)
	return out
}

func (b *Bus) run(ctx context.Context, channels []string, out chan<- Message) {
	defer close(out)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if err := b.consume(ctx, channels, out); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			b.logger.Warn("subscription lost, reconnecting",
				"channels", channels, "backoff", wait, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		return
	}
}

// consume holds one subscription until it fails or the context ends. A nil
// return means the context ended.
func (b *Bus) consume(ctx context.Context, channels []string, out chan<- Message) error {
	sub := b.rdb.Subscribe(ctx, channels...)
	defer sub.Close()

	// Confirm the subscription before reporting healthy.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			select {
			case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
				// Best-effort fabric: drop rather than block the reader.
				b.logger.Warn("dropping bus message, consumer is slow", "channel", msg.Channel)
			}
		}
	}
}
