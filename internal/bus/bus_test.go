// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, logger), mr
}

func waitForSubscriber(t *testing.T, mr *miniredis.Miniredis, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		// miniredis reports the receiver count on publish; an empty payload
		// probe tells us when the subscription is live.
		if n := mr.Publish(channel, ""); n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no subscriber on %s", channel)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "router:rpc:r1", RPCChannel("r1"))
	assert.Equal(t, "router:rpc:response:cp1", RPCResponseChannel("cp1"))
	assert.Equal(t, "router:x:r1", TunnelChannel("r1"))
}

func TestPublishSubscribe(t *testing.T) {
	b, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := b.Subscribe(ctx, RPCChannel("r1"))
	waitForSubscriber(t, mr, RPCChannel("r1"))

	require.NoError(t, b.Publish(ctx, RPCChannel("r1"), []byte(`{"id":"cmd-1"}`)))

	for {
		select {
		case msg := <-msgs:
			if len(msg.Payload) == 0 {
				continue // probe from waitForSubscriber
			}
			assert.Equal(t, RPCChannel("r1"), msg.Channel)
			assert.JSONEq(t, `{"id":"cmd-1"}`, string(msg.Payload))
			return
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	b, _ := newTestBus(t)
	assert.NoError(t, b.Publish(context.Background(), "router:rpc:ghost", []byte("x")))
}

func TestSubscribe_ClosesOnCancel(t *testing.T) {
	b, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	msgs := b.Subscribe(ctx, TunnelChannel("r1"))
	waitForSubscriber(t, mr, TunnelChannel("r1"))
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-msgs:
			if !ok {
				return // delivery channel closed as promised
			}
		case <-deadline:
			t.Fatal("delivery channel not closed after cancel")
		}
	}
}

func TestSubscribe_MultipleChannels(t *testing.T) {
	b, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := b.Subscribe(ctx, RPCChannel("r1"), TunnelChannel("r1"))
	waitForSubscriber(t, mr, RPCChannel("r1"))

	require.NoError(t, b.Publish(ctx, TunnelChannel("r1"), []byte("tunnel")))
	require.NoError(t, b.Publish(ctx, RPCChannel("r1"), []byte("rpc")))

	got := map[string]string{}
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case msg := <-msgs:
			if len(msg.Payload) == 0 {
				continue
			}
			got[msg.Channel] = string(msg.Payload)
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, "rpc", got[RPCChannel("r1")])
	assert.Equal(t, "tunnel", got[TunnelChannel("r1")])
}
