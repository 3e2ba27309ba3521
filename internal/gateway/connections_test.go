// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair dials a loopback server and returns both ends of one WebSocket
// connection.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never accepted")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newConn(t *testing.T, routerID string) (*Conn, *websocket.Conn) {
	t.Helper()
	server, client := wsPair(t)
	return &Conn{RouterID: routerID, ConnectedAt: time.Now(), ws: server, cancel: func() {}}, client
}

func TestConnections_RegisterAndGet(t *testing.T) {
	cs := NewConnections(discardLogger())
	conn, _ := newConn(t, "r1")

	require.Nil(t, cs.Register(conn))
	assert.True(t, cs.IsConnected("r1"))
	assert.Equal(t, 1, cs.Count())

	got, ok := cs.Get("r1")
	require.True(t, ok)
	assert.Same(t, conn, got)

	assert.False(t, cs.IsConnected("r2"))
}

func TestConnections_RegisterReplaces(t *testing.T) {
	cs := NewConnections(discardLogger())
	first, _ := newConn(t, "r1")
	second, _ := newConn(t, "r1")

	require.Nil(t, cs.Register(first))
	old := cs.Register(second)
	assert.Same(t, first, old)
	assert.Equal(t, 1, cs.Count())

	got, _ := cs.Get("r1")
	assert.Same(t, second, got)
}

func TestConnections_UnregisterOnlyCurrent(t *testing.T) {
	cs := NewConnections(discardLogger())
	first, _ := newConn(t, "r1")
	second, _ := newConn(t, "r1")

	cs.Register(first)
	cs.Register(second)

	assert.False(t, cs.Unregister(first), "a replaced connection must not evict its successor")
	assert.True(t, cs.IsConnected("r1"))

	assert.True(t, cs.Unregister(second))
	assert.False(t, cs.IsConnected("r1"))
}

func TestConnections_SendNotConnected(t *testing.T) {
	cs := NewConnections(discardLogger())
	assert.ErrorIs(t, cs.Send("ghost", []byte("hi")), ErrNotConnected)
}

func TestConnections_SendDelivers(t *testing.T) {
	cs := NewConnections(discardLogger())
	conn, client := newConn(t, "r1")
	cs.Register(conn)

	require.NoError(t, cs.Send("r1", []byte(`{"type":"ping"}`)))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestConnections_CloseAll(t *testing.T) {
	cs := NewConnections(discardLogger())
	conn, client := newConn(t, "r1")
	cs.Register(conn)

	cs.CloseAll()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestConn_LastPong(t *testing.T) {
	conn, _ := newConn(t, "r1")
	assert.True(t, conn.LastPong().IsZero())

	now := time.Now()
	conn.touchPong(now)
	assert.Equal(t, now, conn.LastPong())
}
