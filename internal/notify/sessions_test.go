// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radfleet/radfleet/internal/cluster"
	"github.com/radfleet/radfleet/internal/store"
)

func newTestCounter(t *testing.T) (*SessionCounter, *miniredis.Miniredis, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewSessionCounter(cluster.New(rdb, "cp1"), store.New(db).Sessions, logger)
	return c, mr, mock
}

func TestHandle_StartIncrements(t *testing.T) {
	c, mr, _ := newTestCounter(t)
	ctx := context.Background()

	c.Handle(ctx, "alice", "start")
	c.Handle(ctx, "alice", "start")

	assert.Equal(t, "2", mustGet(t, mr, "user:sessions:alice"))
	assert.Positive(t, mr.TTL("user:sessions:alice"))
}

// mustGet reads a key that must exist.
func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestHandle_StopDecrements(t *testing.T) {
	c, mr, _ := newTestCounter(t)
	ctx := context.Background()

	c.Handle(ctx, "alice", "start")
	c.Handle(ctx, "alice", "start")
	c.Handle(ctx, "alice", "stop")

	assert.Equal(t, "1", mustGet(t, mr, "user:sessions:alice"))
}

func TestHandle_NegativeCounterRepaired(t *testing.T) {
	c, mr, mock := newTestCounter(t)
	ctx := context.Background()

	// A stop without a matching start drives the counter to -1; the handler
	// recounts from the accounting store.
	mock.ExpectQuery(`SELECT count\(\*\) FROM radacct WHERE username = \$1 AND acctstoptime IS NULL`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	c.Handle(ctx, "alice", "stop")

	assert.Equal(t, "3", mustGet(t, mr, "user:sessions:alice"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandle_UnknownActionIgnored(t *testing.T) {
	c, mr, _ := newTestCounter(t)

	c.Handle(context.Background(), "alice", "restart")
	assert.False(t, mr.Exists("user:sessions:alice"))
}
