// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package disconnect

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radfleet/radfleet/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *Worker, sqlmock.Sqlmock, *fakeAttrs) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	attrs := &fakeAttrs{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	worker := NewWorker(testWorkerConfig(), st, &fakeCoA{}, &fakeOnline{}, attrs, nil, logger)
	s := NewScheduler(time.Hour, st, attrs, worker, logger)
	return s, worker, mock, attrs
}

func expectHasPending(mock sqlmock.Sqlmock, pending bool) {
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM disconnect_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(pending))
}

func expectHasActivePlan(mock sqlmock.Sqlmock, active bool) {
	mock.ExpectQuery(`SELECT EXISTS\(\s+SELECT 1 FROM user_plans`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(active))
}

func TestHandleExpiredUser_Enqueues(t *testing.T) {
	s, _, mock, attrs := newTestScheduler(t)

	expectHasPending(mock, false)
	mock.ExpectQuery(`INSERT INTO disconnect_queue \(username, reason\) VALUES \(\$1, \$2\) RETURNING id`).
		WithArgs("alice", store.ReasonPlanExpired).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	expectHasActivePlan(mock, true)

	s.HandleExpiredUser(context.Background(), "alice")

	assert.Equal(t, []string{"alice"}, attrs.refreshed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleExpiredUser_SkipsDuplicateIntent(t *testing.T) {
	s, _, mock, attrs := newTestScheduler(t)

	expectHasPending(mock, true)
	expectHasActivePlan(mock, true)

	s.HandleExpiredUser(context.Background(), "alice")

	assert.Equal(t, []string{"alice"}, attrs.refreshed)
	assert.NoError(t, mock.ExpectationsWereMet(), "a pending intent must not be enqueued twice")
}

func TestHandleExpiredUser_DisablesWithoutPlan(t *testing.T) {
	s, _, mock, _ := newTestScheduler(t)

	expectHasPending(mock, true)
	expectHasActivePlan(mock, false)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET disabled = true`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO radcheck`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s.HandleExpiredUser(context.Background(), "ghost")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPass_ExpiresPlansAndWakesWorker(t *testing.T) {
	s, worker, mock, attrs := newTestScheduler(t)

	mock.ExpectQuery(`UPDATE user_plans SET active = false`).
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("alice"))

	// HandleExpiredUser for alice.
	expectHasPending(mock, false)
	mock.ExpectQuery(`INSERT INTO disconnect_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	expectHasActivePlan(mock, true)

	// No quota periods closed with attributes still present.
	mock.ExpectQuery(`SELECT DISTINCT q\.username FROM user_quotas q`).
		WillReturnRows(sqlmock.NewRows([]string{"username"}))

	s.pass(context.Background())

	assert.Equal(t, []string{"alice"}, attrs.refreshed)
	assert.Len(t, worker.wake, 1, "the pass nudges the worker")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPass_NothingExpired(t *testing.T) {
	s, worker, mock, attrs := newTestScheduler(t)

	mock.ExpectQuery(`UPDATE user_plans SET active = false`).
		WillReturnRows(sqlmock.NewRows([]string{"username"}))
	mock.ExpectQuery(`SELECT DISTINCT q\.username FROM user_quotas q`).
		WillReturnRows(sqlmock.NewRows([]string{"username"}))

	s.pass(context.Background())

	assert.Empty(t, attrs.refreshed)
	assert.Empty(t, worker.wake, "an empty pass must not wake the worker")
}

func TestNewScheduler_DefaultsInterval(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(0, store.New(db), &fakeAttrs{}, nil, logger)
	assert.Equal(t, time.Hour, s.interval)
}
