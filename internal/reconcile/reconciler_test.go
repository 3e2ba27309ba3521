// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radfleet/radfleet/internal/store"
)

type invocation struct {
	routerID string
	path     string
	method   string
	args     map[string]any
}

type fakeInvoker struct {
	clients   map[string]json.RawMessage
	clientErr error
	kickErr   error
	calls     []invocation
}

func (f *fakeInvoker) Send(_ context.Context, routerID, path, method string, args map[string]any, _ time.Duration) (json.RawMessage, error) {
	f.calls = append(f.calls, invocation{routerID: routerID, path: path, method: method, args: args})
	if method == "clients" {
		if f.clientErr != nil {
			return nil, f.clientErr
		}
		return f.clients[routerID], nil
	}
	return nil, f.kickErr
}

func (f *fakeInvoker) kicks() []invocation {
	var out []invocation
	for _, c := range f.calls {
		if c.method == "kick" {
			out = append(out, c)
		}
	}
	return out
}

type fakeFleet struct {
	routers []string
	err     error
}

func (f *fakeFleet) OnlineRouters(context.Context) ([]string, error) {
	return f.routers, f.err
}

func newTestReconciler(t *testing.T, invoker *fakeInvoker, fleet *fakeFleet) (*Reconciler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{SweepInterval: time.Hour}
	return New(cfg, store.New(db), invoker, fleet, nil, logger), mock
}

func sessionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"radacctid", "acctsessionid", "username", "router_id", "nasipaddress",
		"framedipaddress", "callingstationid", "acctstarttime", "acctstoptime",
		"acctinputoctets", "acctoutputoctets", "acctterminatecause",
	})
}

func addSession(rows *sqlmock.Rows, id int64, username, mac string) *sqlmock.Rows {
	return rows.AddRow(id, "sess", username, "r1", "10.0.0.1", "10.1.0.5", mac,
		time.Now(), nil, 0, 0, "")
}

func expectActiveByRouter(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT .+ FROM radacct WHERE router_id = \$1 AND acctstoptime IS NULL`).
		WillReturnRows(rows)
}

func expectShouldDisable(mock sqlmock.Sqlmock, disable bool) {
	mock.ExpectQuery(`SELECT\s+NOT EXISTS\(`).
		WillReturnRows(sqlmock.NewRows([]string{"should"}).AddRow(disable))
}

func expectForceClose(mock sqlmock.Sqlmock, id int64) {
	mock.ExpectExec(`UPDATE radacct SET acctstoptime = now\(\), acctterminatecause = \$2`).
		WithArgs(id, store.TerminateCauseAdminReset).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestReconcileRouter_NoSessions(t *testing.T) {
	invoker := &fakeInvoker{}
	r, mock := newTestReconciler(t, invoker, &fakeFleet{})

	expectActiveByRouter(mock, sessionRows())

	res := r.ReconcileRouter(context.Background(), "r1")
	assert.Zero(t, res.SessionsChecked)
	assert.Empty(t, invoker.calls, "an empty router needs no client list")
}

func TestReconcileRouter_HealthySessionUntouched(t *testing.T) {
	invoker := &fakeInvoker{clients: map[string]json.RawMessage{
		"r1": json.RawMessage(`[{"mac":"aa:bb:cc:dd:ee:ff"}]`),
	}}
	r, mock := newTestReconciler(t, invoker, &fakeFleet{})

	expectActiveByRouter(mock, addSession(sessionRows(), 1, "alice", "AA:BB:CC:DD:EE:FF"))
	expectShouldDisable(mock, false)

	res := r.ReconcileRouter(context.Background(), "r1")
	assert.Equal(t, Result{SessionsChecked: 1}, res)
	assert.Empty(t, invoker.kicks())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileRouter_DisabledUserKickedAndClosed(t *testing.T) {
	invoker := &fakeInvoker{clients: map[string]json.RawMessage{
		"r1": json.RawMessage(`[{"mac":"AA:BB:CC:DD:EE:FF"}]`),
	}}
	r, mock := newTestReconciler(t, invoker, &fakeFleet{})

	expectActiveByRouter(mock, addSession(sessionRows(), 7, "ghost", "aa-bb-cc-dd-ee-ff"))
	expectShouldDisable(mock, true)
	expectForceClose(mock, 7)

	res := r.ReconcileRouter(context.Background(), "r1")
	assert.Equal(t, Result{SessionsChecked: 1, Kicked: 1, Closed: 1}, res)

	kicks := invoker.kicks()
	require.Len(t, kicks, 1)
	assert.Equal(t, "AABBCCDDEEFF", kicks[0].args["mac"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileRouter_StaleSessionClosedWithoutKick(t *testing.T) {
	// The MAC is gone from the live list: nothing to kick, but the durable
	// session must still be closed.
	invoker := &fakeInvoker{clients: map[string]json.RawMessage{
		"r1": json.RawMessage(`[]`),
	}}
	r, mock := newTestReconciler(t, invoker, &fakeFleet{})

	expectActiveByRouter(mock, addSession(sessionRows(), 9, "alice", "AA:BB:CC:DD:EE:FF"))
	expectShouldDisable(mock, false)
	expectForceClose(mock, 9)

	res := r.ReconcileRouter(context.Background(), "r1")
	assert.Equal(t, Result{SessionsChecked: 1, Closed: 1}, res)
	assert.Empty(t, invoker.kicks())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileRouter_RPCFailureSkipsRouter(t *testing.T) {
	invoker := &fakeInvoker{clientErr: errors.New("router busy")}
	r, mock := newTestReconciler(t, invoker, &fakeFleet{})

	expectActiveByRouter(mock, addSession(sessionRows(), 1, "alice", "AA"))

	res := r.ReconcileRouter(context.Background(), "r1")
	assert.Equal(t, 1, res.Errors)
	assert.Zero(t, res.Closed, "sessions stay open when the live list is unavailable")
}

func TestReconcileRouter_KickFailureStillCloses(t *testing.T) {
	invoker := &fakeInvoker{
		clients: map[string]json.RawMessage{"r1": json.RawMessage(`[{"mac":"AA:BB:CC:DD:EE:FF"}]`)},
		kickErr: errors.New("client vanished"),
	}
	r, mock := newTestReconciler(t, invoker, &fakeFleet{})

	expectActiveByRouter(mock, addSession(sessionRows(), 3, "ghost", "AA:BB:CC:DD:EE:FF"))
	expectShouldDisable(mock, true)
	expectForceClose(mock, 3)

	res := r.ReconcileRouter(context.Background(), "r1")
	assert.Equal(t, Result{SessionsChecked: 1, Closed: 1, Errors: 1}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_ReconcilesEveryOnlineRouter(t *testing.T) {
	invoker := &fakeInvoker{}
	r, mock := newTestReconciler(t, invoker, &fakeFleet{routers: []string{"r1", "r2"}})

	expectActiveByRouter(mock, sessionRows())
	expectActiveByRouter(mock, sessionRows())

	r.Sweep(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"aa:bb:cc:dd:ee:ff", "AABBCCDDEEFF"},
		{"AA-BB-CC-DD-EE-FF", "AABBCCDDEEFF"},
		{"aabb.ccdd.eeff", "AABBCCDDEEFF"},
		{"AABBCCDDEEFF", "AABBCCDDEEFF"},
		{"not a mac", "NOTAMAC"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeMAC(tt.in), tt.in)
	}
}
