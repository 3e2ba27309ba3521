// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "time"

// Router status values mirrored into the durable store.
const (
	RouterStatusOnline  = "online"
	RouterStatusOffline = "offline"
)

// TerminateCauseAdminReset marks sessions force-closed by the control plane.
const TerminateCauseAdminReset = "admin-reset"

// Disconnect queue reasons.
const (
	ReasonQuotaExceeded = "quota-exceeded"
	ReasonPlanExpired   = "plan-expired"
	ReasonAdmin         = "admin"
)

// Router is an edge router known to the control plane. Rows are created by
// an external admin flow; the core mutates secret, address, name, status and
// last-seen only.
type Router struct {
	ID           string
	Name         string
	Token        string
	RadiusSecret string
	Address      string
	Status       string
	LastSeen     *time.Time
	CreatedAt    time.Time
}

// AcctSession is one RADIUS accounting session row. A nil StopTime means the
// session is active.
type AcctSession struct {
	ID               int64
	AcctSessionID    string
	Username         string
	RouterID         string
	NASIPAddress     string
	FramedIPAddress  string
	CallingStationID string
	StartTime        time.Time
	StopTime         *time.Time
	InputOctets      int64
	OutputOctets     int64
	TerminateCause   string
}

// Active reports whether the session has no stop time yet.
func (s *AcctSession) Active() bool {
	return s.StopTime == nil
}

// Quota is a per-user data allowance for one period. UsedOctets is advanced
// by database triggers from accounting updates and never written by the core.
type Quota struct {
	ID          int64
	Username    string
	QuotaType   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	MaxOctets   int64
	UsedOctets  int64
}

// ReplyAttribute is one RADIUS reply table row.
type ReplyAttribute struct {
	ID        int64
	Username  string
	Attribute string
	Op        string
	Value     string
}

// DisconnectItem is one durable disconnect intent.
type DisconnectItem struct {
	ID        int64
	Username  string
	Reason    string
	CreatedAt time.Time
	Processed bool
	Attempts  int
	LastError string
}
