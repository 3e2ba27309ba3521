// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors for the control plane and
// the ops HTTP handler that exposes them. All observation methods are safe
// on a nil receiver so tests can pass nil.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the control-plane collectors over one registry.
type Metrics struct {
	registry *prometheus.Registry

	coaResults           *prometheus.CounterVec
	daePackets           *prometheus.CounterVec
	daeDropped           *prometheus.CounterVec
	rpcTimeouts          prometheus.Counter
	disconnectsProcessed prometheus.Counter
	disconnectsFailed    prometheus.Counter
	sessionsTerminated   prometheus.Counter
}

// New creates the registry and collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		coaResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radfleet_coa_results_total",
			Help: "CoA/Disconnect exchanges by result.",
		}, []string{"result"}),
		daePackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radfleet_dae_packets_total",
			Help: "Handled DAE packets by reply code.",
		}, []string{"code"}),
		daeDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radfleet_dae_dropped_total",
			Help: "Silently dropped DAE packets by reason.",
		}, []string{"reason"}),
		rpcTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radfleet_rpc_timeouts_total",
			Help: "Router commands that hit their deadline.",
		}),
		disconnectsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radfleet_disconnect_items_processed_total",
			Help: "Disconnect queue items marked processed.",
		}),
		disconnectsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radfleet_disconnect_items_failed_total",
			Help: "Disconnect queue item attempts that failed.",
		}),
		sessionsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radfleet_reconciler_sessions_terminated_total",
			Help: "Durable sessions force-closed by the reconciler.",
		}),
	}
	reg.MustRegister(m.coaResults, m.daePackets, m.daeDropped, m.rpcTimeouts,
		m.disconnectsProcessed, m.disconnectsFailed, m.sessionsTerminated)
	return m
}

// RegisterGauges wires the live gauges that read component state on scrape.
func (m *Metrics) RegisterGauges(connectedRouters, rpcInflight, tunnelSessions func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "radfleet_connected_routers",
			Help: "Routers connected to this instance.",
		}, connectedRouters),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "radfleet_rpc_inflight",
			Help: "Commands awaiting a router response.",
		}, rpcInflight),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "radfleet_tunnel_sessions",
			Help: "Open tunnel sessions on this instance.",
		}, tunnelSessions),
	)
}

// Handler returns the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCoAResult records one CoA exchange outcome: ack, nak, timeout or
// error.
func (m *Metrics) ObserveCoAResult(result string) {
	if m == nil {
		return
	}
	m.coaResults.WithLabelValues(result).Inc()
}

// ObserveDAEPacket records one handled DAE packet by reply code.
func (m *Metrics) ObserveDAEPacket(code byte) {
	if m == nil {
		return
	}
	m.daePackets.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

// ObserveDAEDropped records one silently dropped DAE packet.
func (m *Metrics) ObserveDAEDropped(reason string) {
	if m == nil {
		return
	}
	m.daeDropped.WithLabelValues(reason).Inc()
}

// ObserveRPCTimeout records one command deadline hit.
func (m *Metrics) ObserveRPCTimeout() {
	if m == nil {
		return
	}
	m.rpcTimeouts.Inc()
}

// ObserveDisconnectProcessed records one queue item marked processed.
func (m *Metrics) ObserveDisconnectProcessed() {
	if m == nil {
		return
	}
	m.disconnectsProcessed.Inc()
}

// ObserveDisconnectFailed records one failed queue item attempt.
func (m *Metrics) ObserveDisconnectFailed() {
	if m == nil {
		return
	}
	m.disconnectsFailed.Inc()
}

// ObserveSessionTerminated records sessions force-closed by reconciliation.
func (m *Metrics) ObserveSessionTerminated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsTerminated.Add(float64(n))
}
