// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon wires the control-plane components together and runs them
// until shutdown. It is the only place that knows the full object graph;
// every component below it takes its collaborators explicitly.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/radfleet/radfleet/internal/bus"
	"github.com/radfleet/radfleet/internal/cluster"
	daemoncfg "github.com/radfleet/radfleet/internal/daemon/config"
	"github.com/radfleet/radfleet/internal/disconnect"
	"github.com/radfleet/radfleet/internal/gateway"
	"github.com/radfleet/radfleet/internal/metrics"
	"github.com/radfleet/radfleet/internal/notify"
	"github.com/radfleet/radfleet/internal/quota"
	radiuspkg "github.com/radfleet/radfleet/internal/radius"
	"github.com/radfleet/radfleet/internal/reconcile"
	"github.com/radfleet/radfleet/internal/rpc"
	"github.com/radfleet/radfleet/internal/store"
	"github.com/radfleet/radfleet/internal/tunnel"
)

// ErrDependencyUnavailable marks a store or bus that could not be reached at
// startup. The CLI maps it to exit code 2.
var ErrDependencyUnavailable = errors.New("dependency unavailable at startup")

// Run starts the daemon and blocks until ctx is cancelled, then drains
// within the configured shutdown timeout.
func Run(ctx context.Context, cfg *daemoncfg.Config, logger *slog.Logger) error {
	st, err := store.Open(ctx, store.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	defer st.Close()

	if err := st.EnsureWildcardNAS(ctx, cfg.Radius.MasterSecret); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisOpts.DialTimeout = cfg.Redis.DialTimeout
	redisOpts.ReadTimeout = cfg.Redis.ReadTimeout
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis: %v", ErrDependencyUnavailable, err)
	}

	logger.Info("daemon starting", "instance", cfg.Instance.ID)

	m := metrics.New()
	cl := cluster.New(rdb, cfg.Instance.ID)
	b := bus.New(rdb, logger)
	conns := gateway.NewConnections(logger)

	commands := rpc.NewManager(cfg.Instance.ID, cl, conns, b, logger)
	commands.OnTimeout = m.ObserveRPCTimeout
	commands.DefaultTimeout = cfg.Gateway.RPCTimeout

	tunnels := tunnel.NewManager(tunnel.Config{
		IdleTimeout:  cfg.Tunnel.IdleTimeout,
		ProbeTimeout: cfg.Tunnel.ProbeTimeout,
	}, conns, commands, cl, b, logger)

	endpoint := gateway.New(gateway.Config{
		PingInterval:          cfg.Gateway.PingInterval,
		PongTimeout:           cfg.Gateway.PongTimeout,
		LivenessWriteInterval: cfg.Gateway.LivenessWriteInterval,
	}, conns, cl, st.Routers, commands, tunnels, logger)

	quotas := quota.NewManager(st, commands, cl, logger)

	coa := radiuspkg.NewClient(cfg.Radius.CoATimeout, logger)
	worker := disconnect.NewWorker(disconnect.Config{
		BatchSize:    cfg.Disconnect.BatchSize,
		PollInterval: cfg.Disconnect.PollInterval,
		MaxAttempts:  cfg.Disconnect.MaxAttempts,
		CoAPort:      cfg.Radius.CoAPort,
		MasterSecret: cfg.Radius.MasterSecret,
	}, st, coa, cl, quotas, m, logger)
	expiry := disconnect.NewScheduler(time.Hour, st, quotas, worker, logger)

	reconciler := reconcile.New(reconcile.Config{
		SweepInterval: cfg.Reconcile.SweepInterval,
		JitterMax:     cfg.Reconcile.JitterMax,
	}, st, commands, cl, m, logger)

	statuses := cluster.NewStatusResolver(cl, st.Routers, logger)
	statuses.OnUnroutable = func(routerID string) {
		hctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		reconciler.ReconcileRouter(hctx, routerID)
	}

	var dae *radiuspkg.Server
	if cfg.Radius.DAEListenAddr != "" {
		dae = radiuspkg.NewServer(cfg.Radius.DAEListenAddr,
			&daeSecrets{routers: st.Routers, master: cfg.Radius.MasterSecret},
			&daeSessions{sessions: st.Sessions},
			&daeAttrs{replies: st.ReplyAttrs},
			logger)
		dae.OnPacket = m.ObserveDAEPacket
		dae.OnDropped = m.ObserveDAEDropped
	}

	counter := notify.NewSessionCounter(cl, st.Sessions, logger)
	listener := notify.NewListener(cfg.Database.URL, notify.Handlers{
		OnDisconnectQueue: worker.Wake,
		OnPlanExpiry:      expiry.HandleExpiredUser,
		OnSessionCount:    counter.Handle,
	}, logger)

	// Reconnect hooks: reconcile the router's sessions and replay failed
	// disconnects once it is reachable again.
	endpoint.OnRegister = func(routerID string) {
		hctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		reconciler.ReconcileRouter(hctx, routerID)
		worker.EnqueueRetriesForRouter(hctx, routerID)
	}
	endpoint.OnDisconnect = func(routerID string) {
		hctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := statuses.Status(hctx, routerID); err != nil {
			logger.Debug("status refresh after disconnect failed", "router", routerID, "error", err)
		}
	}

	m.RegisterGauges(
		func() float64 { return float64(conns.Count()) },
		func() float64 { return float64(commands.Inflight()) },
		func() float64 { return float64(tunnels.Count()) },
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	background := []func(context.Context){
		commands.Run,
		tunnels.Run,
		worker.Run,
		expiry.Run,
		reconciler.Run,
		listener.Run,
	}
	for _, run := range background {
		go run(runCtx)
	}
	if dae != nil {
		go func() {
			if err := dae.Run(runCtx); err != nil {
				logger.Error("dae server stopped", "error", err)
			}
		}()
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", endpoint.ServeWS)
	wsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      wsMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/health", handleHealth)
	opsMux.HandleFunc("/ready", handleHealth)
	opsMux.Handle("/metrics", m.Handler())
	opsMux.Handle("/routers/status", newStatusHandler(statuses))
	opsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.OpsPort),
		Handler:      opsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 2)
	go func() {
		logger.Info("router endpoint listening", "port", cfg.Server.Port)
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("router endpoint: %w", err)
		}
	}()
	go func() {
		logger.Info("ops server listening", "port", cfg.Server.OpsPort)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("ops server: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting, close router connections (which fails their pending
	// commands and tunnels), then stop the background loops.
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("router endpoint shutdown", "error", err)
	}
	conns.CloseAll()
	cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", "error", err)
	}

	logger.Info("daemon stopped")
	return nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// newStatusHandler exposes the real-time router status chain on the ops
// port for external tooling.
func newStatusHandler(statuses *cluster.StatusResolver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routerID := r.URL.Query().Get("id")
		if routerID == "" {
			http.Error(w, "missing id parameter", http.StatusBadRequest)
			return
		}
		status, err := statuses.Status(r.Context(), routerID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "{\"routerId\":%q,\"status\":%q}\n", routerID, status)
	})
}
