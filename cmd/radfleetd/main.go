// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// radfleetd is the control-plane daemon for a fleet of captive-portal edge
// routers: it terminates their WebSocket connections, enforces data quotas
// through RADIUS and drives disconnects across the cluster.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/radfleet/radfleet/internal/daemon"
	"github.com/radfleet/radfleet/internal/daemon/config"
	"github.com/radfleet/radfleet/internal/logging"
	"github.com/radfleet/radfleet/internal/store"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes: 1 for configuration failures, 2 when a startup dependency
// (Postgres, Redis) is unreachable.
const (
	exitConfig     = 1
	exitDependency = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "radfleetd",
		Short:         "RadFleet router control-plane daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newMigrateCmd(&configPath))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, daemon.ErrDependencyUnavailable) {
		return exitDependency
	}
	return exitConfig
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging.ToLoggingConfig())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return daemon.Run(ctx, cfg, logger)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging.ToLoggingConfig())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(ctx, store.Config{
				URL:             cfg.Database.URL,
				MaxOpenConns:    cfg.Database.MaxOpenConns,
				MaxIdleConns:    cfg.Database.MaxIdleConns,
				ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			})
			if err != nil {
				return fmt.Errorf("%w: %v", daemon.ErrDependencyUnavailable, err)
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("radfleetd", version)
		},
	}
}
