// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package config defines the radfleetd daemon configuration.
package config

import (
	"fmt"
	"log/slog"

	coreconfig "github.com/radfleet/radfleet/internal/config"
)

// Config is the top-level configuration for the radfleetd daemon.
type Config struct {
	// Server defines the router-facing WebSocket listener settings.
	Server ServerConfig `koanf:"server"`
	// Instance identifies this control-plane instance in the cluster.
	Instance InstanceConfig `koanf:"instance"`
	// Database defines the durable store (Postgres) settings.
	Database DatabaseConfig `koanf:"database"`
	// Redis defines the shared registry and message bus settings.
	Redis RedisConfig `koanf:"redis"`
	// Gateway defines router connection liveness settings.
	Gateway GatewayConfig `koanf:"gateway"`
	// Tunnel defines remote management tunnel settings.
	Tunnel TunnelConfig `koanf:"tunnel"`
	// Radius defines CoA client and DAE server settings.
	Radius RadiusConfig `koanf:"radius"`
	// Disconnect defines disconnect queue worker settings.
	Disconnect DisconnectConfig `koanf:"disconnect"`
	// Reconcile defines session reconciliation settings.
	Reconcile ReconcileConfig `koanf:"reconcile"`
	// Logging defines logging settings.
	Logging LoggingConfig `koanf:"logging"`
}

// Defaults returns the default daemon configuration.
func Defaults() Config {
	return Config{
		Server:     ServerDefaults(),
		Instance:   InstanceDefaults(),
		Database:   DatabaseDefaults(),
		Redis:      RedisDefaults(),
		Gateway:    GatewayDefaults(),
		Tunnel:     TunnelDefaults(),
		Radius:     RadiusDefaults(),
		Disconnect: DisconnectDefaults(),
		Reconcile:  ReconcileDefaults(),
		Logging:    LoggingDefaults(),
	}
}

// Load loads configuration from file and environment variables.
// Environment variables use the prefix RADFLEET__ with double underscore for nesting.
// Example: RADFLEET__SERVER__PORT=9443
func Load(configPath string) (*Config, error) {
	// The configured logger does not exist yet while its own settings load,
	// so the loader's debug output goes through the process default.
	loader := coreconfig.NewLoader("RADFLEET", coreconfig.WithLogger(slog.Default()))

	if err := loader.LoadWithDefaults(Defaults(), configPath); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := loader.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Instance.ID == "" {
		cfg.Instance.ID = GenerateInstanceID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the daemon configuration.
func (c *Config) Validate() error {
	var errs coreconfig.ValidationErrors

	errs = append(errs, c.Server.Validate(coreconfig.NewPath("server"))...)
	errs = append(errs, c.Instance.Validate(coreconfig.NewPath("instance"))...)
	errs = append(errs, c.Database.Validate(coreconfig.NewPath("database"))...)
	errs = append(errs, c.Redis.Validate(coreconfig.NewPath("redis"))...)
	errs = append(errs, c.Gateway.Validate(coreconfig.NewPath("gateway"))...)
	errs = append(errs, c.Tunnel.Validate(coreconfig.NewPath("tunnel"))...)
	errs = append(errs, c.Radius.Validate(coreconfig.NewPath("radius"))...)
	errs = append(errs, c.Disconnect.Validate(coreconfig.NewPath("disconnect"))...)
	errs = append(errs, c.Reconcile.Validate(coreconfig.NewPath("reconcile"))...)
	errs = append(errs, c.Logging.Validate(coreconfig.NewPath("logging"))...)

	return errs.OrNil()
}
