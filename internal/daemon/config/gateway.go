// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/radfleet/radfleet/internal/config"
)

// GatewayConfig defines router connection liveness settings.
type GatewayConfig struct {
	// PingInterval is how often the server pings each connected router.
	PingInterval time.Duration `koanf:"ping_interval"`
	// PongTimeout closes a connection with no pong inside this window.
	PongTimeout time.Duration `koanf:"pong_timeout"`
	// LivenessWriteInterval rate-limits durable last-seen updates per router.
	LivenessWriteInterval time.Duration `koanf:"liveness_write_interval"`
	// RPCTimeout is the default wait for a router command result.
	RPCTimeout time.Duration `koanf:"rpc_timeout"`
}

// GatewayDefaults returns the default gateway configuration.
func GatewayDefaults() GatewayConfig {
	return GatewayConfig{
		PingInterval:          30 * time.Second,
		PongTimeout:           60 * time.Second,
		LivenessWriteInterval: 10 * time.Minute,
		RPCTimeout:            30 * time.Second,
	}
}

// Validate validates the gateway configuration.
func (c *GatewayConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustBeGreaterThan(path.Child("ping_interval"), c.PingInterval, 0*time.Second); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeGreaterThan(path.Child("pong_timeout"), c.PongTimeout, 0*time.Second); err != nil {
		errs = append(errs, err)
	}

	// A pong window shorter than the ping cadence would drop every connection.
	if c.PongTimeout <= c.PingInterval {
		errs = append(errs, config.Invalid(path.Child("pong_timeout"), "must be greater than ping_interval"))
	}

	if err := config.MustBeGreaterThan(path.Child("liveness_write_interval"), c.LivenessWriteInterval, 0*time.Second); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeGreaterThan(path.Child("rpc_timeout"), c.RPCTimeout, 0*time.Second); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// TunnelConfig defines remote management tunnel settings.
type TunnelConfig struct {
	// IdleTimeout force-closes a tunnel session with no traffic in either
	// direction for this long.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	// ProbeTimeout bounds the reachability ping sent before opening a tunnel.
	ProbeTimeout time.Duration `koanf:"probe_timeout"`
}

// TunnelDefaults returns the default tunnel configuration.
func TunnelDefaults() TunnelConfig {
	return TunnelConfig{
		IdleTimeout:  time.Hour,
		ProbeTimeout: 3 * time.Second,
	}
}

// Validate validates the tunnel configuration.
func (c *TunnelConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustBeGreaterThan(path.Child("idle_timeout"), c.IdleTimeout, 0*time.Second); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeGreaterThan(path.Child("probe_timeout"), c.ProbeTimeout, 0*time.Second); err != nil {
		errs = append(errs, err)
	}

	return errs
}
