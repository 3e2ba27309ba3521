// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/radfleet/radfleet/internal/config"
)

// ServerConfig defines the router-facing listener settings.
type ServerConfig struct {
	// Port is the WebSocket listener port routers dial into.
	Port int `koanf:"port"`
	// OpsPort serves health and metrics endpoints.
	OpsPort int `koanf:"ops_port"`
	// ReadTimeout is the maximum duration for reading the upgrade request.
	ReadTimeout time.Duration `koanf:"read_timeout"`
	// WriteTimeout is the maximum duration before timing out handshake writes.
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// IdleTimeout is the maximum duration to wait for the next request.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	// ShutdownTimeout bounds the graceful drain on SIGTERM/SIGINT.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ServerDefaults returns the default server configuration.
func ServerDefaults() ServerConfig {
	return ServerConfig{
		Port:            8443,
		OpsPort:         8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustBeInRange(path.Child("port"), c.Port, 1, 65535); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeInRange(path.Child("ops_port"), c.OpsPort, 1, 65535); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeNonNegative(path.Child("read_timeout"), c.ReadTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeNonNegative(path.Child("write_timeout"), c.WriteTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeNonNegative(path.Child("idle_timeout"), c.IdleTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeGreaterThan(path.Child("shutdown_timeout"), c.ShutdownTimeout, 0*time.Second); err != nil {
		errs = append(errs, err)
	}

	return errs
}
