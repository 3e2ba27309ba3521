// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/radfleet/radfleet/internal/config"
)

// RadiusConfig defines CoA client and DAE server settings.
type RadiusConfig struct {
	// MasterSecret is the shared secret for the wildcard NAS entry, used
	// until a router has its own generated secret.
	MasterSecret string `koanf:"master_secret"`
	// CoAPort is the UDP port routers listen on for CoA/Disconnect packets.
	CoAPort int `koanf:"coa_port"`
	// CoATimeout bounds the wait for a CoA/Disconnect response.
	CoATimeout time.Duration `koanf:"coa_timeout"`
	// DAEListenAddr is the UDP address for inbound dynamic authorization
	// requests. Empty disables the DAE server.
	DAEListenAddr string `koanf:"dae_listen_addr"`
}

// RadiusDefaults returns the default RADIUS configuration.
func RadiusDefaults() RadiusConfig {
	return RadiusConfig{
		CoAPort:       3799,
		CoATimeout:    5 * time.Second,
		DAEListenAddr: ":3799",
	}
}

// Validate validates the RADIUS configuration.
func (c *RadiusConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustNotBeEmpty(path.Child("master_secret"), c.MasterSecret); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeInRange(path.Child("coa_port"), c.CoAPort, 1, 65535); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeGreaterThan(path.Child("coa_timeout"), c.CoATimeout, 0*time.Second); err != nil {
		errs = append(errs, err)
	}

	return errs
}
