// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/radfleet/radfleet/internal/config"
)

// DisconnectConfig defines disconnect queue worker settings.
type DisconnectConfig struct {
	// BatchSize caps the rows claimed per worker pass.
	BatchSize int `koanf:"batch_size"`
	// PollInterval is the fallback scan cadence when notifications are lost.
	PollInterval time.Duration `koanf:"poll_interval"`
	// MaxAttempts is the retry budget per queue item.
	MaxAttempts int `koanf:"max_attempts"`
}

// DisconnectDefaults returns the default disconnect worker configuration.
func DisconnectDefaults() DisconnectConfig {
	return DisconnectConfig{
		BatchSize:    200,
		PollInterval: 10 * time.Second,
		MaxAttempts:  5,
	}
}

// Validate validates the disconnect worker configuration.
func (c *DisconnectConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustBeInRange(path.Child("batch_size"), c.BatchSize, 1, 10000); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeGreaterThan(path.Child("poll_interval"), c.PollInterval, 0*time.Second); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeInRange(path.Child("max_attempts"), c.MaxAttempts, 1, 100); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// ReconcileConfig defines session reconciliation settings.
type ReconcileConfig struct {
	// SweepInterval is the cadence of the fleet-wide reconciliation sweep.
	SweepInterval time.Duration `koanf:"sweep_interval"`
	// JitterMax spreads per-router reconciliation starts within the sweep.
	JitterMax time.Duration `koanf:"jitter_max"`
}

// ReconcileDefaults returns the default reconciliation configuration.
func ReconcileDefaults() ReconcileConfig {
	return ReconcileConfig{
		SweepInterval: 15 * time.Minute,
		JitterMax:     10 * time.Second,
	}
}

// Validate validates the reconciliation configuration.
func (c *ReconcileConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustBeGreaterThan(path.Child("sweep_interval"), c.SweepInterval, 0*time.Second); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeNonNegative(path.Child("jitter_max"), c.JitterMax); err != nil {
		errs = append(errs, err)
	}

	return errs
}
