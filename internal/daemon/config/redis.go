// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/radfleet/radfleet/internal/config"
)

// RedisConfig defines the shared registry and message bus settings.
type RedisConfig struct {
	// URL is the Redis connection URL, e.g. redis://localhost:6379/0.
	URL string `koanf:"url"`
	// DialTimeout bounds the initial connection.
	DialTimeout time.Duration `koanf:"dial_timeout"`
	// ReadTimeout bounds blocking command reads.
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// RedisDefaults returns the default Redis configuration.
func RedisDefaults() RedisConfig {
	return RedisConfig{
		URL:         "redis://localhost:6379/0",
		DialTimeout: 5 * time.Second,
		ReadTimeout: 3 * time.Second,
	}
}

// Validate validates the Redis configuration.
func (c *RedisConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustNotBeEmpty(path.Child("url"), c.URL); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeNonNegative(path.Child("dial_timeout"), c.DialTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := config.MustBeNonNegative(path.Child("read_timeout"), c.ReadTimeout); err != nil {
		errs = append(errs, err)
	}

	return errs
}
