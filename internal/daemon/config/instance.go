// Copyright 2026 The RadFleet Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/radfleet/radfleet/internal/config"
)

// InstanceConfig identifies this control-plane instance.
type InstanceConfig struct {
	// ID is the cluster-unique instance identity. Empty means generate one
	// at startup in the form <hostname>-<pid>-<random8>.
	ID string `koanf:"id"`
}

// InstanceDefaults returns the default instance configuration.
func InstanceDefaults() InstanceConfig {
	return InstanceConfig{}
}

// GenerateInstanceID builds the default instance identity:
// <hostname>-<pid>-<random8>.
func GenerateInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "radfleet"
	}
	rand8 := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), rand8)
}

// Validate validates the instance configuration.
func (c *InstanceConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustNotBeEmpty(path.Child("id"), c.ID); err != nil {
		errs = append(errs, err)
	}
	if strings.ContainsAny(c.ID, " \t\n") {
		errs = append(errs, config.Invalid(path.Child("id"), "must not contain whitespace"))
	}

	return errs
}
