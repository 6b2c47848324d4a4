// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Validate checks that the PluginConfig is well-formed from a plugin
// author's point of view. It returns all validation errors found rather than
// stopping at the first one.
//
// This is the SDK-side check: it is stricter than the host registry, which
// requires only name presence, a known target, and hook/target agreement.
// In particular the registry never rejects a non-semver version string.
func (c *PluginConfig) Validate() []error {
	var errs []error

	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, fmt.Errorf("config validation: name must not be empty"))
	}

	if strings.TrimSpace(c.Version) == "" {
		errs = append(errs, fmt.Errorf("config validation: version must not be empty"))
	} else if _, err := goversion.NewSemver(c.Version); err != nil {
		errs = append(errs, fmt.Errorf("config validation: version %q is not valid semver: %w", c.Version, err))
	}

	if !c.Target.Valid() {
		errs = append(errs, fmt.Errorf("config validation: target must be one of [server, app, dashboard], got %q", c.Target))
	}

	if len(c.Hooks) == 0 {
		errs = append(errs, fmt.Errorf("config validation: hooks must not be empty"))
	}

	seen := make(map[Hook]bool, len(c.Hooks))
	for i, h := range c.Hooks {
		if !h.Valid() {
			errs = append(errs, fmt.Errorf("config validation: hooks[%d]: unknown hook %q", i, h))
			continue
		}
		if c.Target.Valid() && !h.ValidFor(c.Target) {
			errs = append(errs, fmt.Errorf("config validation: hooks[%d]: hook %q belongs to family %q, not %q", i, h, h.Target(), c.Target))
		}
		if seen[h] {
			errs = append(errs, fmt.Errorf("config validation: hooks[%d]: duplicate hook %q", i, h))
		}
		seen[h] = true
	}

	return errs
}

// Subscribed reports whether the config subscribes to the given hook.
func (c *PluginConfig) Subscribed(hook Hook) bool {
	for _, h := range c.Hooks {
		if h == hook {
			return true
		}
	}
	return false
}
