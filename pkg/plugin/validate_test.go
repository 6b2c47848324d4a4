// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin_test

import (
	"testing"

	"github.com/keyfold-dev/keyfold/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() plugin.PluginConfig {
	return plugin.PluginConfig{
		Name:    "audit-log",
		Version: "1.0.0",
		Target:  plugin.TargetServer,
		Hooks:   []plugin.Hook{plugin.HookServerIPChange, plugin.HookServerStop},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()
	assert.Empty(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := plugin.PluginConfig{
		Name:    "  ",
		Version: "one-point-oh",
		Target:  plugin.HookTarget("kernel"),
		Hooks:   []plugin.Hook{plugin.Hook("server.reboot")},
	}

	errs := cfg.Validate()
	require.Len(t, errs, 4)
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		wantErrs int
	}{
		{"valid", "webhook", 0},
		{"empty", "", 1},
		{"whitespace only", "   ", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Name = tt.value
			assert.Len(t, cfg.Validate(), tt.wantErrs)
		})
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		valid   bool
	}{
		{"plain semver", "1.0.0", true},
		{"prerelease", "2.1.0-beta.1", true},
		{"empty", "", false},
		{"not a version", "latest", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Version = tt.version
			errs := cfg.Validate()
			if tt.valid {
				assert.Empty(t, errs)
			} else {
				assert.NotEmpty(t, errs)
			}
		})
	}
}

func TestValidateHookTargetMismatch(t *testing.T) {
	cfg := validConfig()
	cfg.Hooks = append(cfg.Hooks, plugin.HookAppVaultUnlock)

	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "app.vault_unlock")
	assert.Contains(t, errs[0].Error(), `family "app"`)
}

func TestValidateDuplicateHook(t *testing.T) {
	cfg := validConfig()
	cfg.Hooks = append(cfg.Hooks, plugin.HookServerIPChange)

	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "duplicate hook")
}

func TestValidateEmptyHooks(t *testing.T) {
	cfg := validConfig()
	cfg.Hooks = nil

	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "hooks must not be empty")
}

func TestSubscribed(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.Subscribed(plugin.HookServerIPChange))
	assert.True(t, cfg.Subscribed(plugin.HookServerStop))
	assert.False(t, cfg.Subscribed(plugin.HookServerStart))
	assert.False(t, cfg.Subscribed(plugin.HookAppVaultUnlock))
}
