// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin_test

import (
	"encoding/json"
	"testing"

	"github.com/keyfold-dev/keyfold/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookTargetValid(t *testing.T) {
	tests := []struct {
		target plugin.HookTarget
		want   bool
	}{
		{plugin.TargetServer, true},
		{plugin.TargetApp, true},
		{plugin.TargetDashboard, true},
		{plugin.HookTarget(""), false},
		{plugin.HookTarget("Server"), false},
		{plugin.HookTarget("kernel"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.target), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.target.Valid())
		})
	}
}

func TestHookFamilies(t *testing.T) {
	tests := []struct {
		hook   plugin.Hook
		target plugin.HookTarget
	}{
		{plugin.HookServerIPChange, plugin.TargetServer},
		{plugin.HookServerBackupComplete, plugin.TargetServer},
		{plugin.HookAppVaultUnlock, plugin.TargetApp},
		{plugin.HookAppSecretDeleted, plugin.TargetApp},
		{plugin.HookDashboardSessionStart, plugin.TargetDashboard},
	}

	for _, tt := range tests {
		t.Run(string(tt.hook), func(t *testing.T) {
			assert.True(t, tt.hook.Valid())
			assert.Equal(t, tt.target, tt.hook.Target())
			assert.True(t, tt.hook.ValidFor(tt.target))
		})
	}
}

func TestHookValidForRejectsCrossFamily(t *testing.T) {
	assert.False(t, plugin.HookServerIPChange.ValidFor(plugin.TargetApp))
	assert.False(t, plugin.HookAppVaultUnlock.ValidFor(plugin.TargetServer))
	assert.False(t, plugin.HookDashboardSessionEnd.ValidFor(plugin.TargetServer))
}

func TestUnknownHook(t *testing.T) {
	h := plugin.Hook("server.reboot")
	assert.False(t, h.Valid())
	assert.Equal(t, plugin.HookTarget(""), h.Target())
	assert.False(t, h.ValidFor(plugin.TargetServer))
}

func TestHooksForReturnsCopy(t *testing.T) {
	hooks := plugin.HooksFor(plugin.TargetServer)
	require.NotEmpty(t, hooks)

	hooks[0] = plugin.Hook("mutated")
	again := plugin.HooksFor(plugin.TargetServer)
	assert.NotEqual(t, plugin.Hook("mutated"), again[0])
}

func TestHooksForEveryHookRoundTrips(t *testing.T) {
	for _, target := range []plugin.HookTarget{plugin.TargetServer, plugin.TargetApp, plugin.TargetDashboard} {
		for _, h := range plugin.HooksFor(target) {
			assert.Equal(t, target, h.Target(), "hook %s", h)
		}
	}
}

func TestNewHookEvent(t *testing.T) {
	ev, err := plugin.NewHookEvent(plugin.HookServerIPChange, map[string]string{"ip": "203.0.113.7"})
	require.NoError(t, err)
	assert.Equal(t, plugin.HookServerIPChange, ev.Hook)
	assert.JSONEq(t, `{"ip":"203.0.113.7"}`, string(ev.Payload))
}

func TestNewHookEventNilPayload(t *testing.T) {
	ev, err := plugin.NewHookEvent(plugin.HookServerStart, nil)
	require.NoError(t, err)
	assert.Nil(t, ev.Payload)
}

func TestPluginConfigJSONShape(t *testing.T) {
	cfg := plugin.PluginConfig{
		Name:    "audit-log",
		Version: "1.2.0",
		Target:  plugin.TargetServer,
		Hooks:   []plugin.Hook{plugin.HookServerIPChange},
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"name":"audit-log","version":"1.2.0","target":"server","hooks":["server.ip_change"]}`,
		string(data))

	var back plugin.PluginConfig
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, cfg, back)
}

func TestPackUnpackResult(t *testing.T) {
	tests := []struct {
		name string
		ptr  uint32
		len  uint32
	}{
		{"zero", 0, 0},
		{"small", 1024, 57},
		{"max", 0xFFFFFFFF, 0xFFFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := plugin.PackResult(tt.ptr, tt.len)
			ptr, length := plugin.UnpackResult(packed)
			assert.Equal(t, tt.ptr, ptr)
			assert.Equal(t, tt.len, length)
		})
	}
}

func TestDecodeResult(t *testing.T) {
	res, err := plugin.DecodeResult([]byte(`{"ok":{"name":"x"}}`))
	require.NoError(t, err)
	assert.Empty(t, res.Err)
	assert.JSONEq(t, `{"name":"x"}`, string(res.OK))

	res, err = plugin.DecodeResult([]byte(`{"err":"no ip in payload"}`))
	require.NoError(t, err)
	assert.Equal(t, "no ip in payload", res.Err)

	_, err = plugin.DecodeResult([]byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed guest result")
}

func TestSettingsFromMap(t *testing.T) {
	s := plugin.SettingsFromMap(map[string]string{"endpoint": "https://example.net", "token": "t-1"})
	assert.Len(t, s, 2)

	got := make(map[string]string, len(s))
	for _, pair := range s {
		got[pair[0]] = pair[1]
	}
	assert.Equal(t, map[string]string{"endpoint": "https://example.net", "token": "t-1"}, got)
}
