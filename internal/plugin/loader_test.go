// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold-dev/keyfold/internal/security"
	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

func TestLoadParsesDeclaration(t *testing.T) {
	cfg := kfplugin.PluginConfig{
		Name:    "audit-log",
		Version: "1.0.0",
		Target:  kfplugin.TargetServer,
		Hooks:   []kfplugin.Hook{kfplugin.HookServerIPChange},
	}
	g := &fakeGuest{
		handler: map[string]func([]byte) ([]byte, error){
			kfplugin.GuestExportConfig: func([]byte) ([]byte, error) {
				return okConfigEnvelope(t, cfg), nil
			},
		},
	}
	guard := security.NewGuard()
	loader := newFakeLoader(fakeEngine{guest: g}, guard)

	inst, err := loader.Load(context.Background(), []byte("binary"), map[string]string{"level": "info"})
	require.NoError(t, err)
	assert.Equal(t, cfg, inst.Config())
	assert.Equal(t, "audit-log", inst.Name())
	assert.Equal(t, StateLoaded, inst.State())
	assert.Equal(t, []string{kfplugin.GuestExportConfig}, g.calls)

	// The grant predates the config call and keys on the instance id.
	assert.True(t, guard.Allowed(inst.ID(), security.CapHostLog))
}

func TestLoadEngineFailureRevokesGrant(t *testing.T) {
	engineErr := kferr.New(kferr.CodePluginCompileFailure, "bad binary")
	guard := security.NewGuard()
	loader := newFakeLoader(fakeEngine{err: engineErr}, guard)

	_, err := loader.Load(context.Background(), []byte("binary"), nil)
	require.Error(t, err)
	assert.Equal(t, kferr.KindLoad, kferr.KindOf(err))
	assert.True(t, kferr.HasCode(err, kferr.CodePluginCompileFailure))
}

func TestLoadConfigCrashClassifiesAsLoad(t *testing.T) {
	// A budget abort during the config call is reported in runtime terms
	// by the engine but is a load failure to the caller.
	g := &fakeGuest{
		handler: map[string]func([]byte) ([]byte, error){
			kfplugin.GuestExportConfig: func([]byte) ([]byte, error) {
				return nil, kferr.New(kferr.CodePluginAbortBudget, "execution budget exceeded")
			},
		},
	}
	guard := security.NewGuard()
	loader := newFakeLoader(fakeEngine{guest: g}, guard)

	_, err := loader.Load(context.Background(), []byte("binary"), nil)
	require.Error(t, err)
	assert.Equal(t, kferr.KindLoad, kferr.KindOf(err))
	assert.True(t, kferr.IsBudgetExceeded(err))
	assert.True(t, g.closed)
	assert.False(t, guard.Allowed(g.id, security.CapHostLog))
}

func TestLoadGuestRefusesConfig(t *testing.T) {
	g := &fakeGuest{
		handler: map[string]func([]byte) ([]byte, error){
			kfplugin.GuestExportConfig: func([]byte) ([]byte, error) {
				return []byte(`{"err":"unsupported settings"}`), nil
			},
		},
	}
	loader := newFakeLoader(fakeEngine{guest: g}, security.NewGuard())

	_, err := loader.Load(context.Background(), []byte("binary"), nil)
	require.Error(t, err)
	assert.True(t, kferr.HasCode(err, kferr.CodePluginConfigCallFailure))
	assert.Equal(t, kferr.KindLoad, kferr.KindOf(err))
	assert.Contains(t, err.Error(), "unsupported settings")
	assert.True(t, g.closed)
}

func TestLoadEmptyConfigOutput(t *testing.T) {
	g := &fakeGuest{} // no handler: config returns nil output
	loader := newFakeLoader(fakeEngine{guest: g}, security.NewGuard())

	_, err := loader.Load(context.Background(), []byte("binary"), nil)
	require.Error(t, err)
	assert.True(t, kferr.HasCode(err, kferr.CodePluginConfigCallFailure))
	assert.True(t, g.closed)
}

func TestLoadMalformedConfigEnvelope(t *testing.T) {
	g := &fakeGuest{
		handler: map[string]func([]byte) ([]byte, error){
			kfplugin.GuestExportConfig: func([]byte) ([]byte, error) {
				return []byte("this is not json"), nil
			},
		},
	}
	loader := newFakeLoader(fakeEngine{guest: g}, security.NewGuard())

	_, err := loader.Load(context.Background(), []byte("binary"), nil)
	require.Error(t, err)
	assert.True(t, kferr.HasCode(err, kferr.CodePluginConfigCallFailure))
	assert.Equal(t, kferr.KindLoad, kferr.KindOf(err))
}

func TestLoadPassesSettingsToGuest(t *testing.T) {
	cfg := kfplugin.PluginConfig{
		Name:    "webhook",
		Version: "2.1.0",
		Target:  kfplugin.TargetApp,
		Hooks:   []kfplugin.Hook{kfplugin.HookAppSecretCreated},
	}
	var seen []byte
	g := &fakeGuest{
		handler: map[string]func([]byte) ([]byte, error){
			kfplugin.GuestExportConfig: func(input []byte) ([]byte, error) {
				seen = input
				return okConfigEnvelope(t, cfg), nil
			},
		},
	}
	loader := newFakeLoader(fakeEngine{guest: g}, security.NewGuard())

	_, err := loader.Load(context.Background(), []byte("binary"), map[string]string{"url": "https://example.test"})
	require.NoError(t, err)

	var settings kfplugin.Settings
	require.NoError(t, json.Unmarshal(seen, &settings))
	require.Len(t, settings, 1)
	assert.Equal(t, [2]string{"url", "https://example.test"}, settings[0])
}

func TestNewLoaderGrantDefaulting(t *testing.T) {
	cfg := kfplugin.PluginConfig{
		Name:    "quiet",
		Version: "1.0.0",
		Target:  kfplugin.TargetServer,
		Hooks:   []kfplugin.Hook{kfplugin.HookServerStart},
	}
	newGuest := func() *fakeGuest {
		return &fakeGuest{
			handler: map[string]func([]byte) ([]byte, error){
				kfplugin.GuestExportConfig: func([]byte) ([]byte, error) {
					return okConfigEnvelope(t, cfg), nil
				},
			},
		}
	}

	// The zero value means "unset" and falls back to the default grants.
	guard := security.NewGuard()
	loader := NewLoader(nil, guard, security.CapabilitySet{}, nil)
	loader.engine = fakeEngine{guest: newGuest()}

	inst, err := loader.Load(context.Background(), []byte("binary"), nil)
	require.NoError(t, err)
	assert.True(t, guard.Allowed(inst.ID(), security.CapHostLog))

	// An explicitly empty set is not the zero value and grants nothing.
	guard = security.NewGuard()
	loader = NewLoader(nil, guard, security.NewCapabilitySet(), nil)
	loader.engine = fakeEngine{guest: newGuest()}

	inst, err = loader.Load(context.Background(), []byte("binary"), nil)
	require.NoError(t, err)
	assert.False(t, guard.Allowed(inst.ID(), security.CapHostLog))
	assert.False(t, guard.Allowed(inst.ID(), security.CapHostClock))
}
