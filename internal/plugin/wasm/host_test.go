// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package wasm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold-dev/keyfold/internal/plugin/wasm/wasmtest"
	"github.com/keyfold-dev/keyfold/internal/security"
	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

func newTestHost(t *testing.T, guard *security.Guard, opts ...Option) *Host {
	t.Helper()
	ctx := context.Background()
	h, err := NewHost(ctx, guard, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, h.Close(ctx))
	})
	return h
}

func TestLoadModuleRejectsInvalidBinary(t *testing.T) {
	h := newTestHost(t, security.NewGuard())

	_, err := h.LoadModule(context.Background(), "bad", []byte("not wasm at all"))
	require.Error(t, err)
	assert.True(t, kferr.HasCode(err, kferr.CodePluginCompileFailure))
	assert.Equal(t, kferr.KindLoad, kferr.KindOf(err))
}

func TestLoadModuleRejectsEmptyID(t *testing.T) {
	h := newTestHost(t, security.NewGuard())

	_, err := h.LoadModule(context.Background(), "  ", wasmtest.SilentGuest())
	require.Error(t, err)
	assert.True(t, kferr.HasCode(err, kferr.CodePluginInstantiateFailure))
}

func TestCallRoundTrip(t *testing.T) {
	h := newTestHost(t, security.NewGuard())
	ctx := context.Background()

	configEnvelope := []byte(`{"ok":{"name":"audit-log","version":"1.0.0","target":"server","hooks":["ip_change"]}}`)
	hookEnvelope := []byte(`{"ok":null}`)
	mod, err := h.LoadModule(ctx, "roundtrip", wasmtest.Guest(configEnvelope, hookEnvelope))
	require.NoError(t, err)

	out, err := mod.Call(ctx, kfplugin.GuestExportConfig, []byte(`[["level","info"]]`))
	require.NoError(t, err)
	assert.JSONEq(t, string(configEnvelope), string(out))

	out, err = mod.Call(ctx, kfplugin.GuestExportOnHook, []byte(`{"hook":"ip_change","payload":null}`))
	require.NoError(t, err)
	assert.JSONEq(t, string(hookEnvelope), string(out))
}

func TestCallEmptyResultMeansSuccess(t *testing.T) {
	h := newTestHost(t, security.NewGuard())
	ctx := context.Background()

	mod, err := h.LoadModule(ctx, "silent", wasmtest.SilentGuest())
	require.NoError(t, err)

	out, err := mod.Call(ctx, kfplugin.GuestExportOnHook, []byte(`{"hook":"stop"}`))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCallWithoutInputSkipsAllocator(t *testing.T) {
	h := newTestHost(t, security.NewGuard())
	ctx := context.Background()

	// A guest without alloc still answers zero-input calls.
	mod, err := h.LoadModule(ctx, "noalloc", wasmtest.NoAllocGuest())
	require.NoError(t, err)

	out, err := mod.Call(ctx, kfplugin.GuestExportConfig, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = mod.Call(ctx, kfplugin.GuestExportConfig, []byte(`[]`))
	require.Error(t, err)
	assert.True(t, kferr.HasCode(err, kferr.CodePluginHookCallFailure))
}

func TestCallMissingExport(t *testing.T) {
	h := newTestHost(t, security.NewGuard())
	ctx := context.Background()

	mod, err := h.LoadModule(ctx, "missing", wasmtest.SilentGuest())
	require.NoError(t, err)

	_, err = mod.Call(ctx, "no_such_export", nil)
	require.Error(t, err)
	assert.True(t, kferr.HasCode(err, kferr.CodePluginHookCallFailure))
	assert.Equal(t, kferr.KindRuntime, kferr.KindOf(err))
}

func TestCallEnforcesExecutionBudget(t *testing.T) {
	limits := DefaultLimits()
	limits.ExecTimeout = 200 * time.Millisecond
	h := newTestHost(t, security.NewGuard(), WithLimits(limits))
	ctx := context.Background()

	mod, err := h.LoadModule(ctx, "looper", wasmtest.LoopingGuest())
	require.NoError(t, err)

	start := time.Now()
	_, err = mod.Call(ctx, kfplugin.GuestExportConfig, []byte(`[]`))
	require.Error(t, err)
	assert.True(t, kferr.IsBudgetExceeded(err), "got: %v", err)
	assert.Equal(t, kferr.KindRuntime, kferr.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCallEnforcesMemoryCeiling(t *testing.T) {
	limits := DefaultLimits()
	limits.MemoryLimitPages = 8
	h := newTestHost(t, security.NewGuard(), WithLimits(limits))
	ctx := context.Background()

	mod, err := h.LoadModule(ctx, "grower", wasmtest.GrowingGuest())
	require.NoError(t, err)

	_, err = mod.Call(ctx, kfplugin.GuestExportConfig, []byte(`[]`))
	require.Error(t, err)
	assert.Equal(t, kferr.KindRuntime, kferr.KindOf(err))

	// The ceiling held: still at most 8 pages of guest memory.
	assert.LessOrEqual(t, mod.MemorySize(), uint32(8*65536))
}

func TestCallBoundsRecursionDepth(t *testing.T) {
	h := newTestHost(t, security.NewGuard())
	ctx := context.Background()

	mod, err := h.LoadModule(ctx, "recurser", wasmtest.RecursiveGuest())
	require.NoError(t, err)

	_, err = mod.Call(ctx, kfplugin.GuestExportConfig, []byte(`[]`))
	require.Error(t, err)
	assert.Equal(t, kferr.KindRuntime, kferr.KindOf(err))
}

func TestFilesystemAccessDenied(t *testing.T) {
	h := newTestHost(t, security.NewGuard())
	ctx := context.Background()

	// The probe traps unless path_open is refused with ENOTCAPABLE, so a
	// clean round trip proves the denial reached the guest.
	envelope := []byte(`{"ok":true}`)
	mod, err := h.LoadModule(ctx, "fsprobe", wasmtest.FSProbeGuest(envelope))
	require.NoError(t, err)

	out, err := mod.Call(ctx, kfplugin.GuestExportConfig, []byte(`[]`))
	require.NoError(t, err)
	assert.JSONEq(t, string(envelope), string(out))
}

func TestNetworkAccessDenied(t *testing.T) {
	h := newTestHost(t, security.NewGuard())
	ctx := context.Background()

	envelope := []byte(`{"ok":true}`)
	mod, err := h.LoadModule(ctx, "netprobe", wasmtest.NetProbeGuest(envelope))
	require.NoError(t, err)

	out, err := mod.Call(ctx, kfplugin.GuestExportConfig, []byte(`[]`))
	require.NoError(t, err)
	assert.JSONEq(t, string(envelope), string(out))
}

func TestLogWriteRequiresGrant(t *testing.T) {
	guard := security.NewGuard()
	h := newTestHost(t, guard)
	ctx := context.Background()

	envelope := []byte(`{"ok":true}`)

	// Granted: fd_write succeeds and the guest completes.
	guard.Grant("logger-ok", security.DefaultGrants())
	mod, err := h.LoadModule(ctx, "logger-ok", wasmtest.LogProbeGuest("hello from guest", envelope))
	require.NoError(t, err)
	out, err := mod.Call(ctx, kfplugin.GuestExportConfig, []byte(`[]`))
	require.NoError(t, err)
	assert.JSONEq(t, string(envelope), string(out))

	// No grant: fd_write returns ENOTCAPABLE and the probe traps.
	mod, err = h.LoadModule(ctx, "logger-denied", wasmtest.LogProbeGuest("should not appear", envelope))
	require.NoError(t, err)
	_, err = mod.Call(ctx, kfplugin.GuestExportConfig, []byte(`[]`))
	require.Error(t, err)
	assert.Equal(t, kferr.KindRuntime, kferr.KindOf(err))
}

func TestModuleCloseReleasesInstance(t *testing.T) {
	h := newTestHost(t, security.NewGuard())
	ctx := context.Background()

	mod, err := h.LoadModule(ctx, "closer", wasmtest.SilentGuest())
	require.NoError(t, err)
	require.NoError(t, mod.Close(ctx))

	_, err = mod.Call(ctx, kfplugin.GuestExportConfig, nil)
	require.Error(t, err)
}
