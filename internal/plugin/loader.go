// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/keyfold-dev/keyfold/internal/plugin/wasm"
	"github.com/keyfold-dev/keyfold/internal/security"
	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

// Loader turns plugin binaries into configured instances. Each load grants
// the instance its capability set before the guest runs a single
// instruction, and revokes it again if any load step fails.
type Loader struct {
	engine engine
	guard  *security.Guard
	grants security.CapabilitySet
	logger *slog.Logger
}

// NewLoader builds a loader on the sandbox host. grants is the capability
// set every loaded plugin receives; the zero value means
// security.DefaultGrants, while an explicitly empty set grants nothing.
func NewLoader(host *wasm.Host, guard *security.Guard, grants security.CapabilitySet, logger *slog.Logger) *Loader {
	if grants.IsZero() {
		grants = security.DefaultGrants()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		engine: wasmEngine{host: host},
		guard:  guard,
		grants: grants,
		logger: logger,
	}
}

// Load compiles the binary, instantiates it under the sandbox, and calls
// the guest's config entry point with the host-supplied settings. Every
// failure before a parseable declaration is a load failure, including
// crashes and budget exhaustion inside the config call.
func (l *Loader) Load(ctx context.Context, wasmBytes []byte, settings map[string]string) (*Instance, error) {
	id := uuid.NewString()
	l.guard.Grant(id, l.grants)

	g, err := l.engine.LoadModule(ctx, id, wasmBytes)
	if err != nil {
		l.guard.Revoke(id)
		return nil, err
	}

	inst := newInstance(id, g, func() { l.guard.Revoke(id) })

	cfg, err := l.callConfig(ctx, inst, settings)
	if err != nil {
		inst.fail()
		_ = inst.Close(ctx)
		return nil, err
	}
	inst.config = cfg

	if err := inst.transition(StateLoaded); err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}

	l.logger.Debug("plugin loaded",
		"instance", id,
		"plugin", cfg.Name,
		"version", cfg.Version,
		"target", cfg.Target,
		"hooks", len(cfg.Hooks))
	return inst, nil
}

func (l *Loader) callConfig(ctx context.Context, inst *Instance, settings map[string]string) (kfplugin.PluginConfig, error) {
	var cfg kfplugin.PluginConfig

	payload, err := json.Marshal(kfplugin.SettingsFromMap(settings))
	if err != nil {
		return cfg, kferr.Wrap(err, kferr.CodePluginConfigCallFailure,
			"encoding plugin settings")
	}

	out, err := inst.invoke(ctx, kfplugin.GuestExportConfig, payload)
	if err != nil {
		// A crash or budget abort during config is a load failure even
		// though the engine reports it in runtime terms.
		return cfg, kferr.AsLoadPhase(err)
	}
	if len(out) == 0 {
		return cfg, kferr.Errorf(kferr.CodePluginConfigCallFailure,
			"plugin %s returned no configuration", inst.id)
	}

	res, err := kfplugin.DecodeResult(out)
	if err != nil {
		return cfg, kferr.Wrapf(err, kferr.CodePluginConfigCallFailure,
			"decoding configuration from plugin %s", inst.id)
	}
	if res.Err != "" {
		return cfg, kferr.Errorf(kferr.CodePluginConfigCallFailure,
			"plugin %s refused configuration: %s", inst.id, res.Err)
	}

	if err := json.Unmarshal(res.OK, &cfg); err != nil {
		return cfg, kferr.Wrapf(err, kferr.CodePluginConfigCallFailure,
			"parsing configuration from plugin %s", inst.id)
	}
	return cfg, nil
}

// wasmEngine adapts the concrete sandbox host to the narrow engine seam.
type wasmEngine struct {
	host *wasm.Host
}

func (e wasmEngine) LoadModule(ctx context.Context, id string, wasmBytes []byte) (guest, error) {
	m, err := e.host.LoadModule(ctx, id, wasmBytes)
	if err != nil {
		return nil, err
	}
	return m, nil
}
