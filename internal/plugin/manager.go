// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keyfold-dev/keyfold/internal/plugin/wasm"
	"github.com/keyfold-dev/keyfold/internal/security"
	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

// Manager is the host-facing entry point to the plugin runtime: one sandbox
// host, one capability guard, one registry, one dispatcher.
type Manager struct {
	host       *wasm.Host
	guard      *security.Guard
	loader     *Loader
	registry   *Registry
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	limits *wasm.Limits
	grants security.CapabilitySet
	logger *slog.Logger
}

// WithSandboxLimits overrides the default per-plugin sandbox limits.
func WithSandboxLimits(l wasm.Limits) ManagerOption {
	return func(o *managerOptions) {
		o.limits = &l
	}
}

// WithGrants sets the capability set every loaded plugin receives. An
// explicitly empty set grants nothing; without this option the loader
// falls back to security.DefaultGrants.
func WithGrants(grants security.CapabilitySet) ManagerOption {
	return func(o *managerOptions) {
		o.grants = grants
	}
}

// WithLogger sets the logger for the plugin runtime.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// NewManager assembles the plugin runtime.
func NewManager(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	var o managerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	guard := security.NewGuard()

	hostOpts := []wasm.Option{}
	if o.limits != nil {
		hostOpts = append(hostOpts, wasm.WithLimits(*o.limits))
	}
	host, err := wasm.NewHost(ctx, guard, hostOpts...)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(o.logger)
	return &Manager{
		host:       host,
		guard:      guard,
		loader:     NewLoader(host, guard, o.grants, o.logger),
		registry:   registry,
		dispatcher: NewDispatcher(registry, o.logger),
		logger:     o.logger,
	}, nil
}

// Load loads a plugin binary without registering it.
func (m *Manager) Load(ctx context.Context, wasmBytes []byte, settings map[string]string) (*Instance, error) {
	return m.loader.Load(ctx, wasmBytes, settings)
}

// Register admits a loaded instance for dispatch.
func (m *Manager) Register(ctx context.Context, inst *Instance) error {
	return m.registry.Register(ctx, inst)
}

// LoadAndRegister loads a plugin binary and registers it in one step.
func (m *Manager) LoadAndRegister(ctx context.Context, wasmBytes []byte, settings map[string]string) (*Instance, error) {
	inst, err := m.loader.Load(ctx, wasmBytes, settings)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Register(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Dispatch delivers a hook event to every subscribed plugin.
func (m *Manager) Dispatch(ctx context.Context, target kfplugin.HookTarget, event kfplugin.HookEvent) ([]Outcome, error) {
	return m.dispatcher.Dispatch(ctx, target, event)
}

// Lookup returns the registered instance with the given name.
func (m *Manager) Lookup(name string) (*Instance, error) {
	return m.registry.Lookup(name)
}

// Names returns registered plugin names in registration order.
func (m *Manager) Names() []string {
	return m.registry.Names()
}

// Unload removes and releases the named plugin.
func (m *Manager) Unload(ctx context.Context, name string) error {
	return m.registry.Unload(ctx, name)
}

// Discover loads and registers every *.wasm file in dir. A sibling file
// named <plugin>.yaml supplies the settings passed to that plugin's config
// call. Individual plugin failures are logged and skipped; the walk itself
// failing is an error. Returns the names of the plugins registered.
func (m *Manager) Discover(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, kferr.Wrapf(err, kferr.CodePluginDiscoveryFailure,
			"reading plugin directory %s", dir)
	}

	var registered []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wasm") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		wasmBytes, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warn("skipping unreadable plugin", "path", path, "error", err)
			continue
		}

		settings, err := readSettings(strings.TrimSuffix(path, ".wasm") + ".yaml")
		if err != nil {
			m.logger.Warn("skipping plugin with bad settings", "path", path, "error", err)
			continue
		}

		inst, err := m.LoadAndRegister(ctx, wasmBytes, settings)
		if err != nil {
			m.logger.Warn("skipping plugin", "path", path, "error", err)
			continue
		}
		registered = append(registered, inst.Name())
	}
	return registered, nil
}

func readSettings(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var settings map[string]string
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// Close unloads every plugin and shuts down the sandbox host.
func (m *Manager) Close(ctx context.Context) error {
	regErr := m.registry.Close(ctx)
	hostErr := m.host.Close(ctx)
	if regErr != nil || hostErr != nil {
		return kferr.Join(regErr, hostErr)
	}
	return nil
}
