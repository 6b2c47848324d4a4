// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

// Registry holds registered instances keyed by their declared name.
// Dispatch order is registration order.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Instance
	order  []string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]*Instance),
		logger: logger,
	}
}

// Register validates the instance's declaration and admits it for dispatch.
// A rejected instance is closed; a half-registered plugin must not linger
// with live grants.
func (r *Registry) Register(ctx context.Context, inst *Instance) error {
	cfg := inst.Config()

	// Rejection order: missing name, duplicate name, then hook coherence.
	if cfg.Name == "" {
		_ = inst.Close(ctx)
		return kferr.New(kferr.CodePluginConfigInvalid,
			"plugin name must not be empty")
	}

	r.mu.Lock()
	if _, exists := r.byName[cfg.Name]; exists {
		r.mu.Unlock()
		_ = inst.Close(ctx)
		return kferr.New(kferr.CodePluginDuplicateName,
			fmt.Sprintf("plugin %q is already registered", cfg.Name),
			kferr.FieldPlugin(cfg.Name))
	}

	if err := validateDeclaration(cfg); err != nil {
		r.mu.Unlock()
		_ = inst.Close(ctx)
		return err
	}

	if err := inst.transition(StateRegistered); err != nil {
		r.mu.Unlock()
		_ = inst.Close(ctx)
		return err
	}

	r.byName[cfg.Name] = inst
	r.order = append(r.order, cfg.Name)
	r.mu.Unlock()

	r.logger.Info("plugin registered",
		"plugin", cfg.Name,
		"version", cfg.Version,
		"target", cfg.Target,
		"hooks", cfg.Hooks)
	return nil
}

// validateDeclaration applies the remaining registration rules: a known
// target and at least one hook belonging to that target's family. Version
// is informational at this layer.
func validateDeclaration(cfg kfplugin.PluginConfig) error {
	if !cfg.Target.Valid() {
		return kferr.New(kferr.CodePluginConfigInvalid,
			fmt.Sprintf("plugin %q declares unknown target %q", cfg.Name, cfg.Target),
			kferr.FieldPlugin(cfg.Name))
	}
	if len(cfg.Hooks) == 0 {
		return kferr.New(kferr.CodePluginConfigInvalid,
			fmt.Sprintf("plugin %q declares no hooks", cfg.Name),
			kferr.FieldPlugin(cfg.Name))
	}
	for _, h := range cfg.Hooks {
		if !h.ValidFor(cfg.Target) {
			return kferr.New(kferr.CodePluginConfigInvalid,
				fmt.Sprintf("plugin %q declares hook %q outside target %q", cfg.Name, h, cfg.Target),
				kferr.FieldPlugin(cfg.Name), kferr.FieldHook(string(h)))
		}
	}
	return nil
}

// Lookup returns the instance registered under name.
func (r *Registry) Lookup(name string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byName[name]
	if !ok {
		return nil, kferr.New(kferr.CodePluginNotFound,
			fmt.Sprintf("plugin %q is not registered", name),
			kferr.FieldPlugin(name))
	}
	return inst, nil
}

// Names returns registered plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// InstancesFor returns, in registration order, the registered instances
// subscribed to hook on target.
func (r *Registry) InstancesFor(target kfplugin.HookTarget, hook kfplugin.Hook) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Instance
	for _, name := range r.order {
		inst := r.byName[name]
		cfg := inst.Config()
		if cfg.Target != target || !cfg.Subscribed(hook) {
			continue
		}
		if inst.State() != StateRegistered {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// Unload removes the named plugin and releases its instance.
func (r *Registry) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	inst, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return kferr.New(kferr.CodePluginNotFound,
			fmt.Sprintf("plugin %q is not registered", name),
			kferr.FieldPlugin(name))
	}
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	err := inst.Close(ctx)
	r.logger.Info("plugin unloaded", "plugin", name)
	return err
}

// Close releases every registered instance.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.order))
	for _, name := range r.order {
		instances = append(instances, r.byName[name])
	}
	r.byName = make(map[string]*Instance)
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		if err := inst.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return kferr.Join(errs...)
}
