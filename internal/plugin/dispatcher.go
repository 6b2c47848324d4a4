// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

// Outcome is one plugin's result for a dispatched event. Err is nil on
// success and carries the runtime classification otherwise.
type Outcome struct {
	Plugin string
	Err    error
}

// Dispatcher fans hook events out to subscribed plugins. One misbehaving
// plugin never blocks the rest: failures are isolated per outcome and
// dispatch always runs to completion.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch delivers event to every registered plugin subscribed to its hook
// on target, sequentially in registration order. The returned slice holds
// one outcome per invoked plugin; an event nobody subscribes to yields an
// empty slice and no error.
func (d *Dispatcher) Dispatch(ctx context.Context, target kfplugin.HookTarget, event kfplugin.HookEvent) ([]Outcome, error) {
	if !target.Valid() {
		return nil, kferr.Errorf(kferr.CodePluginConfigInvalid,
			"unknown hook target %q", target)
	}
	if !event.Hook.ValidFor(target) {
		return nil, kferr.New(kferr.CodePluginConfigInvalid,
			fmt.Sprintf("hook %q does not belong to target %q", event.Hook, target),
			kferr.FieldHook(string(event.Hook)), kferr.FieldTarget(string(target)))
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, kferr.Wrapf(err, kferr.CodeInternalFailure,
			"encoding hook event %q", event.Hook)
	}

	instances := d.registry.InstancesFor(target, event.Hook)
	outcomes := make([]Outcome, 0, len(instances))
	for _, inst := range instances {
		outcome := Outcome{Plugin: inst.Name()}
		outcome.Err = d.deliver(ctx, inst, event.Hook, payload)
		if outcome.Err != nil {
			d.logger.Warn("plugin hook failed",
				"plugin", inst.Name(),
				"hook", event.Hook,
				"target", target,
				"error", outcome.Err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (d *Dispatcher) deliver(ctx context.Context, inst *Instance, hook kfplugin.Hook, payload []byte) error {
	out, err := inst.invoke(ctx, kfplugin.GuestExportOnHook, payload)
	if err != nil {
		return kferr.With(err, kferr.FieldPlugin(inst.Name()), kferr.FieldHook(string(hook)))
	}
	if len(out) == 0 {
		return nil
	}

	res, err := kfplugin.DecodeResult(out)
	if err != nil {
		return kferr.Wrap(err, kferr.CodePluginGuestFailure,
			"decoding hook result",
			kferr.FieldPlugin(inst.Name()), kferr.FieldHook(string(hook)))
	}
	if res.Err != "" {
		return kferr.New(kferr.CodePluginGuestFailure,
			fmt.Sprintf("plugin %q reported hook failure: %s", inst.Name(), res.Err),
			kferr.FieldPlugin(inst.Name()), kferr.FieldHook(string(hook)))
	}
	return nil
}
