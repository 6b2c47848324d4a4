// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package plugin loads, registers, and dispatches sandboxed plugins. The
// wasm engine underneath bounds each guest; this package owns identity,
// lifecycle, and the hook protocol above it.
package plugin

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

// guest is the slice of the sandbox engine the core needs. The concrete
// implementation lives in internal/plugin/wasm.
type guest interface {
	ID() string
	Call(ctx context.Context, fnName string, input []byte) ([]byte, error)
	MemorySize() uint32
	Close(ctx context.Context) error
}

// engine loads plugin binaries into sandboxed guests.
type engine interface {
	LoadModule(ctx context.Context, id string, wasmBytes []byte) (guest, error)
}

// Usage is a point-in-time snapshot of an instance's resource counters.
// ExecTime is the guest execution time consumed across all calls, the
// budget equivalent under a wall-clock timeout.
type Usage struct {
	Calls           uint64
	Failures        uint64
	PeakMemoryBytes uint64
	ExecTime        time.Duration
}

// Instance is one loaded plugin. Guest calls are serialized per instance;
// lifecycle state is guarded separately so inspection never waits on a
// running guest.
type Instance struct {
	id     string
	config kfplugin.PluginConfig
	guest  guest

	// release disconnects this instance from the capability guard. Called
	// exactly once, on close.
	release func()

	callMu sync.Mutex

	mu    sync.Mutex
	state State

	calls      atomic.Uint64
	failures   atomic.Uint64
	peakMemory atomic.Uint64
	execNanos  atomic.Int64

	closeOnce sync.Once
}

func newInstance(id string, g guest, release func()) *Instance {
	return &Instance{
		id:      id,
		guest:   g,
		release: release,
		state:   StateLoading,
	}
}

// ID returns the engine-level instance id, distinct from the declared name.
func (i *Instance) ID() string {
	return i.id
}

// Name returns the plugin's declared name, empty until config succeeds.
func (i *Instance) Name() string {
	return i.config.Name
}

// Config returns the plugin's declaration.
func (i *Instance) Config() kfplugin.PluginConfig {
	return i.config
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Usage returns a snapshot of the instance's resource counters.
func (i *Instance) Usage() Usage {
	return Usage{
		Calls:           i.calls.Load(),
		Failures:        i.failures.Load(),
		PeakMemoryBytes: i.peakMemory.Load(),
		ExecTime:        time.Duration(i.execNanos.Load()),
	}
}

func (i *Instance) transition(to State) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !canTransition(i.state, to) {
		return kferr.Errorf(kferr.CodePluginStateInvalid,
			"plugin %s cannot go from %s to %s", i.displayName(), i.state, to)
	}
	i.state = to
	return nil
}

// fail moves the instance to StateFailed, swallowing the transition error
// when the instance is already terminal.
func (i *Instance) fail() {
	_ = i.transition(StateFailed)
}

func (i *Instance) displayName() string {
	if i.config.Name != "" {
		return i.config.Name
	}
	return i.id
}

// invoke runs one guest entry point, serialized against other calls into
// this instance, and keeps the usage counters current.
func (i *Instance) invoke(ctx context.Context, fnName string, input []byte) ([]byte, error) {
	i.callMu.Lock()
	defer i.callMu.Unlock()

	i.calls.Add(1)
	start := time.Now()
	out, err := i.guest.Call(ctx, fnName, input)
	i.execNanos.Add(time.Since(start).Nanoseconds())
	if size := uint64(i.guest.MemorySize()); size > i.peakMemory.Load() {
		i.peakMemory.Store(size)
	}
	if err != nil {
		i.failures.Add(1)
	}
	return out, err
}

// Close releases the guest and its capability grants. Safe to call more
// than once.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		i.mu.Lock()
		i.state = StateUnloaded
		i.mu.Unlock()

		err = i.guest.Close(ctx)
		if i.release != nil {
			i.release()
		}
	})
	return err
}
