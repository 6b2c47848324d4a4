// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package wasm is the sandboxed execution engine for Keyfold plugins. Every
// guest runs under a memory ceiling, a wall-clock execution budget, and a
// deny-by-default syscall surface; any violation surfaces as a trap-shaped
// error, never as damage to the host process.
package wasm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/keyfold-dev/keyfold/internal/security"
	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

// Limits bounds every guest invocation. Both knobs are tunable; the
// guarantee is bounded and deterministic abort, not a particular unit.
type Limits struct {
	// MemoryLimitPages caps guest linear memory in 64KiB pages. A guest
	// growing past the cap observes an allocation failure inside the
	// sandbox; host memory is never at stake.
	MemoryLimitPages uint32

	// ExecTimeout is the wall-clock budget per guest call. Execution is
	// interrupted cooperatively at engine safe points when the deadline
	// passes. Zero or negative means no budget.
	ExecTimeout time.Duration
}

// DefaultLimits returns the stock sandbox limits: 64MiB of guest memory and
// a five second execution budget.
func DefaultLimits() Limits {
	return Limits{
		MemoryLimitPages: 1024,
		ExecTimeout:      5 * time.Second,
	}
}

// Host wraps a wazero runtime configured with sandbox limits and the
// deny-by-default syscall surface.
type Host struct {
	runtime wazero.Runtime
	guard   *security.Guard
	limits  Limits
}

// Option configures a Host.
type Option func(*Host)

// WithLimits overrides the default sandbox limits.
func WithLimits(l Limits) Option {
	return func(h *Host) {
		h.limits = l
	}
}

// NewHost creates the sandboxed runtime. guard answers capability checks for
// the syscall stubs; it must not be nil. The runtime closes in-flight guest
// execution when a call context expires, which is how the execution budget
// is enforced.
func NewHost(ctx context.Context, guard *security.Guard, opts ...Option) (*Host, error) {
	h := &Host{
		guard:  guard,
		limits: DefaultLimits(),
	}
	for _, o := range opts {
		o(h)
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if h.limits.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(h.limits.MemoryLimitPages)
	}
	h.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)

	if err := instantiateSyscallStubs(ctx, h.runtime, guard); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, kferr.Wrap(err, kferr.CodePluginInstantiateFailure,
			"instantiating sandbox syscall stubs")
	}

	return h, nil
}

// Limits returns the configured sandbox limits.
func (h *Host) Limits() Limits {
	return h.limits
}

// LoadModule compiles and instantiates plugin bytes under the sandbox
// limits. id names the instance inside the engine (and keys its capability
// grants); it must be non-empty.
func (h *Host) LoadModule(ctx context.Context, id string, wasmBytes []byte) (*Module, error) {
	if strings.TrimSpace(id) == "" {
		return nil, kferr.Errorf(kferr.CodePluginInstantiateFailure,
			"instance id must not be empty")
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, kferr.Wrapf(err, kferr.CodePluginCompileFailure,
			"compiling plugin binary %s", id)
	}

	instance, err := h.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(id).WithStartFunctions())
	if err != nil {
		return nil, kferr.Wrapf(err, kferr.CodePluginInstantiateFailure,
			"instantiating plugin binary %s", id)
	}

	return &Module{
		id:          id,
		instance:    instance,
		execTimeout: h.limits.ExecTimeout,
	}, nil
}

// Close shuts down the runtime and every instance it owns.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Module is one compiled and instantiated guest. It is not safe for
// concurrent calls; callers serialize per instance.
type Module struct {
	id          string
	instance    api.Module
	execTimeout time.Duration
}

// ID returns the engine-level instance id.
func (m *Module) ID() string {
	return m.id
}

// MemorySize returns the guest's current linear memory size in bytes.
func (m *Module) MemorySize() uint32 {
	mem := m.instance.Memory()
	if mem == nil {
		return 0
	}
	return mem.Size()
}

// Close releases the instance and its sandbox state.
func (m *Module) Close(ctx context.Context) error {
	return m.instance.Close(ctx)
}

// Call invokes a guest entry point following the guest ABI: input is copied
// into guest memory via the guest allocator, the entry point returns a
// packed pointer to its serialized result, and the result bytes are copied
// out before returning. A zero-length input skips allocation; a zero packed
// return yields a nil output.
//
// Traps, budget exhaustion, and capability denials all surface here as
// plugin.runtime.* errors with human-readable messages.
func (m *Module) Call(ctx context.Context, fnName string, input []byte) ([]byte, error) {
	if m.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.execTimeout)
		defer cancel()
	}

	fn := m.instance.ExportedFunction(fnName)
	if fn == nil {
		return nil, kferr.Errorf(kferr.CodePluginHookCallFailure,
			"function %q not exported by plugin instance %s", fnName, m.id)
	}

	var ptr, length uint64
	if len(input) > 0 {
		var err error
		ptr, err = m.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		if !m.instance.Memory().Write(uint32(ptr), input) {
			return nil, kferr.Errorf(kferr.CodePluginHookCallFailure,
				"guest allocator returned out-of-bounds region (ptr=%d len=%d) in instance %s",
				ptr, len(input), m.id)
		}
		length = uint64(len(input))
	}

	results, err := fn.Call(ctx, ptr, length)
	if err != nil {
		return nil, m.classifyCallError(fnName, err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	outPtr, outLen := kfplugin.UnpackResult(results[0])
	if outLen == 0 {
		return nil, nil
	}

	out, ok := m.instance.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, kferr.Errorf(kferr.CodePluginGuestFailure,
			"guest returned out-of-bounds result (ptr=%d len=%d) from %q in instance %s",
			outPtr, outLen, fnName, m.id)
	}

	// Copy: the backing slice aliases guest memory and is invalidated by
	// the next guest call.
	return append([]byte(nil), out...), nil
}

func (m *Module) allocate(ctx context.Context, size uint32) (uint64, error) {
	alloc := m.instance.ExportedFunction(kfplugin.GuestExportAlloc)
	if alloc == nil {
		return 0, kferr.Errorf(kferr.CodePluginHookCallFailure,
			"function %q not exported by plugin instance %s", kfplugin.GuestExportAlloc, m.id)
	}

	results, err := alloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, m.classifyCallError(kfplugin.GuestExportAlloc, err)
	}
	if len(results) == 0 {
		return 0, kferr.Errorf(kferr.CodePluginGuestFailure,
			"guest allocator returned no value in instance %s", m.id)
	}
	return results[0], nil
}

// classifyCallError folds the engine's failure modes into the runtime error
// vocabulary. Budget exhaustion is distinguished; every other trap (memory
// bounds, stack overflow, unreachable, denial-induced) keeps only its
// human-readable message.
func (m *Module) classifyCallError(fnName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "deadline exceeded") {
		return kferr.Wrapf(err, kferr.CodePluginAbortBudget,
			"instance %s exceeded its execution budget in %q", m.id, fnName)
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return kferr.Wrapf(err, kferr.CodePluginGuestFailure,
			"instance %s exited with code %d during %q", m.id, exitErr.ExitCode(), fnName)
	}

	return kferr.Wrapf(err, kferr.CodePluginHookCallFailure,
		"calling %q in instance %s", fnName, m.id)
}
