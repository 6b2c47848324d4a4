// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package wasmtest

import "encoding/binary"

// Memory layout shared by the fixtures. Input lands wherever alloc points;
// canned outputs live in data segments well clear of it.
const (
	configOut = 1024
	hookOut   = 2048
	allocBase = 4096
)

// guestSig is the shared (ptr, len) -> packed result signature.
var (
	guestParams  = []byte{I32, I32}
	guestResults = []byte{I64}
	allocParams  = []byte{I32}
	allocResults = []byte{I32}
)

// allocFunc is a bump-free allocator: every call hands back the same base.
// Fixture entry points receive at most one input buffer per invocation.
func allocFunc() Func {
	return Func{
		Export:  "alloc",
		Params:  allocParams,
		Results: allocResults,
		Body:    i32Const(allocBase),
	}
}

// Guest builds a well-behaved plugin whose config and on_hook entry points
// return the given serialized envelopes verbatim.
func Guest(configEnvelope, hookEnvelope []byte) []byte {
	return Build(ModuleSpec{
		MemPages:     1,
		ExportMemory: true,
		Funcs: []Func{
			allocFunc(),
			{
				Export:  "config",
				Params:  guestParams,
				Results: guestResults,
				Body:    i64Const(packResult(configOut, uint32(len(configEnvelope)))),
			},
			{
				Export:  "on_hook",
				Params:  guestParams,
				Results: guestResults,
				Body:    i64Const(packResult(hookOut, uint32(len(hookEnvelope)))),
			},
		},
		Data: []DataSeg{
			{Offset: configOut, Bytes: configEnvelope},
			{Offset: hookOut, Bytes: hookEnvelope},
		},
	})
}

// SilentGuest builds a plugin whose entry points return zero, the ABI's
// empty-success value.
func SilentGuest() []byte {
	return Build(ModuleSpec{
		MemPages:     1,
		ExportMemory: true,
		Funcs: []Func{
			allocFunc(),
			{Export: "config", Params: guestParams, Results: guestResults, Body: i64Const(0)},
			{Export: "on_hook", Params: guestParams, Results: guestResults, Body: i64Const(0)},
		},
	})
}

// LoopingGuest builds a plugin whose config entry point never returns. Used
// to exercise the execution budget.
func LoopingGuest() []byte {
	loop := cat(
		[]byte{opLoop, blockTypeVoid},
		[]byte{opBr, 0x00},
		[]byte{opEnd},
		i64Const(0),
	)
	return Build(ModuleSpec{
		MemPages:     1,
		ExportMemory: true,
		Funcs: []Func{
			allocFunc(),
			{Export: "config", Params: guestParams, Results: guestResults, Body: loop},
		},
	})
}

// GrowingGuest builds a plugin whose config entry point grows linear memory
// until growth fails, then traps. Used to exercise the memory ceiling.
func GrowingGuest() []byte {
	grow := cat(
		[]byte{opLoop, blockTypeVoid},
		i32Const(16),
		[]byte{opMemoryGrow, 0x00},
		i32Const(-1),
		[]byte{opI32Eq},
		[]byte{opIf, blockTypeVoid, opUnreachable, opEnd},
		[]byte{opBr, 0x00},
		[]byte{opEnd},
		i64Const(0),
	)
	return Build(ModuleSpec{
		MemPages:     1,
		ExportMemory: true,
		Funcs: []Func{
			allocFunc(),
			{Export: "config", Params: guestParams, Results: guestResults, Body: grow},
		},
	})
}

// RecursiveGuest builds a plugin whose config entry point recurses without
// bound, exhausting the call stack.
func RecursiveGuest() []byte {
	// config is function index 1 (after alloc).
	recurse := cat(
		localGet(0),
		localGet(1),
		call(1),
	)
	return Build(ModuleSpec{
		MemPages:     1,
		ExportMemory: true,
		Funcs: []Func{
			allocFunc(),
			{Export: "config", Params: guestParams, Results: guestResults, Body: recurse},
		},
	})
}

// FSProbeGuest builds a plugin that attempts path_open during config. It
// traps unless the call is refused with ENOTCAPABLE, then returns the given
// envelope.
func FSProbeGuest(configEnvelope []byte) []byte {
	probe := cat(
		i32Const(3),  // fd
		i32Const(0),  // dirflags
		i32Const(64), // path ptr
		i32Const(1),  // path len
		i32Const(0),  // oflags
		i64Const(0),  // rights base
		i64Const(0),  // rights inheriting
		i32Const(0),  // fdflags
		i32Const(96), // result fd ptr
		call(0),
		i32Const(76),
		[]byte{opI32Ne},
		[]byte{opIf, blockTypeVoid, opUnreachable, opEnd},
		i64Const(packResult(configOut, uint32(len(configEnvelope)))),
	)
	return Build(ModuleSpec{
		Imports: []Import{{
			Module:  "wasi_snapshot_preview1",
			Name:    "path_open",
			Params:  []byte{I32, I32, I32, I32, I32, I64, I64, I32, I32},
			Results: []byte{I32},
		}},
		MemPages:     1,
		ExportMemory: true,
		Funcs: []Func{
			allocFunc(),
			{Export: "config", Params: guestParams, Results: guestResults, Body: probe},
		},
		Data: []DataSeg{
			{Offset: 64, Bytes: []byte("x")},
			{Offset: configOut, Bytes: configEnvelope},
		},
	})
}

// NetProbeGuest builds a plugin that attempts sock_shutdown during config.
// It traps unless the call is refused with ENOTCAPABLE.
func NetProbeGuest(configEnvelope []byte) []byte {
	probe := cat(
		i32Const(3),
		i32Const(0),
		call(0),
		i32Const(76),
		[]byte{opI32Ne},
		[]byte{opIf, blockTypeVoid, opUnreachable, opEnd},
		i64Const(packResult(configOut, uint32(len(configEnvelope)))),
	)
	return Build(ModuleSpec{
		Imports: []Import{{
			Module:  "wasi_snapshot_preview1",
			Name:    "sock_shutdown",
			Params:  []byte{I32, I32},
			Results: []byte{I32},
		}},
		MemPages:     1,
		ExportMemory: true,
		Funcs: []Func{
			allocFunc(),
			{Export: "config", Params: guestParams, Results: guestResults, Body: probe},
		},
		Data: []DataSeg{{Offset: configOut, Bytes: configEnvelope}},
	})
}

// LogProbeGuest builds a plugin that writes message to stdout via fd_write
// during config, traps if the write is refused, and returns the given
// envelope on success.
func LogProbeGuest(message string, configEnvelope []byte) []byte {
	// iovec at 16 pointing at the message at 32.
	iovec := make([]byte, 8)
	binary.LittleEndian.PutUint32(iovec[0:], 32)
	binary.LittleEndian.PutUint32(iovec[4:], uint32(len(message)))

	probe := cat(
		i32Const(1),  // stdout
		i32Const(16), // iovs
		i32Const(1),  // iovs len
		i32Const(8),  // nwritten ptr
		call(0),
		i32Const(0),
		[]byte{opI32Ne},
		[]byte{opIf, blockTypeVoid, opUnreachable, opEnd},
		i64Const(packResult(configOut, uint32(len(configEnvelope)))),
	)
	return Build(ModuleSpec{
		Imports: []Import{{
			Module:  "wasi_snapshot_preview1",
			Name:    "fd_write",
			Params:  []byte{I32, I32, I32, I32},
			Results: []byte{I32},
		}},
		MemPages:     1,
		ExportMemory: true,
		Funcs: []Func{
			allocFunc(),
			{Export: "config", Params: guestParams, Results: guestResults, Body: probe},
		},
		Data: []DataSeg{
			{Offset: 16, Bytes: iovec},
			{Offset: 32, Bytes: []byte(message)},
			{Offset: configOut, Bytes: configEnvelope},
		},
	})
}

// NoAllocGuest builds a plugin missing the alloc export, to exercise load
// failures against guests that do not speak the ABI.
func NoAllocGuest() []byte {
	return Build(ModuleSpec{
		MemPages:     1,
		ExportMemory: true,
		Funcs: []Func{
			{Export: "config", Params: guestParams, Results: guestResults, Body: i64Const(0)},
		},
	})
}
