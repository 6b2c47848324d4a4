// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package wasmtest builds small WebAssembly binaries in memory for exercise
// of the plugin sandbox in tests. No guest toolchain is involved; modules
// are encoded section by section.
package wasmtest

import "encoding/binary"

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// Opcodes used by the fixture bodies.
const (
	opUnreachable byte = 0x00
	opLoop        byte = 0x03
	opIf          byte = 0x04
	opEnd         byte = 0x0b
	opBr          byte = 0x0c
	opCall        byte = 0x10
	opDrop        byte = 0x1a
	opLocalGet    byte = 0x20
	opMemoryGrow  byte = 0x40
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
	opI32Eq       byte = 0x46
	opI32Ne       byte = 0x47
)

const blockTypeVoid byte = 0x40

// Import declares one host function import.
type Import struct {
	Module  string
	Name    string
	Params  []byte
	Results []byte
}

// Func declares one guest function. Export is the export name, empty for an
// internal function. Body is the instruction sequence without the trailing
// end opcode.
type Func struct {
	Export  string
	Params  []byte
	Results []byte
	Body    []byte
}

// DataSeg places bytes at a fixed offset in linear memory.
type DataSeg struct {
	Offset uint32
	Bytes  []byte
}

// ModuleSpec describes a module to encode. Function index space is imports
// first, then Funcs in order.
type ModuleSpec struct {
	Imports      []Import
	Funcs        []Func
	MemPages     uint32
	ExportMemory bool
	Data         []DataSeg
}

type sig struct {
	params  string
	results string
}

// Build encodes the module to wasm binary format.
func Build(spec ModuleSpec) []byte {
	// Deduplicated type section over imports and local functions.
	typeIdx := map[sig]int{}
	var types []sig
	indexOf := func(params, results []byte) int {
		s := sig{string(params), string(results)}
		if i, ok := typeIdx[s]; ok {
			return i
		}
		i := len(types)
		typeIdx[s] = i
		types = append(types, s)
		return i
	}
	importTypes := make([]int, len(spec.Imports))
	for i, imp := range spec.Imports {
		importTypes[i] = indexOf(imp.Params, imp.Results)
	}
	funcTypes := make([]int, len(spec.Funcs))
	for i, fn := range spec.Funcs {
		funcTypes[i] = indexOf(fn.Params, fn.Results)
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// Type section.
	var body []byte
	body = append(body, uleb(uint64(len(types)))...)
	for _, t := range types {
		body = append(body, 0x60)
		body = append(body, uleb(uint64(len(t.params)))...)
		body = append(body, t.params...)
		body = append(body, uleb(uint64(len(t.results)))...)
		body = append(body, t.results...)
	}
	out = appendSection(out, 1, body)

	if len(spec.Imports) > 0 {
		body = uleb(uint64(len(spec.Imports)))
		for i, imp := range spec.Imports {
			body = append(body, name(imp.Module)...)
			body = append(body, name(imp.Name)...)
			body = append(body, 0x00)
			body = append(body, uleb(uint64(importTypes[i]))...)
		}
		out = appendSection(out, 2, body)
	}

	if len(spec.Funcs) > 0 {
		body = uleb(uint64(len(spec.Funcs)))
		for _, ti := range funcTypes {
			body = append(body, uleb(uint64(ti))...)
		}
		out = appendSection(out, 3, body)
	}

	if spec.MemPages > 0 {
		body = []byte{0x01, 0x00}
		body = append(body, uleb(uint64(spec.MemPages))...)
		out = appendSection(out, 5, body)
	}

	// Export section.
	var exports []byte
	var nExports uint64
	if spec.ExportMemory {
		exports = append(exports, name("memory")...)
		exports = append(exports, 0x02, 0x00)
		nExports++
	}
	for i, fn := range spec.Funcs {
		if fn.Export == "" {
			continue
		}
		exports = append(exports, name(fn.Export)...)
		exports = append(exports, 0x00)
		exports = append(exports, uleb(uint64(len(spec.Imports)+i))...)
		nExports++
	}
	if nExports > 0 {
		body = uleb(nExports)
		body = append(body, exports...)
		out = appendSection(out, 7, body)
	}

	if len(spec.Funcs) > 0 {
		body = uleb(uint64(len(spec.Funcs)))
		for _, fn := range spec.Funcs {
			code := []byte{0x00} // no locals
			code = append(code, fn.Body...)
			code = append(code, opEnd)
			body = append(body, uleb(uint64(len(code)))...)
			body = append(body, code...)
		}
		out = appendSection(out, 10, body)
	}

	if len(spec.Data) > 0 {
		body = uleb(uint64(len(spec.Data)))
		for _, seg := range spec.Data {
			body = append(body, 0x00)
			body = append(body, opI32Const)
			body = append(body, sleb(int64(int32(seg.Offset)))...)
			body = append(body, opEnd)
			body = append(body, uleb(uint64(len(seg.Bytes)))...)
			body = append(body, seg.Bytes...)
		}
		out = appendSection(out, 11, body)
	}

	return out
}

func appendSection(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func uleb(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// Instruction helpers for fixture bodies.

func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(int64(v))...)
}

func i64Const(v int64) []byte {
	return append([]byte{opI64Const}, sleb(v)...)
}

func call(idx uint32) []byte {
	return append([]byte{opCall}, uleb(uint64(idx))...)
}

func localGet(idx uint32) []byte {
	return append([]byte{opLocalGet}, uleb(uint64(idx))...)
}

// packResult mirrors the guest ABI return packing.
func packResult(ptr, length uint32) int64 {
	return int64(uint64(ptr)<<32 | uint64(length))
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
