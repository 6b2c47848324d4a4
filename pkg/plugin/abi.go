// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin

import (
	"encoding/json"
	"fmt"
)

// Guest ABI. Every plugin binary must export these symbols:
//
//	memory                          the guest linear memory
//	alloc(size: i32) -> i32         allocate size bytes, return the offset
//	config(ptr, len: i32) -> i64    called once at load with raw settings
//	on_hook(ptr, len: i32) -> i64   called per dispatched event
//
// The host writes the JSON-encoded input into guest memory at an offset
// obtained from alloc, then calls the entry point with (ptr, len). The return
// value packs the offset and length of a JSON Result envelope in guest
// memory: (ptr << 32) | len. A zero return means an empty (success) result.
const (
	GuestExportMemory = "memory"
	GuestExportAlloc  = "alloc"
	GuestExportConfig = "config"
	GuestExportOnHook = "on_hook"
)

// PackResult packs a guest memory region into the ABI's i64 return value.
func PackResult(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackResult splits the ABI's i64 return value into offset and length.
func UnpackResult(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// Result is the envelope every guest entry point returns.
// Exactly one of OK and Err is set; an all-zero envelope means success with
// no payload.
type Result struct {
	OK  json.RawMessage `json:"ok,omitempty"`
	Err string          `json:"err,omitempty"`
}

// Settings is the raw string-pair configuration passed verbatim to the
// guest's config entry point. Pair order is preserved on the wire.
type Settings [][2]string

// SettingsFromMap flattens a map into Settings with a stable iteration-free
// contract left to the caller; map order is not significant for guests.
func SettingsFromMap(m map[string]string) Settings {
	s := make(Settings, 0, len(m))
	for k, v := range m {
		s = append(s, [2]string{k, v})
	}
	return s
}

// DecodeResult parses a guest Result envelope.
func DecodeResult(data []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("malformed guest result: %w", err)
	}
	return res, nil
}
