// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package config

import (
	"regexp"
	"strconv"
	"strings"

	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
)

var memoryLimitPattern = regexp.MustCompile(`^([1-9][0-9]*)(Ki|Mi|Gi)?$`)

// wasmPageSize is the WebAssembly linear memory page size.
const wasmPageSize = 64 * 1024

// ParseMemoryLimit parses memory limits like "256Mi", "1Gi", or raw bytes "4096".
func ParseMemoryLimit(limit string) (int64, error) {
	match := memoryLimitPattern.FindStringSubmatch(strings.TrimSpace(limit))
	if len(match) != 3 {
		return 0, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
			"memory_limit must match <positive-int>[Ki|Mi|Gi], got %q", limit)
	}

	base, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, kferr.Wrapf(err, kferr.CodeConfigValidateInvalidValue,
			"parsing memory_limit %q", limit)
	}

	factor := int64(1)
	switch match[2] {
	case "Ki":
		factor = 1024
	case "Mi":
		factor = 1024 * 1024
	case "Gi":
		factor = 1024 * 1024 * 1024
	}

	value := base * factor
	if value/factor != base {
		return 0, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
			"memory_limit %q overflows int64", limit)
	}
	if value <= 0 {
		return 0, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
			"memory_limit must be > 0, got %q", limit)
	}

	return value, nil
}

// MemoryLimitPages converts a memory limit string into whole wasm pages,
// rounding up so a configured limit is never silently lowered past a page
// boundary.
func MemoryLimitPages(limit string) (uint32, error) {
	bytes, err := ParseMemoryLimit(limit)
	if err != nil {
		return 0, err
	}

	pages := (bytes + wasmPageSize - 1) / wasmPageSize
	const maxPages = 65536 // 4GiB, the wasm32 address space
	if pages > maxPages {
		return 0, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
			"memory_limit %q exceeds the wasm32 address space", limit)
	}
	return uint32(pages), nil
}
