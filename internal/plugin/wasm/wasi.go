// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package wasm

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/keyfold-dev/keyfold/internal/security"
)

// WASI preview1 errno values the stubs hand back.
const (
	errnoSuccess     uint32 = 0
	errnoBadFD       uint32 = 8
	errnoNotCapable  uint32 = 76
	wasiModule              = "wasi_snapshot_preview1"
	maxLogWriteBytes        = 4096
)

// instantiateSyscallStubs installs a wasi_snapshot_preview1 host module
// whose every function fails closed. Guests compiled against WASI link and
// run, but filesystem and network calls return ENOTCAPABLE and the narrow
// allowed surface (logging, clock, randomness) answers only when the calling
// instance holds the matching capability grant.
func instantiateSyscallStubs(ctx context.Context, rt wazero.Runtime, guard *security.Guard) error {
	b := rt.NewHostModuleBuilder(wasiModule)

	// Log sink. fd_write on stdout/stderr is how most guest SDKs emit
	// diagnostics, so it routes to structured logging under host.log
	// rather than touching real descriptors.
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			fd := uint32(stack[0])
			iovs := uint32(stack[1])
			iovsLen := uint32(stack[2])
			nwrittenPtr := uint32(stack[3])
			stack[0] = uint64(fdWrite(ctx, mod, guard, fd, iovs, iovsLen, nwrittenPtr))
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("fd_write")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			resultPtr := uint32(stack[2])
			if err := guard.Check(mod.Name(), security.CapHostClock); err != nil {
				stack[0] = uint64(errnoNotCapable)
				return
			}
			now := uint64(time.Now().UnixNano())
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], now)
			if !mod.Memory().Write(resultPtr, buf[:]) {
				stack[0] = uint64(errnoBadFD)
				return
			}
			stack[0] = uint64(errnoSuccess)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("clock_time_get")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			bufPtr := uint32(stack[0])
			bufLen := uint32(stack[1])
			if err := guard.Check(mod.Name(), security.CapHostRandom); err != nil {
				stack[0] = uint64(errnoNotCapable)
				return
			}
			buf := make([]byte, bufLen)
			if _, err := rand.Read(buf); err != nil {
				stack[0] = uint64(errnoBadFD)
				return
			}
			if !mod.Memory().Write(bufPtr, buf) {
				stack[0] = uint64(errnoBadFD)
				return
			}
			stack[0] = uint64(errnoSuccess)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("random_get")

	// Filesystem surface: unconditionally denied.
	denied(b, "path_open", 9)
	denied(b, "path_create_directory", 3)
	denied(b, "path_remove_directory", 3)
	denied(b, "path_unlink_file", 3)
	denied(b, "path_rename", 6)
	denied(b, "path_filestat_get", 5)
	denied(b, "fd_readdir", 5)
	denied(b, "fd_prestat_get", 2)
	denied(b, "fd_prestat_dir_name", 3)

	// Network surface: unconditionally denied.
	denied(b, "sock_accept", 3)
	denied(b, "sock_recv", 6)
	denied(b, "sock_send", 5)
	denied(b, "sock_shutdown", 2)

	// Descriptor plumbing: nothing is open besides the log fds, so reads
	// and seeks fail with EBADF rather than ENOTCAPABLE.
	badFD(b, "fd_read", 4)
	badFD(b, "fd_close", 1)
	fdSeek(b)
	fdFdstatGet(b)

	// Empty environment and argv so startup glue in guest SDKs succeeds.
	emptySizes(b, "environ_sizes_get")
	emptyList(b, "environ_get")
	emptySizes(b, "args_sizes_get")
	emptyList(b, "args_get")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			code := uint32(stack[0])
			_ = mod.CloseWithExitCode(ctx, code)
		}), []api.ValueType{api.ValueTypeI32}, nil).
		Export("proc_exit")

	_, err := b.Instantiate(ctx)
	return err
}

func fdWrite(ctx context.Context, mod api.Module, guard *security.Guard, fd, iovs, iovsLen, nwrittenPtr uint32) uint32 {
	if fd != 1 && fd != 2 {
		return errnoBadFD
	}
	if err := guard.Check(mod.Name(), security.CapHostLog); err != nil {
		return errnoNotCapable
	}

	mem := mod.Memory()
	var msg []byte
	var total uint32
	for i := uint32(0); i < iovsLen; i++ {
		base, ok := mem.ReadUint32Le(iovs + i*8)
		if !ok {
			return errnoBadFD
		}
		length, ok := mem.ReadUint32Le(iovs + i*8 + 4)
		if !ok {
			return errnoBadFD
		}
		data, ok := mem.Read(base, length)
		if !ok {
			return errnoBadFD
		}
		total += length
		if uint32(len(msg))+length <= maxLogWriteBytes {
			msg = append(msg, data...)
		}
	}

	text := strings.TrimRight(string(msg), "\n")
	if text != "" {
		logger := slog.With("plugin_instance", mod.Name(), "fd", fd)
		if fd == 2 {
			logger.Warn("plugin output", "message", text)
		} else {
			logger.Info("plugin output", "message", text)
		}
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], total)
	if !mem.Write(nwrittenPtr, buf[:]) {
		return errnoBadFD
	}
	return errnoSuccess
}

// denied exports a stub with nParams i32 parameters (WASI preview1 packs
// i64 arguments identically on the call stack) returning ENOTCAPABLE.
func denied(b wazero.HostModuleBuilder, name string, nParams int) {
	constErrno(b, name, nParams, errnoNotCapable)
}

func badFD(b wazero.HostModuleBuilder, name string, nParams int) {
	constErrno(b, name, nParams, errnoBadFD)
}

func constErrno(b wazero.HostModuleBuilder, name string, nParams int, errno uint32) {
	params := paramTypes(name, nParams)
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(errno)
		}), params, []api.ValueType{api.ValueTypeI32}).
		Export(name)
}

// paramTypes returns the preview1 signature for the named stub. The few
// functions carrying i64 parameters are special-cased; everything else is
// uniformly i32.
func paramTypes(name string, n int) []api.ValueType {
	types := make([]api.ValueType, n)
	for i := range types {
		types[i] = api.ValueTypeI32
	}
	switch name {
	case "path_open":
		// fd, dirflags, path, path_len, oflags, fs_rights_base,
		// fs_rights_inheriting, fdflags, result fd
		types[5] = api.ValueTypeI64
		types[6] = api.ValueTypeI64
	case "fd_readdir":
		// fd, buf, buf_len, cookie, result size
		types[3] = api.ValueTypeI64
	}
	return types
}

func fdSeek(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(errnoBadFD)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("fd_seek")
}

// fdFdstatGet reports a zeroed fdstat for the log descriptors and EBADF for
// everything else. Guest SDK startup probes fds 0 through 2.
func fdFdstatGet(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			fd := uint32(stack[0])
			bufPtr := uint32(stack[1])
			if fd > 2 {
				stack[0] = uint64(errnoBadFD)
				return
			}
			zero := make([]byte, 24)
			if !mod.Memory().Write(bufPtr, zero) {
				stack[0] = uint64(errnoBadFD)
				return
			}
			stack[0] = uint64(errnoSuccess)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("fd_fdstat_get")
}

// emptySizes writes zero for both the element count and the buffer size.
func emptySizes(b wazero.HostModuleBuilder, name string) {
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			countPtr := uint32(stack[0])
			sizePtr := uint32(stack[1])
			mem := mod.Memory()
			if !mem.WriteUint32Le(countPtr, 0) || !mem.WriteUint32Le(sizePtr, 0) {
				stack[0] = uint64(errnoBadFD)
				return
			}
			stack[0] = uint64(errnoSuccess)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export(name)
}

// emptyList succeeds without writing anything; the matching sizes call
// already reported zero entries.
func emptyList(b wazero.HostModuleBuilder, name string) {
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(errnoSuccess)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export(name)
}
