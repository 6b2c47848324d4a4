// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// WarnInsecurePermissions checks if the config file has overly permissive
// permissions (group- or world-readable) and logs a warning if so. It does
// not fail startup, but alerts the operator that plugin settings may be
// exposed to other users on the system.
func WarnInsecurePermissions(path string) {
	if path == "" {
		// No config file loaded (using defaults only). Nothing to check.
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Config file missing or inaccessible. Already logged elsewhere.
		slog.Debug("could not stat config file for permission check", "path", path, "error", err)
		return
	}

	mode := info.Mode()
	perm := mode.Perm()

	// Check if group or world can read the file (any of bits 044, 004).
	const groupRead fs.FileMode = 0o040
	const otherRead fs.FileMode = 0o004

	if perm&(groupRead|otherRead) != 0 {
		slog.Warn(
			"config file has insecure permissions, plugin settings may be exposed to other users",
			"path", path,
			"mode", mode,
			"recommended", "0600",
		)
	}
}

// WarnWritablePluginDir checks whether the plugin directory is group- or
// world-writable. A writable directory would let another user swap plugin
// binaries under the runtime.
func WarnWritablePluginDir(dir string) {
	info, err := os.Stat(dir)
	if err != nil {
		slog.Debug("could not stat plugin directory for permission check", "path", dir, "error", err)
		return
	}

	const groupWrite fs.FileMode = 0o020
	const otherWrite fs.FileMode = 0o002

	if info.Mode().Perm()&(groupWrite|otherWrite) != 0 {
		slog.Warn(
			"plugin directory is writable by other users, plugin binaries could be replaced",
			"path", dir,
			"mode", info.Mode(),
			"recommended", "0700",
		)
	}
}
