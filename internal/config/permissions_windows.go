// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

//go:build windows

package config

import "log/slog"

// WarnInsecurePermissions is a no-op on Windows.
// Windows uses ACLs rather than Unix mode bits, so this check is not applicable.
func WarnInsecurePermissions(path string) {
	if path != "" {
		slog.Debug("config permission check not implemented on Windows", "path", path)
	}
}

// WarnWritablePluginDir is a no-op on Windows for the same reason.
func WarnWritablePluginDir(dir string) {
	if dir != "" {
		slog.Debug("plugin directory permission check not implemented on Windows", "path", dir)
	}
}
