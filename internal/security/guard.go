// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package security

import (
	"log/slog"
	"sync"

	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
)

// Well-known host capabilities checked by the sandbox's host functions.
// Filesystem and network capabilities exist in the vocabulary but are never
// granted by default; the runtime currently performs no I/O on a guest's
// behalf even when granted, so they only control whether the denial is
// reported as "not granted" or "not supported".
const (
	CapHostLog    = "host.log"
	CapHostClock  = "host.clock"
	CapHostRandom = "host.random"
	CapFSRead     = "fs.read"
	CapFSWrite    = "fs.write"
	CapNetOut     = "net.outbound"
)

// DefaultGrants is the capability set every plugin receives unless
// configured otherwise. Deny by default: no filesystem, no network.
func DefaultGrants() CapabilitySet {
	return NewCapabilitySet(CapHostLog, CapHostClock, CapHostRandom)
}

// Guard holds per-plugin capability grants and answers allow/deny decisions
// for sandbox host functions. Every decision is audited through slog.
type Guard struct {
	mu      sync.RWMutex
	plugins map[string]CapabilitySet
}

// NewGuard creates an empty Guard. A plugin with no recorded grants is
// denied everything.
func NewGuard() *Guard {
	return &Guard{plugins: make(map[string]CapabilitySet)}
}

// Grant records the capability set for a plugin, replacing prior grants.
func (g *Guard) Grant(plugin string, caps CapabilitySet) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.plugins[plugin] = caps
}

// Revoke removes all grants for a plugin.
func (g *Guard) Revoke(plugin string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.plugins, plugin)
}

// Check returns nil when the plugin's grants cover the capability, and a
// capability-denied error otherwise. Unknown plugins fail closed.
func (g *Guard) Check(plugin, capability string) error {
	g.mu.RLock()
	caps, ok := g.plugins[plugin]
	g.mu.RUnlock()

	if ok && caps.Contains(capability) {
		slog.Debug("capability allowed",
			"plugin", plugin, "capability", capability)
		return nil
	}

	reason := "capability_not_granted"
	if !ok {
		reason = "plugin_not_registered"
	}
	slog.Warn("capability denied",
		"plugin", plugin, "capability", capability, "reason", reason)

	return kferr.New(kferr.CodePluginCapabilityDenied,
		"capability "+capability+" denied for plugin "+plugin+": "+reason,
		kferr.FieldPlugin(plugin),
		kferr.Field("capability", capability),
	)
}

// Allowed is a convenience wrapper around Check for host functions that
// only need a boolean.
func (g *Guard) Allowed(plugin, capability string) bool {
	return g.Check(plugin, capability) == nil
}
