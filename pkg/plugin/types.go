// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package plugin is the interface contract shared by the Keyfold host and
// plugin guests. Both sides are compiled independently against this schema;
// the only exchange across the trust boundary is serialized JSON, never
// shared memory or shared types.
package plugin

import "encoding/json"

// SchemaVersion is the version of the host/guest contract. Bump it whenever
// the hook vocabulary, the PluginConfig shape, or the guest ABI changes
// incompatibly.
const SchemaVersion = 1

// HookTarget is the privilege domain a plugin executes under. It constrains
// which hooks the plugin may subscribe to.
type HookTarget string

const (
	TargetServer    HookTarget = "server"
	TargetApp       HookTarget = "app"
	TargetDashboard HookTarget = "dashboard"
)

// validTargets enumerates recognized hook targets.
var validTargets = map[HookTarget]bool{
	TargetServer:    true,
	TargetApp:       true,
	TargetDashboard: true,
}

// Valid reports whether t is a recognized hook target.
func (t HookTarget) Valid() bool {
	return validTargets[t]
}

// Targets returns the recognized hook targets in declaration order.
func Targets() []HookTarget {
	return []HookTarget{TargetServer, TargetApp, TargetDashboard}
}

// Hook is a named extension point a plugin may subscribe to. Each hook
// belongs to exactly one target family; the per-family sets are closed and
// versioned by SchemaVersion.
type Hook string

const (
	HookServerStart          Hook = "server.start"
	HookServerStop           Hook = "server.stop"
	HookServerIPChange       Hook = "server.ip_change"
	HookServerBackupComplete Hook = "server.backup_complete"

	HookAppVaultUnlock   Hook = "app.vault_unlock"
	HookAppVaultLock     Hook = "app.vault_lock"
	HookAppSecretCreated Hook = "app.secret_created"
	HookAppSecretUpdated Hook = "app.secret_updated"
	HookAppSecretDeleted Hook = "app.secret_deleted"

	HookDashboardSessionStart Hook = "dashboard.session_start"
	HookDashboardSessionEnd   Hook = "dashboard.session_end"
)

// hookFamilies maps each target to its closed hook set.
var hookFamilies = map[HookTarget][]Hook{
	TargetServer: {
		HookServerStart,
		HookServerStop,
		HookServerIPChange,
		HookServerBackupComplete,
	},
	TargetApp: {
		HookAppVaultUnlock,
		HookAppVaultLock,
		HookAppSecretCreated,
		HookAppSecretUpdated,
		HookAppSecretDeleted,
	},
	TargetDashboard: {
		HookDashboardSessionStart,
		HookDashboardSessionEnd,
	},
}

// hookTarget is the reverse index from hook to its family.
var hookTarget = func() map[Hook]HookTarget {
	idx := make(map[Hook]HookTarget)
	for target, hooks := range hookFamilies {
		for _, h := range hooks {
			idx[h] = target
		}
	}
	return idx
}()

// Target returns the family a hook belongs to, or "" for an unknown hook.
func (h Hook) Target() HookTarget {
	return hookTarget[h]
}

// Valid reports whether h is a recognized hook.
func (h Hook) Valid() bool {
	_, ok := hookTarget[h]
	return ok
}

// ValidFor reports whether h belongs to the given target family.
func (h Hook) ValidFor(target HookTarget) bool {
	return h.Valid() && hookTarget[h] == target
}

// HooksFor returns the closed hook set for a target, in a stable order.
// The returned slice is a copy.
func HooksFor(target HookTarget) []Hook {
	return append([]Hook(nil), hookFamilies[target]...)
}

// PluginConfig is the configuration a plugin returns from its config entry
// point, exactly once at load time.
type PluginConfig struct {
	Name    string     `json:"name"`
	Version string     `json:"version"`
	Target  HookTarget `json:"target"`
	Hooks   []Hook     `json:"hooks"`
}

// HookEvent is the payload delivered to a plugin when a subscribed hook
// fires. Payload is event-specific and passed through to the guest verbatim.
type HookEvent struct {
	Hook    Hook            `json:"hook"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewHookEvent builds a HookEvent with the payload marshalled to JSON.
func NewHookEvent(hook Hook, payload any) (HookEvent, error) {
	ev := HookEvent{Hook: hook}
	if payload == nil {
		return ev, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return HookEvent{}, err
	}
	ev.Payload = raw
	return ev, nil
}
