// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin

// State tracks a plugin instance through its lifecycle.
type State int

const (
	// StateLoading is the initial state while the binary is compiled and
	// its config entry point interrogated.
	StateLoading State = iota

	// StateLoaded means the instance answered config with a parseable
	// declaration but is not yet registered for dispatch.
	StateLoaded

	// StateRegistered means the instance is visible to dispatch.
	StateRegistered

	// StateFailed is terminal short of unload; a failed instance never
	// re-enters dispatch.
	StateFailed

	// StateUnloaded means the instance and its sandbox are released.
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateRegistered:
		return "registered"
	case StateFailed:
		return "failed"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateLoading:    {StateLoaded, StateFailed, StateUnloaded},
	StateLoaded:     {StateRegistered, StateFailed, StateUnloaded},
	StateRegistered: {StateFailed, StateUnloaded},
	StateFailed:     {StateUnloaded},
	StateUnloaded:   {},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
