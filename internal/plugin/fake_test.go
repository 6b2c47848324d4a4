// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package plugin

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keyfold-dev/keyfold/internal/security"
	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

// fakeGuest satisfies the engine seam without a sandbox, so the core can be
// exercised against scripted guest behavior.
type fakeGuest struct {
	id      string
	handler map[string]func(input []byte) ([]byte, error)
	calls   []string
	inputs  [][]byte
	memSize uint32
	closed  bool
}

func (g *fakeGuest) ID() string { return g.id }

func (g *fakeGuest) Call(_ context.Context, fnName string, input []byte) ([]byte, error) {
	g.calls = append(g.calls, fnName)
	g.inputs = append(g.inputs, input)
	if h, ok := g.handler[fnName]; ok {
		return h(input)
	}
	return nil, nil
}

func (g *fakeGuest) MemorySize() uint32 { return g.memSize }

func (g *fakeGuest) Close(context.Context) error {
	g.closed = true
	return nil
}

type fakeEngine struct {
	guest *fakeGuest
	err   error
}

func (e fakeEngine) LoadModule(_ context.Context, id string, _ []byte) (guest, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.guest.id = id
	return e.guest, nil
}

func newFakeLoader(e engine, guard *security.Guard) *Loader {
	return &Loader{
		engine: e,
		guard:  guard,
		grants: security.DefaultGrants(),
		logger: slog.Default(),
	}
}

// okConfigEnvelope wraps a plugin declaration in the guest result envelope.
func okConfigEnvelope(t *testing.T, cfg kfplugin.PluginConfig) []byte {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	envelope, err := json.Marshal(kfplugin.Result{OK: raw})
	require.NoError(t, err)
	return envelope
}

// loadedInstance builds an instance in StateLoaded backed by g, bypassing
// the sandbox the way the loader would have produced it.
func loadedInstance(t *testing.T, name string, target kfplugin.HookTarget, hooks []kfplugin.Hook, g *fakeGuest) *Instance {
	t.Helper()
	if g.id == "" {
		g.id = "instance-" + name
	}
	inst := newInstance(g.id, g, nil)
	inst.config = kfplugin.PluginConfig{
		Name:    name,
		Version: "1.0.0",
		Target:  target,
		Hooks:   hooks,
	}
	require.NoError(t, inst.transition(StateLoaded))
	return inst
}
