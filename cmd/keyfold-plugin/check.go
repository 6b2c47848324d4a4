// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [plugin.wasm]",
		Short: "Load and validate a plugin binary",
		Long:  "Loads the plugin under the configured sandbox, calls its config entry point, and validates the declaration the way registration would. Issues registration tolerates, like a non-semver version, are printed as warnings.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntimeConfig(cmd)
			if err != nil {
				return err
			}

			settings, err := parseSettings(cmd)
			if err != nil {
				return err
			}

			wasmBytes, err := os.ReadFile(args[0])
			if err != nil {
				return kferr.Wrapf(err, kferr.CodePluginDiscoveryFailure,
					"reading plugin binary %s", args[0])
			}

			ctx := cmd.Context()
			m, err := buildManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer m.Close(ctx) //nolint:errcheck

			inst, err := m.LoadAndRegister(ctx, wasmBytes, settings)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "REJECTED (%s)\n", kferr.KindOf(err))
				return err
			}

			decl := inst.Config()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "OK %s\n", args[0])
			fmt.Fprintf(out, "  name:    %s\n", decl.Name)
			fmt.Fprintf(out, "  version: %s\n", decl.Version)
			fmt.Fprintf(out, "  target:  %s\n", decl.Target)
			fmt.Fprintf(out, "  hooks:   %s\n", joinHooks(decl.Hooks))

			// Registration accepts loose declarations; surface what the
			// stricter SDK-side check would tell the plugin author.
			for _, warn := range decl.Validate() {
				fmt.Fprintf(out, "  warning: %v\n", warn)
			}
			return nil
		},
	}

	cmd.Flags().StringArray("set", nil, "plugin setting as key=value (repeatable)")

	return cmd
}

func parseSettings(cmd *cobra.Command) (map[string]string, error) {
	pairs, _ := cmd.Flags().GetStringArray("set")
	if len(pairs) == 0 {
		return nil, nil
	}

	settings := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
				"--set expects key=value, got %q", pair)
		}
		settings[key] = value
	}
	return settings, nil
}
