// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keyfold-dev/keyfold/internal/config"
	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

func newFireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fire [hook]",
		Short: "Fire a hook event at discovered plugins",
		Long:  "Discovers plugins from the configured directory, dispatches one event for the given hook, and prints each plugin's outcome.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntimeConfig(cmd)
			if err != nil {
				return err
			}

			hook := kfplugin.Hook(args[0])
			if !hook.Valid() {
				return kferr.Errorf(kferr.CodePluginConfigInvalid,
					"unknown hook %q, see `keyfold-plugin hooks`", args[0])
			}

			payload, _ := cmd.Flags().GetString("payload")
			var event kfplugin.HookEvent
			event.Hook = hook
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
						"--payload must be valid JSON")
				}
				event.Payload = json.RawMessage(payload)
			}

			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.Plugins.Dir
			}
			config.WarnWritablePluginDir(dir)

			ctx := cmd.Context()
			m, err := buildManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer m.Close(ctx) //nolint:errcheck

			registered, err := m.Discover(ctx, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discovered %d plugin(s) in %s\n", len(registered), dir)

			outcomes, err := m.Dispatch(ctx, hook.Target(), event)
			if err != nil {
				return err
			}

			failures := 0
			for _, o := range outcomes {
				if o.Err != nil {
					failures++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", o.Plugin, o.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", o.Plugin)
			}
			if failures > 0 {
				return kferr.Errorf(kferr.CodePluginHookCallFailure,
					"%d of %d plugin(s) failed", failures, len(outcomes))
			}
			return nil
		},
	}

	cmd.Flags().String("payload", "", "JSON payload for the event")
	cmd.Flags().String("dir", "", "plugin directory (overrides config)")

	return cmd
}
