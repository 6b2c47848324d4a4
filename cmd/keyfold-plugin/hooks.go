// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	kfplugin "github.com/keyfold-dev/keyfold/pkg/plugin"
)

func newHooksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hooks",
		Short: "List the hook vocabulary",
		Long:  "Prints every hook target and the hooks a plugin may subscribe to under it.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "schema version %d\n", kfplugin.SchemaVersion)
			for _, target := range kfplugin.Targets() {
				fmt.Fprintf(out, "%s:\n", target)
				for _, hook := range kfplugin.HooksFor(target) {
					fmt.Fprintf(out, "  %s\n", hook)
				}
			}
			return nil
		},
	}
}

func joinHooks(hooks []kfplugin.Hook) string {
	parts := make([]string, len(hooks))
	for i, h := range hooks {
		parts[i] = string(h)
	}
	return strings.Join(parts, ", ")
}
