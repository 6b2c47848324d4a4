// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyfold-dev/keyfold/internal/config"
	"github.com/keyfold-dev/keyfold/internal/plugin"
	"github.com/keyfold-dev/keyfold/internal/plugin/wasm"
	"github.com/keyfold-dev/keyfold/internal/security"
)

// NewRootCmd creates the root keyfold-plugin command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keyfold-plugin",
		Short:         "Keyfold plugin runtime tool",
		Long:          "Validate, inspect, and exercise Keyfold plugins inside the same sandbox the application uses.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newCheckCmd(),
		newFireCmd(),
		newHooksCmd(),
		newVersionCmd(),
	)

	return root
}

// loadRuntimeConfig resolves configuration for a subcommand and applies the
// logging settings. The permission warning mirrors what the application does
// at startup.
func loadRuntimeConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = resolveDefaultConfig()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	config.WarnInsecurePermissions(path)

	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(cfg.Log, verbose)
	return cfg, nil
}

// resolveDefaultConfig finds ~/.config/keyfold/keyfold.yaml, bootstrapping a
// commented default on first run. Returns empty string when no file is
// available, in which case defaults and env vars still apply.
func resolveDefaultConfig() string {
	if path := config.BootstrapConfig(); path != "" {
		return path
	}
	path, err := config.DefaultConfigPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func setupLogging(cfg config.LogConfig, verbose bool) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildManager assembles a plugin runtime from the resolved configuration.
func buildManager(ctx context.Context, cfg *config.Config) (*plugin.Manager, error) {
	pages, err := config.MemoryLimitPages(cfg.Plugins.Sandbox.MemoryLimit)
	if err != nil {
		return nil, err
	}

	return plugin.NewManager(ctx,
		plugin.WithSandboxLimits(wasm.Limits{
			MemoryLimitPages: pages,
			ExecTimeout:      cfg.Plugins.Sandbox.ExecTimeout,
		}),
		plugin.WithGrants(security.NewCapabilitySet(cfg.Plugins.Grants...)),
	)
}
