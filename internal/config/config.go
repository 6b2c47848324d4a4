// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/keyfold-dev/keyfold/internal/security"
	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
)

// Config is the top-level Keyfold plugin runtime configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Plugins PluginsConfig `mapstructure:"plugins"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PluginsConfig controls plugin discovery and sandboxing.
type PluginsConfig struct {
	Dir     string        `mapstructure:"dir"`
	Grants  []string      `mapstructure:"grants"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

// SandboxConfig bounds every plugin instance.
type SandboxConfig struct {
	MemoryLimit string        `mapstructure:"memory_limit"`
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix KEYFOLD_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("plugins.dir", "plugins")
	v.SetDefault("plugins.grants", security.DefaultGrants().Patterns())
	v.SetDefault("plugins.sandbox.memory_limit", "64Mi")
	v.SetDefault("plugins.sandbox.exec_timeout", 5*time.Second)

	// Environment
	v.SetEnvPrefix("KEYFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, kferr.Errorf(kferr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, kferr.Errorf(kferr.CodeConfigValidateInvalidValue, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, kferr.Errorf(kferr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors, collecting all
// issues rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateLog()...)
	errs = append(errs, c.validatePlugins()...)

	return errs
}

func (c *Config) validateLog() []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
			"config: log.level must be one of [debug, info, warn, error], got %q",
			c.Log.Level,
		))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
			"config: log.format must be one of [text, json], got %q",
			c.Log.Format,
		))
	}

	return errs
}

func (c *Config) validatePlugins() []error {
	var errs []error

	if c.Plugins.Dir == "" {
		errs = append(errs, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
			"config: plugins.dir must not be empty"))
	}

	for i, pattern := range c.Plugins.Grants {
		if _, err := security.MatchCapability(pattern, "probe"); err != nil {
			errs = append(errs, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
				"config: plugins.grants[%d] %q is not a valid capability pattern: %w",
				i, pattern, err,
			))
		}
	}

	if _, err := ParseMemoryLimit(c.Plugins.Sandbox.MemoryLimit); err != nil {
		errs = append(errs, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
			"config: plugins.sandbox.memory_limit: %w", err))
	}

	if c.Plugins.Sandbox.ExecTimeout <= 0 {
		errs = append(errs, kferr.Errorf(kferr.CodeConfigValidateInvalidValue,
			"config: plugins.sandbox.exec_timeout must be greater than 0, got %s",
			c.Plugins.Sandbox.ExecTimeout,
		))
	}

	return errs
}
