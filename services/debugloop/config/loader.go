// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the per-repository debugloop configuration.
//
// The file lives at <repo>/.debugloop/config.yaml and is created with
// defaults on first run. DEBUGLOOP_* environment variables override file
// values; the result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultStateDirName is the state directory under the repository root.
	DefaultStateDirName = ".debugloop"

	// FileName is the config file inside DefaultStateDirName.
	FileName = "config.yaml"
)

// ErrInvalidConfig indicates the config failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Path returns the config file path for a repository root.
func Path(root string) string {
	return filepath.Join(root, DefaultStateDirName, FileName)
}

// Load reads the config for the repository at root, creating it first if
// it does not exist. StateDir in the result is absolute.
func Load(root string) (*Config, error) {
	return LoadFile(Path(root), root)
}

// LoadFile reads the config at path. Relative state dirs resolve against root.
func LoadFile(path, root string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(root, cfg.StateDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Telemetry.Exporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("%w: telemetry.otlp_endpoint is required for the otlp exporter", ErrInvalidConfig)
	}
	return nil
}

// createDefault writes the default config and a .gitignore that keeps the
// state directory out of the working tree.
func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", ignore, err)
		}
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv applies DEBUGLOOP_* overrides.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
		}
		*dst = Duration(d)
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
		}
		*dst = b
		return nil
	}

	str("DEBUGLOOP_STATE_DIR", &cfg.StateDir)
	str("DEBUGLOOP_LOG_LEVEL", &cfg.Logging.Level)
	str("DEBUGLOOP_TELEMETRY_EXPORTER", &cfg.Telemetry.Exporter)
	str("DEBUGLOOP_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("DEBUGLOOP_METRICS_ADDR", &cfg.Telemetry.MetricsAddr)
	str("DEBUGLOOP_LLM_BASE_URL", &cfg.LLM.BaseURL)
	str("DEBUGLOOP_LLM_MODEL", &cfg.LLM.Model)
	str("DEBUGLOOP_GCS_BUCKET", &cfg.Archive.GCSBucket)
	str("DEBUGLOOP_PLUGIN_GENERATE", &cfg.Plugins.Generate)
	str("DEBUGLOOP_PLUGIN_INSTRUMENT", &cfg.Plugins.Instrument)
	str("DEBUGLOOP_PLUGIN_ANALYZE", &cfg.Plugins.Analyze)
	str("DEBUGLOOP_PLUGIN_RESEARCH", &cfg.Plugins.Research)
	str("DEBUGLOOP_PLUGIN_FIX", &cfg.Plugins.Fix)

	if v := getenv("DEBUGLOOP_CAP_MULTIPLIER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DEBUGLOOP_CAP_MULTIPLIER=%q: %v", ErrInvalidConfig, v, err)
		}
		cfg.Reproduction.CapMultiplier = n
	}
	for key, dst := range map[string]*Duration{
		"DEBUGLOOP_RUN_TIMEOUT": &cfg.Reproduction.RunTimeout,
		"DEBUGLOOP_PACING":      &cfg.Reproduction.Pacing,
		"DEBUGLOOP_GIT_TIMEOUT": &cfg.VCS.Timeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	if err := boolean("DEBUGLOOP_LLM_ENABLED", &cfg.LLM.Enabled); err != nil {
		return err
	}
	return boolean("DEBUGLOOP_LOG_JSON", &cfg.Logging.JSON)
}
