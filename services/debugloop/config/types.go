// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// Config is the debugloop configuration for one repository.
type Config struct {
	Meta MetaConfig `yaml:"meta"`

	// StateDir holds sessions, run logs, summaries, snapshots, and history.
	// Relative paths are resolved against the repository root.
	StateDir string `yaml:"state_dir" validate:"required"`

	Reproduction ReproductionConfig `yaml:"reproduction"`
	VCS          VCSConfig          `yaml:"vcs"`
	Plugins      PluginConfig       `yaml:"plugins"`
	LLM          LLMConfig          `yaml:"llm"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

type ReproductionConfig struct {
	// CapMultiplier sets CAP = CapMultiplier * K for flaky issues.
	CapMultiplier int `yaml:"cap_multiplier" validate:"gte=1,lte=20"`

	// RunTimeout bounds a single run; a timed-out run fails.
	RunTimeout Duration `yaml:"run_timeout" validate:"gt=0"`

	// Pacing is the minimum gap between runs. Zero disables it.
	Pacing Duration `yaml:"pacing" validate:"gte=0"`
}

type VCSConfig struct {
	Timeout Duration `yaml:"timeout" validate:"gt=0"`
}

// PluginConfig maps each collaborator capability to a shell command.
type PluginConfig struct {
	Timeout    Duration `yaml:"timeout" validate:"gte=0"`
	Generate   string   `yaml:"generate,omitempty"`
	Instrument string   `yaml:"instrument,omitempty"`
	Analyze    string   `yaml:"analyze,omitempty"`
	Research   string   `yaml:"research,omitempty"`
	Fix        string   `yaml:"fix,omitempty"`
}

type LLMConfig struct {
	// Enabled uses the LLM for generate, analyze, and research when no
	// plugin command is configured for them.
	Enabled     bool     `yaml:"enabled"`
	BaseURL     string   `yaml:"base_url,omitempty" validate:"omitempty,url"`
	Model       string   `yaml:"model,omitempty"`
	APIKeyEnv   string   `yaml:"api_key_env,omitempty"`
	Timeout     Duration `yaml:"timeout" validate:"gte=0"`
	Temperature float32  `yaml:"temperature" validate:"gte=0,lte=2"`
}

type TelemetryConfig struct {
	// Exporter is one of none, stdout, otlp, prometheus.
	Exporter     string `yaml:"exporter" validate:"oneof=none stdout otlp prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	MetricsAddr  string `yaml:"metrics_addr,omitempty"`
}

type ArchiveConfig struct {
	GCSBucket       string `yaml:"gcs_bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`

	// File enables JSON log files under <state>/logs.
	File bool `yaml:"file"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Meta:     MetaConfig{Version: CurrentConfigVersion},
		StateDir: DefaultStateDirName,
		Reproduction: ReproductionConfig{
			CapMultiplier: 4,
			RunTimeout:    Duration(10 * time.Minute),
		},
		VCS: VCSConfig{
			Timeout: Duration(2 * time.Minute),
		},
		Plugins: PluginConfig{
			Timeout: Duration(15 * time.Minute),
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			Timeout:     Duration(2 * time.Minute),
			Temperature: 0.2,
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
