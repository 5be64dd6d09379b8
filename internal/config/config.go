// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the pipeline configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the configuration file name looked up in the
// project directory.
const DefaultConfigFile = "meanpipe.yaml"

var (
	// ErrConfigNotFound is returned when the configuration file is missing.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrConfigInvalid is returned for unparseable or invalid configuration.
	ErrConfigInvalid = errors.New("invalid configuration")
)

// Config is the root pipeline configuration.
type Config struct {
	Project   ProjectConfig   `yaml:"project" validate:"required"`
	Registry  RegistryConfig  `yaml:"registry"`
	Services  []ServiceConfig `yaml:"services" validate:"min=1,dive"`
	Stages    StagesConfig    `yaml:"stages"`
	Harness   HarnessConfig   `yaml:"harness"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	History   HistoryConfig   `yaml:"history"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProjectConfig identifies the repository under build.
type ProjectConfig struct {
	// Name is the compose project name.
	Name string `yaml:"name" validate:"required"`

	// Dir is the repository root containing the compose descriptor.
	Dir string `yaml:"dir" validate:"required"`

	// Branch is the branch name used for branch-tagged images. Detected
	// from git when empty.
	Branch string `yaml:"branch"`
}

// RegistryConfig configures image naming and publishing.
type RegistryConfig struct {
	// Host is the registry hostname, e.g. "registry.example.com".
	// Empty means images stay local and publishing is skipped.
	Host string `yaml:"host"`

	// Namespace is the image path prefix, e.g. the org name.
	Namespace string `yaml:"namespace"`

	// Push enables pushing numbered and latest tags after a green build.
	Push bool `yaml:"push"`
}

// ServiceConfig describes one buildable service image.
type ServiceConfig struct {
	// Name is the service name, matching the compose descriptor.
	Name string `yaml:"name" validate:"required"`

	// Dir is the build context relative to the project dir.
	Dir string `yaml:"dir" validate:"required"`

	// Dockerfile overrides the default Dockerfile path.
	Dockerfile string `yaml:"dockerfile"`

	// ProbeURL is an optional per-service endpoint probed by the
	// integration harness alongside the API probe.
	ProbeURL string `yaml:"probe_url" validate:"omitempty,url"`

	// Frontend marks the service whose dist output is archived.
	Frontend bool `yaml:"frontend"`
}

// StagesConfig carries per-stage knobs.
type StagesConfig struct {
	// Timeout bounds the whole pipeline run. Default: 30 minutes.
	Timeout time.Duration `yaml:"timeout"`

	// SkipAudit disables the dependency audit stage.
	SkipAudit bool `yaml:"skip_audit"`

	// SkipTests disables the test stages.
	SkipTests bool `yaml:"skip_tests"`
}

// HarnessConfig configures the integration harness.
type HarnessConfig struct {
	// SettleDelay is the fixed wait between stack start and the probe.
	// Default: 30 seconds.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// ProbeURL is the endpoint probed once after the settle delay.
	ProbeURL string `yaml:"probe_url" validate:"omitempty,url"`

	// ProbeTimeout bounds the single probe request. Default: 10 seconds.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// Env is injected into the stack on startup. Keys must be valid
	// environment variable names.
	Env map[string]string `yaml:"env"`
}

// ArtifactsConfig configures archive output.
type ArtifactsConfig struct {
	// Dir is where archives are written. Default: <project dir>/archives.
	Dir string `yaml:"dir"`

	// DistDir is the frontend build output relative to the frontend
	// service dir. Default: "dist".
	DistDir string `yaml:"dist_dir"`

	// Keep caps retained archives. Default: 10.
	Keep int `yaml:"keep"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	// Dir is the database directory. Default: <project dir>/.meanpipe.
	Dir string `yaml:"dir"`

	// Keep caps retained run records. Default: 50.
	Keep int `yaml:"keep"`
}

// NotifyConfig configures terminal-status notifications.
type NotifyConfig struct {
	// WebhookURL receives a JSON summary after each run when set.
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`

	// OnSuccess sends notifications for green runs too. Failures and
	// unstable runs are always notified.
	OnSuccess bool `yaml:"on_success"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir enables JSON file logging when set.
	Dir string `yaml:"dir"`
}

// FrontendService returns the service marked as the frontend, or nil.
func (c *Config) FrontendService() *ServiceConfig {
	for i := range c.Services {
		if c.Services[i].Frontend {
			return &c.Services[i]
		}
	}
	return nil
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Stages.Timeout == 0 {
		c.Stages.Timeout = 30 * time.Minute
	}
	if c.Harness.SettleDelay == 0 {
		c.Harness.SettleDelay = 30 * time.Second
	}
	if c.Harness.ProbeTimeout == 0 {
		c.Harness.ProbeTimeout = 10 * time.Second
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = c.Project.Dir + "/archives"
	}
	if c.Artifacts.DistDir == "" {
		c.Artifacts.DistDir = "dist"
	}
	if c.Artifacts.Keep == 0 {
		c.Artifacts.Keep = 10
	}
	if c.History.Dir == "" {
		c.History.Dir = c.Project.Dir + "/.meanpipe"
	}
	if c.History.Keep == 0 {
		c.History.Keep = 50
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks structural constraints beyond YAML shape.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	frontends := 0
	for _, svc := range c.Services {
		if svc.Frontend {
			frontends++
		}
	}
	if frontends > 1 {
		return fmt.Errorf("%w: multiple services marked frontend", ErrConfigInvalid)
	}
	return nil
}
