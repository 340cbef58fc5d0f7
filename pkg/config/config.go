// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the aurora configuration file and builds the
// component graph from it.
//
// A configuration is resolved in three layers: package defaults, the YAML
// file, then AURORA_* environment variables. The result is validated with
// go-playground/validator tags declared on each component's Config.
//
// # Example
//
//	cfg, err := config.Load("aurora.yaml")
//	if err != nil {
//	    return err
//	}
//	sys, err := config.Build(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer sys.Close()
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/circuit"
	"github.com/AleutianAI/aurora/pkg/detect"
	"github.com/AleutianAI/aurora/pkg/healer"
	"github.com/AleutianAI/aurora/pkg/logging"
	"github.com/AleutianAI/aurora/pkg/monitor"
	"github.com/AleutianAI/aurora/pkg/ratelimit"
	"github.com/AleutianAI/aurora/pkg/storage/badger"
	"github.com/AleutianAI/aurora/pkg/telemetry"
	"github.com/AleutianAI/aurora/pkg/watchdog"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// =============================================================================
// Types
// =============================================================================

// Config is the complete aurora configuration.
type Config struct {
	Monitor   monitor.Config   `yaml:"monitor"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Circuit   circuit.Config   `yaml:"circuit"`
	Watchdog  watchdog.Config  `yaml:"watchdog"`
	Detector  detect.Config    `yaml:"detector"`
	Alerts    AlertsConfig     `yaml:"alerts"`
	Healer    healer.Config    `yaml:"healer"`
	Storage   StorageConfig    `yaml:"storage"`
	Server    ServerConfig     `yaml:"server"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`

	// PolicyFile holds healing policy rules that replace healer.policy and
	// are reloaded when the file changes.
	PolicyFile string `yaml:"policy_file"`
}

// AlertsConfig adds delivery channels to the alert manager settings.
type AlertsConfig struct {
	alerts.Config `yaml:",inline"`

	Webhooks []WebhookConfig     `yaml:"webhooks" validate:"dive"`
	Slack    *SlackConfig        `yaml:"slack"`
	Email    *alerts.EmailConfig `yaml:"email"`

	// smtpPassword comes from AURORA_SMTP_PASSWORD only.
	smtpPassword []byte
}

// WebhookConfig is one generic JSON webhook.
type WebhookConfig struct {
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`
}

// SlackConfig is a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" validate:"required,url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// StorageConfig enables the badger audit store.
type StorageConfig struct {
	badger.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`

	// RateLimit applies the API's own limiter to requests, keyed by
	// client IP.
	RateLimit bool `yaml:"rate_limit"`

	// Limits are the API limiter scopes. Empty uses the server defaults.
	Limits ratelimit.Config `yaml:"limits"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`

	// Format is "auto" (JSON unless stderr is a terminal), "text" or "json".
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`

	// Dir enables daily JSON log files.
	Dir string `yaml:"dir"`
}

// Default returns the defaults of every component.
func Default() Config {
	return Config{
		Monitor:   monitor.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Circuit:   circuit.DefaultConfig(),
		Watchdog:  watchdog.DefaultConfig(),
		Detector:  detect.DefaultConfig(),
		Alerts:    AlertsConfig{Config: alerts.DefaultConfig()},
		Healer:    defaultHealer(),
		Storage:   StorageConfig{Config: badger.DefaultConfig()},
		Server: ServerConfig{
			Enabled:         true,
			Addr:            "127.0.0.1:9464",
			RateLimit:       true,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
		Log:       LogConfig{Level: "info", Format: "auto"},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load resolves the configuration at path. A missing file (or an empty
// path) yields the defaults; a file that cannot be parsed or fails
// validation is an error. Environment overrides are applied before
// validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks validator tags, the healing policy and the limiter
// scopes.
func (c Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		errs = append(errs, err)
	}
	if err := healer.ValidatePolicy(c.Healer.Policy); err != nil {
		errs = append(errs, fmt.Errorf("healer policy: %w", err))
	}
	if len(c.RateLimit.Scopes) > 0 {
		if _, err := ratelimit.New(c.RateLimit); err != nil {
			errs = append(errs, fmt.Errorf("rate limit: %w", err))
		}
	}
	if len(c.Server.Limits.Scopes) > 0 {
		if _, err := ratelimit.New(c.Server.Limits); err != nil {
			errs = append(errs, fmt.Errorf("server limits: %w", err))
		}
	}
	if c.Storage.Enabled && !c.Storage.InMemory && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage: path is required unless in_memory is set"))
	}
	if c.Alerts.Email != nil && len(c.Alerts.Email.To) == 0 {
		errs = append(errs, errors.New("alerts.email: at least one recipient is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Marshal renders the configuration as YAML. Secrets are never included.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func defaultHealer() healer.Config {
	c := healer.DefaultConfig()
	c.Policy = healer.DefaultPolicy()
	return c
}
