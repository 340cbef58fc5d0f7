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
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvVar describes one AURORA_* override.
type EnvVar struct {
	Key         string
	Description string

	// Sensitive values are never echoed back.
	Sensitive bool

	apply func(c *Config, v string) error
}

// EnvVars lists every supported override in the order they are applied.
func EnvVars() []EnvVar {
	return []EnvVar{
		{Key: "AURORA_INTERVAL", Description: "monitor cycle interval", apply: func(c *Config, v string) error {
			return setDuration(&c.Monitor.Interval, v)
		}},
		{Key: "AURORA_LOG_LEVEL", Description: "log level", apply: func(c *Config, v string) error {
			c.Log.Level = v
			return nil
		}},
		{Key: "AURORA_LOG_FORMAT", Description: "auto, text or json", apply: func(c *Config, v string) error {
			c.Log.Format = v
			return nil
		}},
		{Key: "AURORA_LOG_DIR", Description: "daily JSON log directory", apply: func(c *Config, v string) error {
			c.Log.Dir = v
			return nil
		}},
		{Key: "AURORA_ALERT_COOLDOWN", Description: "alert cooldown per source and title", apply: func(c *Config, v string) error {
			return setDuration(&c.Alerts.Cooldown, v)
		}},
		{Key: "AURORA_HEAL_COOLDOWN", Description: "healing cooldown per action and target", apply: func(c *Config, v string) error {
			return setDuration(&c.Healer.Cooldown, v)
		}},
		{Key: "AURORA_MEMORY_THRESHOLD", Description: "memory percent that triggers a GC hint", apply: func(c *Config, v string) error {
			return setFloat(&c.Healer.MemoryThreshold, v)
		}},
		{Key: "AURORA_CRITICAL_MEMORY_THRESHOLD", Description: "memory percent that also clears caches", apply: func(c *Config, v string) error {
			return setFloat(&c.Healer.CriticalMemoryThreshold, v)
		}},
		{Key: "AURORA_WEBHOOK_URL", Description: "adds a JSON webhook sink", apply: func(c *Config, v string) error {
			c.Alerts.Webhooks = append(c.Alerts.Webhooks, WebhookConfig{URL: v})
			return nil
		}},
		{Key: "AURORA_SLACK_WEBHOOK_URL", Description: "Slack incoming webhook", apply: func(c *Config, v string) error {
			if c.Alerts.Slack == nil {
				c.Alerts.Slack = &SlackConfig{}
			}
			c.Alerts.Slack.WebhookURL = v
			return nil
		}},
		{Key: "AURORA_SMTP_PASSWORD", Description: "SMTP password for the email sink", Sensitive: true, apply: func(c *Config, v string) error {
			c.Alerts.smtpPassword = []byte(v)
			return nil
		}},
		{Key: "AURORA_SERVER_ADDR", Description: "status API listen address", apply: func(c *Config, v string) error {
			c.Server.Addr = v
			return nil
		}},
		{Key: "AURORA_STORAGE_PATH", Description: "enables the audit store at this path", apply: func(c *Config, v string) error {
			c.Storage.Enabled = true
			c.Storage.Path = v
			return nil
		}},
		{Key: "AURORA_POLICY_FILE", Description: "healing policy file", apply: func(c *Config, v string) error {
			c.PolicyFile = v
			return nil
		}},
	}
}

// ApplyEnv applies every AURORA_* variable that is set and not empty.
func (c *Config) ApplyEnv() error {
	var errs []error
	for _, ev := range EnvVars() {
		v, ok := os.LookupEnv(ev.Key)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(c, v); err != nil {
			if ev.Sensitive {
				err = errors.New("invalid value")
			}
			errs = append(errs, fmt.Errorf("%s: %w", ev.Key, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("negative duration %s", v)
	}
	*dst = d
	return nil
}

func setFloat(dst *float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}
