// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package healer

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/events"
)

// AuditStore persists healing actions.
type AuditStore interface {
	SaveAction(ctx context.Context, a Action) error
}

// CircuitResetter resets a named circuit breaker. *circuit.Registry
// satisfies it.
type CircuitResetter interface {
	Reset(name string) bool
}

// ReconnectConfig shapes reconnect backoff.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gte=0"`
	Multiplier   float64       `yaml:"multiplier" validate:"gte=0"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=0"`
}

// DefaultReconnectConfig returns 1s doubling to 60s over 5 attempts.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxAttempts:  5,
	}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	d := DefaultReconnectConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// newBackOff returns a jitter-free exponential backoff whose n-th value
// (from zero) is min(MaxDelay, InitialDelay * Multiplier^n).
func (c ReconnectConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Delay returns the wait before the given zero-based attempt.
func (c ReconnectConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 64 {
		attempt = 64
	}
	b := c.newBackOff()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Config configures a Healer.
type Config struct {
	// Cooldown is the minimum time between two runs of the same
	// (action, target). Default: 60s.
	Cooldown time.Duration `yaml:"cooldown" validate:"gte=0"`

	// ActionTimeout bounds every host callback. Default: 30s.
	ActionTimeout time.Duration `yaml:"action_timeout" validate:"gte=0"`

	// MemoryThreshold is the memory percent at which memory_pressure runs
	// a GC hint. Default: 80.
	MemoryThreshold float64 `yaml:"memory_threshold" validate:"gte=0,lte=100"`

	// CriticalMemoryThreshold additionally clears every cache target.
	// Default: 95.
	CriticalMemoryThreshold float64 `yaml:"critical_memory_threshold" validate:"gte=0,lte=100"`

	// CheckConcurrency bounds parallel health checks. Default: 8.
	CheckConcurrency int `yaml:"check_concurrency" validate:"gte=0"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// Policy maps anomalies to actions. nil means DefaultPolicy().
	Policy []PolicyRule `yaml:"policy"`

	// HistorySize bounds the audit log. Default: 1000.
	HistorySize int `yaml:"history_size" validate:"gte=0"`

	// GC is the collection hint. Default: runtime.GC then debug.FreeOSMemory.
	GC func() `yaml:"-"`

	// MemoryPercent reports current memory use for memory_pressure actions
	// triggered by anomalies on other metrics.
	MemoryPercent func() (float64, error) `yaml:"-"`

	// OnMaxAttempts is called once when a target exhausts its reconnects.
	OnMaxAttempts func(target string) `yaml:"-"`

	Alerts    alerts.Sender    `yaml:"-"`
	Breakers  CircuitResetter  `yaml:"-"`
	Store     AuditStore       `yaml:"-"`
	Publisher events.Publisher `yaml:"-"`
	Now       func() time.Time `yaml:"-"`
	Logger    *slog.Logger     `yaml:"-"`
}

// DefaultConfig returns the default healer configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown:                60 * time.Second,
		ActionTimeout:           30 * time.Second,
		MemoryThreshold:         80,
		CriticalMemoryThreshold: 95,
		CheckConcurrency:        8,
		Reconnect:               DefaultReconnectConfig(),
		HistorySize:             1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = d.MemoryThreshold
	}
	if c.CriticalMemoryThreshold <= 0 {
		c.CriticalMemoryThreshold = d.CriticalMemoryThreshold
	}
	if c.CriticalMemoryThreshold < c.MemoryThreshold {
		c.CriticalMemoryThreshold = c.MemoryThreshold
	}
	if c.CheckConcurrency <= 0 {
		c.CheckConcurrency = d.CheckConcurrency
	}
	c.Reconnect = c.Reconnect.withDefaults()
	if c.Policy == nil {
		c.Policy = DefaultPolicy()
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.GC == nil {
		c.GC = func() {
			runtime.GC()
			debug.FreeOSMemory()
		}
	}
	c.Publisher = events.OrNop(c.Publisher)
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
