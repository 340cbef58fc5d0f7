// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Scope names used by DefaultConfig.
const (
	ScopeGlobal = "global"
	ScopeClient = "client"
)

const (
	defaultMaxKeys = 10000
	defaultKeyTTL  = 10 * time.Minute
)

var (
	// ErrScopeExists is returned when a scope name is registered twice.
	ErrScopeExists = errors.New("rate limit scope already exists")

	// ErrUnknownScope is returned for a scope name that was never registered.
	ErrUnknownScope = errors.New("unknown rate limit scope")

	// ErrInvalidScope is returned for a scope configuration that cannot work.
	ErrInvalidScope = errors.New("invalid rate limit scope")

	// ErrCostExceedsCapacity is returned by Wait when no amount of waiting
	// can admit the request.
	ErrCostExceedsCapacity = errors.New("cost exceeds scope capacity")
)

// ScopeConfig describes one admission scope. It is immutable once the
// scope is registered.
//
// # Description
//
// A scope is a token bucket with Capacity tokens refilled at RefillRate
// tokens per second, optionally combined with a sliding window admitting
// at most MaxPerWindow units per Window. A shared scope has a single
// bucket; a PerKey scope has one bucket per caller key, created lazily and
// evicted when idle for KeyTTL or when more than MaxKeys keys are live.
//
// # Example
//
//	// "1 msg/s per chat" plus "25 msg/s global"
//	ratelimit.ScopeConfig{Name: "chat", Capacity: 1, RefillRate: 1, PerKey: true}
//	ratelimit.ScopeConfig{Name: "global", Capacity: 25, RefillRate: 25}
type ScopeConfig struct {
	Name         string        `yaml:"name" json:"name" validate:"required"`
	Capacity     int           `yaml:"capacity" json:"capacity" validate:"gt=0"`
	RefillRate   float64       `yaml:"refill_rate" json:"refill_rate" validate:"gt=0"`
	Window       time.Duration `yaml:"window" json:"window" validate:"gte=0"`
	MaxPerWindow int           `yaml:"max_per_window" json:"max_per_window" validate:"gte=0"`
	PerKey       bool          `yaml:"per_key" json:"per_key"`
	MaxKeys      int           `yaml:"max_keys" json:"max_keys" validate:"gte=0"`
	KeyTTL       time.Duration `yaml:"key_ttl" json:"key_ttl" validate:"gte=0"`
}

func (c ScopeConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidScope)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: %s: capacity must be positive", ErrInvalidScope, c.Name)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: %s: refill rate must be positive", ErrInvalidScope, c.Name)
	}
	if (c.Window > 0) != (c.MaxPerWindow > 0) {
		return fmt.Errorf("%w: %s: window and max_per_window must be set together", ErrInvalidScope, c.Name)
	}
	return nil
}

func (c ScopeConfig) withDefaults() ScopeConfig {
	if c.PerKey {
		if c.MaxKeys <= 0 {
			c.MaxKeys = defaultMaxKeys
		}
		if c.KeyTTL <= 0 {
			c.KeyTTL = defaultKeyTTL
		}
	}
	return c
}

// Config configures a Limiter.
type Config struct {
	// Scopes are registered in order. Admission checks run in this order.
	Scopes []ScopeConfig `yaml:"scopes" validate:"dive"`

	// Now is the clock. Default: time.Now.
	Now func() time.Time `yaml:"-"`

	// Logger for eviction and configuration messages. Default: slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a global scope of 100 req/s with bursts of 150 and
// a per-client scope of 10 req/s with bursts of 20.
func DefaultConfig() Config {
	return Config{
		Scopes: []ScopeConfig{
			{Name: ScopeGlobal, Capacity: 150, RefillRate: 100},
			{Name: ScopeClient, Capacity: 20, RefillRate: 10, PerKey: true,
				MaxKeys: defaultMaxKeys, KeyTTL: defaultKeyTTL},
		},
	}
}
