// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"log/slog"
	"time"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/circuit"
	"github.com/AleutianAI/aurora/pkg/collect"
	"github.com/AleutianAI/aurora/pkg/detect"
	"github.com/AleutianAI/aurora/pkg/events"
	"github.com/AleutianAI/aurora/pkg/healer"
	"github.com/AleutianAI/aurora/pkg/ratelimit"
	"github.com/AleutianAI/aurora/pkg/watchdog"
)

// Config configures the monitoring loop. Component behaviour is configured
// on the components themselves.
type Config struct {
	// Interval is the cycle cadence. Default: 5s.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// CycleTimeout bounds metric collection within a cycle. Default: Interval.
	CycleTimeout time.Duration `yaml:"cycle_timeout" validate:"gte=0"`

	// HealthCheckInterval is the period of CheckAndHealAll sweeps. Zero
	// disables sweeps; DefaultConfig uses 30s.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" validate:"gte=0"`

	// Metrics restricts detection to the named metrics. Empty tracks every
	// metric the source reports.
	Metrics []string `yaml:"metrics"`

	// AnomalyAlertSeverity is the lowest anomaly severity that raises an
	// alert in addition to healing. Default: HIGH.
	AnomalyAlertSeverity detect.Severity `yaml:"-"`

	Logger *slog.Logger     `yaml:"-"`
	Now    func() time.Time `yaml:"-"`
}

// DefaultConfig returns a 5 second cycle with a health sweep every 30 seconds.
func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Second,
		HealthCheckInterval:  30 * time.Second,
		AnomalyAlertSeverity: detect.High,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = c.Interval
	}
	if c.HealthCheckInterval < 0 {
		c.HealthCheckInterval = 0
	}
	if c.AnomalyAlertSeverity <= detect.Low {
		c.AnomalyAlertSeverity = d.AnomalyAlertSeverity
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Deps are the components the monitor coordinates. A nil entry is built
// with its package defaults and wired to Bus; non-nil entries are used as
// given and must already publish to Bus. The monitor takes ownership of
// every component and stops them in Stop.
type Deps struct {
	Source   collect.Source
	Bus      *events.Bus
	Limiter  *ratelimit.Limiter
	Breakers *circuit.Registry
	Watchdog *watchdog.Watchdog
	Detector *detect.Detector
	Alerts   *alerts.Manager
	Healer   *healer.Healer
}

// CircuitEvents returns an OnStateChange hook that publishes every
// breaker transition as a circuit-state-change event.
func CircuitEvents(p events.Publisher, now func() time.Time) func(name string, from, to circuit.State) {
	p = events.OrNop(p)
	if now == nil {
		now = time.Now
	}
	return func(name string, from, to circuit.State) {
		p.Publish(events.New(events.KindCircuitStateChange, "circuit", name, now(), map[string]any{
			"from": from.String(),
			"to":   to.String(),
		}))
	}
}

func (d Deps) withDefaults(c Config) (Deps, error) {
	if d.Bus == nil {
		d.Bus = events.NewBus(events.BusConfig{Logger: c.Logger})
	}
	if d.Source == nil {
		d.Source = collect.Default(nil)
	}
	if d.Limiter == nil {
		cfg := ratelimit.DefaultConfig()
		cfg.Logger = c.Logger
		l, err := ratelimit.New(cfg)
		if err != nil {
			return d, err
		}
		d.Limiter = l
	}
	if d.Breakers == nil {
		cfg := circuit.DefaultConfig()
		cfg.OnStateChange = CircuitEvents(d.Bus, c.Now)
		cfg.Logger = c.Logger
		d.Breakers = circuit.NewRegistry(cfg)
	}
	if d.Watchdog == nil {
		cfg := watchdog.DefaultConfig()
		cfg.Publisher = d.Bus
		cfg.Logger = c.Logger
		d.Watchdog = watchdog.New(cfg)
	}
	if d.Detector == nil {
		cfg := detect.DefaultConfig()
		cfg.Logger = c.Logger
		d.Detector = detect.New(cfg)
	}
	if d.Alerts == nil {
		cfg := alerts.DefaultConfig()
		cfg.Publisher = d.Bus
		cfg.Sinks = []alerts.Sink{alerts.LogSink(c.Logger)}
		cfg.Logger = c.Logger
		d.Alerts = alerts.New(cfg)
	}
	if d.Healer == nil {
		d.Healer = healer.New(healer.Config{
			Alerts:    d.Alerts,
			Breakers:  d.Breakers,
			Publisher: d.Bus,
			Logger:    c.Logger,
		})
	}
	return d, nil
}
