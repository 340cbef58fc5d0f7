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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/circuit"
	"github.com/AleutianAI/aurora/pkg/collect"
	"github.com/AleutianAI/aurora/pkg/detect"
	"github.com/AleutianAI/aurora/pkg/events"
	"github.com/AleutianAI/aurora/pkg/healer"
	"github.com/AleutianAI/aurora/pkg/monitor"
	"github.com/AleutianAI/aurora/pkg/ratelimit"
	"github.com/AleutianAI/aurora/pkg/storage/badger"
	"github.com/AleutianAI/aurora/pkg/watchdog"
)

// System is a fully wired monitor plus the resources it depends on.
type System struct {
	Monitor *monitor.Monitor

	// Requests is the latency and error recorder merged into the metric
	// source. Hosts (and the status API) feed it with Observe.
	Requests *collect.Recorder

	// Store is the audit store, nil when storage is disabled.
	Store *badger.Store
}

// Close stops the monitor and closes the store.
func (s *System) Close() error {
	s.Monitor.Stop()
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}

// Build constructs every component from c and wires them to one event bus.
func Build(c Config, logger *slog.Logger) (*System, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sys := &System{}

	var store *badger.Store
	if c.Storage.Enabled {
		sc := c.Storage.Config
		sc.Logger = logger
		s, err := badger.Open(sc)
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
		store = s
		sys.Store = s
	}
	fail := func(err error) (*System, error) {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	sinks, err := c.Alerts.Sinks(logger)
	if err != nil {
		return fail(err)
	}

	limiterCfg := c.RateLimit
	limiterCfg.Logger = logger
	limiter, err := ratelimit.New(limiterCfg)
	if err != nil {
		return fail(fmt.Errorf("rate limiter: %w", err))
	}

	bus := events.NewBus(events.BusConfig{Logger: logger})

	alertCfg := c.Alerts.Config
	alertCfg.Sinks = sinks
	alertCfg.Publisher = bus
	alertCfg.Logger = logger
	if store != nil {
		alertCfg.Archive = store
	}
	alertManager := alerts.New(alertCfg)

	circuitCfg := c.Circuit
	circuitCfg.OnStateChange = monitor.CircuitEvents(bus, nil)
	circuitCfg.Logger = logger
	breakers := circuit.NewRegistry(circuitCfg)

	watchdogCfg := c.Watchdog
	watchdogCfg.Publisher = bus
	watchdogCfg.Logger = logger

	detectCfg := c.Detector
	detectCfg.Logger = logger

	healerCfg := c.Healer
	healerCfg.Alerts = alertManager
	healerCfg.Breakers = breakers
	healerCfg.Publisher = bus
	healerCfg.Logger = logger
	healerCfg.MemoryPercent = func() (float64, error) {
		return collect.MemoryPercent(context.Background())
	}
	if store != nil {
		healerCfg.Store = store
	}
	h := healer.New(healerCfg)

	teardown := func(err error) (*System, error) {
		h.Stop()
		alertManager.Stop()
		bus.Close()
		return fail(err)
	}
	if c.PolicyFile != "" {
		rules, err := LoadPolicy(c.PolicyFile)
		if err == nil {
			err = h.SetPolicy(rules)
		}
		if err != nil {
			return teardown(err)
		}
	}

	sys.Requests = collect.NewRecorder(0)
	monitorCfg := c.Monitor
	monitorCfg.Logger = logger
	m, err := monitor.New(monitorCfg, monitor.Deps{
		Source:   collect.Default(sys.Requests),
		Bus:      bus,
		Limiter:  limiter,
		Breakers: breakers,
		Watchdog: watchdog.New(watchdogCfg),
		Detector: detect.New(detectCfg),
		Alerts:   alertManager,
		Healer:   h,
	})
	if err != nil {
		return teardown(err)
	}
	sys.Monitor = m
	return sys, nil
}

// Sinks builds the delivery channels: the log sink always, plus every
// configured webhook, Slack and email channel.
func (a AlertsConfig) Sinks(logger *slog.Logger) ([]alerts.Sink, error) {
	sinks := []alerts.Sink{alerts.LogSink(logger)}
	for _, w := range a.Webhooks {
		sinks = append(sinks, &alerts.WebhookSink{URL: w.URL, Headers: w.Headers})
	}
	if a.Slack != nil {
		sinks = append(sinks, &alerts.SlackSink{
			WebhookURL: a.Slack.WebhookURL,
			Channel:    a.Slack.Channel,
			Username:   a.Slack.Username,
		})
	}
	if a.Email != nil {
		ec := *a.Email
		if len(a.smtpPassword) > 0 {
			ec.Password = append([]byte(nil), a.smtpPassword...)
		}
		s, err := alerts.NewEmailSink(ec)
		if err != nil {
			return nil, errors.Join(ErrInvalidConfig, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
