// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor sequences the protection components on a fixed cadence.
//
// Each cycle collects metrics, runs anomaly detection, hands anomalies to
// the healer, polls the watchdog and circuit breakers and publishes a
// consolidated status event. Reactions that do not belong to the cycle
// (circuit transitions, watchdog state changes) arrive over the event bus
// and are turned into alerts and restarts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/circuit"
	"github.com/AleutianAI/aurora/pkg/detect"
	"github.com/AleutianAI/aurora/pkg/events"
	"github.com/AleutianAI/aurora/pkg/healer"
	"github.com/AleutianAI/aurora/pkg/ratelimit"
	"github.com/AleutianAI/aurora/pkg/telemetry"
	"github.com/AleutianAI/aurora/pkg/util"
	"github.com/AleutianAI/aurora/pkg/watchdog"
)

const (
	source     = "monitor"
	tracerName = "aurora.monitor"
)

var (
	// ErrAlreadyRunning is returned by Start on a running monitor.
	ErrAlreadyRunning = errors.New("monitor already running")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("monitor stopped")
)

// Monitor is the explicit context object handed to code that reports
// heartbeats, checks rate limits or calls protected dependencies.
//
// # Description
//
// The monitor owns no domain state beyond cycle bookkeeping. Every
// decision is made by a component; the monitor only decides when to ask.
// Healing and health checks are dispatched onto background goroutines so
// a slow host callback never delays the next cycle.
//
// # Thread Safety
//
// Safe for concurrent use. RunCycle may be called directly (tests, the
// CLI) while the loop is running; cycles then interleave but each one is
// internally consistent.
//
// # Example
//
//	m, err := monitor.New(monitor.DefaultConfig(), monitor.Deps{})
//	if err != nil {
//	    return err
//	}
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Stop()
//	m.Heartbeat()
type Monitor struct {
	config Config
	deps   Deps
	track  map[string]bool

	unsubscribe func()
	cycles      atomic.Int64
	checking    atomic.Bool

	mu          sync.Mutex
	running     bool
	stopped     bool
	cancel      context.CancelFunc
	lastReport  *CycleReport
	lastChecks  []healer.CheckResult
	lastCheckAt time.Time
	startedAt   time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires the components in deps, building any that are nil.
func New(config Config, deps Deps) (*Monitor, error) {
	config = config.withDefaults()
	initMetrics()
	deps, err := deps.withDefaults(config)
	if err != nil {
		return nil, fmt.Errorf("monitor dependencies: %w", err)
	}
	m := &Monitor{
		config: config,
		deps:   deps,
	}
	if len(config.Metrics) > 0 {
		m.track = make(map[string]bool, len(config.Metrics))
		for _, name := range config.Metrics {
			m.track[name] = true
		}
	}
	m.unsubscribe = deps.Bus.Subscribe(m.react,
		events.KindCircuitStateChange,
		events.KindStateChange,
		events.KindDead,
		events.KindSchedulerBlocked,
		events.KindGoroutineLeak,
	)
	return m, nil
}

// Start starts the watchdog and the cycle loop. The first cycle runs
// immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.stopped:
		return ErrStopped
	case m.running:
		return ErrAlreadyRunning
	}
	if err := m.deps.Watchdog.Start(ctx); err != nil && !errors.Is(err, watchdog.ErrAlreadyRunning) {
		return fmt.Errorf("start watchdog: %w", err)
	}

	lctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.startedAt = m.config.Now()
	util.SafeGo(&m.wg, func() { m.loop(lctx) }, m.onPanic("monitor loop"))

	m.config.Logger.Info("monitor started",
		"interval", m.config.Interval.String(),
		"health_check_interval", m.config.HealthCheckInterval.String())
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// Stop ends the loop and shuts every component down: watchdog, healer
// (releasing reconnect timers), alert manager (flushing aggregates and
// draining deliveries) and finally the bus. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.running = false
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Unlock()

		m.wg.Wait()
		m.deps.Watchdog.Stop()
		m.deps.Healer.Stop()
		m.deps.Alerts.Stop()
		m.unsubscribe()
		m.deps.Bus.Close()
		m.config.Logger.Info("monitor stopped", "cycles", m.cycles.Load())
	})
}

// =============================================================================
// Cycle
// =============================================================================

// RunCycle runs one collection, detection and decision pass.
//
// # Description
//
// Collection is bounded by CycleTimeout; a source error is recorded in
// the report and detection proceeds with whatever samples were returned.
// Anomalies are published, dispatched to the healer and, at or above
// AnomalyAlertSeverity, alerted. A health sweep is started in the
// background when one is due and none is running.
//
// # Outputs
//
//   - CycleReport: what the cycle saw and started. Also published as a
//     status event.
func (m *Monitor) RunCycle(ctx context.Context) CycleReport {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "monitor.cycle")
	defer span.End()

	start := time.Now()
	now := m.config.Now()
	report := CycleReport{
		Cycle:     m.cycles.Add(1),
		StartedAt: now,
	}

	samples, err := m.collect(ctx)
	if err != nil {
		report.CollectError = err.Error()
		telemetry.RecordError(span, err)
		m.config.Logger.Warn("metric collection failed", "error", err)
	}
	report.Samples = samples

	report.Anomalies = m.deps.Detector.ObserveAll(samples)
	for _, a := range report.Anomalies {
		m.deps.Bus.Publish(events.New(events.KindAnomaly, source, a.Metric, now, map[string]any{
			"type":     a.Type.String(),
			"severity": a.Severity.String(),
			"value":    a.Value,
			"baseline": a.Baseline,
		}))
		if a.Severity >= m.config.AnomalyAlertSeverity {
			m.alertAnomaly(a)
		}
		if m.deps.Healer.Dispatch(a) {
			report.Dispatched++
		}
	}

	report.HealthCheckStarted = m.maybeCheck(ctx, now)
	report.Watchdog = m.deps.Watchdog.Status()
	report.Circuits = m.deps.Breakers.States()
	report.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int64("cycle", report.Cycle),
		attribute.Int("samples", len(report.Samples)),
		attribute.Int("anomalies", len(report.Anomalies)),
		attribute.Int("dispatched", report.Dispatched),
	)
	recordCycle(report)

	m.mu.Lock()
	m.lastReport = &report
	m.mu.Unlock()

	m.deps.Bus.Publish(events.New(events.KindStatus, source, "", now, report.eventData()))
	return report
}

func (m *Monitor) collect(ctx context.Context) (map[string]float64, error) {
	cctx, cancel := context.WithTimeout(ctx, m.config.CycleTimeout)
	defer cancel()

	var samples map[string]float64
	err := util.Protect(func() error {
		var err error
		samples, err = m.deps.Source.Collect(cctx)
		return err
	})
	if m.track == nil {
		return samples, err
	}
	tracked := make(map[string]float64, len(m.track))
	for name, v := range samples {
		if m.track[name] {
			tracked[name] = v
		}
	}
	return tracked, err
}

func (m *Monitor) alertAnomaly(a detect.Anomaly) {
	level := alerts.Warning
	if a.Severity >= detect.Critical {
		level = alerts.Critical
	}
	m.deps.Alerts.Send(alerts.Alert{
		Level:   level,
		Source:  "detector",
		Title:   fmt.Sprintf("%s anomaly on %s", a.Type, a.Metric),
		Message: a.String(),
		Tags: map[string]string{
			"metric":   a.Metric,
			"type":     a.Type.String(),
			"severity": a.Severity.String(),
		},
	})
}

// maybeCheck starts a background health sweep when one is due.
func (m *Monitor) maybeCheck(ctx context.Context, now time.Time) bool {
	if m.config.HealthCheckInterval <= 0 {
		return false
	}
	m.mu.Lock()
	due := m.lastCheckAt.IsZero() || now.Sub(m.lastCheckAt) >= m.config.HealthCheckInterval
	if !due || m.stopped || !m.checking.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return false
	}
	m.lastCheckAt = now
	util.SafeGo(&m.wg, func() {
		defer m.checking.Store(false)
		results := m.deps.Healer.CheckAndHealAll(ctx)
		m.mu.Lock()
		m.lastChecks = results
		m.mu.Unlock()
	}, m.onPanic("health sweep"))
	m.mu.Unlock()
	return true
}

// =============================================================================
// Reactions
// =============================================================================

// react runs on the bus dispatcher. Anything that may block is moved to
// a goroutine.
func (m *Monitor) react(e events.Event) {
	switch e.Kind {
	case events.KindCircuitStateChange:
		m.circuitAlert(e)
	case events.KindStateChange:
		m.watchdogAlert(e)
	case events.KindSchedulerBlocked:
		m.deps.Alerts.Notify(alerts.Warning, "watchdog", "Scheduler blocked",
			fmt.Sprintf("scheduler lag %v ms", e.Data["lag_ms"]))
	case events.KindGoroutineLeak:
		m.deps.Alerts.Notify(alerts.Warning, "watchdog", "Goroutine leak suspected",
			fmt.Sprintf("%v goroutines running", e.Data["goroutines"]))
	case events.KindDead:
		m.deps.Alerts.Notify(alerts.Critical, "watchdog", "Process declared dead",
			fmt.Sprintf("no heartbeat since %v", e.Data["last_heartbeat"]))
		m.restartOnDead()
	}
}

func (m *Monitor) circuitAlert(e events.Event) {
	to, _ := e.Data["to"].(string)
	var level alerts.Level
	switch to {
	case circuit.Open.String():
		level = alerts.Critical
	case circuit.HalfOpen.String():
		level = alerts.Warning
	default:
		level = alerts.Info
	}
	m.deps.Alerts.Send(alerts.Alert{
		Level:   level,
		Source:  "circuit",
		Title:   fmt.Sprintf("Circuit %s %s", e.Target, to),
		Message: fmt.Sprintf("circuit %s changed from %v to %s", e.Target, e.Data["from"], to),
		Tags:    map[string]string{"dependency": e.Target, "state": to},
	})
}

func (m *Monitor) watchdogAlert(e events.Event) {
	from, _ := e.Data["from"].(string)
	to, _ := e.Data["to"].(string)
	switch to {
	case watchdog.Warning.String():
		m.deps.Alerts.Notify(alerts.Warning, "watchdog", "Heartbeat missed",
			fmt.Sprintf("%v missed heartbeats", e.Data["missed"]))
	case watchdog.Critical.String():
		m.deps.Alerts.Notify(alerts.Critical, "watchdog", "Heartbeats missing",
			fmt.Sprintf("%v missed heartbeats", e.Data["missed"]))
	case watchdog.Healthy.String():
		m.deps.Alerts.Notify(alerts.Info, "watchdog", "Process recovered",
			fmt.Sprintf("heartbeats resumed after %s", from))
	}
}

// restartOnDead restarts every target flagged RestartOnDead.
func (m *Monitor) restartOnDead() {
	var names []string
	for _, t := range m.deps.Healer.Targets() {
		if t.RestartOnDead {
			names = append(names, t.Name)
		}
	}
	if len(names) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	util.SafeGo(&m.wg, func() {
		for _, name := range names {
			m.deps.Healer.Restart(context.Background(), name)
		}
	}, m.onPanic("restart on dead"))
}

func (m *Monitor) onPanic(what string) func(*util.PanicError) {
	return func(p *util.PanicError) {
		m.config.Logger.Error(what+" panicked", "error", p, "stack", p.Stack)
	}
}

// =============================================================================
// Host entry points
// =============================================================================

// Heartbeat records a liveness signal from the host.
func (m *Monitor) Heartbeat() {
	m.deps.Watchdog.Heartbeat()
}

// RecordRestart tells the monitor the host restarted the process: the
// watchdog restart counter is bumped and every reconnect chain, including
// exhausted ones, is reset.
func (m *Monitor) RecordRestart() {
	m.deps.Watchdog.RecordRestart()
	n := m.deps.Healer.ResetAllReconnects()
	m.config.Logger.Info("restart recorded", "reconnect_chains_reset", n)
}

// Allow runs a rate-limit check against every registered scope.
func (m *Monitor) Allow(key string, cost int) ratelimit.Decision {
	return m.deps.Limiter.Allow(key, cost)
}

// Protect runs op through the circuit breaker for dependency. When the
// breaker is open op is not called and the returned error satisfies
// errors.Is(err, circuit.ErrCircuitOpen).
func (m *Monitor) Protect(ctx context.Context, dependency string, op func(context.Context) error) error {
	return m.deps.Breakers.Execute(ctx, dependency, op)
}

// Bus returns the event bus.
func (m *Monitor) Bus() *events.Bus { return m.deps.Bus }

// Alerts returns the alert manager.
func (m *Monitor) Alerts() *alerts.Manager { return m.deps.Alerts }

// Healer returns the healer.
func (m *Monitor) Healer() *healer.Healer { return m.deps.Healer }

// Detector returns the anomaly detector.
func (m *Monitor) Detector() *detect.Detector { return m.deps.Detector }

// Watchdog returns the watchdog.
func (m *Monitor) Watchdog() *watchdog.Watchdog { return m.deps.Watchdog }

// Breakers returns the circuit breaker registry.
func (m *Monitor) Breakers() *circuit.Registry { return m.deps.Breakers }

// Limiter returns the rate limiter.
func (m *Monitor) Limiter() *ratelimit.Limiter { return m.deps.Limiter }
