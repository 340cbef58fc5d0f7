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
	"time"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/circuit"
	"github.com/AleutianAI/aurora/pkg/detect"
	"github.com/AleutianAI/aurora/pkg/healer"
	"github.com/AleutianAI/aurora/pkg/ratelimit"
	"github.com/AleutianAI/aurora/pkg/watchdog"
)

// CycleReport describes one monitoring cycle.
type CycleReport struct {
	Cycle              int64                    `json:"cycle"`
	StartedAt          time.Time                `json:"started_at"`
	Duration           time.Duration            `json:"duration"`
	Samples            map[string]float64       `json:"samples"`
	CollectError       string                   `json:"collect_error,omitempty"`
	Anomalies          []detect.Anomaly         `json:"anomalies,omitempty"`
	Dispatched         int                      `json:"dispatched"`
	HealthCheckStarted bool                     `json:"health_check_started"`
	Watchdog           watchdog.Status          `json:"watchdog"`
	Circuits           map[string]circuit.State `json:"circuits"`
}

// OpenCircuits returns the dependencies whose breaker is not CLOSED.
func (r CycleReport) OpenCircuits() []string {
	var out []string
	for name, s := range r.Circuits {
		if s != circuit.Closed {
			out = append(out, name)
		}
	}
	return out
}

func (r CycleReport) eventData() map[string]any {
	return map[string]any{
		"cycle":         r.Cycle,
		"duration_ms":   r.Duration.Milliseconds(),
		"samples":       len(r.Samples),
		"anomalies":     len(r.Anomalies),
		"dispatched":    r.Dispatched,
		"watchdog":      r.Watchdog.State.String(),
		"open_circuits": r.OpenCircuits(),
		"collect_error": r.CollectError,
	}
}

// EventStats are the bus counters.
type EventStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// Status is the consolidated snapshot served by the status API.
type Status struct {
	Time         time.Time                `json:"time"`
	Running      bool                     `json:"running"`
	StartedAt    time.Time                `json:"started_at,omitempty"`
	Cycles       int64                    `json:"cycles"`
	LastCycle    *CycleReport             `json:"last_cycle,omitempty"`
	Watchdog     watchdog.Status          `json:"watchdog"`
	Circuits     []circuit.Stats          `json:"circuits"`
	RateLimit    ratelimit.Stats          `json:"rate_limit"`
	Detector     detect.Stats             `json:"detector"`
	Healer       healer.Stats             `json:"healer"`
	Reconnects   []healer.ReconnectStatus `json:"reconnects,omitempty"`
	HealthChecks []healer.CheckResult     `json:"health_checks,omitempty"`
	Alerts       alerts.Stats             `json:"alerts"`
	Events       EventStats               `json:"events"`
}

// Healthy reports whether the process is HEALTHY with every circuit closed
// and no reconnect chain exhausted.
func (s Status) Healthy() bool {
	if s.Watchdog.State != watchdog.Healthy || len(s.Healer.Exhausted) > 0 {
		return false
	}
	for _, c := range s.Circuits {
		if c.State != circuit.Closed {
			return false
		}
	}
	return true
}

// Status collects a snapshot from every component.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	st := Status{
		Running:      m.running,
		StartedAt:    m.startedAt,
		HealthChecks: append([]healer.CheckResult(nil), m.lastChecks...),
	}
	if m.lastReport != nil {
		r := *m.lastReport
		st.LastCycle = &r
	}
	m.mu.Unlock()

	st.Time = m.config.Now()
	st.Cycles = m.cycles.Load()
	st.Watchdog = m.deps.Watchdog.Status()
	st.Circuits = m.deps.Breakers.Snapshots()
	st.RateLimit = m.deps.Limiter.Stats()
	st.Detector = m.deps.Detector.Stats()
	st.Healer = m.deps.Healer.Stats()
	st.Reconnects = m.deps.Healer.ReconnectStatuses()
	st.Alerts = m.deps.Alerts.Stats()
	st.Events = EventStats{
		Published: m.deps.Bus.Published(),
		Dropped:   m.deps.Bus.Dropped(),
	}
	return st
}
