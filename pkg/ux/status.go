// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// =============================================================================
// Status view
// =============================================================================

// StatusView is the client-side shape of the /status document. Enum
// fields stay strings so the client does not depend on server packages.
type StatusView struct {
	Time      time.Time        `json:"time"`
	Running   bool             `json:"running"`
	StartedAt time.Time        `json:"started_at"`
	Cycles    int64            `json:"cycles"`
	LastCycle *CycleView       `json:"last_cycle"`
	Watchdog  WatchdogView     `json:"watchdog"`
	Circuits  []CircuitView    `json:"circuits"`
	RateLimit CountersView     `json:"rate_limit"`
	Healer    HealerView       `json:"healer"`
	Alerts    AlertsView       `json:"alerts"`
	Events    EventCounterView `json:"events"`

	Reconnects []struct {
		Target    string `json:"target"`
		Attempts  int    `json:"attempts"`
		Exhausted bool   `json:"exhausted"`
	} `json:"reconnects"`
}

// CycleView is the last monitoring cycle.
type CycleView struct {
	Cycle        int64              `json:"cycle"`
	Duration     time.Duration      `json:"duration"`
	Samples      map[string]float64 `json:"samples"`
	CollectError string             `json:"collect_error"`
	Dispatched   int                `json:"dispatched"`
	Anomalies    []struct {
		Type     string  `json:"type"`
		Severity string  `json:"severity"`
		Metric   string  `json:"metric"`
		Value    float64 `json:"value"`
		Baseline float64 `json:"baseline"`
	} `json:"anomalies"`
}

// WatchdogView is the watchdog snapshot.
type WatchdogView struct {
	State            string        `json:"state"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	MissedHeartbeats int           `json:"missed_heartbeats"`
	SchedulerLagMs   int64         `json:"scheduler_lag_ms"`
	RestartCount     int64         `json:"restart_count"`
	Goroutines       int           `json:"goroutines"`
	Uptime           time.Duration `json:"uptime"`
}

// CircuitView is one breaker.
type CircuitView struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RetryAfter          time.Duration `json:"retry_after"`
	TotalCalls          int64         `json:"total_calls"`
	Failures            int64         `json:"failures"`
	Rejected            int64         `json:"rejected"`
}

// CountersView is an accepted/rejected pair.
type CountersView struct {
	Total    int64 `json:"total"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// HealerView is the healing summary.
type HealerView struct {
	Total      int64    `json:"total"`
	Successful int64    `json:"successful"`
	Failed     int64    `json:"failed"`
	Skipped    int64    `json:"skipped"`
	Targets    int      `json:"targets"`
	Exhausted  []string `json:"exhausted"`
}

// AlertsView is the alert summary.
type AlertsView struct {
	Sent             int64    `json:"sent"`
	Suppressed       int64    `json:"suppressed"`
	Delivered        int64    `json:"delivered"`
	DeliveryFailures int64    `json:"delivery_failures"`
	Sinks            []string `json:"sinks"`
}

// EventCounterView is the bus summary.
type EventCounterView struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// Healthy mirrors the server's health rule: watchdog HEALTHY, every
// circuit CLOSED and no exhausted reconnect chain.
func (v StatusView) Healthy() bool {
	if v.Watchdog.State != "HEALTHY" || len(v.Healer.Exhausted) > 0 {
		return false
	}
	for _, c := range v.Circuits {
		if c.State != "CLOSED" {
			return false
		}
	}
	return true
}

// =============================================================================
// Rendering
// =============================================================================

// RenderStatus formats v. Relative times are computed against now.
func RenderStatus(v StatusView, mode Mode, now time.Time) string {
	r := renderer{mode: mode, now: now}

	overall, icon := "HEALTHY", IconSuccess
	if !v.Healthy() {
		overall, icon = "DEGRADED", IconWarning
	}
	r.header("Aurora "+overall, icon)

	r.section("Process")
	r.field("state", r.state(v.Watchdog.State))
	r.field("last heartbeat", r.ago(v.Watchdog.LastHeartbeat))
	r.field("missed", fmt.Sprint(v.Watchdog.MissedHeartbeats))
	r.field("restarts", humanize.Comma(v.Watchdog.RestartCount))
	r.field("goroutines", humanize.Comma(int64(v.Watchdog.Goroutines)))
	r.field("scheduler lag", fmt.Sprintf("%dms", v.Watchdog.SchedulerLagMs))
	r.field("uptime", v.Watchdog.Uptime.Round(time.Second).String())
	r.field("monitor", fmt.Sprintf("%s, %s cycles", running(v.Running), humanize.Comma(v.Cycles)))

	if c := v.LastCycle; c != nil {
		r.section("Last cycle")
		r.field("cycle", fmt.Sprintf("#%d in %s", c.Cycle, c.Duration.Round(time.Microsecond)))
		r.field("samples", fmt.Sprint(len(c.Samples)))
		if c.CollectError != "" {
			r.field("collect error", r.style(Styles.Error, c.CollectError))
		}
		for _, a := range c.Anomalies {
			r.item(IconWarning, fmt.Sprintf("%s %s on %s: %s (baseline %s)",
				a.Severity, a.Type, a.Metric,
				humanize.FormatFloat("#,###.##", a.Value),
				humanize.FormatFloat("#,###.##", a.Baseline)))
		}
		r.field("dispatched", fmt.Sprint(c.Dispatched))
	}

	if len(v.Circuits) > 0 {
		r.section("Circuits")
		circuits := append([]CircuitView(nil), v.Circuits...)
		sort.Slice(circuits, func(i, j int) bool { return circuits[i].Name < circuits[j].Name })
		for _, c := range circuits {
			line := fmt.Sprintf("%s %s  %s/%s failed, %s rejected",
				c.Name, r.state(c.State),
				humanize.Comma(c.Failures), humanize.Comma(c.TotalCalls), humanize.Comma(c.Rejected))
			if c.RetryAfter > 0 {
				line += ", retry in " + c.RetryAfter.Round(time.Second).String()
			}
			r.item(circuitIcon(c.State), line)
		}
	}

	r.section("Healing")
	r.field("actions", fmt.Sprintf("%s ok, %s failed, %s skipped",
		humanize.Comma(v.Healer.Successful), humanize.Comma(v.Healer.Failed), humanize.Comma(v.Healer.Skipped)))
	r.field("targets", fmt.Sprint(v.Healer.Targets))
	if len(v.Healer.Exhausted) > 0 {
		r.field("exhausted", r.style(Styles.Error, strings.Join(v.Healer.Exhausted, ", ")))
	}
	for _, rc := range v.Reconnects {
		if !rc.Exhausted {
			r.item(IconPending, fmt.Sprintf("reconnecting %s, attempt %d", rc.Target, rc.Attempts))
		}
	}

	r.section("Alerts")
	r.field("sent", fmt.Sprintf("%s (%s suppressed)", humanize.Comma(v.Alerts.Sent), humanize.Comma(v.Alerts.Suppressed)))
	r.field("delivered", fmt.Sprintf("%s (%s failed)", humanize.Comma(v.Alerts.Delivered), humanize.Comma(v.Alerts.DeliveryFailures)))
	if len(v.Alerts.Sinks) > 0 {
		r.field("sinks", strings.Join(v.Alerts.Sinks, ", "))
	}

	r.section("Traffic")
	r.field("rate limit", fmt.Sprintf("%s accepted, %s rejected",
		humanize.Comma(v.RateLimit.Accepted), humanize.Comma(v.RateLimit.Rejected)))
	r.field("events", fmt.Sprintf("%s published, %s dropped",
		humanize.Comma(v.Events.Published), humanize.Comma(v.Events.Dropped)))

	return r.String()
}

func running(b bool) string {
	if b {
		return "running"
	}
	return "stopped"
}

func circuitIcon(state string) Icon {
	switch state {
	case "CLOSED":
		return IconSuccess
	case "HALF_OPEN":
		return IconWarning
	default:
		return IconError
	}
}

type renderer struct {
	strings.Builder
	mode Mode
	now  time.Time
}

func (r *renderer) header(title string, icon Icon) {
	if r.mode == ModePlain {
		fmt.Fprintf(r, "STATUS: %s\n", strings.TrimPrefix(title, "Aurora "))
		return
	}
	fmt.Fprintf(r, "%s %s\n", icon.Render(), Styles.Title.Render(title))
}

func (r *renderer) section(name string) {
	if r.mode == ModePlain {
		return
	}
	fmt.Fprintf(r, "\n%s\n", Styles.Bold.Render(name))
}

func (r *renderer) field(label, value string) {
	if r.mode == ModePlain {
		fmt.Fprintf(r, "%s: %s\n", strings.ReplaceAll(label, " ", "_"), value)
		return
	}
	fmt.Fprintf(r, "  %s%s\n", Styles.Label.Render(label), value)
}

func (r *renderer) item(icon Icon, text string) {
	if r.mode == ModePlain {
		fmt.Fprintf(r, "- %s\n", text)
		return
	}
	fmt.Fprintf(r, "  %s %s\n", icon.Render(), text)
}

func (r *renderer) style(s lipgloss.Style, text string) string {
	if r.mode == ModePlain {
		return text
	}
	return s.Render(text)
}

func (r *renderer) state(s string) string {
	switch s {
	case "HEALTHY", "CLOSED":
		return r.style(Styles.Success, s)
	case "WARNING", "HALF_OPEN":
		return r.style(Styles.Warning, s)
	default:
		return r.style(Styles.Error, s)
	}
}

func (r *renderer) ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, r.now, "ago", "from now")
}
