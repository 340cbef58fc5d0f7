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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusDoc = `{
  "time": "2025-03-01T09:00:00Z",
  "running": true,
  "cycles": 1204,
  "last_cycle": {
    "cycle": 1204,
    "duration": 1500000,
    "samples": {"cpu_percent": 97.5, "goroutines": 40},
    "dispatched": 1,
    "anomalies": [{"type": "THRESHOLD", "severity": "HIGH", "metric": "cpu_percent", "value": 97.5, "baseline": 41}]
  },
  "watchdog": {
    "state": "HEALTHY",
    "last_heartbeat": "2025-03-01T08:59:55Z",
    "missed_heartbeats": 0,
    "scheduler_lag_ms": 3,
    "restart_count": 2,
    "goroutines": 40,
    "uptime": 7200000000000
  },
  "circuits": [
    {"name": "redis", "state": "OPEN", "total_calls": 12000, "failures": 31, "rejected": 4, "retry_after": 20000000000},
    {"name": "postgres", "state": "CLOSED", "total_calls": 5000}
  ],
  "rate_limit": {"total": 20000, "accepted": 19950, "rejected": 50},
  "healer": {"total": 5, "successful": 4, "failed": 1, "targets": 3, "exhausted": ["search"]},
  "reconnects": [{"target": "redis", "attempts": 2}, {"target": "search", "attempts": 5, "exhausted": true}],
  "alerts": {"sent": 9, "suppressed": 14, "delivered": 9, "sinks": ["log", "slack"]},
  "events": {"published": 123456, "dropped": 0}
}`

var renderNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func decodeStatus(t *testing.T, doc string) StatusView {
	t.Helper()
	var v StatusView
	require.NoError(t, json.Unmarshal([]byte(doc), &v))
	return v
}

func TestStatusView_Healthy(t *testing.T) {
	v := decodeStatus(t, statusDoc)
	assert.False(t, v.Healthy())

	v.Circuits = v.Circuits[1:]
	assert.False(t, v.Healthy(), "exhausted chains still degrade")

	v.Healer.Exhausted = nil
	assert.True(t, v.Healthy())

	v.Watchdog.State = "WARNING"
	assert.False(t, v.Healthy())
}

func TestRenderStatus_Plain(t *testing.T) {
	out := RenderStatus(decodeStatus(t, statusDoc), ModePlain, renderNow)

	assert.True(t, strings.HasPrefix(out, "STATUS: DEGRADED\n"), out)
	assert.Contains(t, out, "last_heartbeat: 5 seconds ago\n")
	assert.Contains(t, out, "uptime: 2h0m0s\n")
	assert.Contains(t, out, "monitor: running, 1,204 cycles\n")
	assert.Contains(t, out, "- HIGH THRESHOLD on cpu_percent: 97.50 (baseline 41.00)\n")
	assert.Contains(t, out, "- postgres CLOSED  0/5,000 failed, 0 rejected\n")
	assert.Contains(t, out, "- redis OPEN  31/12,000 failed, 4 rejected, retry in 20s\n")
	assert.Contains(t, out, "exhausted: search\n")
	assert.Contains(t, out, "- reconnecting redis, attempt 2\n")
	assert.NotContains(t, out, "reconnecting search")
	assert.Contains(t, out, "events: 123,456 published, 0 dropped\n")
	assert.Less(t, strings.Index(out, "postgres"), strings.Index(out, "redis OPEN"), "circuits are sorted")
}

func TestRenderStatus_Rich(t *testing.T) {
	v := decodeStatus(t, statusDoc)
	v.Circuits = v.Circuits[1:]
	v.Healer.Exhausted = nil
	v.LastCycle = nil

	out := RenderStatus(v, ModeRich, renderNow)
	assert.Contains(t, out, "Aurora HEALTHY")
	assert.Contains(t, out, string(IconSuccess))
	assert.Contains(t, out, "Circuits")
	assert.NotContains(t, out, "Last cycle")
}

func TestRenderStatus_NeverHeartbeat(t *testing.T) {
	out := RenderStatus(StatusView{Watchdog: WatchdogView{State: "HEALTHY"}}, ModePlain, renderNow)
	assert.Contains(t, out, "last_heartbeat: never\n")
	assert.Contains(t, out, "STATUS: HEALTHY\n")
}
