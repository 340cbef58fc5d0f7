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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/detect"
	"github.com/AleutianAI/aurora/pkg/healer"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// replaceFile swaps in new content with a rename so a watcher never sees
// a truncated file.
func replaceFile(t *testing.T, dir, name, body string) {
	t.Helper()
	tmp := writeFile(t, dir, "."+name+".tmp", body)
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 60*time.Second, cfg.Healer.Cooldown)
	assert.Equal(t, healer.DefaultPolicy(), cfg.Healer.Policy)
	assert.True(t, cfg.Server.Enabled)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "aurora.yaml", `
monitor:
  interval: 2s
  metrics: [latency_ms, error_rate]
healer:
  cooldown: 90s
  reconnect:
    max_attempts: 7
alerts:
  cooldown: 5m
  min_level: warning
  webhooks:
    - url: https://hooks.example.com/aurora
detector:
  thresholds:
    error_rate: {high: 0.2, critical: 0.5}
rate_limit:
  scopes:
    - {name: global, capacity: 50, refill_rate: 25}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, []string{"latency_ms", "error_rate"}, cfg.Monitor.Metrics)
	assert.Equal(t, 90*time.Second, cfg.Healer.Cooldown)
	assert.Equal(t, 7, cfg.Healer.Reconnect.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Healer.Reconnect.Multiplier, "unset nested fields keep defaults")
	assert.Equal(t, 5*time.Minute, cfg.Alerts.Cooldown)
	assert.Equal(t, alerts.Warning, cfg.Alerts.MinLevel)
	require.Len(t, cfg.Alerts.Webhooks, 1)
	assert.Equal(t, detect.ThresholdRule{High: 0.2, Critical: 0.5}, cfg.Detector.Thresholds["error_rate"])
	assert.Contains(t, cfg.Detector.Thresholds, "memory_percent", "default thresholds are merged")
	require.Len(t, cfg.RateLimit.Scopes, 1)
	assert.Equal(t, 50, cfg.RateLimit.Scopes[0].Capacity)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(writeFile(t, dir, "broken.yaml", "monitor: [not, a, map"))
	assert.ErrorContains(t, err, "parsing config")

	_, err = Load(writeFile(t, dir, "invalid.yaml", `
healer:
  memory_threshold: 140
server:
  enabled: true
  addr: ""
`))
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "MemoryThreshold")
	assert.ErrorContains(t, err, "Addr")

	_, err = Load(writeFile(t, dir, "policy.yaml", `
healer:
  policy:
    - {anomaly: SPIKE, action: restart}
`))
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "requires a target")

	_, err = Load(writeFile(t, dir, "action.yaml", `
healer:
  policy:
    - {anomaly: SPIKE, action: reboot}
`))
	assert.ErrorContains(t, err, "unknown action type")

	_, err = Load(writeFile(t, dir, "limits.yaml", `
server:
  limits:
    scopes:
      - {name: api, capacity: 5, refill_rate: 1, window: 1s}
`))
	assert.ErrorContains(t, err, "server limits")

	_, err = Load(writeFile(t, dir, "storage.yaml", "storage: {enabled: true}\n"))
	assert.ErrorContains(t, err, "path is required")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("AURORA_INTERVAL", "750ms")
	t.Setenv("AURORA_HEAL_COOLDOWN", "2m")
	t.Setenv("AURORA_MEMORY_THRESHOLD", "70")
	t.Setenv("AURORA_SLACK_WEBHOOK_URL", "https://hooks.slack.com/services/T/B/X")
	t.Setenv("AURORA_SMTP_PASSWORD", "hunter2")
	t.Setenv("AURORA_LOG_LEVEL", "debug")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 750*time.Millisecond, cfg.Monitor.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Healer.Cooldown)
	assert.Equal(t, 70.0, cfg.Healer.MemoryThreshold)
	require.NotNil(t, cfg.Alerts.Slack)
	assert.Equal(t, "https://hooks.slack.com/services/T/B/X", cfg.Alerts.Slack.WebhookURL)
	assert.Equal(t, []byte("hunter2"), cfg.Alerts.smtpPassword)
	assert.Equal(t, "debug", cfg.Log.Level)

	out, err := cfg.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	t.Setenv("AURORA_INTERVAL", "soon")
	t.Setenv("AURORA_CRITICAL_MEMORY_THRESHOLD", "high")

	cfg := Default()
	err := cfg.ApplyEnv()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "AURORA_INTERVAL")
	assert.ErrorContains(t, err, "AURORA_CRITICAL_MEMORY_THRESHOLD")
}

func TestMarshalLoadsBack(t *testing.T) {
	out, err := Default().Marshal()
	require.NoError(t, err)
	path := writeFile(t, t.TempDir(), "aurora.yaml", string(out))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Healer.Policy, cfg.Healer.Policy)
	assert.Equal(t, Default().Alerts.Cooldown, cfg.Alerts.Cooldown)
}

func TestSinks(t *testing.T) {
	a := AlertsConfig{
		Webhooks: []WebhookConfig{{URL: "https://a.example.com"}, {URL: "https://b.example.com"}},
		Slack:    &SlackConfig{WebhookURL: "https://hooks.slack.com/x"},
		Email:    &alerts.EmailConfig{Host: "smtp.example.com", To: []string{"ops@example.com"}},
	}
	sinks, err := a.Sinks(quiet)
	require.NoError(t, err)
	var names []string
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"log", "webhook", "webhook", "slack", "email"}, names)

	a.Email.To = nil
	_, err = a.Sinks(quiet)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBuild(t *testing.T) {
	cfg := Default()
	cfg.Storage.Enabled = true
	cfg.Storage.InMemory = true
	cfg.Monitor.HealthCheckInterval = 0

	sys, err := Build(cfg, quiet)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sys.Close()) }()
	require.NotNil(t, sys.Store)

	h := sys.Monitor.Healer()
	require.NoError(t, h.Register(healer.Target{Name: "cache", Kind: healer.KindCache,
		Cleanup: func(context.Context) error { return nil }}))
	a := h.ClearCache(context.Background(), "cache")
	require.True(t, a.Success, a.Message)

	actions, err := sys.Store.Actions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, healer.ActionCacheClear, actions[0].Type)

	report := sys.Monitor.RunCycle(context.Background())
	assert.NotEmpty(t, report.Samples)
	assert.Contains(t, report.Samples, "goroutines")
}

func TestBuild_RejectsBadPolicyFile(t *testing.T) {
	cfg := Default()
	cfg.PolicyFile = writeFile(t, t.TempDir(), "policy.yaml", "rules:\n  - {anomaly: SPIKE, action: restart}\n")
	_, err := Build(cfg, quiet)
	assert.ErrorContains(t, err, "requires a target")
}

// policyRecorder is a PolicySetter that keeps every applied policy.
type policyRecorder struct {
	mu      sync.Mutex
	applied [][]healer.PolicyRule
}

func (p *policyRecorder) SetPolicy(rules []healer.PolicyRule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, rules)
	return nil
}

func (p *policyRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.applied)
}

func (p *policyRecorder) last() []healer.PolicyRule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied[len(p.applied)-1]
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	rules, err := LoadPolicy(writeFile(t, dir, "ok.yaml", `
rules:
  - anomaly: spike
    metric: latency_ms
    action: reduce-load
  - anomaly: THRESHOLD
    metric: error_rate
    action: reconnect
    target: postgres
  - anomaly: memory-leak
    actions: [gc_hint, cache-clear, memory_pressure]
    cooldown: 30s
    max_attempts: 5
`))
	require.NoError(t, err)
	assert.Equal(t, []healer.PolicyRule{
		{Anomaly: detect.Spike, Metric: "latency_ms", Action: healer.ActionReduceLoad},
		{Anomaly: detect.Threshold, Metric: "error_rate", Action: healer.ActionReconnect, Target: "postgres"},
		{
			Anomaly:     detect.MemoryLeak,
			Actions:     []healer.ActionType{healer.ActionGCHint, healer.ActionCacheClear, healer.ActionMemoryPressure},
			Cooldown:    30 * time.Second,
			MaxAttempts: 5,
		},
	}, rules)

	_, err = LoadPolicy(writeFile(t, dir, "bad.yaml", "rules:\n  - {anomaly: WOBBLE, action: gc_hint}\n"))
	assert.ErrorContains(t, err, "unknown anomaly type")

	_, err = LoadPolicy(writeFile(t, dir, "both.yaml", "rules:\n  - {anomaly: SPIKE, action: gc_hint, actions: [cache_clear]}\n"))
	assert.ErrorContains(t, err, "not both")

	_, err = LoadPolicy(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPolicyWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", "rules:\n  - {anomaly: SPIKE, action: gc_hint}\n")

	target := &policyRecorder{}
	w, err := NewPolicyWatcher(path, target, quiet)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	replaceFile(t, dir, "policy.yaml", "rules:\n  - {anomaly: MEMORY_LEAK, action: memory_pressure}\n")
	require.Eventually(t, func() bool {
		return target.count() > 0 &&
			assert.ObjectsAreEqual([]healer.PolicyRule{{Anomaly: detect.MemoryLeak, Action: healer.ActionMemoryPressure}}, target.last())
	}, 2*time.Second, 10*time.Millisecond)

	before := w.Reloads()
	replaceFile(t, dir, "policy.yaml", "rules: [oops")
	writeFile(t, dir, "unrelated.yaml", "rules: []\n")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, w.Reloads(), "invalid and unrelated files do not replace the policy")
}
