// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/circuit"
	"github.com/AleutianAI/aurora/pkg/collect"
	"github.com/AleutianAI/aurora/pkg/healer"
	"github.com/AleutianAI/aurora/pkg/monitor"
	"github.com/AleutianAI/aurora/pkg/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newMonitor(t *testing.T, deps monitor.Deps) *monitor.Monitor {
	t.Helper()
	cfg := monitor.DefaultConfig()
	cfg.Logger = quiet
	cfg.HealthCheckInterval = 0
	if deps.Source == nil {
		deps.Source = collect.Static(map[string]float64{"cpu_percent": 10})
	}
	m, err := monitor.New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func newServer(t *testing.T, cfg Config, deps monitor.Deps) (*Server, *monitor.Monitor) {
	t.Helper()
	m := newMonitor(t, deps)
	cfg.Logger = quiet
	return New(cfg, m), m
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s, m := newServer(t, Config{}, monitor.Deps{})

	w := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])

	m.Breakers().Get("postgres").ForceOpen()
	w = do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "degraded", resp["status"])
	assert.Equal(t, []any{"postgres"}, resp["open_circuits"])
}

func TestStatus(t *testing.T) {
	s, m := newServer(t, Config{}, monitor.Deps{})
	m.RunCycle(context.Background())

	w := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, resp["cycles"])
	last, ok := resp["last_cycle"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"cpu_percent": 10.0}, last["samples"])
}

func TestHeartbeatAndRestart(t *testing.T) {
	s, m := newServer(t, Config{}, monitor.Deps{})

	w := do(t, s, http.MethodPost, "/heartbeat", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, m.Watchdog().Status().LastHeartbeat.IsZero())

	w = do(t, s, http.MethodPost, "/restart", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, RestartResponse{RestartCount: 1}, decode[RestartResponse](t, w))
}

func TestAlerts(t *testing.T) {
	s, m := newServer(t, Config{}, monitor.Deps{})
	require.True(t, m.Alerts().Notify(alerts.Info, "test", "deploy finished", ""))
	require.True(t, m.Alerts().Notify(alerts.Warning, "test", "disk filling", "85% used"))

	w := do(t, s, http.MethodGet, "/alerts?min_level=warning&source=test", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]alerts.Alert](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "disk filling", list[0].Title)

	w = do(t, s, http.MethodPost, "/alerts/nope/ack", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/alerts/"+list[0].ID+"/ack", `{"by":"oncall"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/alerts?unacknowledged=true&source=test", "")
	list = decode[[]alerts.Alert](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "deploy finished", list[0].Title)

	w = do(t, s, http.MethodGet, "/alerts?min_level=loud", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodGet, "/alerts?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeArchive struct {
	actions []healer.Action
	err     error
}

func (f fakeArchive) Actions(context.Context, int) ([]healer.Action, error) { return f.actions, f.err }

func (f fakeArchive) Alerts(context.Context, int) ([]alerts.Alert, error) { return nil, f.err }

func TestHealing(t *testing.T) {
	archived := []healer.Action{{ID: "a1", Type: healer.ActionRestart, Target: "api"}}
	s, m := newServer(t, Config{Archive: fakeArchive{actions: archived}}, monitor.Deps{})
	require.NoError(t, m.Healer().Register(healer.Target{
		Name:    "sessions",
		Kind:    healer.KindCache,
		Cleanup: func(context.Context) error { return nil },
	}))
	m.Healer().ClearCache(context.Background(), "sessions")

	w := do(t, s, http.MethodGet, "/healing?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	live := decode[[]healer.Action](t, w)
	require.Len(t, live, 1)
	assert.Equal(t, healer.ActionCacheClear, live[0].Type)
	assert.True(t, live[0].Success)

	w = do(t, s, http.MethodGet, "/healing?archive=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a1", decode[[]healer.Action](t, w)[0].ID)
}

func TestHealing_ArchiveError(t *testing.T) {
	s, _ := newServer(t, Config{Archive: fakeArchive{err: errors.New("disk gone")}}, monitor.Deps{})
	w := do(t, s, http.MethodGet, "/alerts?archive=true", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk gone")
}

func TestResetCircuit(t *testing.T) {
	s, m := newServer(t, Config{}, monitor.Deps{})
	m.Breakers().Get("redis").ForceOpen()

	w := do(t, s, http.MethodPost, "/circuits/redis/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuit.Closed, m.Breakers().States()["redis"])

	w = do(t, s, http.MethodPost, "/circuits/redis/reset", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "second reset is inside the healing cooldown")

	w = do(t, s, http.MethodPost, "/circuits/missing/reset", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPolicy(t *testing.T) {
	s, _ := newServer(t, Config{}, monitor.Deps{})
	w := do(t, s, http.MethodGet, "/policy", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[[]map[string]any](t, w))
}

func TestTargets_ListAndUnregister(t *testing.T) {
	s, m := newServer(t, Config{}, monitor.Deps{})
	require.NoError(t, m.Healer().Register(healer.Target{
		Name:      "postgres",
		Kind:      healer.KindConnection,
		Reconnect: func(context.Context) error { return nil },
	}))
	require.NoError(t, m.Healer().Register(healer.Target{
		Name:      "indexer",
		Kind:      healer.KindWorker,
		Reconnect: func(context.Context) error { return nil },
	}))

	w := do(t, s, http.MethodGet, "/targets", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []TargetInfo{
		{Name: "postgres", Kind: healer.KindConnection, Reconnect: true},
		{Name: "indexer", Kind: healer.KindWorker},
	}, decode[[]TargetInfo](t, w))

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/targets/postgres", "").Code)
	w = do(t, s, http.MethodDelete, "/targets/postgres", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "target_not_found", decode[ErrorResponse](t, w).Code)

	require.Len(t, m.Healer().Targets(), 1)
	assert.Equal(t, "indexer", m.Healer().Targets()[0].Name)
}

func TestRateLimit(t *testing.T) {
	host, err := ratelimit.New(ratelimit.Config{Scopes: []ratelimit.ScopeConfig{
		{Name: ratelimit.ScopeClient, Capacity: 1, RefillRate: 0.01, PerKey: true},
	}})
	require.NoError(t, err)
	s, m := newServer(t, Config{
		RateLimit: true,
		Limits: ratelimit.Config{Scopes: []ratelimit.ScopeConfig{
			{Name: ScopeAPI, Capacity: 1, RefillRate: 0.01, PerKey: true},
		}},
	}, monitor.Deps{Limiter: host})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/status", "").Code)

	w := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 100, retry, 1)
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, w).Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, ScopeAPI)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code, "health probes are exempt")

	// API traffic never touches the host's scopes.
	assert.Zero(t, host.Stats().Total)
	assert.True(t, m.Allow("192.0.2.1", 1).Allowed)
}

func TestRateLimit_InvalidLimitsFallBackToDefaults(t *testing.T) {
	s, _ := newServer(t, Config{
		RateLimit: true,
		Limits:    ratelimit.Config{Scopes: []ratelimit.ScopeConfig{{Name: "api", Capacity: 0, RefillRate: 1}}},
	}, monitor.Deps{})
	for range 5 {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/status", "").Code)
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newServer(t, Config{}, monitor.Deps{})
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics", "").Code)

	scrape := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "aurora_up 1\n")
	})
	s, _ = newServer(t, Config{MetricsHandler: scrape}, monitor.Deps{})
	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "aurora_up 1\n", w.Body.String())
}

func TestRequestsAreRecorded(t *testing.T) {
	rec := collect.NewRecorder(0)
	s, _ := newServer(t, Config{Requests: rec}, monitor.Deps{})
	do(t, s, http.MethodGet, "/status", "")
	do(t, s, http.MethodPost, "/heartbeat", "")

	samples, err := rec.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, samples[collect.MetricRequests])
	assert.Equal(t, 0.0, samples[collect.MetricErrorRate])
}

func TestEvents(t *testing.T) {
	s, m := newServer(t, Config{}, monitor.Deps{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?kind=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?kind=alert"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	m.Heartbeat()
	require.True(t, m.Alerts().Notify(alerts.Critical, "test", "queue stalled", ""))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got map[string]any
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, "alert", got["kind"], "heartbeat events are filtered out")
	data, ok := got["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "queue stalled", data["title"])
	assert.Equal(t, "CRITICAL", data["level"])
}

func TestEvents_ClosedOnShutdown(t *testing.T) {
	s, _ := newServer(t, Config{}, monitor.Deps{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer ws.Close()

	s.closeStreams()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestEvents_PongsKeepStreamOpen(t *testing.T) {
	s, m := newServer(t, Config{PongWait: 100 * time.Millisecond}, monitor.Deps{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events?kind=alert", nil)
	require.NoError(t, err)
	defer ws.Close()

	// The default client ping handler answers with a pong while reading.
	msgs := make(chan map[string]any, 1)
	readErr := make(chan error, 1)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	go func() {
		for {
			var v map[string]any
			if err := ws.ReadJSON(&v); err != nil {
				readErr <- err
				return
			}
			msgs <- v
		}
	}()

	time.Sleep(400 * time.Millisecond)
	select {
	case err := <-readErr:
		t.Fatalf("stream closed while client answered pings: %v", err)
	default:
	}

	require.True(t, m.Alerts().Notify(alerts.Critical, "test", "still there", ""))
	select {
	case got := <-msgs:
		assert.Equal(t, "alert", got["kind"])
	case err := <-readErr:
		t.Fatalf("read failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestEvents_DropsSilentClient(t *testing.T) {
	s, _ := newServer(t, Config{PongWait: 50 * time.Millisecond}, monitor.Deps{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer ws.Close()
	ws.SetPingHandler(func(string) error { return nil })

	start := time.Now()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err = ws.ReadMessage(); err != nil {
			break
		}
	}
	assert.Less(t, time.Since(start), 2*time.Second, "server closes the stream instead of the client timing out: %v", err)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	m := newMonitor(t, monitor.Deps{})
	s := New(Config{Addr: "127.0.0.1:0", Logger: quiet}, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
