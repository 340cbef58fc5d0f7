// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aurora/pkg/events"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWatchdog(t *testing.T) (*Watchdog, *events.Recorder, *testClock) {
	t.Helper()
	clock := newTestClock()
	rec := &events.Recorder{}
	wd := New(Config{
		Publisher:    rec,
		Now:          clock.Now,
		NumGoroutine: func() int { return 10 },
	})
	return wd, rec, clock
}

func TestWatchdog_EscalatesToDeadOnce(t *testing.T) {
	wd, rec, clock := newTestWatchdog(t)

	// The implicit heartbeat at construction absorbs the first check.
	assert.Equal(t, Healthy, wd.Check().State)

	want := []State{Warning, Critical, Dead, Dead, Dead}
	for i, w := range want {
		clock.Advance(10 * time.Second)
		st := wd.Check()
		assert.Equal(t, w, st.State, "check %d", i+1)
		assert.Equal(t, i+1, st.MissedHeartbeats)
	}

	assert.Equal(t, 1, rec.Count(events.KindDead))
	assert.Equal(t, 1, rec.Count(events.KindAttemptRecovery))
	assert.Equal(t, 3, rec.Count(events.KindStateChange))
}

func TestWatchdog_HeartbeatRestoresHealthy(t *testing.T) {
	for _, misses := range []int{1, 2, 3} {
		wd, rec, _ := newTestWatchdog(t)
		wd.Check()
		for i := 0; i < misses; i++ {
			wd.Check()
		}
		require.NotEqual(t, Healthy, wd.State())

		wd.Heartbeat()
		assert.Equal(t, Healthy, wd.State(), "after %d misses", misses)
		assert.Equal(t, 0, wd.Status().MissedHeartbeats)

		changes := rec.OfKind(events.KindStateChange)
		last := changes[len(changes)-1]
		assert.Equal(t, "HEALTHY", last.Data["to"])
	}
}

func TestWatchdog_HeartbeatBetweenChecksResetsCount(t *testing.T) {
	wd, _, _ := newTestWatchdog(t)
	wd.Check()
	wd.Check()
	wd.Check()
	require.Equal(t, Critical, wd.State())

	wd.Heartbeat()
	assert.Equal(t, Healthy, wd.Check().State)
	assert.Equal(t, Warning, wd.Check().State, "count restarts from zero")
}

func TestWatchdog_TransitionOrder(t *testing.T) {
	wd, rec, _ := newTestWatchdog(t)
	wd.Check()
	wd.Check()
	wd.Check()
	wd.Check()

	assert.Equal(t, []events.Kind{
		events.KindStateChange,
		events.KindStateChange,
		events.KindStateChange,
		events.KindDead,
		events.KindAttemptRecovery,
	}, rec.Kinds())
}

func TestWatchdog_RecordRestart(t *testing.T) {
	wd, _, _ := newTestWatchdog(t)
	for i := 0; i < 4; i++ {
		wd.Check()
	}
	require.Equal(t, Dead, wd.State())

	wd.RecordRestart()
	wd.RecordRestart()
	st := wd.Status()
	assert.Equal(t, Healthy, st.State)
	assert.Equal(t, 0, st.MissedHeartbeats)
	assert.Equal(t, int64(2), st.RestartCount)

	// Restart count survives later heartbeats and escalations.
	wd.Check()
	wd.Check()
	wd.Heartbeat()
	assert.Equal(t, int64(2), wd.Status().RestartCount)
}

func TestWatchdog_SchedulerLag(t *testing.T) {
	wd, rec, clock := newTestWatchdog(t)

	assert.Zero(t, wd.Tick(), "first tick only establishes a baseline")
	clock.Advance(time.Second + 200*time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, wd.Tick())
	assert.Zero(t, rec.Count(events.KindSchedulerBlocked))

	clock.Advance(3500 * time.Millisecond)
	assert.Equal(t, 2500*time.Millisecond, wd.Tick())
	blocked := rec.OfKind(events.KindSchedulerBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, int64(2500), blocked[0].Data["lag_ms"])

	st := wd.Status()
	assert.Equal(t, int64(2500), st.SchedulerLagMs)
	assert.Equal(t, Healthy, st.State, "lag does not move the heartbeat state")
}

func TestWatchdog_EarlyTickHasNoLag(t *testing.T) {
	wd, _, clock := newTestWatchdog(t)
	wd.Tick()
	clock.Advance(500 * time.Millisecond)
	assert.Zero(t, wd.Tick())
}

func TestWatchdog_GoroutineLeakReportedOncePerExcursion(t *testing.T) {
	count := 50
	rec := &events.Recorder{}
	wd := New(Config{
		Publisher:     rec,
		MaxGoroutines: 100,
		NumGoroutine:  func() int { return count },
	})

	wd.Check()
	count = 150
	wd.Heartbeat()
	wd.Check()
	wd.Heartbeat()
	wd.Check()
	assert.Equal(t, 1, rec.Count(events.KindGoroutineLeak))
	assert.Equal(t, 150, wd.Status().Goroutines)

	count = 80
	wd.Check()
	count = 200
	wd.Check()
	assert.Equal(t, 2, rec.Count(events.KindGoroutineLeak))
}

func TestWatchdog_History(t *testing.T) {
	wd := New(Config{HistorySize: 3, NumGoroutine: func() int { return 1 }})
	for i := 0; i < 5; i++ {
		wd.Heartbeat()
	}
	hist := wd.History(-1)
	require.Len(t, hist, 3)
	for _, e := range hist {
		assert.Equal(t, events.KindHeartbeat, e.Kind)
		assert.Equal(t, "watchdog", e.Source)
	}
	assert.Len(t, wd.History(2), 2)
}

func TestWatchdog_StartStop(t *testing.T) {
	rec := &events.Recorder{}
	wd := New(Config{
		Publisher:     rec,
		CheckInterval: 5 * time.Millisecond,
		TickInterval:  time.Millisecond,
	})

	require.NoError(t, wd.Start(context.Background()))
	assert.ErrorIs(t, wd.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, wd.Status().Running)

	require.Eventually(t, func() bool {
		return rec.Count(events.KindDead) == 1
	}, 2*time.Second, 5*time.Millisecond)

	wd.Stop()
	assert.False(t, wd.Status().Running)
	wd.Stop()

	require.NoError(t, wd.Start(context.Background()), "restart after stop")
	wd.Stop()
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Healthy, "HEALTHY"},
		{Warning, "WARNING"},
		{Critical, "CRITICAL"},
		{Dead, "DEAD"},
		{State(9), "UNKNOWN(9)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
