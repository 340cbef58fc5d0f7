// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aurora/pkg/events"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Deliver(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *captureSink) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

type archive struct {
	mu    sync.Mutex
	saved []string
}

func (a *archive) SaveAlert(_ context.Context, al Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, al.ID)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func diskAlert(level Level) Alert {
	return Alert{Level: level, Source: "collector", Title: "Disk almost full", Message: "disk at 97%"}
}

func TestManager_CooldownDeliversOnce(t *testing.T) {
	clk := newClock()
	sink := &captureSink{}
	m := New(Config{Cooldown: time.Minute, Sinks: []Sink{sink}, Now: clk.Now})

	assert.True(t, m.Send(diskAlert(Warning)))
	clk.Advance(30 * time.Second)
	assert.False(t, m.Send(diskAlert(Warning)))

	// A different title is a different key.
	other := diskAlert(Warning)
	other.Title = "Disk slow"
	assert.True(t, m.Send(other))

	clk.Advance(31 * time.Second)
	assert.True(t, m.Send(diskAlert(Warning)), "cooldown expired")

	m.Stop()
	got := sink.Alerts()
	require.Len(t, got, 3)
	assert.Equal(t, "Disk almost full", got[0].Title)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, clk.Now().Add(-61*time.Second), got[0].Time)

	st := m.Stats()
	assert.Equal(t, int64(3), st.Sent)
	assert.Equal(t, int64(1), st.Suppressed)
	assert.Equal(t, int64(3), st.Delivered)
	assert.Zero(t, st.Summaries)
}

func TestManager_AggregationSummary(t *testing.T) {
	clk := newClock()
	sink := &captureSink{}
	m := New(Config{Cooldown: time.Minute, Aggregate: true, Sinks: []Sink{sink}, Now: clk.Now})

	require.True(t, m.Send(diskAlert(Critical)))
	for i := 0; i < 3; i++ {
		clk.Advance(5 * time.Second)
		require.False(t, m.Send(diskAlert(Critical)))
	}
	assert.Equal(t, 1, m.Stats().PendingAggregates)

	assert.Equal(t, 1, m.FlushAggregates())
	m.Stop()

	got := sink.Alerts()
	require.Len(t, got, 2)
	summary := got[1]
	assert.True(t, summary.Aggregated)
	assert.Equal(t, 3, summary.Count)
	assert.Equal(t, Critical, summary.Level, "summary keeps the level")
	assert.Equal(t, "collector", summary.Source)
	assert.Equal(t, "3 similar alerts in the last 60 seconds: disk at 97%", summary.Message)
	assert.Equal(t, int64(1), m.Stats().Summaries)
}

func TestManager_AggregationTimerFires(t *testing.T) {
	sink := &captureSink{}
	m := New(Config{Cooldown: 40 * time.Millisecond, Aggregate: true, Sinks: []Sink{sink}})
	defer m.Stop()

	m.Send(diskAlert(Warning))
	m.Send(diskAlert(Warning))
	m.Send(diskAlert(Warning))

	require.Eventually(t, func() bool { return len(sink.Alerts()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, sink.Alerts()[1].Count)
	assert.Zero(t, m.Stats().PendingAggregates)
}

func TestManager_StopFlushesAndDrains(t *testing.T) {
	clk := newClock()
	sink := &captureSink{}
	m := New(Config{Cooldown: time.Hour, Aggregate: true, Sinks: []Sink{sink}, Now: clk.Now})

	m.Send(diskAlert(Warning))
	m.Send(diskAlert(Warning))
	m.Stop()
	m.Stop()

	got := sink.Alerts()
	require.Len(t, got, 2)
	assert.True(t, got[1].Aggregated)
	assert.False(t, m.Send(Alert{Title: "late"}), "send after stop is ignored")
}

func TestManager_FailingSinksDoNotBlockOthers(t *testing.T) {
	good := &captureSink{}
	failing := SinkFunc("failing", func(context.Context, Alert) error { return errors.New("unreachable") })
	panicking := SinkFunc("panicking", func(context.Context, Alert) error { panic("boom") })
	m := New(Config{Sinks: []Sink{failing, panicking, good}})

	m.Notify(Critical, "healer", "Reconnect exhausted", "db gave up")
	m.Stop()

	require.Len(t, good.Alerts(), 1)
	st := m.Stats()
	assert.Equal(t, int64(1), st.Delivered)
	assert.Equal(t, int64(2), st.DeliveryFailures)
	assert.Equal(t, []string{"failing", "panicking", "capture"}, st.Sinks)
}

func TestManager_QueueFullDrops(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := SinkFunc("blocking", func(context.Context, Alert) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	m := New(Config{QueueSize: 1, Sinks: []Sink{blocking}})

	m.Notify(Info, "test", "first", "")
	<-started
	m.Notify(Info, "test", "second", "")
	m.Notify(Info, "test", "third", "")

	assert.Equal(t, int64(1), m.Stats().Dropped)
	close(release)
	m.Stop()
	assert.Equal(t, int64(2), m.Stats().Delivered)
}

func TestManager_MinLevel(t *testing.T) {
	m := New(Config{MinLevel: Warning})
	defer m.Stop()

	assert.False(t, m.Send(diskAlert(Info)))
	assert.True(t, m.Send(diskAlert(Warning)))
	assert.Equal(t, int64(1), m.Stats().Filtered)
}

func TestManager_HistoryAndAcknowledge(t *testing.T) {
	m := New(Config{})
	defer m.Stop()

	m.Notify(Info, "monitor", "cycle slow", "")
	m.Notify(Warning, "healer", "reconnect failed", "")
	m.Notify(Critical, "watchdog", "process dead", "")

	all := m.History(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "cycle slow", all[0].Title)

	assert.Len(t, m.History(Filter{MinLevel: Warning}), 2)
	assert.Len(t, m.History(Filter{Source: "healer"}), 1)
	last := m.History(Filter{Limit: 1})
	require.Len(t, last, 1)
	assert.Equal(t, "process dead", last[0].Title)

	require.NoError(t, m.Acknowledge(last[0].ID, "oncall"))
	unacked := m.History(Filter{OnlyUnacknowledged: true})
	assert.Len(t, unacked, 2)
	acked := m.History(Filter{MinLevel: Critical})
	require.Len(t, acked, 1)
	assert.True(t, acked[0].Acknowledged)
	assert.Equal(t, "oncall", acked[0].AcknowledgedBy)

	assert.ErrorIs(t, m.Acknowledge("missing", "x"), ErrAlertNotFound)
}

func TestManager_PublishesAndArchives(t *testing.T) {
	rec := &events.Recorder{}
	arc := &archive{}
	m := New(Config{Publisher: rec, Archive: arc})

	m.Notify(Warning, "circuit", "Circuit payments OPEN", "3 failures")
	m.Stop()

	alertsSeen := rec.OfKind(events.KindAlert)
	require.Len(t, alertsSeen, 1)
	assert.Equal(t, "WARNING", alertsSeen[0].Data["level"])
	assert.Equal(t, "circuit", alertsSeen[0].Target)
	assert.Len(t, arc.saved, 1)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"info": Info, "WARN": Warning, "warning": Warning, "Critical": Critical} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("fatal")
	assert.Error(t, err)
}
