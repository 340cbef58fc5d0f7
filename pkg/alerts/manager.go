// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package alerts deduplicates alerts and fans them out to delivery sinks.
//
// Alerts with the same source and title inside the cooldown window are
// suppressed. With aggregation on, suppressed alerts are counted and one
// summary ("N similar alerts in the last T seconds") is emitted when the
// window expires. Delivery runs on a background worker so Send never waits
// on a sink.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/aurora/pkg/events"
	"github.com/AleutianAI/aurora/pkg/util"
)

const source = "alerts"

// ErrAlertNotFound is returned by Acknowledge for an unknown or evicted ID.
var ErrAlertNotFound = errors.New("alert not found")

// Sink delivers alerts to one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a Alert) error
}

// Archive persists delivered alerts.
type Archive interface {
	SaveAlert(ctx context.Context, a Alert) error
}

// Sender is the write side of the manager, for components that raise alerts.
type Sender interface {
	Send(a Alert) bool
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Manager.
type Config struct {
	// Cooldown is the minimum time between two deliveries of the same
	// (source, title). Default: 60s.
	Cooldown time.Duration `yaml:"cooldown" validate:"gte=0"`

	// Aggregate emits a summary of suppressed alerts when the cooldown
	// window expires.
	Aggregate bool `yaml:"aggregate"`

	// MinLevel drops alerts below this level.
	MinLevel Level `yaml:"min_level"`

	// QueueSize bounds the delivery queue. Default: 256.
	QueueSize int `yaml:"queue_size" validate:"gte=0"`

	// DeliveryTimeout bounds each sink call. Default: 10s.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" validate:"gte=0"`

	// HistorySize bounds the alert history. Default: 1000.
	HistorySize int `yaml:"history_size" validate:"gte=0"`

	Sinks     []Sink           `yaml:"-"`
	Archive   Archive          `yaml:"-"`
	Publisher events.Publisher `yaml:"-"`
	Now       func() time.Time `yaml:"-"`
	Logger    *slog.Logger     `yaml:"-"`
}

// DefaultConfig returns a 60s cooldown with aggregation on.
func DefaultConfig() Config {
	return Config{
		Cooldown:        60 * time.Second,
		Aggregate:       true,
		MinLevel:        Info,
		QueueSize:       256,
		DeliveryTimeout: 10 * time.Second,
		HistorySize:     1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	c.Publisher = events.OrNop(c.Publisher)
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats counts manager activity.
type Stats struct {
	Sent              int64            `json:"sent"`
	Suppressed        int64            `json:"suppressed"`
	Filtered          int64            `json:"filtered"`
	Summaries         int64            `json:"summaries"`
	Delivered         int64            `json:"delivered"`
	DeliveryFailures  int64            `json:"delivery_failures"`
	Dropped           int64            `json:"dropped"`
	PendingAggregates int              `json:"pending_aggregates"`
	ByLevel           map[string]int64 `json:"by_level"`
	Sinks             []string         `json:"sinks"`
}

type aggregate struct {
	latest Alert
	count  int
	timer  *time.Timer
}

// =============================================================================
// Manager
// =============================================================================

// Manager applies cooldown and aggregation and delivers alerts.
//
// # Description
//
// Send decides synchronously whether an alert is delivered, suppressed or
// filtered, then hands deliverable alerts to a bounded queue. One worker
// calls every sink with DeliveryTimeout; sink errors and panics are logged
// and counted, never returned.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	m := alerts.New(alerts.Config{Aggregate: true, Sinks: []alerts.Sink{alerts.LogSink(nil)}})
//	defer m.Stop()
//	m.Send(alerts.Alert{Level: alerts.Warning, Source: "healer", Title: "Reconnect failed"})
//
// # Limitations
//
//   - Alerts still queued when the queue is full are dropped and counted.
type Manager struct {
	config Config

	sinkMu sync.RWMutex
	sinks  []Sink

	mu        sync.Mutex
	lastSent  map[string]time.Time
	pending   map[string]*aggregate
	history   *util.RingBuffer[*Alert]
	byLevel   map[Level]int64
	sent      int64
	suppress  int64
	filtered  int64
	summaries int64
	stopped   bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	queue chan Alert
	wg    sync.WaitGroup
}

// New creates a Manager and starts its delivery worker.
func New(config Config) *Manager {
	config = config.withDefaults()
	initMetrics()
	m := &Manager{
		config:   config,
		sinks:    append([]Sink(nil), config.Sinks...),
		lastSent: make(map[string]time.Time),
		pending:  make(map[string]*aggregate),
		history:  util.NewRingBuffer[*Alert](config.HistorySize),
		byLevel:  make(map[Level]int64),
		queue:    make(chan Alert, config.QueueSize),
	}
	util.SafeGo(&m.wg, m.run, func(p *util.PanicError) {
		config.Logger.Error("alert worker panicked", "panic", p.Value, "stack", p.Stack)
	})
	return m
}

// AddSink registers another delivery channel.
func (m *Manager) AddSink(s Sink) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Send submits an alert and reports whether it was accepted for delivery.
// ID and Time are filled in when empty.
func (m *Manager) Send(a Alert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}
	now := m.config.Now()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Time.IsZero() {
		a.Time = now
	}
	if a.Level < m.config.MinLevel {
		m.filtered++
		return false
	}

	key := a.Key()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.config.Cooldown {
		m.suppress++
		recordSuppressed(a.Level)
		if m.config.Aggregate {
			m.aggregateLocked(key, a, last.Add(m.config.Cooldown).Sub(now))
		}
		m.config.Logger.Debug("alert suppressed by cooldown",
			"source", a.Source, "title", a.Title)
		return false
	}

	m.recordLocked(a, now)
	m.enqueueLocked(a)
	return true
}

// Notify builds and sends an alert.
func (m *Manager) Notify(level Level, source, title, message string) bool {
	return m.Send(Alert{Level: level, Source: source, Title: title, Message: message})
}

func (m *Manager) aggregateLocked(key string, a Alert, remaining time.Duration) {
	agg, ok := m.pending[key]
	if !ok {
		agg = &aggregate{}
		agg.timer = time.AfterFunc(remaining, func() { m.flushKey(key) })
		m.pending[key] = agg
	}
	agg.latest = a
	agg.count++
}

func (m *Manager) flushKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	agg, ok := m.pending[key]
	if !ok {
		return
	}
	delete(m.pending, key)
	now := m.config.Now()
	s := m.summary(agg, now)
	m.recordLocked(s, now)
	m.enqueueLocked(s)
}

// FlushAggregates emits every pending summary now and returns how many
// were emitted.
func (m *Manager) FlushAggregates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return 0
	}
	now := m.config.Now()
	n := 0
	for key, agg := range m.pending {
		agg.timer.Stop()
		delete(m.pending, key)
		s := m.summary(agg, now)
		m.recordLocked(s, now)
		m.enqueueLocked(s)
		n++
	}
	return n
}

func (m *Manager) summary(agg *aggregate, now time.Time) Alert {
	secs := int(m.config.Cooldown.Round(time.Second) / time.Second)
	return Alert{
		ID:         uuid.NewString(),
		Level:      agg.latest.Level,
		Title:      agg.latest.Title,
		Source:     agg.latest.Source,
		Message:    fmt.Sprintf("%d similar alerts in the last %d seconds: %s", agg.count, secs, agg.latest.Message),
		Time:       now,
		Tags:       agg.latest.Tags,
		Count:      agg.count,
		Aggregated: true,
	}
}

// recordLocked stamps the cooldown key, stores a in the history and
// publishes it.
func (m *Manager) recordLocked(a Alert, now time.Time) {
	m.lastSent[a.Key()] = now
	stored := a
	m.history.Push(&stored)
	m.byLevel[a.Level]++
	if a.Aggregated {
		m.summaries++
	} else {
		m.sent++
	}
	recordSent(a.Level, a.Aggregated)

	m.config.Publisher.Publish(events.New(events.KindAlert, source, a.Source, now, map[string]any{
		"id":      a.ID,
		"level":   a.Level.String(),
		"title":   a.Title,
		"message": a.Message,
		"count":   a.Count,
	}))
}

func (m *Manager) enqueueLocked(a Alert) {
	select {
	case m.queue <- a:
	default:
		m.dropped.Add(1)
		m.config.Logger.Warn("alert queue full, dropping delivery",
			"alert_id", a.ID, "title", a.Title)
	}
}

func (m *Manager) run() {
	for a := range m.queue {
		m.deliver(a)
	}
}

func (m *Manager) deliver(a Alert) {
	m.sinkMu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.sinkMu.RUnlock()

	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.DeliveryTimeout)
		err := util.Protect(func() error { return s.Deliver(ctx, a) })
		cancel()
		recordDelivery(s.Name(), err == nil)
		if err != nil {
			m.failed.Add(1)
			m.config.Logger.Warn("alert delivery failed",
				"sink", s.Name(), "alert_id", a.ID, "error", err)
			continue
		}
		m.delivered.Add(1)
	}

	if m.config.Archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.DeliveryTimeout)
		if err := m.config.Archive.SaveAlert(ctx, a); err != nil {
			m.config.Logger.Warn("alert archive failed", "alert_id", a.ID, "error", err)
		}
		cancel()
	}
}

// Acknowledge marks the alert with id as acknowledged by who.
func (m *Manager) Acknowledge(id, who string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.history.Snapshot() {
		if a.ID == id {
			a.Acknowledged = true
			a.AcknowledgedBy = who
			a.AcknowledgedAt = m.config.Now()
			return nil
		}
	}
	return fmt.Errorf("acknowledge %s: %w", id, ErrAlertNotFound)
}

// History returns accepted alerts matching f, oldest first. Limit keeps
// the most recent matches.
func (m *Manager) History(f Filter) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Alert
	for _, a := range m.history.Snapshot() {
		if f.matches(a) {
			out = append(out, *a)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Stats returns manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	byLevel := make(map[string]int64, len(m.byLevel))
	for l, n := range m.byLevel {
		byLevel[l.String()] = n
	}
	st := Stats{
		Sent:              m.sent,
		Suppressed:        m.suppress,
		Filtered:          m.filtered,
		Summaries:         m.summaries,
		PendingAggregates: len(m.pending),
		ByLevel:           byLevel,
	}
	m.mu.Unlock()

	st.Delivered = m.delivered.Load()
	st.DeliveryFailures = m.failed.Load()
	st.Dropped = m.dropped.Load()

	m.sinkMu.RLock()
	for _, s := range m.sinks {
		st.Sinks = append(st.Sinks, s.Name())
	}
	m.sinkMu.RUnlock()
	return st
}

// Stop emits pending summaries, delivers everything queued, and stops the
// worker. Later Sends are ignored. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	now := m.config.Now()
	var final []Alert
	for key, agg := range m.pending {
		agg.timer.Stop()
		delete(m.pending, key)
		s := m.summary(agg, now)
		m.recordLocked(s, now)
		final = append(final, s)
	}
	m.mu.Unlock()

	for _, a := range final {
		m.queue <- a
	}
	close(m.queue)
	m.wg.Wait()
}
