// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watchdog tracks liveness of the monitored process.
//
// The host calls Heartbeat while it makes progress. Every periodic Check
// that finds no heartbeat since the previous Check counts one miss:
//
//	HEALTHY ─1 miss─▶ WARNING ─2 misses─▶ CRITICAL ─3 misses─▶ DEAD
//	   ▲                                                         │
//	   └──────────────────── any heartbeat ◀─────────────────────┘
//
// Entering DEAD publishes "dead" and "attempt-recovery" once. The watchdog
// never restarts anything itself. Scheduler lag and goroutine growth are
// reported as standalone signals and do not change the health state.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/AleutianAI/aurora/pkg/events"
	"github.com/AleutianAI/aurora/pkg/util"
)

const source = "watchdog"

// ErrAlreadyRunning is returned by Start on a running watchdog.
var ErrAlreadyRunning = errors.New("watchdog already running")

// =============================================================================
// State
// =============================================================================

// State is the process health as seen by the watchdog.
type State int

const (
	Healthy State = iota
	Warning
	Critical
	Dead
)

// String returns "HEALTHY", "WARNING", "CRITICAL" or "DEAD".
func (s State) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func stateForMisses(missed int) State {
	switch {
	case missed <= 0:
		return Healthy
	case missed == 1:
		return Warning
	case missed == 2:
		return Critical
	default:
		return Dead
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Watchdog.
type Config struct {
	// CheckInterval is the period of the heartbeat check loop. Default: 10s.
	CheckInterval time.Duration `yaml:"check_interval" validate:"gte=0"`

	// TickInterval is the expected period of the scheduler probe. Default: 1s.
	TickInterval time.Duration `yaml:"tick_interval" validate:"gte=0"`

	// LagThreshold is the scheduler lag above which "scheduler-blocked"
	// is published. Default: 1s.
	LagThreshold time.Duration `yaml:"lag_threshold" validate:"gte=0"`

	// MaxGoroutines is the goroutine count above which "goroutine-leak"
	// is published. Default: 10000.
	MaxGoroutines int `yaml:"max_goroutines" validate:"gte=0"`

	// HistorySize bounds the event history. Default: 1000.
	HistorySize int `yaml:"history_size" validate:"gte=0"`

	// Publisher receives watchdog events. It is called with the watchdog
	// lock held, so it must not call back into the watchdog synchronously.
	Publisher events.Publisher `yaml:"-"`

	Logger       *slog.Logger     `yaml:"-"`
	Now          func() time.Time `yaml:"-"`
	NumGoroutine func() int       `yaml:"-"`
}

// DefaultConfig returns the default watchdog configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 10 * time.Second,
		TickInterval:  time.Second,
		LagThreshold:  time.Second,
		MaxGoroutines: 10000,
		HistorySize:   1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.LagThreshold <= 0 {
		c.LagThreshold = d.LagThreshold
	}
	if c.MaxGoroutines <= 0 {
		c.MaxGoroutines = d.MaxGoroutines
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	c.Publisher = events.OrNop(c.Publisher)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NumGoroutine == nil {
		c.NumGoroutine = runtime.NumGoroutine
	}
	return c
}

// =============================================================================
// Status
// =============================================================================

// Status is a snapshot of the watchdog.
type Status struct {
	State            State         `json:"state"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	MissedHeartbeats int           `json:"missed_heartbeats"`
	SchedulerLag     time.Duration `json:"scheduler_lag"`
	SchedulerLagMs   int64         `json:"scheduler_lag_ms"`
	RestartCount     int64         `json:"restart_count"`
	Goroutines       int           `json:"goroutines"`
	Running          bool          `json:"running"`
	StartedAt        time.Time     `json:"started_at,omitempty"`
	Uptime           time.Duration `json:"uptime"`
}

// =============================================================================
// Watchdog
// =============================================================================

// Watchdog is the liveness state machine.
//
// # Description
//
// Heartbeat, Check and Tick are the three inputs. Start runs Check every
// CheckInterval and Tick every TickInterval on one goroutine; tests call
// them directly with an injected clock instead.
//
// # Thread Safety
//
// Safe for concurrent use. Inputs are serialized, so transitions are
// applied and published in arrival order.
//
// # Example
//
//	wd := watchdog.New(watchdog.Config{Publisher: bus})
//	_ = wd.Start(ctx)
//	defer wd.Stop()
//	go func() {
//	    for range time.Tick(5 * time.Second) {
//	        wd.Heartbeat()
//	    }
//	}()
type Watchdog struct {
	config  Config
	history *util.RingBuffer[events.Event]

	mu                  sync.Mutex
	state               State
	lastHeartbeat       time.Time
	heartbeatSinceCheck bool
	missed              int
	lastTick            time.Time
	lag                 time.Duration
	restarts            int64
	goroutines          int
	leakReported        bool
	startedAt           time.Time

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a HEALTHY watchdog. The clock starts at New, which counts as
// an implicit heartbeat.
func New(config Config) *Watchdog {
	config = config.withDefaults()
	initMetrics()
	now := config.Now()
	return &Watchdog{
		config:              config,
		history:             util.NewRingBuffer[events.Event](config.HistorySize),
		state:               Healthy,
		lastHeartbeat:       now,
		heartbeatSinceCheck: true,
		startedAt:           now,
	}
}

// Start launches the check and tick loop. Starting counts as a heartbeat.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	now := w.config.Now()
	w.running = true
	w.startedAt = now
	w.lastHeartbeat = now
	w.heartbeatSinceCheck = true
	w.lastTick = now
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	util.SafeGo(&w.wg, func() { w.loop(loopCtx) }, func(p *util.PanicError) {
		w.config.Logger.Error("watchdog loop panicked", "panic", p.Value, "stack", p.Stack)
	})
	w.config.Logger.Info("watchdog started",
		"check_interval", w.config.CheckInterval, "tick_interval", w.config.TickInterval)
	return nil
}

// Stop halts the loop and waits for it to exit. Safe to call when not running.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Watchdog) loop(ctx context.Context) {
	checks := time.NewTicker(w.config.CheckInterval)
	defer checks.Stop()
	ticks := time.NewTicker(w.config.TickInterval)
	defer ticks.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks.C:
			w.Tick()
		case <-checks.C:
			w.Check()
		}
	}
}

// Heartbeat records a liveness signal and returns to HEALTHY from any state.
func (w *Watchdog) Heartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.config.Now()
	w.lastHeartbeat = now
	w.heartbeatSinceCheck = true
	w.missed = 0
	w.publishLocked(events.KindHeartbeat, now, nil)
	w.setStateLocked(Healthy, now)
}

// Check evaluates heartbeats since the previous Check and samples the
// goroutine count. It returns the resulting status.
func (w *Watchdog) Check() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.config.Now()
	if w.heartbeatSinceCheck {
		w.heartbeatSinceCheck = false
	} else {
		w.missed++
		recordMissed()
		w.config.Logger.Warn("heartbeat missed",
			"missed", w.missed, "last_heartbeat", w.lastHeartbeat)
		w.setStateLocked(stateForMisses(w.missed), now)
	}

	w.goroutines = w.config.NumGoroutine()
	switch {
	case w.goroutines > w.config.MaxGoroutines && !w.leakReported:
		w.leakReported = true
		w.config.Logger.Warn("goroutine count above threshold",
			"goroutines", w.goroutines, "threshold", w.config.MaxGoroutines)
		w.publishLocked(events.KindGoroutineLeak, now, map[string]any{
			"goroutines": w.goroutines,
			"threshold":  w.config.MaxGoroutines,
		})
	case w.goroutines <= w.config.MaxGoroutines:
		w.leakReported = false
	}

	return w.statusLocked(now)
}

// Tick records one scheduler probe. The lag is how much later than
// TickInterval this tick arrived after the previous one.
func (w *Watchdog) Tick() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.config.Now()
	if w.lastTick.IsZero() {
		w.lastTick = now
		return 0
	}
	lag := now.Sub(w.lastTick) - w.config.TickInterval
	if lag < 0 {
		lag = 0
	}
	w.lastTick = now
	w.lag = lag
	recordLag(lag)

	if lag > w.config.LagThreshold {
		w.config.Logger.Warn("scheduler blocked", "lag_ms", lag.Milliseconds())
		w.publishLocked(events.KindSchedulerBlocked, now, map[string]any{
			"lag_ms":       lag.Milliseconds(),
			"threshold_ms": w.config.LagThreshold.Milliseconds(),
		})
	}
	return lag
}

// RecordRestart resets the heartbeat counters to HEALTHY and increments
// the restart counter, which is never reset.
func (w *Watchdog) RecordRestart() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.config.Now()
	w.restarts++
	w.missed = 0
	w.lastHeartbeat = now
	w.heartbeatSinceCheck = true
	w.config.Logger.Info("process restart recorded", "restart_count", w.restarts)
	w.setStateLocked(Healthy, now)
}

// Status returns a snapshot without evaluating heartbeats.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked(w.config.Now())
}

// State returns the current health state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// History returns up to n recent watchdog events, oldest first. A negative
// n returns everything retained.
func (w *Watchdog) History(n int) []events.Event {
	return w.history.Last(n)
}

func (w *Watchdog) statusLocked(now time.Time) Status {
	return Status{
		State:            w.state,
		LastHeartbeat:    w.lastHeartbeat,
		MissedHeartbeats: w.missed,
		SchedulerLag:     w.lag,
		SchedulerLagMs:   w.lag.Milliseconds(),
		RestartCount:     w.restarts,
		Goroutines:       w.goroutines,
		Running:          w.running,
		StartedAt:        w.startedAt,
		Uptime:           now.Sub(w.startedAt),
	}
}

// setStateLocked applies a transition and publishes its events. DEAD is
// announced only on entry.
func (w *Watchdog) setStateLocked(to State, now time.Time) {
	from := w.state
	if from == to {
		return
	}
	w.state = to
	recordState(to)

	w.config.Logger.Info("watchdog state change",
		"from", from.String(), "to", to.String(), "missed", w.missed)
	w.publishLocked(events.KindStateChange, now, map[string]any{
		"from":   from.String(),
		"to":     to.String(),
		"missed": w.missed,
	})

	if to == Dead {
		w.config.Logger.Error("process declared dead", "last_heartbeat", w.lastHeartbeat)
		data := map[string]any{
			"last_heartbeat": w.lastHeartbeat,
			"missed":         w.missed,
			"restart_count":  w.restarts,
		}
		w.publishLocked(events.KindDead, now, data)
		w.publishLocked(events.KindAttemptRecovery, now, data)
	}
}

func (w *Watchdog) publishLocked(kind events.Kind, now time.Time, data map[string]any) {
	e := events.New(kind, source, "", now, data)
	w.history.Push(e)
	w.config.Publisher.Publish(e)
}
