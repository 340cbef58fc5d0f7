// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package circuit implements per-dependency circuit breakers.
//
// # State Machine
//
//	CLOSED ──(FailureThreshold consecutive failures)──▶ OPEN
//	OPEN ──(OpenTimeout elapsed, next call is the probe)──▶ HALF_OPEN
//	HALF_OPEN ──(SuccessThreshold probe successes)──▶ CLOSED
//	HALF_OPEN ──(probe fails)──▶ OPEN (cooldown restarts)
//
// While OPEN every call fails fast with an *OpenError. While HALF_OPEN
// exactly one probe is in flight; concurrent callers fail fast as if OPEN.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/aurora/pkg/util"
)

// =============================================================================
// State
// =============================================================================

// State is the breaker state.
type State int

const (
	// Closed is normal operation: calls pass through.
	Closed State = iota

	// Open rejects every call until OpenTimeout has elapsed.
	Open

	// HalfOpen admits a single probe call.
	HalfOpen
)

// String returns "CLOSED", "OPEN" or "HALF_OPEN".
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText encodes the state name for JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// =============================================================================
// Errors
// =============================================================================

// ErrCircuitOpen is matched by every *OpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned, without invoking the operation, when a breaker
// rejects a call.
type OpenError struct {
	// Name of the protected dependency.
	Name string

	// State at rejection time: Open, or HalfOpen while a probe is in flight.
	State State

	// RetryAfter is the remaining cooldown. Zero while HalfOpen.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.State == HalfOpen {
		return fmt.Sprintf("circuit %q is half-open: probe in flight", e.Name)
	}
	return fmt.Sprintf("circuit %q is open: retry in %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Unwrap makes errors.Is(err, ErrCircuitOpen) true.
func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Default: 3.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=0"`

	// SuccessThreshold is the number of consecutive probe successes needed
	// to close from HALF_OPEN. Default: 1.
	SuccessThreshold int `yaml:"success_threshold" validate:"gte=0"`

	// OpenTimeout is the cooldown before the first probe. Default: 30s.
	OpenTimeout time.Duration `yaml:"open_timeout" validate:"gte=0"`

	// CallTimeout bounds each operation through its context. Zero disables.
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gte=0"`

	// IsFailure decides which errors count against the dependency.
	// Default: every error except context.Canceled.
	IsFailure func(error) bool `yaml:"-"`

	// OnStateChange is called after each transition, outside the state
	// lock, in transition order. It must not call methods of the same
	// breaker.
	OnStateChange func(name string, from, to State) `yaml:"-"`

	// Now is the clock. Default: time.Now.
	Now func() time.Time `yaml:"-"`

	// Logger reports transitions. Default: slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns 3 failures to open, 1 probe success to close, and
// a 30 second cooldown.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = defaultIsFailure
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// =============================================================================
// Breaker
// =============================================================================

const latencySamples = 100

type transition struct {
	from, to State
}

// Breaker guards one dependency.
//
// # Description
//
// Execute runs the operation when the state allows it and records the
// outcome. A panicking operation is recorded as a failure and re-reported
// to the caller as a *util.PanicError; the probe slot is always released.
//
// # Thread Safety
//
// Safe for concurrent use. The HALF_OPEN single-probe guarantee is
// enforced under the breaker mutex.
//
// # Example
//
//	b := circuit.New("payments", circuit.DefaultConfig())
//	err := b.Execute(ctx, func(ctx context.Context) error {
//	    return client.Charge(ctx, req)
//	})
//	if errors.Is(err, circuit.ErrCircuitOpen) {
//	    return fallback()
//	}
type Breaker struct {
	name   string
	config Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	openedAt      time.Time
	changedAt     time.Time
	probeInFlight bool
	forced        bool
	pending       []transition
	fireMu        sync.Mutex

	totalCalls    int64
	totalSuccess  int64
	totalFailures int64
	rejected      int64
	openCount     int64
	latencies     *util.RingBuffer[time.Duration]
}

// New creates a CLOSED breaker for the named dependency.
func New(name string, config Config) *Breaker {
	config = config.withDefaults()
	initMetrics()
	return &Breaker{
		name:      name,
		config:    config,
		state:     Closed,
		changedAt: config.Now(),
		latencies: util.NewRingBuffer[time.Duration](latencySamples),
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn if the breaker admits the call.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		recordRejected(b.name)
		return err
	}

	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	start := b.config.Now()
	err = util.Protect(func() error { return fn(ctx) })
	b.release(probe, err, b.config.Now().Sub(start))
	return err
}

// Call runs fn through b and returns its value.
//
// # Example
//
//	user, err := circuit.Call(ctx, breaker, func(ctx context.Context) (*User, error) {
//	    return repo.Get(ctx, id)
//	})
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// acquire decides admission. It returns true when the caller holds the
// HALF_OPEN probe slot.
func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.fireTransitions()
	defer b.mu.Unlock()

	now := b.config.Now()
	switch b.state {
	case Closed:
		return false, nil

	case Open:
		remaining := b.openedAt.Add(b.config.OpenTimeout).Sub(now)
		if b.forced || remaining > 0 {
			b.rejected++
			if b.forced {
				remaining = 0
			}
			return false, &OpenError{Name: b.name, State: Open, RetryAfter: remaining}
		}
		b.transitionTo(HalfOpen, now)
		b.probeInFlight = true
		return true, nil

	case HalfOpen:
		if b.probeInFlight {
			b.rejected++
			return false, &OpenError{Name: b.name, State: HalfOpen}
		}
		b.probeInFlight = true
		return true, nil

	default:
		b.rejected++
		return false, &OpenError{Name: b.name, State: b.state}
	}
}

// release records the outcome of an admitted call.
func (b *Breaker) release(probe bool, err error, elapsed time.Duration) {
	b.mu.Lock()
	defer b.fireTransitions()
	defer b.mu.Unlock()

	now := b.config.Now()
	if probe {
		b.probeInFlight = false
	}
	b.totalCalls++
	b.latencies.Push(elapsed)

	failed := err != nil && b.config.IsFailure(err)
	recordCall(b.name, failed, elapsed)

	// An excluded error says nothing about the dependency: it is neither a
	// success nor a failure, and a HALF_OPEN breaker admits the next call.
	if err != nil && !failed {
		return
	}

	if failed {
		b.totalFailures++
		b.failures++
		b.successes = 0
		b.lastFailure = now

		switch b.state {
		case Closed:
			if b.failures >= b.config.FailureThreshold {
				b.transitionTo(Open, now)
			}
		case HalfOpen:
			if probe {
				b.transitionTo(Open, now)
			}
		}
		return
	}

	b.totalSuccess++
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if probe {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.failures = 0
				b.transitionTo(Closed, now)
			}
		}
	}
}

// transitionTo changes state. Caller holds b.mu.
func (b *Breaker) transitionTo(to State, now time.Time) {
	if b.state == to {
		if to == Open {
			b.openedAt = now
		}
		return
	}
	from := b.state
	b.state = to
	b.changedAt = now
	b.successes = 0

	switch to {
	case Open:
		b.openedAt = now
		b.openCount++
	case Closed:
		b.forced = false
		b.failures = 0
		b.probeInFlight = false
	}
	b.pending = append(b.pending, transition{from: from, to: to})
}

// fireTransitions delivers queued transitions after the lock is released.
// fireMu keeps deliveries from concurrent callers in queue order, so
// OnStateChange must not call back into the breaker.
func (b *Breaker) fireTransitions() {
	b.fireMu.Lock()
	defer b.fireMu.Unlock()

	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, t := range pending {
		recordTransition(b.name, t.to)
		b.config.Logger.Info("circuit state change",
			"dependency", b.name, "from", t.from.String(), "to", t.to.String())
		if b.config.OnStateChange != nil {
			b.config.OnStateChange(b.name, t.from, t.to)
		}
	}
}

// State returns the current state. An OPEN breaker whose cooldown has
// elapsed still reports OPEN until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter returns the remaining cooldown, or zero when calls would be
// admitted (or the breaker is forced open).
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open || b.forced {
		return 0
	}
	remaining := b.openedAt.Add(b.config.OpenTimeout).Sub(b.config.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ForceOpen opens the breaker until Reset, regardless of cooldown.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.fireTransitions()
	defer b.mu.Unlock()
	b.forced = true
	b.transitionTo(Open, b.config.Now())
}

// Reset closes the breaker and clears its consecutive counters. Lifetime
// statistics are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.fireTransitions()
	defer b.mu.Unlock()
	b.forced = false
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
	b.transitionTo(Closed, b.config.Now())
}

// Stats is a snapshot of one breaker.
type Stats struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	StateChangedAt      time.Time     `json:"state_changed_at"`
	ProbeInFlight       bool          `json:"probe_in_flight"`
	ForcedOpen          bool          `json:"forced_open"`
	RetryAfter          time.Duration `json:"retry_after"`
	TotalCalls          int64         `json:"total_calls"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	Rejected            int64         `json:"rejected"`
	OpenCount           int64         `json:"open_count"`
	AvgLatency          time.Duration `json:"avg_latency"`
}

// Snapshot returns the breaker statistics. AvgLatency covers the last 100
// admitted calls.
func (b *Breaker) Snapshot() Stats {
	retry := b.RetryAfter()

	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
		OpenedAt:            b.openedAt,
		StateChangedAt:      b.changedAt,
		ProbeInFlight:       b.probeInFlight,
		ForcedOpen:          b.forced,
		RetryAfter:          retry,
		TotalCalls:          b.totalCalls,
		Successes:           b.totalSuccess,
		Failures:            b.totalFailures,
		Rejected:            b.rejected,
		OpenCount:           b.openCount,
	}
	if samples := b.latencies.Snapshot(); len(samples) > 0 {
		var sum time.Duration
		for _, d := range samples {
			sum += d
		}
		st.AvgLatency = sum / time.Duration(len(samples))
	}
	return st
}
