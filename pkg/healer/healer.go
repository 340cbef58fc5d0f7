// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package healer runs cooldown-gated recovery actions against host targets.
//
// Every action passes through a per-(action, target) cooldown gate and is
// recorded in a bounded audit log, reported to the alert manager (INFO on
// success, WARNING on failure) and published as an event. Reconnects are
// the exception to the gate: they run as cancelable backoff chains with a
// persistent attempt counter and an explicit give-up.
package healer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/events"
	"github.com/AleutianAI/aurora/pkg/util"
)

const source = "healer"

// Healer owns targets, cooldown timestamps, reconnect chains and the
// audit log.
//
// # Description
//
// Heal is the generic entry point: it gates, runs and records one action.
// The typed helpers (GCHint, ClearCache, Restart, ReduceLoad, ...) build
// on it. Dispatch maps an anomaly through the policy and runs the result
// on a background goroutine so the monitoring loop never waits on a host
// callback.
//
// # Thread Safety
//
// Safe for concurrent use. Host callbacks, alerts and audit writes are
// invoked without internal locks held.
//
// # Example
//
//	h := healer.New(healer.Config{Alerts: alertManager, Publisher: bus})
//	defer h.Stop()
//	_ = h.Register(healer.Target{Name: "postgres", Kind: healer.KindConnection, Reconnect: db.Reconnect})
//	_ = h.Reconnect("postgres")
type Healer struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	targets map[string]*Target
	order   []string
	lastRun map[string]time.Time
	chains  map[string]*chain
	policy  []PolicyRule
	stopped bool

	// per rule key (anomaly type and metric)
	ruleRuns     map[string]time.Time
	ruleAttempts map[string]int

	statsMu    sync.Mutex
	total      int64
	successful int64
	failed     int64
	skipped    int64
	byType     map[ActionType]int64

	history *util.RingBuffer[Action]
	wg      sync.WaitGroup
}

// New creates a Healer.
func New(config Config) *Healer {
	config = config.withDefaults()
	initMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	return &Healer{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		targets: make(map[string]*Target),
		lastRun: make(map[string]time.Time),
		chains:  make(map[string]*chain),
		policy:  append([]PolicyRule(nil), config.Policy...),
		byType:  make(map[ActionType]int64),
		history: util.NewRingBuffer[Action](config.HistorySize),

		ruleRuns:     make(map[string]time.Time),
		ruleAttempts: make(map[string]int),
	}
}

// Register adds a target.
func (h *Healer) Register(t Target) error {
	if t.Name == "" {
		return errors.New("register target: name is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.targets[t.Name]; ok {
		return fmt.Errorf("register %s: %w", t.Name, ErrDuplicateTarget)
	}
	stored := t
	h.targets[t.Name] = &stored
	h.order = append(h.order, t.Name)
	return nil
}

// Unregister removes a target and cancels its reconnect chain.
func (h *Healer) Unregister(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.targets[name]; !ok {
		return false
	}
	delete(h.targets, name)
	for i, n := range h.order {
		if n == name {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	if c, ok := h.chains[name]; ok {
		h.cancelChainLocked(c)
		delete(h.chains, name)
	}
	return true
}

// Targets returns a copy of every registered target in registration order.
func (h *Healer) Targets() []Target {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Target, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, *h.targets[name])
	}
	return out
}

func (h *Healer) target(name string) (Target, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.targets[name]
	if !ok {
		return Target{}, false
	}
	return *t, true
}

// Heal runs op as action typ on target unless the same (typ, target) ran
// within Cooldown. A gated call is recorded with Success false and
// Message "Cooldown active" and op is not invoked. Errors and panics
// from op are recorded as failures.
func (h *Healer) Heal(ctx context.Context, typ ActionType, target string, op func(context.Context) error) Action {
	if op == nil {
		return h.reject(typ, target, errors.New("no operation for action"))
	}

	now := h.config.Now()
	a := Action{ID: uuid.NewString(), Type: typ, Target: target, Time: now}
	key := string(typ) + "|" + target
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return h.reject(typ, target, ErrStopped)
	}
	if last, ok := h.lastRun[key]; ok && now.Sub(last) < h.config.Cooldown {
		h.mu.Unlock()
		a.Skipped = true
		a.Message = MessageCooldownActive
		return h.finish(a)
	}
	h.lastRun[key] = now
	h.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, h.config.ActionTimeout)
	start := time.Now()
	err := util.Protect(func() error { return op(actx) })
	a.Duration = time.Since(start)
	cancel()

	if err != nil {
		a.Message = err.Error()
	} else {
		a.Success = true
		a.Message = "completed"
	}
	return h.finish(a)
}

// reject records an action that failed before it could run.
func (h *Healer) reject(typ ActionType, target string, err error) Action {
	return h.finish(Action{
		ID:      uuid.NewString(),
		Type:    typ,
		Target:  target,
		Time:    h.config.Now(),
		Message: err.Error(),
	})
}

// finish records a in stats, history, metrics, the audit store, alerts
// and events. It must be called without h.mu held.
func (h *Healer) finish(a Action) Action {
	a.DurationMs = a.Duration.Milliseconds()

	h.statsMu.Lock()
	h.total++
	switch {
	case a.Success:
		h.successful++
	case a.Skipped:
		h.skipped++
	default:
		h.failed++
	}
	h.byType[a.Type]++
	h.statsMu.Unlock()

	h.history.Push(a)
	recordAction(a)

	log := h.config.Logger.With("action", string(a.Type), "target", a.Target)
	switch {
	case a.Success:
		log.Info("healing action succeeded", "duration_ms", a.DurationMs)
	case a.Skipped:
		log.Debug("healing action skipped", "reason", a.Message)
	default:
		log.Warn("healing action failed", "error", a.Message, "duration_ms", a.DurationMs)
	}

	if h.config.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.config.Store.SaveAction(ctx, a); err != nil {
			log.Warn("audit store write failed", "error", err)
		}
		cancel()
	}

	if a.Skipped {
		return a
	}
	if a.Success {
		h.alert(alerts.Info, fmt.Sprintf("Healing %s on %s succeeded", a.Type, a.Target), a.Message)
		h.publish(events.KindHealed, a.Target, map[string]any{
			"action":      string(a.Type),
			"action_id":   a.ID,
			"duration_ms": a.DurationMs,
		})
	} else {
		h.alert(alerts.Warning, fmt.Sprintf("Healing %s on %s failed", a.Type, a.Target), a.Message)
	}
	return a
}

func (h *Healer) alert(level alerts.Level, title, message string) {
	if h.config.Alerts == nil {
		return
	}
	h.config.Alerts.Send(alerts.Alert{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	})
}

func (h *Healer) publish(kind events.Kind, target string, data map[string]any) {
	h.config.Publisher.Publish(events.New(kind, source, target, h.config.Now(), data))
}

// Err converts a recorded action into an error: nil on success,
// ErrCooldownActive when gated, otherwise the recorded message.
func (a Action) Err() error {
	switch {
	case a.Success:
		return nil
	case a.Skipped:
		return ErrCooldownActive
	default:
		return fmt.Errorf("%s on %s: %s", a.Type, a.Target, a.Message)
	}
}

// SetPolicy replaces the anomaly policy after validating it. Rule
// cooldowns and attempt counts start over.
func (h *Healer) SetPolicy(rules []PolicyRule) error {
	if err := ValidatePolicy(rules); err != nil {
		return err
	}
	h.mu.Lock()
	h.policy = append([]PolicyRule(nil), rules...)
	clear(h.ruleRuns)
	clear(h.ruleAttempts)
	h.mu.Unlock()
	h.config.Logger.Info("healing policy replaced", "rules", len(rules))
	return nil
}

// Policy returns a copy of the active policy.
func (h *Healer) Policy() []PolicyRule {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PolicyRule(nil), h.policy...)
}

// History returns up to n recent actions, oldest first. A negative n
// returns everything retained.
func (h *Healer) History(n int) []Action {
	return h.history.Last(n)
}

// Stats returns healing counters and reconnect state.
func (h *Healer) Stats() Stats {
	h.statsMu.Lock()
	st := Stats{
		Total:      h.total,
		Successful: h.successful,
		Failed:     h.failed,
		Skipped:    h.skipped,
		ByType:     make(map[string]int64, len(h.byType)),
	}
	for t, n := range h.byType {
		st.ByType[string(t)] = n
	}
	h.statsMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	st.Targets = len(h.targets)
	st.ReconnectAttempts = make(map[string]int, len(h.chains))
	for _, name := range h.order {
		c, ok := h.chains[name]
		if !ok {
			continue
		}
		st.ReconnectAttempts[name] = c.attempts
		if c.exhausted {
			st.Exhausted = append(st.Exhausted, name)
		}
	}
	if len(h.ruleAttempts) > 0 {
		st.PolicyAttempts = maps.Clone(h.ruleAttempts)
	}
	return st
}

// Stop cancels every reconnect chain and in-flight action, then waits for
// background work to finish. Safe to call more than once.
func (h *Healer) Stop() {
	h.mu.Lock()
	if !h.stopped {
		h.stopped = true
		for _, c := range h.chains {
			h.cancelChainLocked(c)
		}
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}
