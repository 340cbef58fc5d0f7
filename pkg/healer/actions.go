// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package healer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/aurora/pkg/detect"
	"github.com/AleutianAI/aurora/pkg/events"
	"github.com/AleutianAI/aurora/pkg/util"
)

// processTarget names actions that apply to the monitored process itself.
const processTarget = "process"

// =============================================================================
// Memory
// =============================================================================

// GCHint asks the runtime to collect garbage and return memory to the OS.
func (h *Healer) GCHint(ctx context.Context) Action {
	return h.Heal(ctx, ActionGCHint, processTarget, h.collect)
}

func (h *Healer) collect(context.Context) error {
	h.config.GC()
	return nil
}

// HandleMemoryPressure applies the memory tiers for a memory usage
// percentage: below MemoryThreshold nothing runs, at or above it a GC hint
// runs as memory_pressure, and at or above CriticalMemoryThreshold every
// cache target is cleared as well.
func (h *Healer) HandleMemoryPressure(ctx context.Context, percent float64) []Action {
	if percent < h.config.MemoryThreshold {
		return nil
	}
	h.config.Logger.Warn("memory pressure", "memory_percent", percent)
	out := []Action{h.Heal(ctx, ActionMemoryPressure, processTarget, h.collect)}
	if percent >= h.config.CriticalMemoryThreshold {
		out = append(out, h.ClearAllCaches(ctx)...)
	}
	return out
}

// =============================================================================
// Caches
// =============================================================================

// ClearCache runs the Cleanup callback of a cache target.
func (h *Healer) ClearCache(ctx context.Context, name string) Action {
	t, ok := h.target(name)
	switch {
	case !ok:
		return h.reject(ActionCacheClear, name, ErrUnknownTarget)
	case t.Cleanup == nil:
		return h.reject(ActionCacheClear, name, errors.New("target has no cleanup callback"))
	}
	return h.Heal(ctx, ActionCacheClear, name, t.Cleanup)
}

// ClearAllCaches clears every cache target with a Cleanup callback.
func (h *Healer) ClearAllCaches(ctx context.Context) []Action {
	var out []Action
	for _, t := range h.Targets() {
		if t.Kind != KindCache || t.Cleanup == nil {
			continue
		}
		out = append(out, h.ClearCache(ctx, t.Name))
	}
	return out
}

// =============================================================================
// Restart and host signals
// =============================================================================

// Restart emits a restart event for the target and runs its Restart
// callback when one is registered. A successful restart clears the
// target's reconnect state.
func (h *Healer) Restart(ctx context.Context, name string) Action {
	t, ok := h.target(name)
	if !ok {
		return h.reject(ActionRestart, name, ErrUnknownTarget)
	}
	a := h.Heal(ctx, ActionRestart, name, func(ctx context.Context) error {
		h.publish(events.KindRestart, name, map[string]any{"kind": string(t.Kind)})
		if t.Restart == nil {
			return nil
		}
		return t.Restart(ctx)
	})
	if a.Success {
		h.ResetReconnect(name)
	}
	return a
}

// ReduceLoad signals the host to shed load. The healer does not know how
// to reduce load itself; it only publishes the intent.
func (h *Healer) ReduceLoad(ctx context.Context, target, reason string) Action {
	return h.Heal(ctx, ActionReduceLoad, target, func(context.Context) error {
		h.publish(events.KindReduceLoad, target, map[string]any{"reason": reason})
		return nil
	})
}

// FlushQueues signals the host to flush its error queues.
func (h *Healer) FlushQueues(ctx context.Context, target, reason string) Action {
	return h.Heal(ctx, ActionFlushQueues, target, func(context.Context) error {
		h.publish(events.KindFlushErrorQueues, target, map[string]any{"reason": reason})
		return nil
	})
}

// ResetCircuit closes the named circuit breaker.
func (h *Healer) ResetCircuit(ctx context.Context, name string) Action {
	if h.config.Breakers == nil {
		return h.reject(ActionResetCircuit, name, errors.New("no circuit registry configured"))
	}
	return h.Heal(ctx, ActionResetCircuit, name, func(context.Context) error {
		if !h.config.Breakers.Reset(name) {
			return fmt.Errorf("circuit %q not found", name)
		}
		h.publish(events.KindResetCircuit, name, nil)
		return nil
	})
}

// =============================================================================
// Anomaly policy
// =============================================================================

// HandleAnomaly runs the first policy rule matching a and returns the
// recorded actions. It returns nil when no rule matches or the rule is
// gated by its cooldown or attempt cap.
func (h *Healer) HandleAnomaly(ctx context.Context, a detect.Anomaly) []Action {
	rule, ok := h.match(a)
	if !ok {
		h.config.Logger.Debug("no healing rule for anomaly", "anomaly", a.Key())
		return nil
	}
	return h.apply(ctx, rule, a)
}

// Dispatch is HandleAnomaly on a background goroutine. It reports whether
// an action was started; false means no rule matched or the healer is
// stopped. Stop waits for dispatched actions.
func (h *Healer) Dispatch(a detect.Anomaly) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	rule, ok := matchRule(h.policy, a)
	if !ok {
		return false
	}
	util.SafeGo(&h.wg, func() {
		h.apply(h.ctx, rule, a)
	}, func(p *util.PanicError) {
		h.config.Logger.Error("healing dispatch panicked", "anomaly", a.Key(), "error", p)
	})
	return true
}

func (h *Healer) match(a detect.Anomaly) (PolicyRule, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return matchRule(h.policy, a)
}

func matchRule(rules []PolicyRule, a detect.Anomaly) (PolicyRule, bool) {
	for _, r := range rules {
		if r.matches(a) {
			return r, true
		}
	}
	return PolicyRule{}, false
}

// apply runs rule's steps for a in order, stopping at the first step that
// succeeds. A rule within its Cooldown, or at MaxAttempts consecutive
// failed runs, runs nothing and returns nil.
func (h *Healer) apply(ctx context.Context, rule PolicyRule, a detect.Anomaly) []Action {
	key := a.Key()
	now := h.config.Now()
	h.mu.Lock()
	if last, ok := h.ruleRuns[key]; ok && rule.Cooldown > 0 && now.Sub(last) < rule.Cooldown {
		h.mu.Unlock()
		h.config.Logger.Debug("healing rule cooling down", "rule", key)
		return nil
	}
	if rule.MaxAttempts > 0 && h.ruleAttempts[key] >= rule.MaxAttempts {
		attempts := h.ruleAttempts[key]
		h.mu.Unlock()
		h.config.Logger.Warn("healing rule gave up", "rule", key, "attempts", attempts)
		return nil
	}
	h.ruleRuns[key] = now
	h.mu.Unlock()

	var out []Action
	failed := false
	for _, step := range rule.Steps() {
		done := h.applyStep(ctx, step, rule.Target, a)
		out = append(out, done...)
		switch stepOutcome(done) {
		case stepSucceeded:
			h.mu.Lock()
			delete(h.ruleAttempts, key)
			h.mu.Unlock()
			return out
		case stepFailed:
			failed = true
			h.config.Logger.Info("healing step failed, escalating", "rule", key, "action", string(step))
		}
	}
	if failed {
		h.mu.Lock()
		h.ruleAttempts[key]++
		h.mu.Unlock()
	}
	return out
}

type outcome int

const (
	stepSucceeded outcome = iota
	stepFailed
	stepSkipped
)

// stepOutcome grades the actions one step recorded. A step that recorded
// nothing had nothing to do (memory below threshold, reconnect chain
// scheduled) and counts as success.
func stepOutcome(actions []Action) outcome {
	skipped := 0
	for _, a := range actions {
		switch {
		case a.Skipped:
			skipped++
		case !a.Success:
			return stepFailed
		}
	}
	if len(actions) > 0 && skipped == len(actions) {
		return stepSkipped
	}
	return stepSucceeded
}

func (h *Healer) applyStep(ctx context.Context, step ActionType, ruleTarget string, a detect.Anomaly) []Action {
	target := ruleTarget
	if target == "" {
		target = a.Metric
	}

	switch step {
	case ActionGCHint:
		return []Action{h.GCHint(ctx)}
	case ActionMemoryPressure:
		if pct, ok := h.memoryPercent(a); ok {
			return h.HandleMemoryPressure(ctx, pct)
		}
		return []Action{h.Heal(ctx, ActionMemoryPressure, processTarget, h.collect)}
	case ActionCacheClear:
		if ruleTarget == "" {
			return h.ClearAllCaches(ctx)
		}
		return []Action{h.ClearCache(ctx, ruleTarget)}
	case ActionReconnect:
		if err := h.Reconnect(ruleTarget); err != nil {
			return []Action{h.reject(ActionReconnect, ruleTarget, err)}
		}
		return nil
	case ActionRestart:
		return []Action{h.Restart(ctx, ruleTarget)}
	case ActionReduceLoad:
		return []Action{h.ReduceLoad(ctx, target, a.String())}
	case ActionFlushQueues:
		return []Action{h.FlushQueues(ctx, target, a.String())}
	case ActionResetCircuit:
		return []Action{h.ResetCircuit(ctx, ruleTarget)}
	default:
		return []Action{h.reject(step, target, fmt.Errorf("unsupported action %q", step))}
	}
}

// memoryPercent returns the memory usage to grade a memory anomaly with.
// Anomalies on other metrics fall back to Config.MemoryPercent.
func (h *Healer) memoryPercent(a detect.Anomaly) (float64, bool) {
	if a.Metric == "memory_percent" {
		return a.Value, true
	}
	if h.config.MemoryPercent == nil {
		return 0, false
	}
	pct, err := h.config.MemoryPercent()
	if err != nil {
		h.config.Logger.Warn("memory percent unavailable", "error", err)
		return 0, false
	}
	return pct, true
}

// =============================================================================
// Health checks
// =============================================================================

// CheckAndHealAll runs every registered HealthCheck concurrently (bounded
// by CheckConcurrency) and starts a reconnect chain for unhealthy service
// and connection targets that have a Reconnect callback and no chain
// already pending.
//
// # Outputs
//
//   - []CheckResult: one entry per target with a HealthCheck, in
//     registration order. Outcome is one of "healthy", "unhealthy",
//     "reconnect scheduled", "reconnect pending", "exhausted" or the
//     scheduling error.
func (h *Healer) CheckAndHealAll(ctx context.Context) []CheckResult {
	var checked []Target
	for _, t := range h.Targets() {
		if t.HealthCheck != nil {
			checked = append(checked, t)
		}
	}

	results := make([]CheckResult, len(checked))
	var g errgroup.Group
	g.SetLimit(h.config.CheckConcurrency)
	for i, t := range checked {
		g.Go(func() error {
			results[i] = h.check(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for _, r := range results {
		if r.Healthy {
			healthy++
		}
	}
	h.publish(events.KindCheck, "", map[string]any{
		"total":     len(results),
		"healthy":   healthy,
		"unhealthy": len(results) - healthy,
	})
	return results
}

func (h *Healer) check(ctx context.Context, t Target) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, h.config.ActionTimeout)
	err := util.Protect(func() error { return t.HealthCheck(cctx) })
	cancel()

	r := CheckResult{Target: t.Name, Healthy: err == nil}
	if err == nil {
		r.Outcome = "healthy"
		return r
	}
	r.Error = err.Error()
	h.config.Logger.Warn("health check failed", "target", t.Name, "error", err)
	if t.Reconnect == nil || !t.Kind.Reconnectable() {
		r.Outcome = "unhealthy"
		return r
	}

	h.mu.Lock()
	ev, rerr := h.reconnectLocked(t.Name, false)
	h.mu.Unlock()
	switch {
	case rerr == nil:
		h.config.Publisher.Publish(ev)
		r.Outcome = "reconnect scheduled"
	case errors.Is(rerr, errPending):
		r.Outcome = "reconnect pending"
	case errors.Is(rerr, ErrReconnectExhausted):
		r.Outcome = "exhausted"
	default:
		r.Outcome = rerr.Error()
	}
	return r
}
