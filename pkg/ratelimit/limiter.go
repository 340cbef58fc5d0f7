// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit implements multi-scope admission control.
//
// A request passes only if every applicable scope admits it. Each scope
// is a token bucket (golang.org/x/time/rate) with an optional sliding
// window on top. Tokens are refilled lazily at check time; no timers run.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Decision
// =============================================================================

// Denial reasons reported in Decision.Reason.
const (
	ReasonTokensExhausted   = "tokens exhausted"
	ReasonWindowLimit       = "window limit reached"
	ReasonCostExceedsLimits = "cost exceeds capacity"
)

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the request was admitted and tokens consumed.
	Allowed bool `json:"allowed"`

	// RetryAfter is how long until the request could be admitted if
	// nothing else consumes tokens first. Zero when Allowed, and zero when
	// the cost can never be admitted.
	RetryAfter time.Duration `json:"retry_after"`

	// Scope is the first scope that denied the request.
	Scope string `json:"scope,omitempty"`

	// Reason explains the denial.
	Reason string `json:"reason,omitempty"`
}

// RetryAfterMillis returns RetryAfter rounded up to whole milliseconds.
func (d Decision) RetryAfterMillis() int64 {
	return int64(math.Ceil(float64(d.RetryAfter) / float64(time.Millisecond)))
}

// TokenBucketState is a point-in-time view of one bucket.
type TokenBucketState struct {
	Scope      string    `json:"scope"`
	Key        string    `json:"key,omitempty"`
	Tokens     float64   `json:"tokens"`
	Capacity   int       `json:"capacity"`
	LastRefill time.Time `json:"last_refill"`
	InWindow   int       `json:"in_window,omitempty"`
}

// =============================================================================
// Limiter
// =============================================================================

// Limiter decides whether units of work may proceed.
//
// # Description
//
// Scopes are registered once, either through Config.Scopes or AddScope,
// and are immutable afterwards. Allow checks every scope; AllowScopes
// checks a named subset. Admission is all-or-nothing: the buckets of every
// applicable scope are locked in registration order, all are checked, and
// tokens are consumed only when every scope admits the request.
//
// # Inputs
//
//   - key: the per-key scope key (chat id, client id). Ignored by shared scopes.
//   - cost: units of work. Values below 1 count as 1.
//
// # Outputs
//
//   - Decision: admission result with retry-after on denial.
//
// # Thread Safety
//
// Safe for concurrent use. Checks on the same bucket are serialized; checks
// on different keys of a per-key scope proceed in parallel.
//
// # Example
//
//	limiter, _ := ratelimit.New(ratelimit.DefaultConfig())
//	if d := limiter.Allow(chatID, 1); !d.Allowed {
//	    return fmt.Errorf("slow down, retry in %dms", d.RetryAfterMillis())
//	}
type Limiter struct {
	now    func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	scopes []*scope
	byName map[string]*scope

	total    atomic.Int64
	accepted atomic.Int64
}

// New creates a Limiter with the scopes of config registered in order.
func New(config Config) (*Limiter, error) {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	l := &Limiter{
		now:    config.Now,
		logger: config.Logger,
		byName: make(map[string]*scope),
	}
	for _, sc := range config.Scopes {
		if err := l.AddScope(sc); err != nil {
			return nil, err
		}
	}
	initMetrics()
	return l, nil
}

// AddScope registers a new scope. Registering a name twice fails with
// ErrScopeExists.
func (l *Limiter) AddScope(sc ScopeConfig) error {
	if err := sc.validate(); err != nil {
		return err
	}
	sc = sc.withDefaults()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byName[sc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrScopeExists, sc.Name)
	}
	s := newScope(sc, l.now())
	l.scopes = append(l.scopes, s)
	l.byName[sc.Name] = s
	return nil
}

// Scopes returns the registered scope configurations in order.
func (l *Limiter) Scopes() []ScopeConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ScopeConfig, len(l.scopes))
	for i, s := range l.scopes {
		out[i] = s.cfg
	}
	return out
}

// Allow checks key against every registered scope.
func (l *Limiter) Allow(key string, cost int) Decision {
	l.mu.RLock()
	scopes := append([]*scope(nil), l.scopes...)
	l.mu.RUnlock()
	return l.check(scopes, key, cost)
}

// AllowScopes checks key against the named scopes only. The scopes are
// still evaluated in registration order.
func (l *Limiter) AllowScopes(key string, cost int, names ...string) (Decision, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	l.mu.RLock()
	var scopes []*scope
	for _, n := range names {
		if _, ok := l.byName[n]; !ok {
			l.mu.RUnlock()
			return Decision{}, fmt.Errorf("%w: %s", ErrUnknownScope, n)
		}
	}
	for _, s := range l.scopes {
		if want[s.cfg.Name] {
			scopes = append(scopes, s)
		}
	}
	l.mu.RUnlock()

	return l.check(scopes, key, cost), nil
}

// Wait blocks until key is admitted by every scope or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string, cost int) error {
	for {
		d := l.Allow(key, cost)
		if d.Allowed {
			return nil
		}
		if d.RetryAfter <= 0 {
			return fmt.Errorf("%w: scope %s", ErrCostExceedsCapacity, d.Scope)
		}
		timer := time.NewTimer(d.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) check(scopes []*scope, key string, cost int) Decision {
	if cost < 1 {
		cost = 1
	}
	now := l.now()

	buckets := make([]*bucket, len(scopes))
	for i, s := range scopes {
		buckets[i] = s.bucketFor(key, now, l.logger)
	}
	for _, b := range buckets {
		b.mu.Lock()
	}
	defer func() {
		for i := len(buckets) - 1; i >= 0; i-- {
			buckets[i].mu.Unlock()
		}
	}()

	decision := Decision{Allowed: true}
	for i, b := range buckets {
		wait, reason, ok := b.admissible(now, cost)
		if ok {
			continue
		}
		if decision.Allowed {
			decision = Decision{Scope: scopes[i].cfg.Name, Reason: reason}
		}
		if reason == ReasonCostExceedsLimits {
			decision.RetryAfter = 0
			decision.Scope = scopes[i].cfg.Name
			decision.Reason = reason
			break
		}
		if wait > decision.RetryAfter {
			decision.RetryAfter = wait
		}
	}

	for i, b := range buckets {
		scopes[i].record(decision.Allowed, decision.Scope == scopes[i].cfg.Name)
		b.lastRefill = now
		if decision.Allowed {
			b.consume(now, cost)
		}
	}
	l.total.Add(1)
	if decision.Allowed {
		l.accepted.Add(1)
	}
	recordDecision(decision)
	return decision
}

// BucketState returns the current state of a bucket without consuming
// tokens. For shared scopes key is ignored. The second result is false
// when the scope is unknown or the key has no live bucket.
func (l *Limiter) BucketState(scopeName, key string) (TokenBucketState, bool) {
	l.mu.RLock()
	s, ok := l.byName[scopeName]
	l.mu.RUnlock()
	if !ok {
		return TokenBucketState{}, false
	}

	b := s.lookup(key)
	if b == nil {
		return TokenBucketState{}, false
	}
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	state := TokenBucketState{
		Scope:      scopeName,
		Tokens:     b.tokensAt(now),
		Capacity:   s.cfg.Capacity,
		LastRefill: b.lastRefill,
	}
	if s.cfg.PerKey {
		state.Key = key
	}
	if b.window != nil {
		b.expire(now)
		state.InWindow = b.window.Len()
	}
	return state, true
}

// Sweep evicts idle per-key buckets in every scope and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	l.mu.RLock()
	scopes := append([]*scope(nil), l.scopes...)
	l.mu.RUnlock()

	now := l.now()
	removed := 0
	for _, s := range scopes {
		removed += s.sweep(now)
	}
	return removed
}

// Stats returns per-scope counters in registration order.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	scopes := append([]*scope(nil), l.scopes...)
	l.mu.RUnlock()

	out := Stats{Total: l.total.Load(), Accepted: l.accepted.Load()}
	out.Rejected = out.Total - out.Accepted
	for _, s := range scopes {
		out.Scopes = append(out.Scopes, s.stats())
	}
	return out
}

// Stats summarizes limiter activity. A scope's Rejected counts the
// requests it was the first to deny.
type Stats struct {
	Total    int64        `json:"total"`
	Accepted int64        `json:"accepted"`
	Rejected int64        `json:"rejected"`
	Scopes   []ScopeStats `json:"scopes"`
}

// ScopeStats are the counters of one scope.
type ScopeStats struct {
	Name      string `json:"name"`
	PerKey    bool   `json:"per_key"`
	Checked   int64  `json:"checked"`
	Accepted  int64  `json:"accepted"`
	Rejected  int64  `json:"rejected"`
	LiveKeys  int    `json:"live_keys"`
	Evictions int64  `json:"evictions"`
}
