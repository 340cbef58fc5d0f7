// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"container/list"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/aurora/pkg/util"
)

// =============================================================================
// Bucket
// =============================================================================

// bucket is one token bucket plus its optional sliding window. All fields
// below mu are guarded by it; lastUsed is guarded by the owning scope.
type bucket struct {
	key string

	mu         sync.Mutex
	limiter    *rate.Limiter
	refill     float64
	capacity   int
	lastRefill time.Time
	window     *util.RingBuffer[time.Time]
	span       time.Duration

	lastUsed time.Time
}

func newBucket(cfg ScopeConfig, key string, now time.Time) *bucket {
	b := &bucket{
		key:        key,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity),
		refill:     cfg.RefillRate,
		capacity:   cfg.Capacity,
		lastRefill: now,
		lastUsed:   now,
	}
	if cfg.MaxPerWindow > 0 {
		b.window = util.NewRingBuffer[time.Time](cfg.MaxPerWindow)
		b.span = cfg.Window
	}
	return b
}

// tokensAt returns the refilled token count clamped to [0, capacity].
// Caller holds b.mu.
func (b *bucket) tokensAt(now time.Time) float64 {
	tokens := b.limiter.TokensAt(now)
	return math.Max(0, math.Min(tokens, float64(b.capacity)))
}

// expire drops window entries at or before now-span. Caller holds b.mu.
func (b *bucket) expire(now time.Time) {
	cutoff := now.Add(-b.span)
	b.window.DropWhile(func(ts time.Time) bool { return !ts.After(cutoff) })
}

// admissible reports whether cost units may be consumed at now without
// consuming them. Caller holds b.mu.
func (b *bucket) admissible(now time.Time, cost int) (time.Duration, string, bool) {
	if cost > b.capacity {
		return 0, ReasonCostExceedsLimits, false
	}
	if b.window != nil && cost > b.window.Capacity() {
		return 0, ReasonCostExceedsLimits, false
	}

	var wait time.Duration
	reason := ""

	tokens := b.tokensAt(now)
	if tokens < float64(cost) {
		deficit := float64(cost) - tokens
		wait = time.Duration(deficit / b.refill * float64(time.Second))
		reason = ReasonTokensExhausted
	}

	if b.window != nil {
		b.expire(now)
		if over := b.window.Len() + cost - b.window.Capacity(); over > 0 {
			stamps := b.window.Snapshot()
			windowWait := stamps[over-1].Add(b.span).Sub(now)
			if windowWait > wait {
				wait = windowWait
			}
			if reason == "" {
				reason = ReasonWindowLimit
			}
		}
	}

	return wait, reason, reason == ""
}

// consume takes cost tokens. Caller holds b.mu and has checked admissible.
func (b *bucket) consume(now time.Time, cost int) {
	b.limiter.AllowN(now, cost)
	if b.window != nil {
		for i := 0; i < cost; i++ {
			b.window.Push(now)
		}
	}
}

// =============================================================================
// Scope
// =============================================================================

type scope struct {
	cfg ScopeConfig

	mu        sync.Mutex
	shared    *bucket
	keys      map[string]*list.Element
	lru       *list.List
	checked   int64
	accepted  int64
	rejected  int64
	evictions int64
}

func newScope(cfg ScopeConfig, now time.Time) *scope {
	s := &scope{cfg: cfg}
	if cfg.PerKey {
		s.keys = make(map[string]*list.Element)
		s.lru = list.New()
	} else {
		s.shared = newBucket(cfg, "", now)
	}
	return s
}

// bucketFor returns the bucket serving key, creating it if needed. Idle
// buckets are swept and the least recently used one is evicted when the
// scope is at MaxKeys.
func (s *scope) bucketFor(key string, now time.Time, logger *slog.Logger) *bucket {
	if !s.cfg.PerKey {
		return s.shared
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.keys[key]; ok {
		b := elem.Value.(*bucket)
		b.lastUsed = now
		s.lru.MoveToFront(elem)
		return b
	}

	s.sweepLocked(now)
	for s.lru.Len() >= s.cfg.MaxKeys {
		oldest := s.lru.Back()
		evicted := oldest.Value.(*bucket)
		s.lru.Remove(oldest)
		delete(s.keys, evicted.key)
		s.evictions++
		recordEviction(s.cfg.Name, "lru")
		logger.Debug("rate limit key evicted", "scope", s.cfg.Name, "key", evicted.key, "reason", "lru")
	}

	b := newBucket(s.cfg, key, now)
	s.keys[key] = s.lru.PushFront(b)
	return b
}

func (s *scope) lookup(key string) *bucket {
	if !s.cfg.PerKey {
		return s.shared
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.keys[key]; ok {
		return elem.Value.(*bucket)
	}
	return nil
}

func (s *scope) sweep(now time.Time) int {
	if !s.cfg.PerKey {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now)
}

// sweepLocked removes buckets idle for at least KeyTTL. The LRU list is
// ordered by lastUsed, so the walk stops at the first live bucket.
func (s *scope) sweepLocked(now time.Time) int {
	removed := 0
	for elem := s.lru.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if now.Sub(b.lastUsed) < s.cfg.KeyTTL {
			break
		}
		prev := elem.Prev()
		s.lru.Remove(elem)
		delete(s.keys, b.key)
		s.evictions++
		removed++
		recordEviction(s.cfg.Name, "ttl")
		elem = prev
	}
	return removed
}

func (s *scope) record(allowed, denier bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked++
	if allowed {
		s.accepted++
	}
	if denier {
		s.rejected++
	}
}

func (s *scope) stats() ScopeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ScopeStats{
		Name:      s.cfg.Name,
		PerKey:    s.cfg.PerKey,
		Checked:   s.checked,
		Accepted:  s.accepted,
		Rejected:  s.rejected,
		Evictions: s.evictions,
	}
	if s.cfg.PerKey {
		st.LiveKeys = s.lru.Len()
	} else {
		st.LiveKeys = 1
	}
	return st
}
