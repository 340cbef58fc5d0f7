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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLimiter(t *testing.T, clock *fakeClock, scopes ...ScopeConfig) *Limiter {
	t.Helper()
	l, err := New(Config{Scopes: scopes, Now: clock.Now})
	require.NoError(t, err)
	return l
}

// =============================================================================
// Token bucket
// =============================================================================

func TestAllow_CapacityOneRefillOne(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, ScopeConfig{Name: "chat", Capacity: 1, RefillRate: 1, PerKey: true})

	d := l.Allow("chat-1", 1)
	assert.True(t, d.Allowed)
	state, ok := l.BucketState("chat", "chat-1")
	require.True(t, ok)
	assert.InDelta(t, 0, state.Tokens, 1e-9)

	d = l.Allow("chat-1", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, "chat", d.Scope)
	assert.Equal(t, ReasonTokensExhausted, d.Reason)
	assert.Equal(t, time.Second, d.RetryAfter)
	assert.Equal(t, int64(1000), d.RetryAfterMillis())

	clock.Advance(time.Second)
	assert.True(t, l.Allow("chat-1", 1).Allowed)
}

func TestAllow_PartialRefillRetryAfter(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, ScopeConfig{Name: "global", Capacity: 4, RefillRate: 2})

	for i := 0; i < 4; i++ {
		require.True(t, l.Allow("", 1).Allowed)
	}
	clock.Advance(250 * time.Millisecond) // 0.5 tokens

	d := l.Allow("", 2)
	assert.False(t, d.Allowed)
	assert.Equal(t, 750*time.Millisecond, d.RetryAfter)
}

func TestAllow_TokensStayWithinBounds(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, ScopeConfig{Name: "global", Capacity: 5, RefillRate: 3})

	for i := 0; i < 200; i++ {
		l.Allow("", 1+i%3)
		if i%7 == 0 {
			clock.Advance(time.Duration(i) * 10 * time.Millisecond)
		}
		state, ok := l.BucketState("global", "")
		require.True(t, ok)
		assert.GreaterOrEqual(t, state.Tokens, 0.0)
		assert.LessOrEqual(t, state.Tokens, 5.0)
	}

	clock.Advance(time.Hour)
	state, _ := l.BucketState("global", "")
	assert.Equal(t, 5.0, state.Tokens)
}

func TestAllow_CostAboveCapacity(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, ScopeConfig{Name: "global", Capacity: 2, RefillRate: 1})

	d := l.Allow("", 3)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCostExceedsLimits, d.Reason)
	assert.Zero(t, d.RetryAfter)

	err := l.Wait(context.Background(), "", 3)
	assert.ErrorIs(t, err, ErrCostExceedsCapacity)
}

func TestAllow_ZeroCostCountsAsOne(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, ScopeConfig{Name: "global", Capacity: 1, RefillRate: 1})

	assert.True(t, l.Allow("", 0).Allowed)
	assert.False(t, l.Allow("", 0).Allowed)
}

// =============================================================================
// Multiple scopes
// =============================================================================

func TestAllow_AllScopesMustAdmit(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock,
		ScopeConfig{Name: "global", Capacity: 3, RefillRate: 3},
		ScopeConfig{Name: "chat", Capacity: 1, RefillRate: 1, PerKey: true},
	)

	assert.True(t, l.Allow("a", 1).Allowed)

	d := l.Allow("a", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, "chat", d.Scope)

	// The denied request must not have spent a global token.
	global, _ := l.BucketState("global", "")
	assert.InDelta(t, 2, global.Tokens, 1e-9)

	assert.True(t, l.Allow("b", 1).Allowed)
	assert.True(t, l.Allow("c", 1).Allowed)

	d = l.Allow("d", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, "global", d.Scope)
	_, ok := l.BucketState("chat", "d")
	assert.True(t, ok, "bucket is created even when denied")
	chatD, _ := l.BucketState("chat", "d")
	assert.InDelta(t, 1, chatD.Tokens, 1e-9)

	stats := l.Stats()
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(3), stats.Accepted)
	assert.Equal(t, int64(2), stats.Rejected)
	require.Len(t, stats.Scopes, 2)
	assert.Equal(t, int64(1), stats.Scopes[0].Rejected)
	assert.Equal(t, int64(1), stats.Scopes[1].Rejected)
	assert.Equal(t, 4, stats.Scopes[1].LiveKeys)
}

func TestAllowScopes_Subset(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock,
		ScopeConfig{Name: "global", Capacity: 1, RefillRate: 1},
		ScopeConfig{Name: "chat", Capacity: 5, RefillRate: 1, PerKey: true},
	)

	for i := 0; i < 3; i++ {
		d, err := l.AllowScopes("a", 1, "chat")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	global, _ := l.BucketState("global", "")
	assert.InDelta(t, 1, global.Tokens, 1e-9)

	_, err := l.AllowScopes("a", 1, "missing")
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestAddScope_Immutable(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, ScopeConfig{Name: "global", Capacity: 1, RefillRate: 1})

	err := l.AddScope(ScopeConfig{Name: "global", Capacity: 10, RefillRate: 10})
	assert.ErrorIs(t, err, ErrScopeExists)

	err = l.AddScope(ScopeConfig{Name: "bad", Capacity: 0, RefillRate: 1})
	assert.ErrorIs(t, err, ErrInvalidScope)

	err = l.AddScope(ScopeConfig{Name: "half", Capacity: 1, RefillRate: 1, Window: time.Second})
	assert.ErrorIs(t, err, ErrInvalidScope)

	assert.Len(t, l.Scopes(), 1)
}

// =============================================================================
// Sliding window
// =============================================================================

func TestAllow_SlidingWindowBoundsBursts(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, ScopeConfig{
		Name: "burst", Capacity: 100, RefillRate: 100,
		Window: 10 * time.Second, MaxPerWindow: 3,
	})

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("", 1).Allowed)
		clock.Advance(time.Second)
	}

	d := l.Allow("", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonWindowLimit, d.Reason)
	assert.Equal(t, 7*time.Second, d.RetryAfter)

	clock.Advance(7 * time.Second)
	assert.True(t, l.Allow("", 1).Allowed)

	state, _ := l.BucketState("burst", "")
	assert.Equal(t, 3, state.InWindow)
}

// =============================================================================
// Per-key eviction
// =============================================================================

func TestPerKey_LRUBound(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, ScopeConfig{
		Name: "chat", Capacity: 1, RefillRate: 0.001, PerKey: true, MaxKeys: 2,
	})

	require.True(t, l.Allow("a", 1).Allowed)
	require.True(t, l.Allow("b", 1).Allowed)
	l.Allow("a", 1) // touch a so b is least recently used
	require.True(t, l.Allow("c", 1).Allowed)

	_, ok := l.BucketState("chat", "b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = l.BucketState("chat", "a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), l.Stats().Scopes[0].Evictions)
}

func TestPerKey_IdleTTL(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock, ScopeConfig{
		Name: "chat", Capacity: 1, RefillRate: 1, PerKey: true, KeyTTL: time.Minute,
	})

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("chat-%d", i), 1)
	}
	clock.Advance(30 * time.Second)
	l.Allow("chat-0", 1)
	clock.Advance(31 * time.Second)

	assert.Equal(t, 4, l.Sweep())
	assert.Equal(t, 1, l.Stats().Scopes[0].LiveKeys)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestAllow_ConcurrentChecksNeverOverAdmit(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, clock,
		ScopeConfig{Name: "global", Capacity: 50, RefillRate: 1},
		ScopeConfig{Name: "chat", Capacity: 10, RefillRate: 1, PerKey: true},
	)

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			key := fmt.Sprintf("chat-%d", g%4)
			for i := 0; i < 20; i++ {
				if l.Allow(key, 1).Allowed {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()

	// 4 keys x 10 tokens = 40, below the global 50.
	assert.Equal(t, 40, admitted)
}

func TestWait_ReturnsOnContextCancel(t *testing.T) {
	l, err := New(Config{Scopes: []ScopeConfig{{Name: "global", Capacity: 1, RefillRate: 0.01}}})
	require.NoError(t, err)
	require.True(t, l.Allow("", 1).Allowed)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx, "", 1), context.DeadlineExceeded)
}

func TestWait_AdmitsAfterRefill(t *testing.T) {
	l, err := New(Config{Scopes: []ScopeConfig{{Name: "global", Capacity: 1, RefillRate: 50}}})
	require.NoError(t, err)
	require.True(t, l.Allow("", 1).Allowed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, l.Wait(ctx, "", 1))
}

func TestDefaultConfig(t *testing.T) {
	l, err := New(DefaultConfig())
	require.NoError(t, err)
	scopes := l.Scopes()
	require.Len(t, scopes, 2)
	assert.Equal(t, ScopeGlobal, scopes[0].Name)
	assert.True(t, scopes[1].PerKey)
	assert.Equal(t, defaultMaxKeys, scopes[1].MaxKeys)
}
