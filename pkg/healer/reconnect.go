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
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/events"
	"github.com/AleutianAI/aurora/pkg/util"
)

// chain is the reconnect state of one target. gen is bumped whenever the
// chain is canceled so a timer or attempt that was already running can
// tell its result no longer counts.
type chain struct {
	attempts  int
	exhausted bool
	pending   bool
	next      time.Time
	gen       uint64
	timer     *time.Timer
	cancel    context.CancelFunc
}

// Reconnect starts a reconnect chain for a service or connection target.
//
// # Description
//
// Any pending timer or in-flight attempt for the same target is canceled
// first, so chains never overlap. The next attempt runs after
// Config.Reconnect.Delay(attempts); the attempt counter persists across
// calls, resets to 0 on success and, once MaxAttempts failures
// accumulate, the target is left exhausted: a CRITICAL alert is raised,
// OnMaxAttempts fires once and no further attempts are made until
// ResetReconnect.
//
// # Outputs
//
//   - error: ErrUnknownTarget, ErrNotReconnectable, ErrNoReconnect,
//     ErrReconnectExhausted or ErrStopped. Attempt outcomes are reported through the audit log,
//     alerts and events, never returned.
func (h *Healer) Reconnect(name string) error {
	h.mu.Lock()
	ev, err := h.reconnectLocked(name, true)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.config.Publisher.Publish(ev)
	return nil
}

// reconnectLocked schedules an attempt for name. With restart false a
// pending chain is left alone and errPending is returned.
func (h *Healer) reconnectLocked(name string, restart bool) (events.Event, error) {
	if h.stopped {
		return events.Event{}, ErrStopped
	}
	t, ok := h.targets[name]
	if !ok {
		return events.Event{}, fmt.Errorf("reconnect %s: %w", name, ErrUnknownTarget)
	}
	if !t.Kind.Reconnectable() {
		return events.Event{}, fmt.Errorf("reconnect %s (%s): %w", name, t.Kind, ErrNotReconnectable)
	}
	if t.Reconnect == nil {
		return events.Event{}, fmt.Errorf("reconnect %s: %w", name, ErrNoReconnect)
	}
	c, ok := h.chains[name]
	if !ok {
		c = &chain{}
		h.chains[name] = c
	}
	if c.exhausted {
		return events.Event{}, fmt.Errorf("reconnect %s: %w", name, ErrReconnectExhausted)
	}
	if c.pending && !restart {
		return events.Event{}, errPending
	}
	h.cancelChainLocked(c)
	return h.scheduleLocked(name, c), nil
}

var errPending = errors.New("reconnect already pending")

// scheduleLocked arms the timer for the next attempt and returns the
// reconnecting event for the caller to publish after unlocking.
func (h *Healer) scheduleLocked(name string, c *chain) events.Event {
	delay := h.config.Reconnect.Delay(c.attempts)
	gen := c.gen
	c.pending = true
	c.next = h.config.Now().Add(delay)

	h.wg.Add(1)
	c.timer = time.AfterFunc(delay, func() {
		defer h.wg.Done()
		h.attempt(name, c, gen)
	})

	return events.New(events.KindReconnecting, source, name, h.config.Now(), map[string]any{
		"attempt":  c.attempts + 1,
		"delay_ms": delay.Milliseconds(),
	})
}

// cancelChainLocked stops the pending timer and cancels an in-flight
// attempt. The attempt counter is kept.
func (h *Healer) cancelChainLocked(c *chain) {
	c.gen++
	if c.timer != nil && c.timer.Stop() {
		h.wg.Done()
	}
	c.timer = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.pending = false
	c.next = time.Time{}
}

func (h *Healer) attempt(name string, c *chain, gen uint64) {
	h.mu.Lock()
	t, ok := h.targets[name]
	if h.stopped || !ok || h.chains[name] != c || c.gen != gen {
		h.mu.Unlock()
		return
	}
	c.timer = nil
	ctx, cancel := context.WithTimeout(h.ctx, h.config.ActionTimeout)
	c.cancel = cancel
	number := c.attempts + 1
	reconnect := t.Reconnect
	h.mu.Unlock()

	a := Action{
		ID:      uuid.NewString(),
		Type:    ActionReconnect,
		Target:  name,
		Time:    h.config.Now(),
		Attempt: number,
	}
	start := time.Now()
	err := util.Protect(func() error { return reconnect(ctx) })
	a.Duration = time.Since(start)
	cancel()

	h.mu.Lock()
	if h.stopped || c.gen != gen {
		h.mu.Unlock()
		h.config.Logger.Debug("superseded reconnect attempt discarded", "target", name, "attempt", number)
		return
	}
	c.cancel = nil

	var evs []events.Event
	exhausted := false
	if err == nil {
		c.attempts = 0
		c.pending = false
		c.next = time.Time{}
		a.Success = true
		a.Message = "reconnected"
		evs = append(evs, events.New(events.KindReconnected, source, name, h.config.Now(), map[string]any{
			"attempt": number,
		}))
	} else {
		c.attempts++
		a.Message = err.Error()
		evs = append(evs, events.New(events.KindReconnectFailed, source, name, h.config.Now(), map[string]any{
			"attempt": number,
			"error":   err.Error(),
		}))
		if c.attempts >= h.config.Reconnect.MaxAttempts {
			c.exhausted = true
			c.pending = false
			c.next = time.Time{}
			exhausted = true
			evs = append(evs, events.New(events.KindMaxAttempts, source, name, h.config.Now(), map[string]any{
				"attempts": c.attempts,
			}))
		} else {
			evs = append(evs, h.scheduleLocked(name, c))
		}
	}
	attempts := c.attempts
	h.mu.Unlock()

	recordReconnect(err == nil)
	h.finish(a)
	for _, e := range evs {
		h.config.Publisher.Publish(e)
	}
	if !exhausted {
		return
	}

	h.config.Logger.Error("reconnect attempts exhausted, manual intervention required",
		"target", name, "attempts", attempts)
	h.alert(alerts.Critical,
		fmt.Sprintf("Reconnect to %s failed after %d attempts", name, attempts),
		"Manual intervention required: "+a.Message)
	if h.config.OnMaxAttempts != nil {
		_ = util.Protect(func() error {
			h.config.OnMaxAttempts(name)
			return nil
		})
	}
}

// ResetReconnect clears the attempt counter and exhausted state of a
// target and cancels its pending chain. It reports whether the target had
// reconnect state.
func (h *Healer) ResetReconnect(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.chains[name]
	if !ok {
		return false
	}
	h.cancelChainLocked(c)
	c.attempts = 0
	c.exhausted = false
	return true
}

// ResetAllReconnects resets every chain and returns how many were reset.
func (h *Healer) ResetAllReconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.chains {
		h.cancelChainLocked(c)
		c.attempts = 0
		c.exhausted = false
	}
	return len(h.chains)
}

// ReconnectStatus returns the chain state of one target.
func (h *Healer) ReconnectStatus(name string) (ReconnectStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.chains[name]
	if !ok {
		return ReconnectStatus{}, false
	}
	return c.status(name), true
}

// ReconnectStatuses returns every chain in target registration order.
func (h *Healer) ReconnectStatuses() []ReconnectStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ReconnectStatus, 0, len(h.chains))
	for _, name := range h.order {
		if c, ok := h.chains[name]; ok {
			out = append(out, c.status(name))
		}
	}
	return out
}

func (c *chain) status(name string) ReconnectStatus {
	return ReconnectStatus{
		Target:      name,
		Attempts:    c.attempts,
		Pending:     c.pending,
		Exhausted:   c.exhausted,
		NextAttempt: c.next,
	}
}
