// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/aurora/pkg/util"
)

// Handler receives events from a Bus on the dispatcher goroutine.
type Handler func(Event)

// BusConfig configures a Bus.
type BusConfig struct {
	// QueueSize bounds the number of undelivered events. Default: 1024.
	QueueSize int

	// Logger reports dropped events and handler panics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultBusConfig returns the default bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{QueueSize: 1024}
}

type subscription struct {
	handler Handler
	kinds   map[Kind]bool
}

func (s *subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus delivers events to subscribers in publish order.
//
// # Description
//
// Publish enqueues without blocking. One dispatcher goroutine delivers
// each event to every matching subscriber before taking the next, so all
// subscribers observe the same order. A panicking handler is logged and
// does not stop delivery to the others.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
//
// # Example
//
//	bus := events.NewBus(events.DefaultBusConfig())
//	defer bus.Close()
//	unsubscribe := bus.Subscribe(func(e events.Event) {
//	    fmt.Println(e.Kind, e.Target)
//	}, events.KindReconnected, events.KindMaxAttempts)
//	defer unsubscribe()
type Bus struct {
	queue  chan Event
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	subs   map[uint64]*subscription
	nextID uint64

	published atomic.Int64
	dropped   atomic.Int64
	done      chan struct{}
}

// NewBus creates a Bus and starts its dispatcher.
func NewBus(config BusConfig) *Bus {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	b := &Bus{
		queue:  make(chan Event, config.QueueSize),
		logger: config.Logger,
		subs:   make(map[uint64]*subscription),
		done:   make(chan struct{}),
	}
	initMetrics()
	go b.dispatch()
	return b
}

// Publish enqueues e. It never blocks; events published after Close or
// while the queue is full are dropped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.drop(e)
		return
	}
	select {
	case b.queue <- e:
		b.published.Add(1)
		recordPublished(e.Kind)
	default:
		b.drop(e)
	}
}

func (b *Bus) drop(e Event) {
	n := b.dropped.Add(1)
	recordDropped(e.Kind)
	if n == 1 || n%100 == 0 {
		b.logger.Warn("event dropped", "kind", e.Kind.String(), "dropped_total", n)
	}
}

// Subscribe registers h for the given kinds, or for every kind when none
// are given. The returned function removes the subscription.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) func() {
	sub := &subscription{handler: h}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Published returns the number of events accepted into the queue.
func (b *Bus) Published() int64 { return b.published.Load() }

// Dropped returns the number of events discarded.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting events, delivers what is already queued, and
// waits for the dispatcher to exit. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.queue {
		b.mu.RLock()
		targets := make([]*subscription, 0, len(b.subs))
		for _, s := range b.subs {
			if s.wants(e.Kind) {
				targets = append(targets, s)
			}
		}
		b.mu.RUnlock()

		for _, s := range targets {
			b.deliver(s.handler, e)
		}
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer util.RecoverPanic(func(p *util.PanicError) {
		b.logger.Error("event handler panicked", "kind", e.Kind.String(), "panic", p.Value)
	})()
	h(e)
}
