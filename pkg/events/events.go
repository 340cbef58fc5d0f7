// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events defines the aurora event vocabulary and its delivery.
//
// Components never call each other to announce something happened; they
// publish an Event through a Publisher. The monitor wires every component
// to one Bus, and the status server streams that Bus to websocket clients.
//
// # Delivery
//
//   - Bus: asynchronous, ordered, never blocks the publisher. When the
//     queue is full the event is dropped and counted.
//   - Recorder: synchronous, keeps everything. Used in tests.
package events

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Kind
// =============================================================================

// Kind names what happened. The zero value is invalid.
type Kind int

const (
	// KindHeartbeat is published for every heartbeat the watchdog receives.
	KindHeartbeat Kind = iota + 1

	// KindStateChange is a watchdog health transition.
	KindStateChange

	// KindDead is published once when the watchdog enters DEAD.
	KindDead

	// KindAttemptRecovery asks the host supervisor to recover the process.
	KindAttemptRecovery

	// KindSchedulerBlocked reports scheduler lag above threshold.
	KindSchedulerBlocked

	// KindGoroutineLeak reports a goroutine count above threshold.
	KindGoroutineLeak

	// KindHealed is published after every recorded healing action.
	KindHealed

	// KindReconnecting is published before each reconnect attempt.
	KindReconnecting

	// KindReconnected is published when a reconnect attempt succeeds.
	KindReconnected

	// KindReconnectFailed is published when a reconnect attempt fails.
	KindReconnectFailed

	// KindMaxAttempts is published once when a reconnect chain gives up.
	KindMaxAttempts

	// KindReduceLoad asks the host to shed load.
	KindReduceLoad

	// KindFlushErrorQueues asks the host to flush its error queues.
	KindFlushErrorQueues

	// KindResetCircuit announces a healer-initiated circuit reset.
	KindResetCircuit

	// KindRestart asks the host to restart a target.
	KindRestart

	// KindCheck is published after each health-check sweep.
	KindCheck

	// KindCircuitStateChange is a circuit breaker transition.
	KindCircuitStateChange

	// KindAnomaly is published for every detected anomaly.
	KindAnomaly

	// KindAlert is published for every alert handed to delivery.
	KindAlert

	// KindStatus is the consolidated status published once per cycle.
	KindStatus
)

var kindNames = map[Kind]string{
	KindHeartbeat:          "heartbeat",
	KindStateChange:        "state-change",
	KindDead:               "dead",
	KindAttemptRecovery:    "attempt-recovery",
	KindSchedulerBlocked:   "scheduler-blocked",
	KindGoroutineLeak:      "goroutine-leak",
	KindHealed:             "healed",
	KindReconnecting:       "reconnecting",
	KindReconnected:        "reconnected",
	KindReconnectFailed:    "reconnect-failed",
	KindMaxAttempts:        "max-attempts",
	KindReduceLoad:         "reduce-load",
	KindFlushErrorQueues:   "flush-error-queues",
	KindResetCircuit:       "reset-circuit",
	KindRestart:            "restart",
	KindCheck:              "check",
	KindCircuitStateChange: "circuit-state-change",
	KindAnomaly:            "anomaly",
	KindAlert:              "alert",
	KindStatus:             "status",
}

// String returns the wire name, e.g. "reconnect-failed".
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the wire name.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a wire name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind converts a wire name back into a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// AllKinds returns every valid Kind in declaration order.
func AllKinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := KindHeartbeat; k <= KindStatus; k++ {
		out = append(out, k)
	}
	return out
}

// =============================================================================
// Event
// =============================================================================

// Event is one notification. Data carries kind-specific fields and must
// be treated as read-only once published.
type Event struct {
	Kind   Kind           `json:"kind"`
	Source string         `json:"source"`
	Target string         `json:"target,omitempty"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data,omitempty"`
}

// New builds an Event stamped with at.
func New(kind Kind, source, target string, at time.Time, data map[string]any) Event {
	return Event{Kind: kind, Source: source, Target: target, Time: at, Data: data}
}

// =============================================================================
// Publisher
// =============================================================================

// Publisher accepts events. Implementations must not block the caller.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) { f(e) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Nop returns a Publisher that discards everything.
func Nop() Publisher { return nopPublisher{} }

// OrNop returns p, or a discarding Publisher when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

// Fanout publishes every event to each of ps in order.
func Fanout(ps ...Publisher) Publisher {
	return PublisherFunc(func(e Event) {
		for _, p := range ps {
			if p != nil {
				p.Publish(e)
			}
		}
	})
}
