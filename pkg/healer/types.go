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
	"strings"
	"time"

	"github.com/AleutianAI/aurora/pkg/detect"
)

var (
	// ErrUnknownTarget is returned for a target name that was never registered.
	ErrUnknownTarget = errors.New("unknown healing target")

	// ErrDuplicateTarget is returned by Register for a name already in use.
	ErrDuplicateTarget = errors.New("healing target already registered")

	// ErrNoReconnect is returned by Reconnect for a target without a
	// Reconnect callback.
	ErrNoReconnect = errors.New("target has no reconnect callback")

	// ErrNotReconnectable is returned by Reconnect for a target whose kind
	// is neither service nor connection.
	ErrNotReconnectable = errors.New("target kind does not reconnect")

	// ErrReconnectExhausted is returned by Reconnect once a target used up
	// MaxAttempts. ResetReconnect clears it.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrCooldownActive marks actions skipped by the cooldown gate.
	ErrCooldownActive = errors.New("cooldown active")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("healer stopped")
)

// MessageCooldownActive is the audit message of a gated action.
const MessageCooldownActive = "Cooldown active"

// =============================================================================
// Actions
// =============================================================================

// ActionType names a kind of healing action.
type ActionType string

const (
	ActionGCHint         ActionType = "gc_hint"
	ActionMemoryPressure ActionType = "memory_pressure"
	ActionCacheClear     ActionType = "cache_clear"
	ActionReconnect      ActionType = "reconnect"
	ActionRestart        ActionType = "restart"
	ActionReduceLoad     ActionType = "reduce_load"
	ActionFlushQueues    ActionType = "flush_queues"
	ActionResetCircuit   ActionType = "reset_circuit"
)

// ActionTypes lists every action type.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionGCHint, ActionMemoryPressure, ActionCacheClear, ActionReconnect,
		ActionRestart, ActionReduceLoad, ActionFlushQueues, ActionResetCircuit,
	}
}

// ParseActionType accepts the snake_case name, with dashes allowed.
func ParseActionType(s string) (ActionType, error) {
	norm := ActionType(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	for _, t := range ActionTypes() {
		if t == norm {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// UnmarshalText validates the action name.
func (a *ActionType) UnmarshalText(text []byte) error {
	parsed, err := ParseActionType(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Action is one audit-log entry.
type Action struct {
	ID         string        `json:"id"`
	Type       ActionType    `json:"type"`
	Target     string        `json:"target"`
	Time       time.Time     `json:"time"`
	Success    bool          `json:"success"`
	Skipped    bool          `json:"skipped,omitempty"`
	Message    string        `json:"message"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
	Attempt    int           `json:"attempt,omitempty"`
}

// =============================================================================
// Targets
// =============================================================================

// TargetKind groups targets by what can be done to them.
type TargetKind string

const (
	KindService    TargetKind = "service"
	KindConnection TargetKind = "connection"
	KindWorker     TargetKind = "worker"
	KindCache      TargetKind = "cache"
)

// Reconnectable reports whether targets of this kind get reconnect chains.
func (k TargetKind) Reconnectable() bool {
	return k == KindService || k == KindConnection
}

// Target is a host component the healer can act on. Every callback is
// optional and runs with Config.ActionTimeout.
type Target struct {
	Name string
	Kind TargetKind

	// Reconnect restores a service or connection. nil error means success.
	Reconnect func(ctx context.Context) error

	// HealthCheck reports health for CheckAndHealAll. nil error means healthy.
	HealthCheck func(ctx context.Context) error

	// Cleanup clears a cache target.
	Cleanup func(ctx context.Context) error

	// Restart restarts the component. Without it a restart only emits the
	// "restart" event for the host to act on.
	Restart func(ctx context.Context) error

	// RestartOnDead asks the monitor to restart this target when the
	// watchdog declares the process dead.
	RestartOnDead bool
}

// =============================================================================
// Policy
// =============================================================================

// PolicyRule maps an anomaly to one or more actions. An empty Metric
// matches every metric. Target names the target for reconnect, restart and
// reset_circuit actions.
//
// Actions, when set, is an escalation ladder: each entry runs only if the
// one before it failed, and the first success stops the ladder. A rule
// sets either Action or Actions. Cooldown gates the whole rule per
// anomaly type and metric. MaxAttempts caps consecutive failed runs of
// the rule; a successful run resets the count. Zero means unlimited.
type PolicyRule struct {
	Anomaly     detect.Type   `yaml:"anomaly" json:"anomaly"`
	Metric      string        `yaml:"metric,omitempty" json:"metric,omitempty"`
	Action      ActionType    `yaml:"action,omitempty" json:"action,omitempty"`
	Actions     []ActionType  `yaml:"actions,omitempty" json:"actions,omitempty"`
	Target      string        `yaml:"target,omitempty" json:"target,omitempty"`
	Cooldown    time.Duration `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

func (r PolicyRule) matches(a detect.Anomaly) bool {
	return r.Anomaly == a.Type && (r.Metric == "" || r.Metric == a.Metric)
}

// Steps returns the actions the rule runs, in escalation order.
func (r PolicyRule) Steps() []ActionType {
	if len(r.Actions) > 0 {
		return r.Actions
	}
	if r.Action == "" {
		return nil
	}
	return []ActionType{r.Action}
}

// DefaultPolicy is the built-in anomaly to action mapping. Metric-specific
// rules come first because the first match wins.
func DefaultPolicy() []PolicyRule {
	return []PolicyRule{
		{Anomaly: detect.Threshold, Metric: "memory_percent", Action: ActionMemoryPressure},
		{Anomaly: detect.Threshold, Metric: "cpu_percent", Action: ActionReduceLoad},
		{Anomaly: detect.Spike, Metric: "error_rate", Action: ActionFlushQueues},
		{Anomaly: detect.Spike, Metric: "latency_ms", Action: ActionReduceLoad},
		{Anomaly: detect.GrowingTrend, Metric: "heap_alloc_mb", Action: ActionGCHint},
		{
			Anomaly:     detect.MemoryLeak,
			Actions:     []ActionType{ActionMemoryPressure, ActionCacheClear},
			Cooldown:    30 * time.Second,
			MaxAttempts: 5,
		},
	}
}

// ValidatePolicy checks every rule names at least one known action, that
// rules needing a target name one, and that limits are not negative.
func ValidatePolicy(rules []PolicyRule) error {
	var errs []error
	for i, r := range rules {
		switch {
		case r.Action != "" && len(r.Actions) > 0:
			errs = append(errs, fmt.Errorf("rule %d: set action or actions, not both", i))
			continue
		case r.Action == "" && len(r.Actions) == 0:
			errs = append(errs, fmt.Errorf("rule %d: no action", i))
			continue
		}
		if r.Cooldown < 0 {
			errs = append(errs, fmt.Errorf("rule %d: negative cooldown %s", i, r.Cooldown))
		}
		if r.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("rule %d: negative max_attempts %d", i, r.MaxAttempts))
		}
		for _, step := range r.Steps() {
			if _, err := ParseActionType(string(step)); err != nil {
				errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
				continue
			}
			switch step {
			case ActionReconnect, ActionRestart, ActionResetCircuit:
				if r.Target == "" {
					errs = append(errs, fmt.Errorf("rule %d: action %s requires a target", i, step))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Status
// =============================================================================

// ReconnectStatus is the state of one target's reconnect chain.
type ReconnectStatus struct {
	Target      string    `json:"target"`
	Attempts    int       `json:"attempts"`
	Pending     bool      `json:"pending"`
	Exhausted   bool      `json:"exhausted"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// CheckResult is one target's health-check outcome from CheckAndHealAll.
type CheckResult struct {
	Target  string `json:"target"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Outcome string `json:"outcome"`
}

// Stats summarizes healing activity.
type Stats struct {
	Total             int64            `json:"total"`
	Successful        int64            `json:"successful"`
	Failed            int64            `json:"failed"`
	Skipped           int64            `json:"skipped"`
	ByType            map[string]int64 `json:"by_type"`
	ReconnectAttempts map[string]int   `json:"reconnect_attempts"`
	Exhausted         []string         `json:"exhausted,omitempty"`
	PolicyAttempts    map[string]int   `json:"policy_attempts,omitempty"`
	Targets           int              `json:"targets"`
}
