// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detect

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Type
// =============================================================================

// Type identifies which policy produced an anomaly.
type Type int

const (
	// Spike is a value far above the rolling baseline.
	Spike Type = iota + 1

	// GrowingTrend is a near-monotonic increase with a significant slope.
	GrowingTrend

	// MemoryLeak is a sustained growth of a memory metric over a long window.
	MemoryLeak

	// Threshold is a value at or above a configured static limit.
	Threshold
)

var typeNames = map[Type]string{
	Spike:        "SPIKE",
	GrowingTrend: "GROWING_TREND",
	MemoryLeak:   "MEMORY_LEAK",
	Threshold:    "THRESHOLD",
}

// String returns the upper-case type name.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// MarshalText encodes the type name.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name, case-insensitively.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseType parses "SPIKE", "growing_trend", "memory-leak" and so on.
func ParseType(s string) (Type, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for t, name := range typeNames {
		if name == norm {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown anomaly type %q", s)
}

// AllTypes returns every anomaly type in declaration order.
func AllTypes() []Type {
	return []Type{Spike, GrowingTrend, MemoryLeak, Threshold}
}

// =============================================================================
// Severity
// =============================================================================

// Severity grades an anomaly.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

// String returns "LOW", "MEDIUM", "HIGH" or "CRITICAL".
func (s Severity) String() string {
	switch s {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText encodes the severity name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// =============================================================================
// Anomaly
// =============================================================================

// Anomaly is one abnormal observation.
//
// Baseline is what the policy expected: the rolling mean for SPIKE, the
// first sample of the window for GROWING_TREND, the first-half average for
// MEMORY_LEAK and the limit for THRESHOLD.
type Anomaly struct {
	Type       Type               `json:"type"`
	Severity   Severity           `json:"severity"`
	Metric     string             `json:"metric"`
	Value      float64            `json:"value"`
	Baseline   float64            `json:"baseline"`
	Deviation  float64            `json:"deviation"`
	Message    string             `json:"message"`
	DetectedAt time.Time          `json:"detected_at"`
	Context    map[string]float64 `json:"context,omitempty"`
}

// Key identifies the (type, metric) stream used for re-report suppression.
func (a Anomaly) Key() string {
	return a.Type.String() + ":" + a.Metric
}

// String renders a one-line summary.
func (a Anomaly) String() string {
	return fmt.Sprintf("[%s] %s: %s=%.2f (baseline=%.2f, deviation=%.2f)",
		a.Severity, a.Type, a.Metric, a.Value, a.Baseline, a.Deviation)
}
