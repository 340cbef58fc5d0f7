// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package alerts

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity an alert was raised with. The manager never
// changes it.
type Level int

const (
	Info Level = iota
	Warning
	Critical
)

// String returns "INFO", "WARNING" or "CRITICAL".
func (l Level) String() string {
	switch l {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(l))
	}
}

// MarshalText encodes the level name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel parses a level name case-insensitively. "warn" is accepted
// for WARNING.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return Info, nil
	case "WARNING", "WARN":
		return Warning, nil
	case "CRITICAL":
		return Critical, nil
	default:
		return Info, fmt.Errorf("unknown alert level %q", s)
	}
}

// Alert is one notification.
//
// Count is greater than one only on aggregation summaries, where it is the
// number of alerts suppressed during the cooldown window.
type Alert struct {
	ID             string            `json:"id"`
	Level          Level             `json:"level"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Source         string            `json:"source"`
	Time           time.Time         `json:"time"`
	Tags           map[string]string `json:"tags,omitempty"`
	Count          int               `json:"count,omitempty"`
	Aggregated     bool              `json:"aggregated,omitempty"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time         `json:"acknowledged_at,omitempty"`
}

// Key is the cooldown and aggregation key.
func (a Alert) Key() string {
	return a.Source + "|" + a.Title
}

// String renders "[LEVEL] title: message".
func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s: %s", a.Level, a.Title, a.Message)
}

// Filter selects alerts from the history.
type Filter struct {
	MinLevel           Level
	Source             string
	OnlyUnacknowledged bool
	Limit              int
}

func (f Filter) matches(a *Alert) bool {
	if a.Level < f.MinLevel {
		return false
	}
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	if f.OnlyUnacknowledged && a.Acknowledged {
		return false
	}
	return true
}
