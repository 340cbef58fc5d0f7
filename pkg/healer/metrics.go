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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aurora.healer")

var (
	healingActions    metric.Int64Counter
	healingDuration   metric.Float64Histogram
	reconnectAttempts metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		healingActions, err = meter.Int64Counter(
			"aurora_healing_actions_total",
			metric.WithDescription("Recorded healing actions by type and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		healingDuration, err = meter.Float64Histogram(
			"aurora_healing_action_duration_seconds",
			metric.WithDescription("Duration of executed healing actions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reconnectAttempts, err = meter.Int64Counter(
			"aurora_reconnect_attempts_total",
			metric.WithDescription("Reconnect attempts by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func actionOutcome(a Action) string {
	switch {
	case a.Success:
		return "success"
	case a.Skipped:
		return "skipped"
	default:
		return "failure"
	}
}

func recordAction(a Action) {
	if err := initMetrics(); err != nil {
		return
	}
	ctx := context.Background()
	healingActions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(a.Type)),
		attribute.String("outcome", actionOutcome(a)),
	))
	if !a.Skipped {
		healingDuration.Record(ctx, a.Duration.Seconds(),
			metric.WithAttributes(attribute.String("action", string(a.Type))))
	}
}

func recordReconnect(success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	reconnectAttempts.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}
