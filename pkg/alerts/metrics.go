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
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aurora.alerts")

var (
	alertsSent       metric.Int64Counter
	alertsSuppressed metric.Int64Counter
	alertDeliveries  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		alertsSent, err = meter.Int64Counter(
			"aurora_alerts_sent_total",
			metric.WithDescription("Alerts accepted for delivery, including aggregation summaries"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		alertsSuppressed, err = meter.Int64Counter(
			"aurora_alerts_suppressed_total",
			metric.WithDescription("Alerts suppressed by cooldown"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		alertDeliveries, err = meter.Int64Counter(
			"aurora_alert_deliveries_total",
			metric.WithDescription("Sink delivery attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSent(level Level, summary bool) {
	if err := initMetrics(); err != nil {
		return
	}
	alertsSent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("level", level.String()),
		attribute.Bool("summary", summary),
	))
}

func recordSuppressed(level Level) {
	if err := initMetrics(); err != nil {
		return
	}
	alertsSuppressed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("level", level.String())))
}

func recordDelivery(sink string, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	alertDeliveries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.Bool("success", ok),
	))
}
