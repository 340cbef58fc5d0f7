// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aurora.monitor")

var (
	cycleDuration metric.Float64Histogram
	anomaliesSeen metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cycleDuration, err = meter.Float64Histogram(
			"aurora_monitor_cycle_duration_seconds",
			metric.WithDescription("Duration of monitoring cycles"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		anomaliesSeen, err = meter.Int64Counter(
			"aurora_monitor_anomalies_total",
			metric.WithDescription("Anomalies reported to the monitor by type"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCycle(r CycleReport) {
	if err := initMetrics(); err != nil {
		return
	}
	ctx := context.Background()
	status := "ok"
	if r.CollectError != "" {
		status = "collect_error"
	}
	cycleDuration.Record(ctx, r.Duration.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
	for _, a := range r.Anomalies {
		anomaliesSeen.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", a.Type.String()),
			attribute.String("severity", a.Severity.String()),
		))
	}
}
