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
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aurora.detect")

var (
	anomaliesDetected   metric.Int64Counter
	anomaliesSuppressed metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		anomaliesDetected, err = meter.Int64Counter(
			"aurora_anomalies_detected_total",
			metric.WithDescription("Anomalies reported by the detector"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		anomaliesSuppressed, err = meter.Int64Counter(
			"aurora_anomalies_suppressed_total",
			metric.WithDescription("Anomalies suppressed as re-reports"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordDetected(a Anomaly) {
	if err := initMetrics(); err != nil {
		return
	}
	anomaliesDetected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", a.Type.String()),
		attribute.String("severity", a.Severity.String()),
		attribute.String("metric", a.Metric),
	))
}

func recordSuppressed(t Type) {
	if err := initMetrics(); err != nil {
		return
	}
	anomaliesSuppressed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", t.String())))
}
