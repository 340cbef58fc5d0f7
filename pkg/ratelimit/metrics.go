// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aurora.ratelimit")

var (
	decisionsTotal metric.Int64Counter
	evictionsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		decisionsTotal, err = meter.Int64Counter(
			"aurora_ratelimit_decisions_total",
			metric.WithDescription("Admission decisions by outcome and denying scope"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evictionsTotal, err = meter.Int64Counter(
			"aurora_ratelimit_evictions_total",
			metric.WithDescription("Per-key buckets evicted by LRU bound or idle TTL"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordDecision(d Decision) {
	if err := initMetrics(); err != nil {
		return
	}
	decisionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.Bool("allowed", d.Allowed),
			attribute.String("scope", d.Scope),
		),
	)
}

func recordEviction(scope, reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	evictionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("reason", reason),
		),
	)
}
