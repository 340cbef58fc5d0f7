// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watchdog

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aurora.watchdog")

var (
	watchdogState    metric.Int64Gauge
	watchdogMissed   metric.Int64Counter
	watchdogLagHisto metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		watchdogState, err = meter.Int64Gauge(
			"aurora_watchdog_state",
			metric.WithDescription("Watchdog health: 0 healthy, 1 warning, 2 critical, 3 dead"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		watchdogMissed, err = meter.Int64Counter(
			"aurora_watchdog_missed_heartbeats_total",
			metric.WithDescription("Checks that found no heartbeat since the previous check"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		watchdogLagHisto, err = meter.Float64Histogram(
			"aurora_watchdog_scheduler_lag_seconds",
			metric.WithDescription("Observed scheduler tick lag"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordState(s State) {
	if err := initMetrics(); err != nil {
		return
	}
	watchdogState.Record(context.Background(), int64(s))
}

func recordMissed() {
	if err := initMetrics(); err != nil {
		return
	}
	watchdogMissed.Add(context.Background(), 1)
}

func recordLag(lag time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	watchdogLagHisto.Record(context.Background(), lag.Seconds())
}
