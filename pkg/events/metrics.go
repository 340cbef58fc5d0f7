// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aurora.events")

var (
	eventsPublished metric.Int64Counter
	eventsDropped   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		eventsPublished, err = meter.Int64Counter(
			"aurora_events_published_total",
			metric.WithDescription("Events accepted by the event bus"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		eventsDropped, err = meter.Int64Counter(
			"aurora_events_dropped_total",
			metric.WithDescription("Events dropped because the bus queue was full or closed"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordPublished(kind Kind) {
	if err := initMetrics(); err != nil {
		return
	}
	eventsPublished.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind.String())))
}

func recordDropped(kind Kind) {
	if err := initMetrics(); err != nil {
		return
	}
	eventsDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind.String())))
}
