// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package circuit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aurora.circuit")

var (
	circuitCalls       metric.Int64Counter
	circuitRejected    metric.Int64Counter
	circuitTransitions metric.Int64Counter
	circuitLatency     metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		circuitCalls, err = meter.Int64Counter(
			"aurora_circuit_calls_total",
			metric.WithDescription("Calls admitted through a circuit breaker"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		circuitRejected, err = meter.Int64Counter(
			"aurora_circuit_rejected_total",
			metric.WithDescription("Calls failed fast by an open or probing circuit"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		circuitTransitions, err = meter.Int64Counter(
			"aurora_circuit_transitions_total",
			metric.WithDescription("Circuit breaker state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		circuitLatency, err = meter.Float64Histogram(
			"aurora_circuit_call_duration_seconds",
			metric.WithDescription("Duration of admitted circuit breaker calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCall(name string, failed bool, elapsed time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("dependency", name),
		attribute.Bool("failed", failed),
	)
	circuitCalls.Add(context.Background(), 1, attrs)
	circuitLatency.Record(context.Background(), elapsed.Seconds(), attrs)
}

func recordRejected(name string) {
	if err := initMetrics(); err != nil {
		return
	}
	circuitRejected.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("dependency", name)))
}

func recordTransition(name string, to State) {
	if err := initMetrics(); err != nil {
		return
	}
	circuitTransitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("dependency", name),
			attribute.String("to", to.String()),
		),
	)
}
