// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collect

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/aurora/pkg/util"
)

// MetricLatencyP95Ms is the 95th percentile latency since the previous
// collection.
const MetricLatencyP95Ms = "latency_p95_ms"

// Recorder accumulates request outcomes pushed by the host and reports
// them once per collection: mean and p95 latency, error rate and request
// count since the previous Collect. Windows with no requests report zero
// latency and error rate.
//
// # Thread Safety
//
// Safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	latencies *util.RingBuffer[float64]
	requests  int64
	errors    int64
}

// NewRecorder keeps at most sampleCap latency samples per window; older
// samples are overwritten. sampleCap <= 0 means 4096.
func NewRecorder(sampleCap int) *Recorder {
	if sampleCap <= 0 {
		sampleCap = 4096
	}
	return &Recorder{latencies: util.NewRingBuffer[float64](sampleCap)}
}

// Observe records one request.
func (r *Recorder) Observe(latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	if err != nil {
		r.errors++
	}
	r.latencies.Push(float64(latency) / float64(time.Millisecond))
}

// Collect implements Source and starts a new window.
func (r *Recorder) Collect(context.Context) (map[string]float64, error) {
	r.mu.Lock()
	samples := r.latencies.Snapshot()
	requests, errs := r.requests, r.errors
	r.latencies.Clear()
	r.requests, r.errors = 0, 0
	r.mu.Unlock()

	out := map[string]float64{
		MetricRequests:     float64(requests),
		MetricLatencyMs:    0,
		MetricLatencyP95Ms: 0,
		MetricErrorRate:    0,
	}
	if requests > 0 {
		out[MetricErrorRate] = float64(errs) / float64(requests)
	}
	if len(samples) > 0 {
		var sum float64
		for _, s := range samples {
			sum += s
		}
		out[MetricLatencyMs] = sum / float64(len(samples))
		slices.Sort(samples)
		out[MetricLatencyP95Ms] = samples[(len(samples)*95-1)/100]
	}
	return out, nil
}
