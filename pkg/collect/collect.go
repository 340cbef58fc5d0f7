// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collect gathers the metric samples the monitor classifies each
// cycle.
//
// A Source returns a flat name to value map. Sources are composed with
// Multi, which merges samples and keeps going when one source fails.
// Metric names are snake_case with their unit as suffix (heap_alloc_mb,
// latency_ms) or a _percent / _rate suffix for ratios.
package collect

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// Metric names produced by the built-in sources.
const (
	MetricHeapAllocMB   = "heap_alloc_mb"
	MetricHeapInuseMB   = "heap_inuse_mb"
	MetricGoroutines    = "goroutines"
	MetricGCPauseMs     = "gc_pause_ms"
	MetricNumGC         = "num_gc"
	MetricMemoryPercent = "memory_percent"
	MetricCPUPercent    = "cpu_percent"
	MetricRSSMB         = "rss_mb"
	MetricLatencyMs     = "latency_ms"
	MetricErrorRate     = "error_rate"
	MetricRequests      = "requests"
)

// Source produces one set of samples.
type Source interface {
	Collect(ctx context.Context) (map[string]float64, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (map[string]float64, error)

// Collect implements Source.
func (f SourceFunc) Collect(ctx context.Context) (map[string]float64, error) { return f(ctx) }

// Static returns a Source that always reports the same samples.
func Static(samples map[string]float64) Source {
	return SourceFunc(func(context.Context) (map[string]float64, error) {
		return maps.Clone(samples), nil
	})
}

type multi []Source

// Multi merges several sources. Later sources win on duplicate names.
// A failing source contributes no samples; its error is joined into the
// returned error while the other samples are still returned.
func Multi(sources ...Source) Source {
	return multi(sources)
}

func (m multi) Collect(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64)
	var errs []error
	for i, s := range m {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		samples, err := s.Collect(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %d: %w", i, err))
			continue
		}
		maps.Copy(out, samples)
	}
	return out, errors.Join(errs...)
}

// Default returns the Go runtime, host and process sources merged with
// the request recorder, when one is given.
func Default(rec *Recorder) Source {
	sources := []Source{Runtime(), NewHost(), Process()}
	if rec != nil {
		sources = append(sources, rec)
	}
	return Multi(sources...)
}
