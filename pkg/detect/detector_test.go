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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alternating(n int, a, b float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = a
		} else {
			out[i] = b
		}
	}
	return out
}

func linear(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func types(as []Anomaly) []Type {
	out := make([]Type, len(as))
	for i, a := range as {
		out[i] = a.Type
	}
	return out
}

func TestClassify_Spike(t *testing.T) {
	d := New(DefaultConfig())

	got := d.Classify("latency_ms", 30, alternating(20, 10, 12))
	require.Equal(t, []Type{Spike}, types(got))
	assert.Equal(t, Critical, got[0].Severity)
	assert.InDelta(t, 11, got[0].Baseline, 1e-9)
	assert.Equal(t, "latency_ms", got[0].Metric)
	assert.Greater(t, got[0].Deviation, 6.0)
}

func TestClassify_SpikeRequiresRatio(t *testing.T) {
	d := New(DefaultConfig())

	// Large z-score on a very stable series, but only ~9% above the mean.
	got := d.Classify("latency_ms", 110, alternating(20, 100, 101))
	assert.Empty(t, got)
}

func TestClassify_SpikeNeedsBaseline(t *testing.T) {
	d := New(DefaultConfig())
	assert.Empty(t, d.Classify("latency_ms", 500, alternating(5, 10, 12)))
}

func TestClassify_SpikeOnFlatZeroBaseline(t *testing.T) {
	d := New(DefaultConfig())

	got := d.Classify("error_rate", 1, make([]float64, 10))
	require.Equal(t, []Type{Spike}, types(got))
	assert.Equal(t, Critical, got[0].Severity)
	assert.True(t, math.IsInf(got[0].Deviation, 1))
}

func TestClassify_GrowingTrend(t *testing.T) {
	d := New(DefaultConfig())

	got := d.Classify("queue_depth", 20, linear(10, 10, 1))
	require.Equal(t, []Type{GrowingTrend}, types(got))
	assert.Equal(t, Medium, got[0].Severity)
	assert.Equal(t, 11.0, got[0].Baseline)
	assert.Equal(t, 20.0, got[0].Value)
	assert.InDelta(t, 1.0, got[0].Context["slope"], 1e-9)
}

func TestClassify_NoTrendOnSawtooth(t *testing.T) {
	d := New(DefaultConfig())
	history := []float64{50, 55, 52, 57, 54, 59, 56, 61, 58}
	assert.Empty(t, d.Classify("queue_depth", 63, history))
}

func TestClassify_MemoryLeak(t *testing.T) {
	d := New(DefaultConfig())
	series := linear(60, 40, 0.5)
	history, value := series[:59], series[59]

	got := d.Classify("memory_percent", value, history)
	require.Equal(t, []Type{MemoryLeak}, types(got))
	assert.Equal(t, High, got[0].Severity)
	assert.InDelta(t, 47.25, got[0].Baseline, 1e-9)
	assert.InDelta(t, 15.0, got[0].Deviation, 1e-9)

	// The same series on a non-memory metric is not a leak.
	assert.Empty(t, d.Classify("queue_depth", value, history))
}

func TestClassify_NoLeakOnGCSawtooth(t *testing.T) {
	d := New(DefaultConfig())
	series := linear(60, 40, 0.5)
	for i := range series {
		if i%3 == 2 {
			series[i] -= 3
		}
	}
	got := d.Classify("memory_percent", series[59], series[:59])
	assert.NotContains(t, types(got), MemoryLeak)
}

func TestClassify_Threshold(t *testing.T) {
	d := New(DefaultConfig())

	tests := []struct {
		value    float64
		want     int
		severity Severity
		limit    float64
	}{
		{value: 90, want: 0},
		{value: 95, want: 1, severity: High, limit: 95},
		{value: 99.5, want: 1, severity: Critical, limit: 99},
	}
	for _, tt := range tests {
		got := d.Classify("memory_percent", tt.value, nil)
		require.Len(t, got, tt.want, "value %v", tt.value)
		if tt.want == 0 {
			continue
		}
		assert.Equal(t, Threshold, got[0].Type)
		assert.Equal(t, tt.severity, got[0].Severity)
		assert.Equal(t, tt.limit, got[0].Baseline)
	}
}

func TestClassify_DoesNotMutate(t *testing.T) {
	d := New(DefaultConfig())
	history := linear(12, 1, 1)
	before := append([]float64(nil), history...)

	d.Classify("queue_depth", 100, history)
	assert.Equal(t, before, history)
	assert.Zero(t, d.Stats().Observed)
}

func TestObserve_DedupWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	d := New(Config{Now: func() time.Time { return now }})

	require.Len(t, d.Observe("memory_percent", 96), 1)
	assert.Nil(t, d.Observe("memory_percent", 97), "re-report within the window")

	now = now.Add(61 * time.Second)
	got := d.Observe("memory_percent", 97)
	require.Len(t, got, 1)
	assert.Equal(t, Threshold, got[0].Type)

	stats := d.Stats()
	assert.Equal(t, int64(3), stats.Observed)
	assert.Equal(t, int64(2), stats.Detected)
	assert.Equal(t, int64(1), stats.Suppressed)
	assert.Len(t, d.History(-1), 2)
}

func TestObserve_EscalationBypassesDedup(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	d := New(Config{Now: func() time.Time { return now }})

	got := d.Observe("memory_percent", 96)
	require.Len(t, got, 1)
	assert.Equal(t, High, got[0].Severity)

	now = now.Add(10 * time.Second)
	got = d.Observe("memory_percent", 99.5)
	require.Len(t, got, 1, "a more severe anomaly is reported within the window")
	assert.Equal(t, Critical, got[0].Severity)
	assert.Equal(t, 99.5, got[0].Value)

	now = now.Add(10 * time.Second)
	assert.Nil(t, d.Observe("memory_percent", 96), "a less severe anomaly stays suppressed")
	assert.Nil(t, d.Observe("memory_percent", 99.6), "the same severity stays suppressed")
	assert.Equal(t, int64(2), d.Stats().Suppressed)
}

func TestObserve_BuildsWindow(t *testing.T) {
	d := New(DefaultConfig())
	for _, v := range alternating(20, 10, 12) {
		assert.Empty(t, d.Observe("latency_ms", v))
	}
	got := d.Observe("latency_ms", 40)
	require.Len(t, got, 1)
	assert.Equal(t, Spike, got[0].Type)

	b, ok := d.Baseline("latency_ms")
	require.True(t, ok)
	assert.Equal(t, 21, b.Samples)
	assert.Equal(t, 10.0, b.Min)
	assert.Equal(t, 40.0, b.Max)

	_, ok = d.Baseline("unknown")
	assert.False(t, ok)
}

func TestObserve_IgnoresNonFinite(t *testing.T) {
	d := New(DefaultConfig())
	assert.Nil(t, d.Observe("latency_ms", math.NaN()))
	assert.Nil(t, d.Observe("latency_ms", math.Inf(1)))
	assert.Zero(t, d.Stats().Observed)
}

func TestObserveAll_MultipleMetrics(t *testing.T) {
	d := New(DefaultConfig())
	got := d.ObserveAll(map[string]float64{
		"memory_percent": 97,
		"cpu_percent":    99.9,
		"latency_ms":     20,
	})
	require.Len(t, got, 2)
	assert.Equal(t, "cpu_percent", got[0].Metric)
	assert.Equal(t, Critical, got[0].Severity)
	assert.Equal(t, "memory_percent", got[1].Metric)
	assert.Equal(t, 3, d.Stats().Metrics)

	d.Reset()
	assert.Zero(t, d.Stats().Metrics)
	assert.Len(t, d.ObserveAll(map[string]float64{"memory_percent": 97}), 1, "reset clears suppression")
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{in: "SPIKE", want: Spike},
		{in: "growing_trend", want: GrowingTrend},
		{in: "memory-leak", want: MemoryLeak},
		{in: " threshold ", want: Threshold},
		{in: "outlier", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	var typ Type
	require.NoError(t, typ.UnmarshalText([]byte("MEMORY_LEAK")))
	assert.Equal(t, MemoryLeak, typ)
	assert.Equal(t, "[HIGH] MEMORY_LEAK: rss_mb=1.00 (baseline=0.00, deviation=0.00)",
		Anomaly{Type: MemoryLeak, Severity: High, Metric: "rss_mb", Value: 1}.String())
}
