// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detect classifies metric samples as anomalous.
//
// Four independent policies run per metric stream and may all fire on the
// same sample: SPIKE (rolling z-score plus a ratio floor), GROWING_TREND
// (relative regression slope over a near-monotonic window), MEMORY_LEAK
// (half-window growth on memory metrics over a longer window) and THRESHOLD
// (static limits). All parameters are configuration; see DefaultConfig for
// the chosen defaults.
package detect

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/aurora/pkg/util"
)

// ThresholdRule is a static limit on one metric. Values at or above High
// are HIGH anomalies; at or above Critical (when set) they are CRITICAL.
type ThresholdRule struct {
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical,omitempty"`
}

// Config holds the detector policy parameters.
type Config struct {
	// WindowSize is how many samples are retained per metric. It must
	// cover LeakSamples. Default: 120.
	WindowSize int `yaml:"window_size" validate:"gte=0"`

	// MinSamples is the baseline size required before SPIKE fires. Default: 10.
	MinSamples int `yaml:"min_samples" validate:"gte=0"`

	// SpikeZScore is the standard-score a sample must reach. Default: 3.
	SpikeZScore float64 `yaml:"spike_z_score" validate:"gte=0"`

	// SpikeRatio is the minimum value/mean ratio. It keeps very stable
	// series from flagging small absolute moves. Default: 1.5.
	SpikeRatio float64 `yaml:"spike_ratio" validate:"gte=0"`

	// TrendSamples is the GROWING_TREND window. Default: 10.
	TrendSamples int `yaml:"trend_samples" validate:"gte=0"`

	// TrendMinSlope is the minimum slope per sample relative to the window
	// mean. Default: 0.02 (2% of the mean per sample).
	TrendMinSlope float64 `yaml:"trend_min_slope" validate:"gte=0"`

	// TrendMonotonic is the minimum share of increasing steps. Default: 0.8.
	TrendMonotonic float64 `yaml:"trend_monotonic" validate:"gte=0,lte=1"`

	// LeakSamples is the MEMORY_LEAK window. Default: 60.
	LeakSamples int `yaml:"leak_samples" validate:"gte=0"`

	// LeakMinGrowth is the minimum growth of the second-half average over
	// the first-half average. Default: 0.10.
	LeakMinGrowth float64 `yaml:"leak_min_growth" validate:"gte=0"`

	// LeakMonotonic is the minimum share of increasing steps. Default: 0.7.
	LeakMonotonic float64 `yaml:"leak_monotonic" validate:"gte=0,lte=1"`

	// MemoryMetrics are the metric names MEMORY_LEAK applies to.
	MemoryMetrics []string `yaml:"memory_metrics"`

	// Thresholds are static per-metric limits.
	Thresholds map[string]ThresholdRule `yaml:"thresholds"`

	// DedupWindow suppresses re-reports of the same (type, metric) from
	// Observe. Default: 60s.
	DedupWindow time.Duration `yaml:"dedup_window" validate:"gte=0"`

	// HistorySize bounds the anomaly history. Default: 1000.
	HistorySize int `yaml:"history_size" validate:"gte=0"`

	Now    func() time.Time `yaml:"-"`
	Logger *slog.Logger     `yaml:"-"`
}

// DefaultConfig returns the default detector policy.
func DefaultConfig() Config {
	return Config{
		WindowSize:     120,
		MinSamples:     10,
		SpikeZScore:    3,
		SpikeRatio:     1.5,
		TrendSamples:   10,
		TrendMinSlope:  0.02,
		TrendMonotonic: 0.8,
		LeakSamples:    60,
		LeakMinGrowth:  0.10,
		LeakMonotonic:  0.7,
		MemoryMetrics:  []string{"memory_percent", "heap_alloc_mb", "rss_mb"},
		Thresholds: map[string]ThresholdRule{
			"memory_percent": {High: 95, Critical: 99},
			"cpu_percent":    {High: 95, Critical: 99},
		},
		DedupWindow: 60 * time.Second,
		HistorySize: 1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.SpikeZScore <= 0 {
		c.SpikeZScore = d.SpikeZScore
	}
	if c.SpikeRatio <= 0 {
		c.SpikeRatio = d.SpikeRatio
	}
	if c.TrendSamples <= 0 {
		c.TrendSamples = d.TrendSamples
	}
	if c.TrendMinSlope <= 0 {
		c.TrendMinSlope = d.TrendMinSlope
	}
	if c.TrendMonotonic <= 0 {
		c.TrendMonotonic = d.TrendMonotonic
	}
	if c.LeakSamples <= 0 {
		c.LeakSamples = d.LeakSamples
	}
	if c.LeakMinGrowth <= 0 {
		c.LeakMinGrowth = d.LeakMinGrowth
	}
	if c.LeakMonotonic <= 0 {
		c.LeakMonotonic = d.LeakMonotonic
	}
	if c.MemoryMetrics == nil {
		c.MemoryMetrics = d.MemoryMetrics
	}
	if c.Thresholds == nil {
		c.Thresholds = d.Thresholds
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.WindowSize < c.LeakSamples {
		c.WindowSize = c.LeakSamples
	}
	if c.WindowSize < c.TrendSamples {
		c.WindowSize = c.TrendSamples
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Baseline summarizes the retained samples of one metric.
type Baseline struct {
	Metric  string  `json:"metric"`
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Stats counts detector activity.
type Stats struct {
	Metrics    int   `json:"metrics"`
	Observed   int64 `json:"observed"`
	Detected   int64 `json:"detected"`
	Suppressed int64 `json:"suppressed"`
}

// Detector runs the anomaly policies over rolling per-metric windows.
//
// # Description
//
// Classify is pure: it evaluates one value against a caller-supplied
// history. Observe feeds the detector's own window for the metric, runs
// Classify, suppresses (type, metric) pairs reported within DedupWindow
// unless the severity rose since the last report, and records what
// remains in the history ring.
//
// # Thread Safety
//
// Safe for concurrent use.
type Detector struct {
	config Config
	memory map[string]bool

	mu         sync.Mutex
	windows    map[string]*util.RingBuffer[float64]
	reported   map[string]report
	history    *util.RingBuffer[Anomaly]
	observed   int64
	detected   int64
	suppressed int64
}

// report is the last reported anomaly for a (type, metric) key.
type report struct {
	at       time.Time
	severity Severity
}

// New creates a Detector.
func New(config Config) *Detector {
	config = config.withDefaults()
	initMetrics()
	memory := make(map[string]bool, len(config.MemoryMetrics))
	for _, m := range config.MemoryMetrics {
		memory[m] = true
	}
	return &Detector{
		config:   config,
		memory:   memory,
		windows:  make(map[string]*util.RingBuffer[float64]),
		reported: make(map[string]report),
		history:  util.NewRingBuffer[Anomaly](config.HistorySize),
	}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.config
}

// Classify evaluates value against history (oldest first, not including
// value) and returns every anomaly the policies report. It does not
// modify detector state.
func (d *Detector) Classify(metric string, value float64, history []float64) []Anomaly {
	now := d.config.Now()
	var out []Anomaly
	if a, ok := d.threshold(metric, value, now); ok {
		out = append(out, a)
	}
	if a, ok := d.spike(metric, value, history, now); ok {
		out = append(out, a)
	}

	series := make([]float64, 0, len(history)+1)
	series = append(series, history...)
	series = append(series, value)
	if a, ok := d.trend(metric, series, now); ok {
		out = append(out, a)
	}
	if d.memory[metric] {
		if a, ok := d.leak(metric, series, now); ok {
			out = append(out, a)
		}
	}
	return out
}

// Observe appends value to the metric's window and returns the anomalies
// not suppressed by DedupWindow.
func (d *Detector) Observe(metric string, value float64) []Anomaly {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	window, ok := d.windows[metric]
	if !ok {
		window = util.NewRingBuffer[float64](d.config.WindowSize)
		d.windows[metric] = window
	}
	found := d.Classify(metric, value, window.Snapshot())
	window.Push(value)
	d.observed++

	now := d.config.Now()
	kept := found[:0]
	for _, a := range found {
		key := a.Key()
		if last, seen := d.reported[key]; seen && now.Sub(last.at) < d.config.DedupWindow && a.Severity <= last.severity {
			d.suppressed++
			recordSuppressed(a.Type)
			continue
		}
		d.reported[key] = report{at: now, severity: a.Severity}
		d.detected++
		d.history.Push(a)
		recordDetected(a)
		d.config.Logger.Warn("anomaly detected",
			"type", a.Type.String(),
			"severity", a.Severity.String(),
			"metric", a.Metric,
			"value", a.Value,
			"baseline", a.Baseline)
		kept = append(kept, a)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// ObserveAll observes every sample in metric-name order.
func (d *Detector) ObserveAll(samples map[string]float64) []Anomaly {
	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Anomaly
	for _, name := range names {
		out = append(out, d.Observe(name, samples[name])...)
	}
	return out
}

// Baseline returns statistics over the metric's retained samples.
func (d *Detector) Baseline(metric string) (Baseline, bool) {
	d.mu.Lock()
	window, ok := d.windows[metric]
	d.mu.Unlock()
	if !ok {
		return Baseline{}, false
	}

	xs := window.Snapshot()
	if len(xs) == 0 {
		return Baseline{Metric: metric}, true
	}
	m := mean(xs)
	return Baseline{
		Metric:  metric,
		Samples: len(xs),
		Mean:    m,
		StdDev:  stddev(xs, m),
		Min:     slices.Min(xs),
		Max:     slices.Max(xs),
	}, true
}

// History returns up to n recent anomalies, oldest first. A negative n
// returns everything retained.
func (d *Detector) History(n int) []Anomaly {
	return d.history.Last(n)
}

// Stats returns detector counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Metrics:    len(d.windows),
		Observed:   d.observed,
		Detected:   d.detected,
		Suppressed: d.suppressed,
	}
}

// Reset discards all windows and suppression state. History is kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.windows = make(map[string]*util.RingBuffer[float64])
	d.reported = make(map[string]report)
}

// =============================================================================
// Policies
// =============================================================================

func (d *Detector) threshold(metric string, value float64, now time.Time) (Anomaly, bool) {
	rule, ok := d.config.Thresholds[metric]
	if !ok || value < rule.High {
		return Anomaly{}, false
	}
	severity, limit := High, rule.High
	if rule.Critical > 0 && value >= rule.Critical {
		severity, limit = Critical, rule.Critical
	}
	return Anomaly{
		Type:       Threshold,
		Severity:   severity,
		Metric:     metric,
		Value:      value,
		Baseline:   limit,
		Deviation:  value - limit,
		Message:    fmt.Sprintf("%s at %.1f reached limit %.1f", metric, value, limit),
		DetectedAt: now,
	}, true
}

func (d *Detector) spike(metric string, value float64, history []float64, now time.Time) (Anomaly, bool) {
	base := lastN(history, d.config.WindowSize)
	if len(base) < d.config.MinSamples {
		return Anomaly{}, false
	}
	m := mean(base)
	if value <= m {
		return Anomaly{}, false
	}
	ratio := math.Inf(1)
	if m > 0 {
		ratio = value / m
		if ratio < d.config.SpikeRatio {
			return Anomaly{}, false
		}
	}

	sd := stddev(base, m)
	var deviation float64
	var severity Severity
	if sd > 0 {
		z := (value - m) / sd
		if z < d.config.SpikeZScore {
			return Anomaly{}, false
		}
		deviation, severity = z, zScoreSeverity(z)
	} else {
		deviation, severity = ratio, ratioSeverity(ratio)
	}

	return Anomaly{
		Type:       Spike,
		Severity:   severity,
		Metric:     metric,
		Value:      value,
		Baseline:   m,
		Deviation:  deviation,
		Message:    fmt.Sprintf("%s spiked to %.2f against a baseline of %.2f", metric, value, m),
		DetectedAt: now,
		Context:    map[string]float64{"mean": m, "std_dev": sd, "samples": float64(len(base))},
	}, true
}

func (d *Detector) trend(metric string, series []float64, now time.Time) (Anomaly, bool) {
	if len(series) < d.config.TrendSamples {
		return Anomaly{}, false
	}
	window := lastN(series, d.config.TrendSamples)
	s := slope(window)
	rel := relative(s, mean(window))
	frac := increasingFraction(window)
	if s <= 0 || rel < d.config.TrendMinSlope || frac < d.config.TrendMonotonic {
		return Anomaly{}, false
	}

	first, last := window[0], window[len(window)-1]
	return Anomaly{
		Type:       GrowingTrend,
		Severity:   Medium,
		Metric:     metric,
		Value:      last,
		Baseline:   first,
		Deviation:  last - first,
		Message:    fmt.Sprintf("%s rising %.4f per sample over %d samples", metric, s, len(window)),
		DetectedAt: now,
		Context:    map[string]float64{"slope": s, "relative_slope": rel, "increasing_ratio": frac},
	}, true
}

func (d *Detector) leak(metric string, series []float64, now time.Time) (Anomaly, bool) {
	if len(series) < d.config.LeakSamples {
		return Anomaly{}, false
	}
	window := lastN(series, d.config.LeakSamples)
	half := len(window) / 2
	firstAvg, secondAvg := mean(window[:half]), mean(window[half:])
	growth := relative(secondAvg-firstAvg, firstAvg)
	frac := increasingFraction(window)
	if secondAvg <= firstAvg || growth < d.config.LeakMinGrowth || frac <= d.config.LeakMonotonic {
		return Anomaly{}, false
	}

	return Anomaly{
		Type:       MemoryLeak,
		Severity:   High,
		Metric:     metric,
		Value:      window[len(window)-1],
		Baseline:   firstAvg,
		Deviation:  secondAvg - firstAvg,
		Message:    fmt.Sprintf("possible memory leak: %s average grew from %.2f to %.2f", metric, firstAvg, secondAvg),
		DetectedAt: now,
		Context: map[string]float64{
			"first_half_avg":   firstAvg,
			"second_half_avg":  secondAvg,
			"increasing_ratio": frac,
		},
	}, true
}

// relative scales delta by |base|. A zero base leaves delta unscaled.
func relative(delta, base float64) float64 {
	if base == 0 {
		return delta
	}
	return delta / math.Abs(base)
}

func zScoreSeverity(z float64) Severity {
	switch {
	case z >= 6:
		return Critical
	case z >= 4:
		return High
	case z >= 3:
		return Medium
	default:
		return Low
	}
}

func ratioSeverity(r float64) Severity {
	switch {
	case r >= 5:
		return Critical
	case r >= 3:
		return High
	case r >= 2:
		return Medium
	default:
		return Low
	}
}
