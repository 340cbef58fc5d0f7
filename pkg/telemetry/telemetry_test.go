// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()
	assert.Equal(t, "aurora", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "prometheus", cfg.MetricExporter)
	assert.Equal(t, 1.0, cfg.SampleRatio)
}

func TestInit_NilContext(t *testing.T) {
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"
	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg = DefaultConfig()
	cfg.MetricExporter = "statsd"
	_, err = Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_PrometheusServesAuroraMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "prometheus"

	tel, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	counter, err := otel.Meter("aurora.test").Int64Counter("aurora_test_events_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	handler := tel.MetricsHandler()
	require.NotNil(t, handler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aurora_test_events_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestInit_DurationHistogramsUseAuroraBuckets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "prometheus"

	tel, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	histo, err := otel.Meter("aurora.test").Float64Histogram("aurora_test_probe_seconds")
	require.NoError(t, err)
	histo.Record(context.Background(), 0.0002)

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "aurora_test_probe_seconds_bucket")
	assert.Contains(t, body, `le="0.0005"`)
	assert.Contains(t, body, `le="120"`)
}

func TestProcessResource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceVersion = "1.2.3"
	res := processResource(cfg)

	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "aurora", got["service.name"])
	assert.Equal(t, "1.2.3", got["service.version"])
	assert.NotEmpty(t, got["process.pid"])
}

func TestInit_StdoutTracer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "none"

	tel, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	assert.Nil(t, tel.MetricsHandler())

	ctx, span := StartSpan(context.Background(), "aurora.test", "cycle")
	assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
	RecordError(span, errors.New("collect failed"))
	RecordError(nil, errors.New("ignored"))
	span.End()
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithTrace(context.Background(), logger).Info("no span")
	assert.NotContains(t, buf.String(), "trace_id")

	traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	spanID := trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	buf.Reset()
	LoggerWithTrace(ctx, logger).Info("with span")
	assert.Contains(t, buf.String(), traceID.String())
	assert.Contains(t, buf.String(), spanID.String())

	assert.NotNil(t, LoggerWithTrace(context.Background(), nil))
}
