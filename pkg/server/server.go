// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes a Monitor over HTTP.
//
// # Endpoints
//
//	GET  /healthz            200 when healthy, 503 otherwise
//	GET  /status             consolidated monitor.Status
//	GET  /metrics            Prometheus scrape (when the exporter is enabled)
//	GET  /events             websocket event stream, ?kind= filters
//	POST /heartbeat          watchdog heartbeat
//	POST /restart            record a process restart
//	GET  /healing            healing history, ?limit= &archive=true
//	GET  /alerts             alert history, ?min_level= &source= &unacknowledged= &limit= &archive=true
//	POST /alerts/:id/ack     acknowledge an alert
//	GET  /policy             active healing policy
//	POST /circuits/:name/reset  reset a circuit breaker through the healer
//	GET  /targets            registered healing targets
//	DELETE /targets/:name    unregister a healing target
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/collect"
	"github.com/AleutianAI/aurora/pkg/healer"
	"github.com/AleutianAI/aurora/pkg/monitor"
	"github.com/AleutianAI/aurora/pkg/ratelimit"
)

// =============================================================================
// Configuration
// =============================================================================

// Archive reads persisted history. *badger.Store satisfies it.
type Archive interface {
	Actions(ctx context.Context, limit int) ([]healer.Action, error)
	Alerts(ctx context.Context, limit int) ([]alerts.Alert, error)
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address. Default: 127.0.0.1:9464.
	Addr string

	// RateLimit admits each request through the API's own limiter, keyed
	// by client IP. /healthz and /metrics are exempt. The monitor's
	// limiter belongs to the host and is never charged for API traffic.
	RateLimit bool

	// Limits configures the API limiter. Default: DefaultLimits().
	Limits ratelimit.Config

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration

	// PongWait is how long an event stream client may go without
	// answering a ping. Pings go out every 9/10 of it. Default: 60s.
	PongWait time.Duration

	// ServiceName labels server spans. Default: "aurora".
	ServiceName string

	// Archive serves ?archive=true history. Optional.
	Archive Archive

	// Requests receives the latency and outcome of every API request.
	// Optional.
	Requests *collect.Recorder

	// MetricsHandler serves /metrics, usually telemetry.Providers'
	// MetricsHandler. nil answers 404.
	MetricsHandler http.Handler

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9464"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.ServiceName == "" {
		c.ServiceName = "aurora"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if len(c.Limits.Scopes) == 0 {
		c.Limits = DefaultLimits()
	}
	if c.Limits.Logger == nil {
		c.Limits.Logger = c.Logger
	}
	return c
}

// ScopeAPI is the per-client scope of DefaultLimits.
const ScopeAPI = "api"

// DefaultLimits admits 10 req/s per client with bursts of 20.
func DefaultLimits() ratelimit.Config {
	return ratelimit.Config{
		Scopes: []ratelimit.ScopeConfig{
			{Name: ScopeAPI, Capacity: 20, RefillRate: 10, PerKey: true},
		},
	}
}

// =============================================================================
// Server
// =============================================================================

// Server is the aurora status API.
//
// # Description
//
// Server owns a gin engine with otelgin tracing, panic recovery, request
// logging and optional per-client rate limiting. It reads everything from
// the Monitor and never mutates component configuration.
//
// # Thread Safety
//
// Safe for concurrent use. Run may be called once.
//
// # Example
//
//	srv := server.New(server.Config{Addr: ":9464"}, mon)
//	if err := srv.Run(ctx); err != nil {
//	    return err
//	}
type Server struct {
	config  Config
	monitor *monitor.Monitor
	router  *gin.Engine
	limiter *ratelimit.Limiter

	// closing ends open event streams; hijacked connections are not
	// closed by http.Server.Shutdown.
	closing   chan struct{}
	closeOnce sync.Once
}

// New builds the router for m.
func New(cfg Config, m *monitor.Monitor) *Server {
	cfg = cfg.withDefaults()
	s := &Server{config: cfg, monitor: m, closing: make(chan struct{})}

	router := gin.New()
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(gin.Recovery())
	router.Use(s.logRequests())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)

	api := router.Group("/")
	if cfg.RateLimit {
		s.limiter = newLimiter(cfg)
		api.Use(s.rateLimit())
	}
	api.GET("/status", s.handleStatus)
	api.GET("/events", s.handleEvents)
	api.POST("/heartbeat", s.handleHeartbeat)
	api.POST("/restart", s.handleRestart)
	api.GET("/healing", s.handleHealing)
	api.GET("/alerts", s.handleAlerts)
	api.POST("/alerts/:id/ack", s.handleAcknowledge)
	api.GET("/policy", s.handlePolicy)
	api.POST("/circuits/:name/reset", s.handleResetCircuit)
	api.GET("/targets", s.handleTargets)
	api.DELETE("/targets/:name", s.handleUnregisterTarget)

	s.router = router
	return s
}

// newLimiter builds the API limiter, falling back to DefaultLimits when
// the configured scopes are invalid.
func newLimiter(cfg Config) *ratelimit.Limiter {
	l, err := ratelimit.New(cfg.Limits)
	if err == nil {
		return l
	}
	cfg.Logger.Warn("invalid API rate limits, using defaults", "error", err)
	def := DefaultLimits()
	def.Logger = cfg.Logger
	l, err = ratelimit.New(def)
	if err != nil {
		panic(fmt.Sprintf("default API limits: %v", err))
	}
	return l
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.closeStreams)

	errCh := make(chan error, 1)
	go func() {
		s.config.Logger.Info("status API listening", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status API shutdown: %w", err)
	}
	s.config.Logger.Info("status API stopped")
	return nil
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}
