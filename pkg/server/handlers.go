// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/aurora/pkg/alerts"
	"github.com/AleutianAI/aurora/pkg/circuit"
	"github.com/AleutianAI/aurora/pkg/healer"
	"github.com/AleutianAI/aurora/pkg/watchdog"
)

const defaultHistoryLimit = 100

// =============================================================================
// Response types
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`

	// Code is a stable machine-readable reason.
	Code string `json:"code,omitempty"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status        string         `json:"status"`
	Watchdog      watchdog.State `json:"watchdog"`
	OpenCircuits  []string       `json:"open_circuits,omitempty"`
	Exhausted     []string       `json:"exhausted_reconnects,omitempty"`
	MonitorActive bool           `json:"monitor_active"`
}

// RestartResponse is the /restart body.
type RestartResponse struct {
	RestartCount int64 `json:"restart_count"`
}

// AckRequest is the optional /alerts/:id/ack body.
type AckRequest struct {
	By string `json:"by"`
}

// =============================================================================
// Handlers
// =============================================================================

// handleHealth handles GET /healthz.
//
// Response:
//
//	200 OK: HealthResponse with status "healthy"
//	503 Service Unavailable: HealthResponse with status "degraded"
func (s *Server) handleHealth(c *gin.Context) {
	st := s.monitor.Status()
	resp := HealthResponse{
		Status:        "healthy",
		Watchdog:      st.Watchdog.State,
		Exhausted:     st.Healer.Exhausted,
		MonitorActive: st.Running,
	}
	for _, cb := range st.Circuits {
		if cb.State != circuit.Closed {
			resp.OpenCircuits = append(resp.OpenCircuits, cb.Name)
		}
	}
	if !st.Healthy() {
		resp.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMetrics(c *gin.Context) {
	h := s.config.MetricsHandler
	if h == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "prometheus exporter is not enabled",
			Code:  "metrics_disabled",
		})
		return
	}
	h.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	s.monitor.Heartbeat()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRestart(c *gin.Context) {
	s.monitor.RecordRestart()
	c.JSON(http.StatusOK, RestartResponse{RestartCount: s.monitor.Watchdog().Status().RestartCount})
}

// handleHealing handles GET /healing.
//
// Query Parameters:
//
//	limit   - maximum actions returned, most recent kept (default 100)
//	archive - "true" reads the audit store instead of in-memory history
func (s *Server) handleHealing(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	if !s.archive(c) {
		c.JSON(http.StatusOK, s.monitor.Healer().History(limit))
		return
	}
	actions, err := s.config.Archive.Actions(c.Request.Context(), limit)
	if err != nil {
		s.internalError(c, "reading healing archive", err)
		return
	}
	c.JSON(http.StatusOK, actions)
}

// handleAlerts handles GET /alerts.
//
// Query Parameters:
//
//	min_level      - INFO, WARNING or CRITICAL
//	source         - exact source match
//	unacknowledged - "true" hides acknowledged alerts
//	limit          - maximum alerts returned, most recent kept (default 100)
//	archive        - "true" reads the audit store; other filters are ignored
func (s *Server) handleAlerts(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	if s.archive(c) {
		archived, err := s.config.Archive.Alerts(c.Request.Context(), limit)
		if err != nil {
			s.internalError(c, "reading alert archive", err)
			return
		}
		c.JSON(http.StatusOK, archived)
		return
	}

	f := alerts.Filter{
		Source:             c.Query("source"),
		OnlyUnacknowledged: c.Query("unacknowledged") == "true",
		Limit:              limit,
	}
	if v := c.Query("min_level"); v != "" {
		level, err := alerts.ParseLevel(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_level"})
			return
		}
		f.MinLevel = level
	}
	c.JSON(http.StatusOK, s.monitor.Alerts().History(f))
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	var req AckRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_body"})
			return
		}
	}
	if req.By == "" {
		req.By = c.ClientIP()
	}
	err := s.monitor.Alerts().Acknowledge(c.Param("id"), req.By)
	switch {
	case errors.Is(err, alerts.ErrAlertNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "alert_not_found"})
	case err != nil:
		s.internalError(c, "acknowledging alert", err)
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handlePolicy(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Healer().Policy())
}

// TargetInfo is the API view of a healing target.
type TargetInfo struct {
	Name          string            `json:"name"`
	Kind          healer.TargetKind `json:"kind"`
	HealthCheck   bool              `json:"health_check"`
	Reconnect     bool              `json:"reconnect"`
	RestartOnDead bool              `json:"restart_on_dead"`
}

func (s *Server) handleTargets(c *gin.Context) {
	targets := s.monitor.Healer().Targets()
	out := make([]TargetInfo, 0, len(targets))
	for _, t := range targets {
		out = append(out, TargetInfo{
			Name:          t.Name,
			Kind:          t.Kind,
			HealthCheck:   t.HealthCheck != nil,
			Reconnect:     t.Reconnect != nil && t.Kind.Reconnectable(),
			RestartOnDead: t.RestartOnDead,
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleUnregisterTarget handles DELETE /targets/:name. The target's
// pending reconnect chain is canceled with it.
func (s *Server) handleUnregisterTarget(c *gin.Context) {
	name := c.Param("name")
	if !s.monitor.Healer().Unregister(name) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("target %q not found", name), Code: "target_not_found"})
		return
	}
	s.config.Logger.Info("healing target unregistered", "target", name, "client", c.ClientIP())
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResetCircuit(c *gin.Context) {
	a := s.monitor.Healer().ResetCircuit(c.Request.Context(), c.Param("name"))
	switch {
	case a.Success:
		c.JSON(http.StatusOK, a)
	case a.Skipped:
		c.JSON(http.StatusTooManyRequests, a)
	default:
		c.JSON(http.StatusUnprocessableEntity, a)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) limit(c *gin.Context) (int, bool) {
	v := c.Query("limit")
	if v == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: "invalid_limit"})
		return 0, false
	}
	return n, true
}

func (s *Server) archive(c *gin.Context) bool {
	return c.Query("archive") == "true" && s.config.Archive != nil
}

func (s *Server) internalError(c *gin.Context, what string, err error) {
	s.config.Logger.Error(what, "error", err, "path", c.FullPath())
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: what + " failed", Code: "internal"})
}

// retryAfterSeconds renders d for a Retry-After header, at least 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
