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
	"time"

	"github.com/gin-gonic/gin"
)

// rateLimit admits each request through the API limiter keyed by client
// IP and answers 429 with Retry-After when denied.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := s.limiter.Allow(c.ClientIP(), 1)
		if d.Allowed {
			c.Next()
			return
		}
		c.Header("Retry-After", retryAfterSeconds(d.RetryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
			Error: fmt.Sprintf("rate limited by scope %s: %s", d.Scope, d.Reason),
			Code:  "rate_limited",
		})
	}
}

// logRequests logs each request at debug level (warn for 5xx) and feeds
// its latency into the request recorder.
func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		if s.config.Requests != nil && c.FullPath() != "/events" {
			var err error
			if status >= http.StatusInternalServerError {
				err = errors.New(http.StatusText(status))
			}
			s.config.Requests.Observe(latency, err)
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client", c.ClientIP(),
		}
		if status >= http.StatusInternalServerError {
			s.config.Logger.Warn("request failed", attrs...)
			return
		}
		s.config.Logger.Debug("request", attrs...)
	}
}
