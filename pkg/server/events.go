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
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/aurora/pkg/events"
)

const (
	streamBuffer = 256
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// handleEvents handles GET /events.
//
// Description:
//
//	Upgrades to a websocket and streams every bus event as JSON. Repeat
//	the kind parameter to filter, e.g. ?kind=alert&kind=anomaly. A client
//	that cannot keep up loses events rather than slowing the bus; the
//	stream then sends a "dropped" notice with the count.
func (s *Server) handleEvents(c *gin.Context) {
	var kinds []events.Kind
	for _, v := range c.QueryArray("kind") {
		k, err := events.ParseKind(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_kind"})
			return
		}
		kinds = append(kinds, k)
	}

	ch := make(chan events.Event, streamBuffer)
	var dropped atomic.Int64
	unsubscribe := s.monitor.Bus().Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			dropped.Add(1)
		}
	}, kinds...)
	defer unsubscribe()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.config.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	s.config.Logger.Info("event stream opened", "client", c.ClientIP(), "kinds", len(kinds))

	// The reader only detects close frames and disconnects. A client that
	// stops answering pings for PongWait is dropped.
	pongWait := s.config.PongWait
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pongWait * 9 / 10)
	defer ping.Stop()
	var reported int64
	for {
		select {
		case <-gone:
			s.config.Logger.Info("event stream closed", "client", c.ClientIP())
			return
		case <-s.closing:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case e := <-ch:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(e); err != nil {
				s.config.Logger.Debug("event stream write failed", "error", err)
				return
			}
			if n := dropped.Load(); n > reported {
				if err := ws.WriteJSON(gin.H{"dropped": n - reported}); err != nil {
					return
				}
				reported = n
			}
		}
	}
}
