// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/patchengine/services/patch/events"
)

// streamBuffer is the per-subscriber event buffer. A subscriber that
// falls further behind than this loses events rather than blocking the
// engine.
const streamBuffer = 64

// pingInterval keeps idle websocket connections alive.
const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleEventStream handles GET /v1/patches/stream.
//
// # Description
//
// Upgrades to a websocket and forwards every logged patch event to the
// client as JSON. The optional eventTypes query parameter (comma
// separated) restricts the stream to those kinds. Delivery is
// best-effort: a slow client drops events instead of stalling patch
// processing.
func (h *Handlers) HandleEventStream(c *gin.Context) {
	if h.broadcaster == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "event streaming is not enabled",
			Code:  "STREAM_DISABLED",
		})
		return
	}

	var types []events.Type
	if v := c.Query("eventTypes"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				types = append(types, events.Type(s))
			}
		}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	sub := h.broadcaster.Subscribe(streamBuffer, types...)
	defer h.broadcaster.Unsubscribe(sub.ID)

	h.logger.Info("event stream client connected",
		slog.String("subscription_id", sub.ID),
		slog.Int("type_filters", len(types)))

	// Reader goroutine: we never expect client messages, but reading
	// is how we notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := ws.WriteJSON(event); err != nil {
				h.logger.Debug("event stream write failed, closing",
					slog.String("subscription_id", sub.ID),
					slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}

		case <-done:
			h.logger.Info("event stream client disconnected",
				slog.String("subscription_id", sub.ID),
				slog.Int64("dropped", sub.Dropped()))
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}
