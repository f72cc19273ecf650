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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all patch engine routes with the router.
//
// Endpoints:
//
//	POST /v1/patches/apply - Apply a patch batch
//	GET  /v1/patches/status/:patchId - Replay a batch's status
//	POST /v1/patches/rollback - Roll back a batch's applied operations
//	GET  /v1/patches/events - Query the event log
//	GET  /v1/patches/events/stats - Aggregate event statistics
//	POST /v1/patches/events/cleanup - Delete events past retention
//	GET  /v1/patches/stream - Live event stream (websocket)
//	GET  /v1/patches/markers - Scan files for sentinel markers
//	GET  /v1/patches/health - Health check
//
// Example:
//
//	handlers, _ := api.NewHandlers(cfg)
//	v1 := router.Group("/v1")
//	api.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	patches := rg.Group("/patches")
	{
		patches.POST("/apply", handlers.HandleApply)
		patches.GET("/status/:patchId", handlers.HandleStatus)
		patches.POST("/rollback", handlers.HandleRollback)

		patches.GET("/events", handlers.HandleEvents)
		patches.GET("/events/stats", handlers.HandleStats)
		patches.POST("/events/cleanup", handlers.HandleCleanup)
		patches.GET("/stream", handlers.HandleEventStream)

		patches.GET("/markers", handlers.HandleMarkers)
		patches.GET("/health", handlers.HandleHealth)
	}
}
