// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the patch engine over HTTP.
//
// The surface mirrors the orchestrator's contract: apply a batch, query
// a batch's status, trigger a rollback, browse the event log, and
// stream live events over a websocket.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/patchengine/services/patch"
	"github.com/AleutianAI/patchengine/services/patch/events"
	"github.com/AleutianAI/patchengine/services/patch/marker"
	"github.com/AleutianAI/patchengine/services/patch/orchestrator"
)

// =============================================================================
// HANDLERS
// =============================================================================

// Engine is the orchestrator surface the API depends on.
// *orchestrator.Orchestrator satisfies it.
type Engine interface {
	ApplyPatches(ctx context.Context, batch *patch.Batch, opts orchestrator.Options) (*orchestrator.Result, error)
	PatchStatus(ctx context.Context, patchID string) (*orchestrator.StatusResult, error)
	RollbackPatch(ctx context.Context, req orchestrator.RollbackRequest) (*orchestrator.RollbackResult, error)
}

// EventReader is the event-store surface the API depends on.
// *events.Store satisfies it.
type EventReader interface {
	QueryEvents(ctx context.Context, f events.Filter) ([]*events.Event, error)
	Stats(ctx context.Context, windowHours int) (*events.Stats, error)
	CleanupOldEvents(ctx context.Context, retentionDays int) (int64, error)
}

// HandlersConfig wires the API's collaborators.
type HandlersConfig struct {
	// Engine processes batches. Required.
	Engine Engine

	// Events serves log queries. Required.
	Events EventReader

	// Broadcaster feeds the websocket stream. Optional; the stream
	// endpoint returns 503 without it.
	Broadcaster *events.Broadcaster

	// ProjectRoot anchors marker scans.
	ProjectRoot string

	// Logger for request handling. Default: slog.Default().
	Logger *slog.Logger
}

// Handlers implements the HTTP endpoints.
type Handlers struct {
	engine      Engine
	events      EventReader
	broadcaster *events.Broadcaster
	resolver    *marker.Resolver
	projectRoot string
	logger      *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(cfg HandlersConfig) (*Handlers, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine must not be nil")
	}
	if cfg.Events == nil {
		return nil, errors.New("event reader must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handlers{
		engine:      cfg.Engine,
		events:      cfg.Events,
		broadcaster: cfg.Broadcaster,
		resolver:    marker.NewResolver(),
		projectRoot: cfg.ProjectRoot,
		logger:      cfg.Logger.With(slog.String("component", "api")),
	}, nil
}

// getOrCreateRequestID returns the inbound request id or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// =============================================================================
// PATCH ENDPOINTS
// =============================================================================

// HandleApply handles POST /v1/patches/apply.
//
// Response:
//
//	200 OK: orchestrator.Result (Success may be false for a failed batch)
//	400 Bad Request: malformed body or batch
//	500 Internal Server Error: the event log rejected a write
func (h *Handlers) HandleApply(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID))

	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	batch := &patch.Batch{
		PatchID:    req.PatchID,
		Operations: req.Operations,
		Metadata:   req.Metadata,
	}

	logger.Info("applying batch",
		slog.String("patch_id", batch.PatchID),
		slog.Int("operations", len(batch.Operations)))

	result, err := h.engine.ApplyPatches(c.Request.Context(), batch, req.Options)
	if err != nil {
		var verr *patch.ValidationError
		switch {
		case errors.As(err, &verr), errors.Is(err, patch.ErrNilBatch):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: err.Error(),
				Code:  "VALIDATION_FAILED",
			})
		case errors.Is(err, patch.ErrBatchFailed):
			logger.Error("batch failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: err.Error(),
				Code:  "LOGGING_FAILED",
			})
		default:
			logger.Error("apply failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: err.Error(),
				Code:  "APPLY_FAILED",
			})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleStatus handles GET /v1/patches/status/:patchId.
//
// Response:
//
//	200 OK: orchestrator.StatusResult
//	404 Not Found: no events exist for the patch id
func (h *Handlers) HandleStatus(c *gin.Context) {
	patchID := c.Param("patchId")

	st, err := h.engine.PatchStatus(c.Request.Context(), patchID)
	if err != nil {
		h.logger.Error("status query failed",
			slog.String("patch_id", patchID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "STATUS_FAILED",
		})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no events for patch " + patchID,
			Code:  "NOT_FOUND",
		})
		return
	}

	c.JSON(http.StatusOK, st)
}

// HandleRollback handles POST /v1/patches/rollback.
func (h *Handlers) HandleRollback(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID))

	var body RollbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	rb, err := h.engine.RollbackPatch(c.Request.Context(), orchestrator.RollbackRequest{
		PatchID:    body.PatchID,
		RollbackID: body.RollbackID,
		Reason:     body.Reason,
	})
	if err != nil {
		var verr *patch.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: err.Error(),
				Code:  "VALIDATION_FAILED",
			})
			return
		}
		logger.Error("rollback failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "ROLLBACK_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, rb)
}

// =============================================================================
// EVENT ENDPOINTS
// =============================================================================

// HandleEvents handles GET /v1/patches/events.
//
// Query parameters: patchId, eventType, status, since, until (RFC 3339),
// limit, offset, order=desc.
func (h *Handlers) HandleEvents(c *gin.Context) {
	f := events.Filter{
		PatchID:    c.Query("patchId"),
		EventType:  events.Type(c.Query("eventType")),
		Status:     events.Status(c.Query("status")),
		Descending: c.Query("order") == "desc",
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "since must be RFC 3339",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		f.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "until must be RFC 3339",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		f.Until = t
	}

	evs, err := h.events.QueryEvents(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("event query failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "QUERY_FAILED",
		})
		return
	}
	if evs == nil {
		evs = []*events.Event{}
	}

	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

// HandleStats handles GET /v1/patches/events/stats.
//
// Query parameter windowHours defaults to 24; zero or negative means
// the whole log.
func (h *Handlers) HandleStats(c *gin.Context) {
	windowHours := 24
	if v := c.Query("windowHours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "windowHours must be an integer",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		windowHours = n
	}

	stats, err := h.events.Stats(c.Request.Context(), windowHours)
	if err != nil {
		h.logger.Error("stats query failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "STATS_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// HandleCleanup handles POST /v1/patches/events/cleanup.
//
// Deletes events older than the retention window. A zero or absent
// retentionDays uses the store's default.
func (h *Handlers) HandleCleanup(c *gin.Context) {
	var body struct {
		RetentionDays int `json:"retentionDays"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Invalid request body",
				Code:  "INVALID_REQUEST",
			})
			return
		}
	}

	deleted, err := h.events.CleanupOldEvents(c.Request.Context(), body.RetentionDays)
	if err != nil {
		h.logger.Error("cleanup failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "CLEANUP_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deletedCount": deleted})
}

// =============================================================================
// MARKER & HEALTH ENDPOINTS
// =============================================================================

// HandleMarkers handles GET /v1/patches/markers.
//
// Scans files matching the pattern query parameter (relative to the
// project root) for sentinel markers.
func (h *Handlers) HandleMarkers(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "pattern query parameter is required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	locations, err := h.resolver.FindMarkersInFiles(filepath.Join(h.projectRoot, pattern))
	if err != nil {
		var rerr *patch.ResolutionError
		if errors.As(err, &rerr) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: err.Error(),
				Code:  "RESOLUTION_FAILED",
			})
			return
		}
		h.logger.Error("marker scan failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "SCAN_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, MarkersResponse{
		Pattern: pattern,
		Count:   len(locations),
		Markers: locations,
	})
}

// HandleHealth handles GET /v1/patches/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: "patchengine",
	})
}
