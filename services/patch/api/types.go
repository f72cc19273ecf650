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
	"github.com/AleutianAI/patchengine/services/patch"
	"github.com/AleutianAI/patchengine/services/patch/orchestrator"
)

// ErrorResponse is the uniform error body for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ApplyRequest is the body of POST /v1/patches/apply.
type ApplyRequest struct {
	PatchID    string               `json:"patchId" binding:"required"`
	Operations []patch.Operation    `json:"operations"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
	Options    orchestrator.Options `json:"options"`
}

// RollbackBody is the body of POST /v1/patches/rollback.
type RollbackBody struct {
	PatchID    string `json:"patchId" binding:"required"`
	RollbackID string `json:"rollbackId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// HealthResponse is the body of GET /v1/patches/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// MarkersResponse is the body of GET /v1/patches/markers.
type MarkersResponse struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
	Markers any    `json:"markers"`
}
