// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the append-only patch event log and the
// broadcast channel that fans logged events out to live subscribers.
//
// The log is the single source of truth for patch lifecycle state:
// status queries are answered by replaying a patch's events, never from
// in-memory state. Events are immutable once written.
package events

import (
	"encoding/json"
	"time"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is a patch lifecycle state recorded on each event.
type Status string

const (
	// StatusReceived means the batch has been accepted for processing.
	StatusReceived Status = "RECEIVED"

	// StatusValidating means operations are being validated.
	StatusValidating Status = "VALIDATING"

	// StatusApplying means operations are being applied in order.
	StatusApplying Status = "APPLYING"

	// StatusCompleted means every operation applied successfully.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed means validation or application failed.
	StatusFailed Status = "FAILED"

	// StatusRollingBack means applied operations are being unwound.
	StatusRollingBack Status = "ROLLING_BACK"

	// StatusRolledBack means the unwind completed.
	StatusRolledBack Status = "ROLLED_BACK"

	// StatusRollbackFailed means the unwind itself failed.
	StatusRollbackFailed Status = "ROLLBACK_FAILED"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if no further lifecycle transitions follow.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusRollbackFailed:
		return true
	default:
		return false
	}
}

// =============================================================================
// EVENT TYPES
// =============================================================================

// Type identifies the kind of lifecycle event.
type Type string

const (
	// TypeProcessingStarted opens every batch run.
	TypeProcessingStarted Type = "PATCH_PROCESSING_STARTED"

	// TypeValidationStarted marks the beginning of batch validation.
	TypeValidationStarted Type = "PATCH_VALIDATION_STARTED"

	// TypeValidationPassed marks successful validation of all operations.
	TypeValidationPassed Type = "PATCH_VALIDATION_PASSED"

	// TypeValidationFailed marks a validation failure; no operations ran.
	TypeValidationFailed Type = "PATCH_VALIDATION_FAILED"

	// TypeOperationApplied records one successfully applied operation.
	TypeOperationApplied Type = "PATCH_OPERATION_APPLIED"

	// TypeOperationFailed records the operation that aborted the batch.
	TypeOperationFailed Type = "PATCH_OPERATION_FAILED"

	// TypeProcessingCompleted closes a fully successful run.
	TypeProcessingCompleted Type = "PATCH_PROCESSING_COMPLETED"

	// TypeProcessingFailed closes a failed run.
	TypeProcessingFailed Type = "PATCH_PROCESSING_FAILED"

	// TypeRollbackInitiated marks the start of an unwind.
	TypeRollbackInitiated Type = "PATCH_ROLLBACK_INITIATED"

	// TypeRollbackCompleted marks a successful unwind.
	TypeRollbackCompleted Type = "PATCH_ROLLBACK_COMPLETED"

	// TypeRollbackFailed marks a failed unwind.
	TypeRollbackFailed Type = "PATCH_ROLLBACK_FAILED"
)

// IsTerminalType returns true for event types that end a patch's
// lifecycle. Status replay uses this to distinguish a finished patch
// from one still in flight.
func (t Type) IsTerminalType() bool {
	switch t {
	case TypeValidationFailed, TypeProcessingCompleted, TypeProcessingFailed,
		TypeRollbackCompleted, TypeRollbackFailed:
		return true
	default:
		return false
	}
}

// =============================================================================
// EVENT
// =============================================================================

// Event is one immutable entry in the patch event log.
type Event struct {
	// ID is the store-assigned sequence number. Zero until logged.
	ID int64 `json:"id"`

	// PatchID is the batch this event belongs to. Required.
	PatchID string `json:"patchId"`

	// EventType is the lifecycle event kind. Required.
	EventType Type `json:"eventType"`

	// Status is the lifecycle state at the time of the event. Required.
	Status Status `json:"status"`

	// CreatedAt is the event timestamp. Required; UTC.
	CreatedAt time.Time `json:"createdAt"`

	// Metadata is an opaque serialized blob of event context.
	// Absent metadata deserializes to nil, never an error.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks that the event carries every required field.
func (e *Event) Validate() error {
	if e == nil {
		return ErrNilEvent
	}
	if e.PatchID == "" {
		return ErrMissingPatchID
	}
	if e.EventType == "" {
		return ErrMissingEventType
	}
	if e.Status == "" {
		return ErrMissingStatus
	}
	if e.CreatedAt.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// =============================================================================
// QUERY & STATS
// =============================================================================

// Filter narrows a QueryEvents scan. Zero-valued fields are ignored.
type Filter struct {
	// PatchID restricts results to one batch.
	PatchID string

	// EventType restricts results to one event kind.
	EventType Type

	// Status restricts results to one lifecycle state.
	Status Status

	// Since excludes events created before this time.
	Since time.Time

	// Until excludes events created after this time.
	Until time.Time

	// Limit caps the result size. Zero means DefaultPageSize.
	Limit int

	// Offset skips this many matching events.
	Offset int

	// Descending returns newest events first.
	Descending bool
}

// DefaultPageSize is the query result cap applied when no limit is set.
const DefaultPageSize = 50

// Stats aggregates the event log over a time window.
type Stats struct {
	// TotalEvents is the number of events in the window.
	TotalEvents int64 `json:"totalEvents"`

	// ByType counts events per event type.
	ByType map[Type]int64 `json:"byType"`

	// ByStatus counts events per lifecycle state.
	ByStatus map[Status]int64 `json:"byStatus"`

	// RecentFailures is the count of failure-kind events in the window.
	RecentFailures int64 `json:"recentFailures"`
}
