// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"errors"
	"strconv"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNilBatch indicates a nil batch was passed to ApplyPatches.
	ErrNilBatch = errors.New("batch must not be nil")

	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrStoreClosed indicates the event store has been closed.
	ErrStoreClosed = errors.New("event store is closed")

	// ErrBatchFailed is the terminal error for a batch run that could not
	// complete. Wrapped by the specific failure underneath.
	ErrBatchFailed = errors.New("Batch processing failed")

	// ErrWorkerNotFound indicates the worker binary could not be located.
	ErrWorkerNotFound = errors.New("patch worker binary not found")

	// ErrPathEscape indicates an operation path resolved outside the
	// project root.
	ErrPathEscape = errors.New("operation path escapes project root")
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ValidationError indicates an operation or batch failed structural
// validation before any application was attempted.
type ValidationError struct {
	// Op is the operation kind, when the error is operation-scoped.
	Op OpKind

	// Index is the position of the failing operation in its batch,
	// or -1 when the error is batch-scoped.
	Index int

	// Reason is the human-readable explanation.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Op != "" {
		return "validation failed for " + string(e.Op) + " operation: " + e.Reason
	}
	return "validation failed: " + e.Reason
}

// ApplyError indicates an operation reached the worker but did not
// apply cleanly: worker failure, non-zero exit, timeout, or malformed
// worker output.
type ApplyError struct {
	// Op is the operation kind that failed.
	Op OpKind

	// Path is the operation target.
	Path string

	// ExitCode is the worker exit code, when a worker process ran.
	ExitCode int

	// Output is the captured worker stdout/stderr for diagnostics.
	Output string

	// TimedOut indicates the worker was killed by the deadline.
	TimedOut bool

	// Cause is the underlying error if any.
	Cause error
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	msg := "apply failed for " + string(e.Op) + " at " + e.Path
	if e.TimedOut {
		return msg + ": worker timed out"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg + ": exit code " + strconv.Itoa(e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *ApplyError) Unwrap() error {
	return e.Cause
}

// LoggingError indicates the event store rejected or failed to persist
// an event. Logging failures are fatal to the enclosing batch run: an
// unlogged transition is worse than an aborted one.
type LoggingError struct {
	// EventType is the event kind that failed to log.
	EventType string

	// PatchID is the batch the event belonged to.
	PatchID string

	// Cause is the underlying storage or validation error.
	Cause error
}

// Error implements the error interface.
func (e *LoggingError) Error() string {
	msg := "failed to log " + e.EventType + " event for patch " + e.PatchID
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *LoggingError) Unwrap() error {
	return e.Cause
}

// ResolutionError indicates a marker lookup could not complete: an
// unreadable file, a failed glob expansion, or a bad pattern. A marker
// that simply does not exist is NOT a ResolutionError.
type ResolutionError struct {
	// Path is the file or glob pattern that failed.
	Path string

	// Cause is the underlying I/O or pattern error.
	Cause error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	msg := "marker resolution failed for " + e.Path
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

// RollbackError indicates an applied operation has no safe inverse.
// Only "add" operations are invertible; everything else surfaces this
// error rather than guessing.
type RollbackError struct {
	// Op is the non-invertible operation kind.
	Op OpKind
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	return "Cannot rollback " + string(e.Op) + " operation"
}
