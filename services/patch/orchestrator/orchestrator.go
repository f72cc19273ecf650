// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives the patch batch state machine.
//
// A batch moves RECEIVED -> VALIDATING -> APPLYING -> {COMPLETED |
// FAILED}, optionally followed by ROLLING_BACK -> {ROLLED_BACK |
// ROLLBACK_FAILED}. Every transition is recorded in the event log
// before the run continues; the log, not the orchestrator, is the
// source of truth for batch status.
//
// The orchestrator holds no mutable state between calls. Multiple
// orchestrators may process different batches concurrently; operations
// within one batch are applied strictly sequentially because later
// operations may depend on earlier ones' edits to the same file.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/patchengine/services/patch"
	"github.com/AleutianAI/patchengine/services/patch/events"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// EventLog is the slice of the event store the orchestrator needs.
// *events.Store satisfies it.
type EventLog interface {
	LogEvent(ctx context.Context, e *events.Event) (int64, error)
	EventsForPatch(ctx context.Context, patchID string, limit, offset int) ([]*events.Event, error)
}

// Applier validates and applies individual operations.
// *executor.Executor satisfies it.
type Applier interface {
	ValidateOperation(op *patch.Operation) error
	ApplyOperation(ctx context.Context, patchID string, op *patch.Operation) (*patch.OperationResult, error)
}

// =============================================================================
// OPTIONS & RESULTS
// =============================================================================

// Options controls one ApplyPatches run.
type Options struct {
	// ValidateOnly checks every operation's structure and returns
	// without applying anything.
	ValidateOnly bool `json:"validateOnly,omitempty"`

	// DryRun validates and reports per-operation success without
	// invoking the execution unit.
	DryRun bool `json:"dryRun,omitempty"`

	// RollbackOnFailure reverse-applies already-applied operations
	// when a later operation fails.
	RollbackOnFailure bool `json:"rollbackOnFailure,omitempty"`
}

// Result is the terminal outcome of an ApplyPatches run.
type Result struct {
	// Success is true only when every operation applied (or validated,
	// for validate-only and dry runs).
	Success bool `json:"success"`

	// AppliedOperations counts operations that applied cleanly.
	AppliedOperations int `json:"appliedOperations"`

	// FailedOperations counts operations that failed. Fail-fast
	// processing means this is at most 1 per run.
	FailedOperations int `json:"failedOperations"`

	// Errors holds human-readable messages for every failure.
	Errors []string `json:"errors"`

	// Events are the log entries written during this run, in order.
	Events []*events.Event `json:"events"`

	// RollbackID identifies the rollback pass, when one ran.
	RollbackID string `json:"rollbackId,omitempty"`
}

// Progress reports how far a batch has advanced.
type Progress struct {
	// Total is the operation count recorded at the start of the run.
	Total int `json:"total"`

	// Applied is the number of per-operation success events so far.
	Applied int `json:"applied"`
}

// StatusResult is a batch's state derived by replaying its event log.
type StatusResult struct {
	// BatchID is the patch id the status describes.
	BatchID string `json:"batchId"`

	// Status is the latest terminal event's lifecycle state, or
	// "processing" when no terminal event exists yet.
	Status string `json:"status"`

	// Progress summarizes per-operation advancement.
	Progress Progress `json:"progress"`

	// Events is the full event history, oldest first.
	Events []*events.Event `json:"events"`
}

// RollbackRequest asks for an operator-triggered unwind of a batch's
// applied operations.
type RollbackRequest struct {
	// PatchID names the batch to unwind. Required.
	PatchID string `json:"patchId"`

	// RollbackID correlates the unwind. Generated when empty.
	RollbackID string `json:"rollbackId,omitempty"`

	// Reason is recorded in the rollback event's metadata.
	Reason string `json:"reason,omitempty"`
}

// RollbackResult is the outcome of a rollback pass.
type RollbackResult struct {
	// Success is true only when every applied operation was inverted
	// and the outcome was logged.
	Success bool `json:"success"`

	// RolledBackOperations counts successfully reverse-applied
	// operations.
	RolledBackOperations int `json:"rolledBackOperations"`

	// Errors holds messages for operations that could not be inverted.
	Errors []string `json:"errors"`

	// RollbackID identifies this pass.
	RollbackID string `json:"rollbackId"`
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Config configures an Orchestrator.
type Config struct {
	// Log receives every lifecycle event. Required.
	Log EventLog

	// Executor applies and validates operations. Required.
	Executor Applier

	// Logger for orchestrator operations. Default: slog.Default().
	Logger *slog.Logger
}

// Validate checks that required collaborators are present.
func (c *Config) Validate() error {
	if c.Log == nil {
		return errors.New("event log must not be nil")
	}
	if c.Executor == nil {
		return errors.New("executor must not be nil")
	}
	return nil
}

// Orchestrator coordinates validation, application, event logging, and
// rollback for patch batches.
//
// Thread Safety: safe for concurrent use. Each ApplyPatches call is an
// independent run; the only shared state is the injected event log,
// which is itself safe for concurrent use.
type Orchestrator struct {
	log      EventLog
	executor Applier
	logger   *slog.Logger
}

// New creates an orchestrator from the given collaborators.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		log:      cfg.Log,
		executor: cfg.Executor,
		logger:   cfg.Logger.With(slog.String("component", "orchestrator")),
	}, nil
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyPatches runs one batch through the state machine.
//
// # Description
//
// Validates the batch shape, logs PATCH_PROCESSING_STARTED, then either
// validates (validateOnly), simulates (dryRun), or applies each
// operation sequentially and fail-fast. A failed operation stops the
// run; when options.RollbackOnFailure is set, already-applied
// operations are reverse-applied in reverse order under a generated
// rollback id. The terminal PATCH_PROCESSING_COMPLETED or
// PATCH_PROCESSING_FAILED event is logged before any rollback events so
// the latest terminal event always reflects the batch's final state.
//
// A failure to log the start event is fatal to the whole run: without
// the log the engine cannot guarantee observability of its own actions,
// so the batch is reported failed wrapping ErrBatchFailed even though
// nothing was mutated.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	batch - The batch to process. Must be non-nil with a patch id.
//	opts - Run options.
//
// Outputs:
//
//	*Result - The run outcome, including every event logged. Non-nil
//	          whenever processing began.
//	error - ErrNilBatch / *patch.ValidationError for a malformed batch,
//	        or an error wrapping patch.ErrBatchFailed when the log
//	        rejected the start event.
func (o *Orchestrator) ApplyPatches(ctx context.Context, batch *patch.Batch, opts Options) (*Result, error) {
	if ctx == nil {
		return nil, patch.ErrNilContext
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.ApplyPatches",
		trace.WithAttributes(
			attribute.String("patch_id", batch.PatchID),
			attribute.Int("operations", len(batch.Operations)),
			attribute.Bool("validate_only", opts.ValidateOnly),
			attribute.Bool("dry_run", opts.DryRun),
		),
	)
	defer span.End()

	result := &Result{Errors: []string{}}

	// An empty batch has zero side effects; report success without
	// touching the log.
	if len(batch.Operations) == 0 {
		result.Success = true
		return result, nil
	}

	run := &runState{batch: batch, result: result}

	if err := o.logEvent(ctx, run, events.TypeProcessingStarted, events.StatusReceived, map[string]any{
		"operationCount": len(batch.Operations),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start event rejected")
		o.logger.Error("start event rejected, aborting batch",
			slog.String("patch_id", batch.PatchID),
			slog.String("error", err.Error()))
		result.Errors = append(result.Errors, patch.ErrBatchFailed.Error()+": "+err.Error())
		return result, fmt.Errorf("%w: %v", patch.ErrBatchFailed, err)
	}

	switch {
	case opts.ValidateOnly:
		o.validateOnly(ctx, run)
	case opts.DryRun:
		o.dryRun(ctx, run)
	default:
		o.apply(ctx, run, opts)
	}

	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.Int("applied", result.AppliedOperations),
		attribute.Int("failed", result.FailedOperations),
	)
	if !result.Success {
		span.SetStatus(codes.Error, "batch failed")
	}
	if run.logBroken {
		return result, fmt.Errorf("%w: %s", patch.ErrBatchFailed, result.Errors[len(result.Errors)-1])
	}
	return result, nil
}

// runState threads one run's bookkeeping through the phase helpers.
type runState struct {
	batch     *patch.Batch
	result    *Result
	applied   []patch.Operation
	logBroken bool
}

// validateOnly checks every operation's structure without applying any.
func (o *Orchestrator) validateOnly(ctx context.Context, run *runState) {
	if err := o.logEvent(ctx, run, events.TypeValidationStarted, events.StatusValidating, nil); err != nil {
		o.failLog(run, err)
		return
	}

	for i := range run.batch.Operations {
		op := &run.batch.Operations[i]
		if err := o.executor.ValidateOperation(op); err != nil {
			run.result.FailedOperations++
			run.result.Errors = append(run.result.Errors,
				fmt.Sprintf("operation %d: %s", i, err.Error()))
			if lerr := o.logEvent(ctx, run, events.TypeValidationFailed, events.StatusFailed, map[string]any{
				"operationIndex": i,
				"error":          err.Error(),
			}); lerr != nil {
				o.failLog(run, lerr)
			}
			return
		}
	}

	if err := o.logEvent(ctx, run, events.TypeValidationPassed, events.StatusValidating, nil); err != nil {
		o.failLog(run, err)
		return
	}
	if err := o.logEvent(ctx, run, events.TypeProcessingCompleted, events.StatusCompleted, map[string]any{
		"validateOnly": true,
	}); err != nil {
		o.failLog(run, err)
		return
	}
	run.result.Success = true
}

// dryRun validates each operation and records a simulated success
// without ever invoking the execution unit.
func (o *Orchestrator) dryRun(ctx context.Context, run *runState) {
	for i := range run.batch.Operations {
		op := &run.batch.Operations[i]
		if err := o.executor.ValidateOperation(op); err != nil {
			o.recordOpFailure(ctx, run, i, op, err)
			if !run.logBroken {
				if lerr := o.logEvent(ctx, run, events.TypeProcessingFailed, events.StatusFailed, map[string]any{
					"dryRun": true,
					"error":  err.Error(),
				}); lerr != nil {
					o.failLog(run, lerr)
				}
			}
			return
		}
		if err := o.logEvent(ctx, run, events.TypeOperationApplied, events.StatusApplying, map[string]any{
			"operationIndex": i,
			"operation":      op,
			"dryRun":         true,
		}); err != nil {
			o.failLog(run, err)
			return
		}
		run.result.AppliedOperations++
	}

	if err := o.logEvent(ctx, run, events.TypeProcessingCompleted, events.StatusCompleted, map[string]any{
		"dryRun": true,
	}); err != nil {
		o.failLog(run, err)
		return
	}
	run.result.Success = true
}

// apply runs the batch for real: validate, apply, log, fail-fast, and
// optionally roll back.
func (o *Orchestrator) apply(ctx context.Context, run *runState, opts Options) {
	for i := range run.batch.Operations {
		op := &run.batch.Operations[i]

		err := o.executor.ValidateOperation(op)
		if err == nil {
			_, err = o.executor.ApplyOperation(ctx, run.batch.PatchID, op)
		}
		if err != nil {
			o.recordOpFailure(ctx, run, i, op, err)
			if run.logBroken {
				return
			}
			if lerr := o.logEvent(ctx, run, events.TypeProcessingFailed, events.StatusFailed, map[string]any{
				"failedOperationIndex": i,
				"error":                err.Error(),
			}); lerr != nil {
				o.failLog(run, lerr)
				return
			}
			if opts.RollbackOnFailure && len(run.applied) > 0 {
				rb := o.rollback(ctx, run.batch.PatchID, run.applied, "", "", run)
				run.result.RollbackID = rb.RollbackID
				run.result.Errors = append(run.result.Errors, rb.Errors...)
			} else if opts.RollbackOnFailure {
				// Nothing applied yet; still surface a rollback id so
				// the caller can correlate the (empty) unwind.
				run.result.RollbackID = uuid.NewString()
			}
			return
		}

		if lerr := o.logEvent(ctx, run, events.TypeOperationApplied, events.StatusApplying, map[string]any{
			"operationIndex": i,
			"operation":      op,
		}); lerr != nil {
			o.failLog(run, lerr)
			return
		}
		run.applied = append(run.applied, *op)
		run.result.AppliedOperations++
	}

	if err := o.logEvent(ctx, run, events.TypeProcessingCompleted, events.StatusCompleted, map[string]any{
		"appliedOperations": run.result.AppliedOperations,
	}); err != nil {
		o.failLog(run, err)
		return
	}
	run.result.Success = true
}

// recordOpFailure logs the per-operation failure event and updates the
// result counters.
func (o *Orchestrator) recordOpFailure(ctx context.Context, run *runState, index int, op *patch.Operation, opErr error) {
	run.result.FailedOperations++
	run.result.Errors = append(run.result.Errors,
		fmt.Sprintf("operation %d (%s %s): %s", index, op.Op, op.Path, opErr.Error()))

	o.logger.Warn("operation failed, stopping batch",
		slog.String("patch_id", run.batch.PatchID),
		slog.Int("index", index),
		slog.String("op", string(op.Op)),
		slog.String("error", opErr.Error()))

	if lerr := o.logEvent(ctx, run, events.TypeOperationFailed, events.StatusApplying, map[string]any{
		"operationIndex": index,
		"operation":      op,
		"error":          opErr.Error(),
	}); lerr != nil {
		o.failLog(run, lerr)
	}
}

// failLog marks the run failed because the event log rejected a write.
// Unobserved mutation is treated as worse than a failed batch.
func (o *Orchestrator) failLog(run *runState, err error) {
	run.logBroken = true
	run.result.Success = false
	run.result.Errors = append(run.result.Errors, err.Error())
	o.logger.Error("event log write failed, aborting batch",
		slog.String("patch_id", run.batch.PatchID),
		slog.String("error", err.Error()))
}

// logEvent writes one lifecycle event and records it on the result.
func (o *Orchestrator) logEvent(ctx context.Context, run *runState, t events.Type, s events.Status, metadata map[string]any) error {
	e := &events.Event{
		PatchID:   run.batch.PatchID,
		EventType: t,
		Status:    s,
		CreatedAt: time.Now().UTC(),
	}
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return &patch.LoggingError{EventType: string(t), PatchID: run.batch.PatchID, Cause: err}
		}
		e.Metadata = data
	}

	id, err := o.log.LogEvent(ctx, e)
	if err != nil {
		return err
	}
	e.ID = id
	run.result.Events = append(run.result.Events, e)
	return nil
}

// =============================================================================
// ROLLBACK
// =============================================================================

// rollback reverse-applies the given operations in reverse order.
//
// Only kinds with a generically safe inverse can be unwound; the rest
// surface a RollbackError per operation and the pass is reported
// failed. A failing inverse is reported and not retried.
func (o *Orchestrator) rollback(ctx context.Context, patchID string, applied []patch.Operation, reason, id string, run *runState) *RollbackResult {
	if id == "" {
		id = uuid.NewString()
	}
	rb := &RollbackResult{
		RollbackID: id,
		Errors:     []string{},
	}

	logRollback := func(t events.Type, s events.Status, metadata map[string]any) error {
		metadata["rollbackId"] = rb.RollbackID
		if reason != "" {
			metadata["reason"] = reason
		}
		if run != nil {
			return o.logEvent(ctx, run, t, s, metadata)
		}
		data, err := json.Marshal(metadata)
		if err != nil {
			return &patch.LoggingError{EventType: string(t), PatchID: patchID, Cause: err}
		}
		_, err = o.log.LogEvent(ctx, &events.Event{
			PatchID:   patchID,
			EventType: t,
			Status:    s,
			CreatedAt: time.Now().UTC(),
			Metadata:  data,
		})
		return err
	}

	if err := logRollback(events.TypeRollbackInitiated, events.StatusRollingBack, map[string]any{
		"operations": len(applied),
	}); err != nil {
		rb.Errors = append(rb.Errors, err.Error())
		if run != nil {
			o.failLog(run, err)
		}
		return rb
	}

	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		reverse, err := op.Reverse()
		if err != nil {
			rb.Errors = append(rb.Errors, err.Error())
			continue
		}
		if _, err := o.executor.ApplyOperation(ctx, patchID, reverse); err != nil {
			rb.Errors = append(rb.Errors, fmt.Sprintf("rollback of %s %s: %s", op.Op, op.Path, err.Error()))
			continue
		}
		rb.RolledBackOperations++
	}

	rb.Success = len(rb.Errors) == 0
	t, s := events.TypeRollbackCompleted, events.StatusRolledBack
	if !rb.Success {
		t, s = events.TypeRollbackFailed, events.StatusRollbackFailed
	}
	if err := logRollback(t, s, map[string]any{
		"rolledBackOperations": rb.RolledBackOperations,
		"errors":               rb.Errors,
	}); err != nil {
		rb.Success = false
		rb.Errors = append(rb.Errors, err.Error())
		if run != nil {
			o.failLog(run, err)
		}
	}

	o.logger.Info("rollback finished",
		slog.String("patch_id", patchID),
		slog.String("rollback_id", rb.RollbackID),
		slog.Bool("success", rb.Success),
		slog.Int("rolled_back", rb.RolledBackOperations))

	return rb
}

// =============================================================================
// STATUS & OPERATOR ROLLBACK
// =============================================================================

// statusProcessing is reported while no terminal event exists.
const statusProcessing = "processing"

// PatchStatus derives a batch's state by replaying its event log.
//
// Outputs:
//
//	*StatusResult - The derived status, or nil when the patch has no
//	                events at all (nil, nil — absence is not an error).
//	error - Only on log read failures.
func (o *Orchestrator) PatchStatus(ctx context.Context, patchID string) (*StatusResult, error) {
	if ctx == nil {
		return nil, patch.ErrNilContext
	}

	evs, err := o.log.EventsForPatch(ctx, patchID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, nil
	}

	st := &StatusResult{
		BatchID: patchID,
		Status:  statusProcessing,
		Events:  evs,
	}
	for _, e := range evs {
		switch e.EventType {
		case events.TypeProcessingStarted:
			var meta struct {
				OperationCount int `json:"operationCount"`
			}
			if len(e.Metadata) > 0 {
				if err := json.Unmarshal(e.Metadata, &meta); err == nil {
					st.Progress.Total = meta.OperationCount
				}
			}
		case events.TypeOperationApplied:
			st.Progress.Applied++
		}
		if e.EventType.IsTerminalType() {
			// The latest terminal event wins: a rollback outcome
			// supersedes the processing-failed event that preceded it.
			st.Status = e.Status.String()
		}
	}
	return st, nil
}

// RollbackPatch unwinds a batch's applied operations outside of a live
// ApplyPatches run, e.g. triggered by an operator.
//
// # Description
//
// Replays the event log to recover the operations recorded as applied
// (dry-run applications are skipped), then reverse-applies them in
// reverse order. The outcome event carries the caller-supplied reason
// in its metadata. A logging failure here is surfaced as a rollback
// failure carrying the underlying error message.
//
// Outputs:
//
//	*RollbackResult - Always non-nil once the request shape is valid.
//	error - Only for a malformed request or a log read failure.
func (o *Orchestrator) RollbackPatch(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	if ctx == nil {
		return nil, patch.ErrNilContext
	}
	if req.PatchID == "" {
		return nil, &patch.ValidationError{Reason: "patchId must not be empty"}
	}

	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.RollbackPatch",
		trace.WithAttributes(attribute.String("patch_id", req.PatchID)),
	)
	defer span.End()

	evs, err := o.log.EventsForPatch(ctx, req.PatchID, 0, 0)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var applied []patch.Operation
	for _, e := range evs {
		if e.EventType != events.TypeOperationApplied || len(e.Metadata) == 0 {
			continue
		}
		var meta struct {
			Operation *patch.Operation `json:"operation"`
			DryRun    bool             `json:"dryRun"`
		}
		if err := json.Unmarshal(e.Metadata, &meta); err != nil || meta.Operation == nil || meta.DryRun {
			continue
		}
		applied = append(applied, *meta.Operation)
	}

	rb := o.rollback(ctx, req.PatchID, applied, req.Reason, req.RollbackID, nil)
	span.SetAttributes(
		attribute.Bool("success", rb.Success),
		attribute.Int("rolled_back", rb.RolledBackOperations),
	)
	if !rb.Success {
		span.SetStatus(codes.Error, "rollback failed")
	}
	return rb, nil
}
