// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor validates individual patch operations and delegates
// their application to an isolated worker.
//
// The executor never mutates files itself. Every apply goes through a
// Runner, normally a subprocess running the patchworker binary, so a
// crash or runaway edit in the mutation code cannot take down the
// engine. Tests swap in an in-memory Runner.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/patchengine/services/patch"
)

// =============================================================================
// RUNNER
// =============================================================================

// Runner applies a batch descriptor and reports per-operation results.
//
// Implementations: SubprocessRunner (production, out-of-process) and
// test doubles. A Runner must return a non-nil result whenever the
// descriptor was actually attempted, even if operations failed; a nil
// result means the attempt itself could not be made.
type Runner interface {
	Run(ctx context.Context, desc *patch.Descriptor) (*patch.WorkerResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, desc *patch.Descriptor) (*patch.WorkerResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, desc *patch.Descriptor) (*patch.WorkerResult, error) {
	return f(ctx, desc)
}

// =============================================================================
// EXECUTOR
// =============================================================================

// Config configures the executor.
type Config struct {
	// Timeout bounds a single operation's application.
	// Default: 30 seconds.
	Timeout time.Duration

	// Logger for executor operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

// Executor validates operations and applies them through a Runner.
//
// Thread Safety: safe for concurrent use. Each application is an
// independent Runner invocation.
type Executor struct {
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an executor over the given runner.
func New(runner Runner, cfg Config) (*Executor, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		runner:  runner,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With(slog.String("component", "executor")),
	}, nil
}

// ValidateOperation checks an operation's structure without touching
// any file.
//
// Outputs:
//
//	error - A *patch.ValidationError describing the first problem, or
//	        nil for a well-formed operation.
func (e *Executor) ValidateOperation(op *patch.Operation) error {
	if op == nil {
		return &patch.ValidationError{Reason: "operation must not be nil"}
	}
	return op.Validate()
}

// ApplyOperation applies one operation through the runner.
//
// # Description
//
// Wraps the operation in a single-entry descriptor, runs it under the
// configured timeout, and translates every failure mode (runner error,
// timeout, unsuccessful result) into a *patch.ApplyError carrying the
// worker's diagnostics.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	patchID - The owning batch, passed through for worker logs.
//	op - The operation to apply. Should already be validated.
//
// Outputs:
//
//	*patch.OperationResult - The worker's result on success, including
//	                         the unified diff of the mutation.
//	error - A *patch.ApplyError on any failure.
func (e *Executor) ApplyOperation(ctx context.Context, patchID string, op *patch.Operation) (*patch.OperationResult, error) {
	if ctx == nil {
		return nil, patch.ErrNilContext
	}
	if op == nil {
		return nil, &patch.ValidationError{Reason: "operation must not be nil"}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	desc := &patch.Descriptor{
		PatchID:    patchID,
		Operations: []patch.Operation{*op},
	}

	start := time.Now()
	res, err := e.runner.Run(ctx, desc)
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		e.logger.Warn("operation timed out",
			slog.String("patch_id", patchID),
			slog.String("op", string(op.Op)),
			slog.String("path", op.Path),
			slog.Duration("timeout", e.timeout))
		return nil, &patch.ApplyError{
			Op:       op.Op,
			Path:     op.Path,
			TimedOut: true,
			Cause:    ctx.Err(),
		}
	}
	if err != nil {
		var aerr *patch.ApplyError
		if errors.As(err, &aerr) {
			return nil, err
		}
		return nil, &patch.ApplyError{Op: op.Op, Path: op.Path, Cause: err}
	}
	if res == nil || len(res.Operations) == 0 {
		return nil, &patch.ApplyError{
			Op:    op.Op,
			Path:  op.Path,
			Cause: errors.New("runner returned no operation result"),
		}
	}

	opRes := res.Operations[0]
	if !opRes.Success {
		return nil, &patch.ApplyError{
			Op:     op.Op,
			Path:   op.Path,
			Output: opRes.Error,
			Cause:  errors.New(opRes.Error),
		}
	}

	e.logger.Debug("operation applied",
		slog.String("patch_id", patchID),
		slog.String("op", string(op.Op)),
		slog.String("path", op.Path),
		slog.Duration("duration", elapsed))

	return &opRes, nil
}
