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
	"encoding/json"
	"strings"
)

// =============================================================================
// OPERATION KINDS
// =============================================================================

// OpKind identifies the kind of edit an operation performs.
type OpKind string

const (
	// OpAdd inserts a value at a JSON-pointer path.
	OpAdd OpKind = "add"

	// OpRemove deletes the value at a JSON-pointer path.
	OpRemove OpKind = "remove"

	// OpReplace overwrites the value at a JSON-pointer path.
	OpReplace OpKind = "replace"

	// OpMove relocates the value at From to Path.
	OpMove OpKind = "move"

	// OpCopy duplicates the value at From to Path.
	OpCopy OpKind = "copy"

	// OpTest asserts the value at Path equals Value.
	OpTest OpKind = "test"

	// OpReplaceBlock replaces lines Start..End (1-indexed, inclusive)
	// of a source file with Block.
	OpReplaceBlock OpKind = "replace-block"

	// OpInsertBefore inserts Block before line Line of a source file.
	OpInsertBefore OpKind = "insert-before"

	// OpInsertAfter inserts Block after line Line of a source file.
	OpInsertAfter OpKind = "insert-after"

	// OpAppend appends Block to the end of a source file.
	OpAppend OpKind = "append"

	// OpPrepend prepends Block to the beginning of a source file.
	OpPrepend OpKind = "prepend"
)

// generic ops address structured JSON documents via JSON-pointer paths;
// line ops address source files via 1-indexed line coordinates.
var (
	genericOps = map[OpKind]bool{
		OpAdd: true, OpRemove: true, OpReplace: true,
		OpMove: true, OpCopy: true, OpTest: true,
	}
	lineOps = map[OpKind]bool{
		OpReplaceBlock: true, OpInsertBefore: true, OpInsertAfter: true,
		OpAppend: true, OpPrepend: true,
	}
)

// IsGeneric returns true for the JSON-pointer operation kinds.
func (k OpKind) IsGeneric() bool { return genericOps[k] }

// IsLineEdit returns true for the surgical line-edit operation kinds.
func (k OpKind) IsLineEdit() bool { return lineOps[k] }

// IsValid returns true if the kind is one of the recognized operations.
func (k OpKind) IsValid() bool { return genericOps[k] || lineOps[k] }

// =============================================================================
// OPERATION
// =============================================================================

// Operation is one atomic edit intent within a batch.
//
// The Value payload is opaque to the engine: it is stored and forwarded
// to the worker but never interpreted by the orchestrator.
type Operation struct {
	// Op is the operation kind. Must be one of the recognized kinds.
	Op OpKind `json:"op"`

	// Path identifies the target: a JSON-pointer for generic kinds
	// (must start with "/"), or a file path for line-edit kinds.
	// Never empty.
	Path string `json:"path"`

	// File names the JSON document a generic operation applies to.
	// Unused by line-edit kinds, whose Path is the file.
	File string `json:"file,omitempty"`

	// Value is the payload for add/replace/test. Opaque blob.
	Value json.RawMessage `json:"value,omitempty"`

	// From is the source path for move/copy.
	From string `json:"from,omitempty"`

	// Start and End bound a replace-block edit (1-indexed, inclusive).
	Start int `json:"start,omitempty"`
	End   int `json:"end,omitempty"`

	// Line is the anchor for insert-before/insert-after (1-indexed).
	Line int `json:"line,omitempty"`

	// Block is the inline content for line-edit kinds.
	Block string `json:"block,omitempty"`

	// BlockFile references a file whose contents are used when Block
	// is empty.
	BlockFile string `json:"blockFile,omitempty"`

	// OpenSpace disables indentation preservation for line-edit kinds.
	OpenSpace bool `json:"openSpace,omitempty"`

	// TaskID correlates the operation to an originating work item.
	TaskID string `json:"taskId,omitempty"`
}

// Validate checks that the operation carries the fields its kind requires.
//
// Outputs:
//
//	error - A *ValidationError describing the first problem found, or nil.
func (o *Operation) Validate() error {
	if !o.Op.IsValid() {
		return &ValidationError{Op: o.Op, Reason: "Invalid operation type"}
	}
	if o.Path == "" {
		return &ValidationError{Op: o.Op, Reason: "path must not be empty"}
	}

	if o.Op.IsGeneric() {
		if !strings.HasPrefix(o.Path, "/") {
			return &ValidationError{Op: o.Op, Reason: "Invalid path format"}
		}
		switch o.Op {
		case OpAdd, OpReplace, OpTest:
			if len(o.Value) == 0 {
				return &ValidationError{Op: o.Op, Reason: "value is required for " + string(o.Op)}
			}
		case OpMove, OpCopy:
			if o.From == "" {
				return &ValidationError{Op: o.Op, Reason: "from is required for " + string(o.Op)}
			}
			if !strings.HasPrefix(o.From, "/") {
				return &ValidationError{Op: o.Op, Reason: "Invalid path format"}
			}
		}
		return nil
	}

	// Line-edit kinds.
	switch o.Op {
	case OpReplaceBlock:
		if o.Start < 1 || o.End < o.Start {
			return &ValidationError{Op: o.Op, Reason: "replace-block requires start and end line numbers"}
		}
	case OpInsertBefore, OpInsertAfter:
		if o.Line < 1 {
			return &ValidationError{Op: o.Op, Reason: string(o.Op) + " requires a line number"}
		}
	}
	if o.Block == "" && o.BlockFile == "" {
		return &ValidationError{Op: o.Op, Reason: "either block or blockFile must be provided"}
	}
	return nil
}

// Reverse computes the inverse operation that undoes this one.
//
// # Description
//
// Only "add" has a generically safe inverse (remove at the same path).
// All other kinds return a *RollbackError: the engine refuses to guess
// at inverses it cannot guarantee, and reports the limitation instead
// of silently skipping.
//
// Outputs:
//
//	*Operation - The inverse, for invertible kinds.
//	error - A *RollbackError for non-invertible kinds.
func (o *Operation) Reverse() (*Operation, error) {
	switch o.Op {
	case OpAdd:
		return &Operation{Op: OpRemove, Path: o.Path, File: o.File, TaskID: o.TaskID}, nil
	default:
		return nil, &RollbackError{Op: o.Op}
	}
}

// =============================================================================
// BATCH
// =============================================================================

// Batch is an ordered, non-empty sequence of operations tracked under
// one patch id.
//
// Ownership: the batch belongs to the caller for the duration of the
// run. The orchestrator keeps no state beyond the active run; all
// durable state lives in the event store.
type Batch struct {
	// PatchID uniquely identifies the batch for the lifetime of the log.
	PatchID string `json:"patchId"`

	// Operations are applied strictly in order. Later operations may
	// depend on earlier ones' side effects on the same file.
	Operations []Operation `json:"operations"`

	// Metadata is free-form caller context, stored but not interpreted.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the batch-level invariants.
func (b *Batch) Validate() error {
	if b == nil {
		return ErrNilBatch
	}
	if b.PatchID == "" {
		return &ValidationError{Reason: "patchId must not be empty"}
	}
	return nil
}

// =============================================================================
// WORKER DESCRIPTOR & RESULT
// =============================================================================

// Descriptor is the serialized form handed to the isolated worker:
// one descriptor in, one structured result out.
type Descriptor struct {
	// PatchID identifies the originating batch.
	PatchID string `json:"patchId"`

	// Operations to apply, in order.
	Operations []Operation `json:"operations"`

	// DryRun computes and reports results without writing files.
	DryRun bool `json:"dryRun,omitempty"`
}

// OperationResult is the worker's per-operation outcome.
type OperationResult struct {
	// Success indicates whether the operation applied cleanly.
	Success bool `json:"success"`

	// Op is the operation kind that was attempted.
	Op OpKind `json:"op"`

	// Path is the operation target.
	Path string `json:"path"`

	// Diff is a unified diff of the mutation, when one was produced.
	Diff string `json:"diff,omitempty"`

	// Error is the failure message when Success is false.
	Error string `json:"error,omitempty"`
}

// WorkerResult is the single structured result the worker emits on
// stdout for a descriptor.
type WorkerResult struct {
	PatchID    string            `json:"patchId"`
	Success    bool              `json:"success"`
	Operations []OperationResult `json:"operations"`
	Total      int               `json:"total"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
}
