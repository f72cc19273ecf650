// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker is the file mutation engine behind the patchworker
// binary.
//
// It applies a batch descriptor's operations sequentially and
// fail-fast: the first failing operation stops the run, and every
// earlier mutation stays on disk for the orchestrator to unwind. All
// file access is confined to the configured project root.
//
// Two operation families are supported:
//
//   - line edits (replace-block, insert-before, insert-after, append,
//     prepend) against arbitrary source files, preserving the target
//     line's indentation unless the operation sets openSpace
//   - JSON-document edits (add, remove, replace, move, copy, test)
//     against JSON files, addressed by RFC 6901 pointers
//
// Every successful mutation produces a unified diff in its result.
package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/patchengine/services/patch"
)

// =============================================================================
// WORKER
// =============================================================================

// Config configures the worker.
type Config struct {
	// ProjectRoot confines all file operations. Required.
	ProjectRoot string

	// DryRun computes results and diffs without writing files.
	DryRun bool

	// Logger for worker operations. Default: slog.Default().
	Logger *slog.Logger
}

// Worker applies batch descriptors to files under the project root.
//
// Thread Safety: a Worker is stateless between Apply calls, but two
// concurrent Apply calls touching the same file can race. The engine
// runs one worker process per operation, so this does not arise in
// production.
type Worker struct {
	root   string
	dryRun bool
	logger *slog.Logger
}

// New creates a worker rooted at cfg.ProjectRoot.
func New(cfg Config) (*Worker, error) {
	if cfg.ProjectRoot == "" {
		return nil, fmt.Errorf("project root must not be empty")
	}
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		root:   root,
		dryRun: cfg.DryRun,
		logger: cfg.Logger.With(slog.String("component", "worker")),
	}, nil
}

// Apply runs every operation in the descriptor, in order, stopping at
// the first failure.
//
// Outputs:
//
//	*patch.WorkerResult - Always non-nil. Success is true only when
//	                      every operation applied.
func (w *Worker) Apply(desc *patch.Descriptor) *patch.WorkerResult {
	result := &patch.WorkerResult{
		PatchID: desc.PatchID,
		Total:   len(desc.Operations),
	}

	dryRun := w.dryRun || desc.DryRun

	for i := range desc.Operations {
		op := &desc.Operations[i]
		diff, err := w.applyOperation(op, dryRun)

		opRes := patch.OperationResult{
			Op:   op.Op,
			Path: op.Path,
			Diff: diff,
		}
		if err != nil {
			opRes.Error = err.Error()
			result.Operations = append(result.Operations, opRes)
			result.Failed++
			w.logger.Error("operation failed",
				slog.String("patch_id", desc.PatchID),
				slog.Int("index", i),
				slog.String("op", string(op.Op)),
				slog.String("error", err.Error()))
			break
		}

		opRes.Success = true
		result.Operations = append(result.Operations, opRes)
		result.Succeeded++
	}

	result.Success = result.Failed == 0 && result.Succeeded == result.Total
	return result
}

// applyOperation dispatches one operation and returns its diff.
func (w *Worker) applyOperation(op *patch.Operation, dryRun bool) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	if op.Op.IsGeneric() {
		return w.applyJSONOperation(op, dryRun)
	}
	return w.applyLineEdit(op, dryRun)
}

// safePath resolves a relative path inside the project root, rejecting
// escapes.
func (w *Worker) safePath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", patch.ErrPathEscape, rel)
	}
	abs := filepath.Join(w.root, rel)
	cleaned := filepath.Clean(abs)
	if cleaned != w.root && !strings.HasPrefix(cleaned, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", patch.ErrPathEscape, rel)
	}
	return cleaned, nil
}

// =============================================================================
// LINE EDITS
// =============================================================================

// applyLineEdit performs a surgical line edit on a source file.
func (w *Worker) applyLineEdit(op *patch.Operation, dryRun bool) (string, error) {
	path, err := w.safePath(op.Path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", op.Path, err)
	}
	original := string(data)
	lines := strings.Split(original, "\n")

	block, err := w.blockContent(op)
	if err != nil {
		return "", err
	}

	var edited []string
	switch op.Op {
	case patch.OpReplaceBlock:
		edited, err = w.replaceBlock(lines, op, block)
	case patch.OpInsertBefore:
		edited, err = w.insertAt(lines, op, block, true)
	case patch.OpInsertAfter:
		edited, err = w.insertAt(lines, op, block, false)
	case patch.OpAppend:
		edited = appendBlock(lines, block)
	case patch.OpPrepend:
		edited = prependBlock(lines, block)
	default:
		return "", &patch.ValidationError{Op: op.Op, Reason: "Invalid operation type"}
	}
	if err != nil {
		return "", err
	}

	updated := strings.Join(edited, "\n")
	diff, err := unifiedDiff(op.Path, original, updated)
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}

	if !dryRun {
		if err := w.writeFile(path, updated); err != nil {
			return "", err
		}
	}
	return diff, nil
}

// blockContent resolves the inline block or the referenced block file.
func (w *Worker) blockContent(op *patch.Operation) ([]string, error) {
	content := op.Block
	if content == "" && op.BlockFile != "" {
		path, err := w.safePath(op.BlockFile)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read block file %s: %w", op.BlockFile, err)
		}
		content = strings.TrimRight(string(data), "\n")
	}
	return strings.Split(content, "\n"), nil
}

// replaceBlock replaces lines op.Start..op.End (1-indexed, inclusive).
func (w *Worker) replaceBlock(lines []string, op *patch.Operation, block []string) ([]string, error) {
	if op.Start > len(lines) || op.End > len(lines) {
		return nil, fmt.Errorf("line range %d-%d out of range (file has %d lines)",
			op.Start, op.End, len(lines))
	}

	indented := indentLike(block, lines[op.Start-1], op.OpenSpace)

	out := make([]string, 0, len(lines)-(op.End-op.Start+1)+len(indented))
	out = append(out, lines[:op.Start-1]...)
	out = append(out, indented...)
	out = append(out, lines[op.End:]...)
	return out, nil
}

// insertAt inserts the block before or after line op.Line (1-indexed).
// insert-before additionally accepts the one-past-the-end line, which
// appends to the file; there is no anchor line there, so no
// indentation is applied.
func (w *Worker) insertAt(lines []string, op *patch.Operation, block []string, before bool) ([]string, error) {
	limit := len(lines)
	if before {
		limit = len(lines) + 1
	}
	if op.Line > limit {
		return nil, fmt.Errorf("line %d out of range (file has %d lines)", op.Line, len(lines))
	}

	indented := block
	if op.Line <= len(lines) {
		indented = indentLike(block, lines[op.Line-1], op.OpenSpace)
	}

	at := op.Line // insert-after: new lines follow the anchor
	if before {
		at = op.Line - 1
	}

	out := make([]string, 0, len(lines)+len(indented))
	out = append(out, lines[:at]...)
	out = append(out, indented...)
	out = append(out, lines[at:]...)
	return out, nil
}

func appendBlock(lines, block []string) []string {
	// Keep the trailing newline convention: insert before a final
	// empty element when the file ends with a newline.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		out := make([]string, 0, n+len(block))
		out = append(out, lines[:n-1]...)
		out = append(out, block...)
		out = append(out, "")
		return out
	}
	return append(append([]string{}, lines...), block...)
}

func prependBlock(lines, block []string) []string {
	return append(append([]string{}, block...), lines...)
}

// indentLike re-indents the first block line to match the anchor
// line's leading whitespace; the remaining lines keep the indentation
// they came with. A blank anchor or openSpace leaves the block
// verbatim.
func indentLike(block []string, anchor string, openSpace bool) []string {
	if openSpace || len(block) == 0 || strings.TrimSpace(anchor) == "" {
		return block
	}
	indent := anchor[:len(anchor)-len(strings.TrimLeft(anchor, " \t"))]
	out := make([]string, len(block))
	copy(out, block)
	out[0] = indent + strings.TrimLeft(out[0], " \t")
	return out
}

// writeFile writes updated content preserving the original mode.
func (w *Worker) writeFile(path, content string) error {
	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
