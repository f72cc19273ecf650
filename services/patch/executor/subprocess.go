// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/AleutianAI/patchengine/services/patch"
)

// =============================================================================
// SUBPROCESS RUNNER
// =============================================================================

// SubprocessConfig configures the out-of-process runner.
type SubprocessConfig struct {
	// WorkerPath is the path to the patchworker binary. Required.
	WorkerPath string

	// ProjectRoot confines worker file operations. Required.
	ProjectRoot string

	// WorkDir holds transient descriptor files. Default: os.TempDir().
	WorkDir string

	// MaxOutputBytes caps captured worker output. Default: 1MB.
	MaxOutputBytes int

	// Logger for runner operations. Default: slog.Default().
	Logger *slog.Logger
}

// Validate checks if the configuration is valid.
func (c *SubprocessConfig) Validate() error {
	if c.WorkerPath == "" {
		return patch.ErrWorkerNotFound
	}
	if c.ProjectRoot == "" {
		return fmt.Errorf("project root must not be empty")
	}
	return nil
}

// SubprocessRunner applies descriptors by invoking the patchworker
// binary.
//
// # Description
//
// Each run serializes the descriptor to a transient JSON file, executes
//
//	patchworker --apply <file> --project-root <root> [--dry-run]
//
// and decodes the result document from the worker's stdout. The worker
// exits non-zero when any operation failed but still prints a full
// result, so a decodable result takes precedence over the exit code.
//
// Thread Safety: safe for concurrent use. Each run has its own process
// and descriptor file.
type SubprocessRunner struct {
	config SubprocessConfig
	logger *slog.Logger
}

// NewSubprocessRunner creates a runner for the worker binary.
func NewSubprocessRunner(cfg SubprocessConfig) (*SubprocessRunner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.WorkerPath); err != nil {
		return nil, fmt.Errorf("%w: %s", patch.ErrWorkerNotFound, cfg.WorkerPath)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SubprocessRunner{
		config: cfg,
		logger: cfg.Logger.With(slog.String("component", "subprocess_runner")),
	}, nil
}

// Run implements Runner.
func (r *SubprocessRunner) Run(ctx context.Context, desc *patch.Descriptor) (*patch.WorkerResult, error) {
	if ctx == nil {
		return nil, patch.ErrNilContext
	}
	if desc == nil || len(desc.Operations) == 0 {
		return nil, fmt.Errorf("descriptor must contain at least one operation")
	}

	descPath, err := r.writeDescriptor(desc)
	if err != nil {
		return nil, fmt.Errorf("write descriptor: %w", err)
	}
	defer os.Remove(descPath)

	args := []string{
		"--apply", descPath,
		"--project-root", r.config.ProjectRoot,
	}
	if desc.DryRun {
		args = append(args, "--dry-run")
	}

	cmd := exec.CommandContext(ctx, r.config.WorkerPath, args...)
	cmd.Dir = r.config.ProjectRoot

	var stdout, stderr bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdout, limit: r.config.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderr, limit: r.config.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	r.logger.Debug("invoking worker",
		slog.String("patch_id", desc.PatchID),
		slog.Int("operations", len(desc.Operations)),
		slog.Bool("dry_run", desc.DryRun))

	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &patch.ApplyError{
			Op:       desc.Operations[0].Op,
			Path:     desc.Operations[0].Path,
			TimedOut: true,
			Output:   stderr.String(),
			Cause:    ctx.Err(),
		}
	}

	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, &patch.ApplyError{
				Op:     desc.Operations[0].Op,
				Path:   desc.Operations[0].Path,
				Output: stderr.String(),
				Cause:  runErr,
			}
		}
		exitCode = exitErr.ExitCode()
	}

	// The worker prints a result document even on failure exits.
	var result patch.WorkerResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, &patch.ApplyError{
			Op:       desc.Operations[0].Op,
			Path:     desc.Operations[0].Path,
			ExitCode: exitCode,
			Output:   stdout.String() + stderr.String(),
			Cause:    fmt.Errorf("decode worker output: %w", err),
		}
	}

	r.logger.Debug("worker finished",
		slog.String("patch_id", desc.PatchID),
		slog.Bool("success", result.Success),
		slog.Int("exit_code", exitCode),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed))

	return &result, nil
}

// writeDescriptor serializes a descriptor to a transient file.
func (r *SubprocessRunner) writeDescriptor(desc *patch.Descriptor) (string, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.config.WorkDir, fmt.Sprintf("patch-%s.json", uuid.NewString()))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// =============================================================================
// LIMITED WRITER
// =============================================================================

// limitedWriter wraps a writer with a size limit. Writes past the
// limit are silently discarded; the reported count always covers the
// full input so io.Copy (and exec.Cmd's output plumbing) never sees a
// short write.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return total, nil
	}

	if remaining := lw.limit - lw.written; len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}

	n, err := lw.w.Write(p)
	lw.written += n
	if err != nil {
		return n, err
	}
	return total, nil
}
