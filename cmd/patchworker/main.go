// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command patchworker applies a batch descriptor to files and prints a
// structured result on stdout.
//
// The engine runs one patchworker process per operation so a crash or
// runaway edit in the mutation code cannot take down the engine.
// Contract: one descriptor in, one JSON result out. The result is
// printed even when operations fail; the exit code is 1 on any
// failure so shell callers can branch without parsing.
//
// Usage:
//
//	patchworker --apply descriptor.json --project-root /srv/app
//	patchworker --apply descriptor.json --project-root /srv/app --dry-run
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/patchengine/services/patch"
	"github.com/AleutianAI/patchengine/services/patch/worker"
)

func main() {
	var (
		descriptorPath = flag.String("apply", "", "Path to the batch descriptor JSON")
		projectRoot    = flag.String("project-root", "", "Directory all file operations are confined to")
		dryRun         = flag.Bool("dry-run", false, "Compute results and diffs without writing files")
		verbose        = flag.Bool("verbose", false, "Enable debug logging on stderr")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *descriptorPath == "" || *projectRoot == "" {
		fmt.Fprintln(os.Stderr, "patchworker: --apply and --project-root are required")
		flag.Usage()
		os.Exit(2)
	}

	os.Exit(run(*descriptorPath, *projectRoot, *dryRun, logger))
}

func run(descriptorPath, projectRoot string, dryRun bool, logger *slog.Logger) int {
	data, err := os.ReadFile(descriptorPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "patchworker: read descriptor: %v\n", err)
		return 2
	}

	var desc patch.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		fmt.Fprintf(os.Stderr, "patchworker: parse descriptor: %v\n", err)
		return 2
	}

	w, err := worker.New(worker.Config{
		ProjectRoot: projectRoot,
		DryRun:      dryRun,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "patchworker: %v\n", err)
		return 2
	}

	result := w.Apply(&desc)

	out, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "patchworker: encode result: %v\n", err)
		return 2
	}
	fmt.Println(string(out))

	if !result.Success {
		return 1
	}
	return 0
}
