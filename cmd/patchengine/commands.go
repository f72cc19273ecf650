// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchengine/services/patch/config"
)

// --- Global Command Variables ---
var (
	configPath string
	serverURL  string

	batchFile         string
	validateOnly      bool
	dryRun            bool
	rollbackOnFailure bool

	rollbackReason string
	rollbackID     string

	markerPattern string
	markerName    string

	eventsPatchID string
	eventsType    string
	eventsLimit   int
	eventsOffset  int
	eventsDesc    bool

	statsWindow   int
	retentionDays int

	rootCmd = &cobra.Command{
		Use:   "patchengine",
		Short: "A patch application and rollback engine with a durable event log",
		Long: `Patchengine applies ordered batches of file and JSON-document
operations, records every lifecycle transition in an append-only event
log, and can roll applied operations back.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the patch engine API server",
		RunE:  runServe, // Defined in serve.go
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			cmd.Printf("Wrote default config to %s\n", path)
			return nil
		},
	}

	applyCmd = &cobra.Command{
		Use:   "apply",
		Short: "Submit a batch file to the engine",
		RunE:  runApply, // Defined in client.go
	}

	statusCmd = &cobra.Command{
		Use:   "status [patch-id]",
		Short: "Show a batch's status derived from its event log",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus, // Defined in client.go
	}

	rollbackCmd = &cobra.Command{
		Use:   "rollback [patch-id]",
		Short: "Roll back a batch's applied operations",
		Args:  cobra.ExactArgs(1),
		RunE:  runRollback, // Defined in client.go
	}

	markersCmd = &cobra.Command{
		Use:   "markers",
		Short: "Scan files for sentinel markers",
		RunE:  runMarkers, // Defined in client.go
	}

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Query the patch event log",
		RunE:  runEvents, // Defined in client.go
	}

	eventsStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Aggregate event statistics over a time window",
		RunE:  runEventStats, // Defined in client.go
	}

	eventsCleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete events older than the retention window",
		RunE:  runEventCleanup, // Defined in client.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default patchengine.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8780", "Patch engine API base URL")

	applyCmd.Flags().StringVarP(&batchFile, "file", "f", "", "Batch JSON file (required)")
	applyCmd.Flags().BoolVar(&validateOnly, "validate-only", false, "Validate without applying")
	applyCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Simulate without applying")
	applyCmd.Flags().BoolVar(&rollbackOnFailure, "rollback-on-failure", false, "Unwind applied operations if one fails")
	_ = applyCmd.MarkFlagRequired("file")

	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "Reason recorded in the rollback event")
	rollbackCmd.Flags().StringVar(&rollbackID, "rollback-id", "", "Correlate with an existing rollback id")

	markersCmd.Flags().StringVar(&markerPattern, "pattern", "", "Glob pattern to scan (required)")
	markersCmd.Flags().StringVar(&markerName, "name", "", "Only show this marker")
	_ = markersCmd.MarkFlagRequired("pattern")

	eventsCmd.Flags().StringVar(&eventsPatchID, "patch-id", "", "Restrict to one batch")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Restrict to one event type")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "Maximum events to return")
	eventsCmd.Flags().IntVar(&eventsOffset, "offset", 0, "Events to skip")
	eventsCmd.Flags().BoolVar(&eventsDesc, "desc", false, "Newest first")

	eventsStatsCmd.Flags().IntVar(&statsWindow, "window", 24, "Window in hours (0 = whole log)")
	eventsCleanupCmd.Flags().IntVar(&retentionDays, "retention-days", 0, "Retention in days (0 = server default)")

	eventsCmd.AddCommand(eventsStatsCmd, eventsCleanupCmd)
	rootCmd.AddCommand(serveCmd, initCmd, applyCmd, statusCmd, rollbackCmd, markersCmd, eventsCmd)
}
