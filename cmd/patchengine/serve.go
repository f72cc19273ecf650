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
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/patchengine/pkg/logging"
	"github.com/AleutianAI/patchengine/services/patch/api"
	"github.com/AleutianAI/patchengine/services/patch/config"
	"github.com/AleutianAI/patchengine/services/patch/events"
	"github.com/AleutianAI/patchengine/services/patch/executor"
	"github.com/AleutianAI/patchengine/services/patch/orchestrator"
)

// runServe wires the engine together and serves until interrupted.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		JSON:    cfg.Logging.Format == "json",
		Service: "patchengine",
	})
	defer logger.Close()
	slogger := logger.Slog()

	broadcaster := events.NewBroadcaster(slogger)
	defer broadcaster.Close()

	store, err := events.NewStore(events.Config{
		Path:          cfg.Events.Path,
		InMemory:      cfg.Events.InMemory,
		SyncWrites:    cfg.Events.SyncWrites,
		RetentionDays: cfg.Events.RetentionDays,
		Logger:        slogger,
		Broadcaster:   broadcaster,
	})
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	runner, err := executor.NewSubprocessRunner(executor.SubprocessConfig{
		WorkerPath:     cfg.Executor.WorkerPath,
		ProjectRoot:    cfg.Executor.ProjectRoot,
		WorkDir:        cfg.Executor.WorkDir,
		MaxOutputBytes: int(cfg.Executor.MaxOutputBytes),
		Logger:         slogger,
	})
	if err != nil {
		return fmt.Errorf("create worker runner: %w", err)
	}

	exec, err := executor.New(runner, executor.Config{
		Timeout: cfg.Executor.Timeout,
		Logger:  slogger,
	})
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Log:      store,
		Executor: exec,
		Logger:   slogger,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	handlers, err := api.NewHandlers(api.HandlersConfig{
		Engine:      orch,
		Events:      store,
		Broadcaster: broadcaster,
		ProjectRoot: cfg.Executor.ProjectRoot,
		Logger:      slogger,
	})
	if err != nil {
		return fmt.Errorf("create handlers: %w", err)
	}
	server := api.NewServer(cfg.Server, handlers, slogger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(ctx)
	})

	// Retention sweeper.
	if cfg.Events.CleanupInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Events.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					deleted, err := store.CleanupOldEvents(ctx, cfg.Events.RetentionDays)
					if err != nil {
						logger.Warn("retention sweep failed", "error", err)
						continue
					}
					if deleted > 0 {
						logger.Info("retention sweep", "deleted", deleted)
					}
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	// Config hot reload; currently only the log level reacts without
	// a restart.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		logger.Info("configuration reloaded",
			"log_level", next.Logging.Level)
	}, slogger)
	if err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		g.Go(func() error {
			watcher.Start(ctx)
			return nil
		})
	}

	logger.Info("patch engine started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"project_root", cfg.Executor.ProjectRoot)

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
