// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8780 {
		t.Errorf("Server.Port = %d, want 8780", cfg.Server.Port)
	}
	if cfg.Events.RetentionDays != 90 {
		t.Errorf("Events.RetentionDays = %d, want 90", cfg.Events.RetentionDays)
	}
	if cfg.Executor.Timeout != 30*time.Second {
		t.Errorf("Executor.Timeout = %v, want 30s", cfg.Executor.Timeout)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patchengine.yaml")
	content := `
server:
  port: 9000
events:
  path: /var/lib/patchengine/events
  retention_days: 14
executor:
  worker_path: /usr/local/bin/patchworker
  project_root: /srv/app
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Events.RetentionDays != 14 {
		t.Errorf("Events.RetentionDays = %d, want 14", cfg.Events.RetentionDays)
	}
	if cfg.Executor.ProjectRoot != "/srv/app" {
		t.Errorf("Executor.ProjectRoot = %q, want /srv/app", cfg.Executor.ProjectRoot)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want debug/text", cfg.Logging)
	}
	// Untouched fields keep their defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default", cfg.Server.Host)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PATCHENGINE_SERVER_PORT", "9100")
	t.Setenv("PATCHENGINE_PROJECT_ROOT", "/srv/other")
	t.Setenv("PATCHENGINE_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Executor.ProjectRoot != "/srv/other" {
		t.Errorf("Executor.ProjectRoot = %q, want /srv/other", cfg.Executor.ProjectRoot)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, false},
		{"missing events path", func(c *Config) { c.Events.Path = "" }, false},
		{"in-memory without path", func(c *Config) { c.Events.Path = ""; c.Events.InMemory = true }, true},
		{"negative retention", func(c *Config) { c.Events.RetentionDays = -1 }, false},
		{"missing worker path", func(c *Config) { c.Executor.WorkerPath = "" }, false},
		{"zero timeout", func(c *Config) { c.Executor.Timeout = 0 }, false},
		{"unknown level", func(c *Config) { c.Logging.Level = "trace" }, false},
		{"unknown format", func(c *Config) { c.Logging.Format = "logfmt" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantOK && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "patchengine.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, Default().Server.Port)
	}
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchengine.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	updated := []byte("server:\n  port: 9555\n")
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case got := <-reloaded:
		if got.Server.Port != 9555 {
			t.Errorf("reloaded port = %d, want 9555", got.Server.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_InvalidReloadDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patchengine.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c }, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case got := <-reloaded:
		t.Errorf("invalid config was delivered: %+v", got)
	case <-time.After(500 * time.Millisecond):
		// Expected: reload rejected, callback never fired.
	}
}
