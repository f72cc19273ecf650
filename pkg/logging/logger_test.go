// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Quiet:    true,
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Debug("dropped debug")
	logger.Info("dropped info")
	logger.Warn("kept warn")
	logger.Error("kept error")

	entries := exporter.Entries()
	if len(entries) != 2 {
		t.Fatalf("exported %d entries, want 2", len(entries))
	}
	if entries[0].Level != "WARN" || entries[0].Message != "kept warn" {
		t.Errorf("entry[0] = %+v, want WARN/kept warn", entries[0])
	}
	if entries[1].Level != "ERROR" {
		t.Errorf("entry[1].Level = %q, want ERROR", entries[1].Level)
	}
}

func TestLoggerExportsAttrs(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Quiet:    true,
		Service:  "patchengine",
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Info("batch accepted", "patch_id", "b1", "operations", 3)

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("exported %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Service != "patchengine" {
		t.Errorf("Service = %q, want patchengine", e.Service)
	}
	if e.Attrs["patch_id"] != "b1" {
		t.Errorf("Attrs[patch_id] = %v, want b1", e.Attrs["patch_id"])
	}
	if e.Attrs["operations"] != 3 {
		t.Errorf("Attrs[operations] = %v, want 3", e.Attrs["operations"])
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}
}

func TestLoggerWith(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	defer logger.Close()

	derived := logger.With("component", "orchestrator")
	derived.Info("message")

	// The derived logger shares the exporter.
	if len(exporter.Entries()) != 1 {
		t.Fatalf("exported %d entries, want 1", len(exporter.Entries()))
	}
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "testsvc",
		Quiet:   true,
	})

	logger.Info("written to file", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := "testsvc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	line := strings.TrimSpace(string(data))
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("log file is not JSON: %v\n%s", err, line)
	}
	if record["msg"] != "written to file" {
		t.Errorf("msg = %v, want written to file", record["msg"])
	}
	if record["key"] != "value" {
		t.Errorf("key = %v, want value", record["key"])
	}
	if record["service"] != "testsvc" {
		t.Errorf("service = %v, want testsvc", record["service"])
	}
}

func TestFileLoggingCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Info("hello")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("log directory missing: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("log directory has %d entries, want 1", len(entries))
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q, want unchanged", got)
	}
}

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"a", 1, "b", "two", 3, "dropped", "trailing"})
	if len(got) != 2 {
		t.Fatalf("map has %d keys, want 2: %v", len(got), got)
	}
	if got["a"] != 1 || got["b"] != "two" {
		t.Errorf("map = %v", got)
	}

	if argsToMap(nil) != nil {
		t.Error("argsToMap(nil) should be nil")
	}
}

func TestNopExporter(t *testing.T) {
	e := &NopExporter{}
	ctx := context.Background()
	if err := e.Export(ctx, LogEntry{}); err != nil {
		t.Errorf("Export: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Errorf("Flush: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
