// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and watches the engine's YAML configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML file,
// PATCHENGINE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "patchengine.yaml"

// =============================================================================
// CONFIG
// =============================================================================

// Config is the full engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Events   EventsConfig   `yaml:"events"`
	Executor ExecutorConfig `yaml:"executor"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Host to bind. Default: 127.0.0.1.
	Host string `yaml:"host"`

	// Port to listen on. Default: 8780.
	Port int `yaml:"port"`

	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EventsConfig configures the event log.
type EventsConfig struct {
	// Path is the on-disk event database directory.
	Path string `yaml:"path"`

	// InMemory keeps the log in memory; for tests.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every append.
	SyncWrites bool `yaml:"sync_writes"`

	// RetentionDays bounds cleanupOldEvents. Default: 90.
	RetentionDays int `yaml:"retention_days"`

	// CleanupInterval between automatic retention sweeps. Zero
	// disables the sweeper.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ExecutorConfig configures operation application.
type ExecutorConfig struct {
	// WorkerPath is the patchworker binary.
	WorkerPath string `yaml:"worker_path"`

	// ProjectRoot confines all file mutations.
	ProjectRoot string `yaml:"project_root"`

	// WorkDir holds transient batch descriptors.
	WorkDir string `yaml:"work_dir"`

	// Timeout bounds one operation's application. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes caps captured worker output. Default: 1 MiB.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Format: json or text. Default: json.
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	AddSource bool `yaml:"add_source"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8780,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Events: EventsConfig{
			Path:            "data/events",
			RetentionDays:   90,
			CleanupInterval: 24 * time.Hour,
		},
		Executor: ExecutorConfig{
			WorkerPath:     "patchworker",
			ProjectRoot:    ".",
			Timeout:        30 * time.Second,
			MaxOutputBytes: 1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for values the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !c.Events.InMemory && c.Events.Path == "" {
		return fmt.Errorf("events.path must not be empty for an on-disk log")
	}
	if c.Events.RetentionDays < 0 {
		return fmt.Errorf("events.retention_days must not be negative")
	}
	if c.Executor.WorkerPath == "" {
		return fmt.Errorf("executor.worker_path must not be empty")
	}
	if c.Executor.ProjectRoot == "" {
		return fmt.Errorf("executor.project_root must not be empty")
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q unknown", c.Logging.Format)
	}
	return nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration at path, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No file; defaults plus environment.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the built-in configuration to path, creating
// parent directories as needed.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv overlays PATCHENGINE_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PATCHENGINE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PATCHENGINE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PATCHENGINE_EVENTS_PATH"); v != "" {
		cfg.Events.Path = v
	}
	if v := os.Getenv("PATCHENGINE_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.Events.RetentionDays = days
		}
	}
	if v := os.Getenv("PATCHENGINE_WORKER_PATH"); v != "" {
		cfg.Executor.WorkerPath = v
	}
	if v := os.Getenv("PATCHENGINE_PROJECT_ROOT"); v != "" {
		cfg.Executor.ProjectRoot = v
	}
	if v := os.Getenv("PATCHENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PATCHENGINE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
