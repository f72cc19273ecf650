// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch defines the shared data model and error taxonomy for the
// patch application and rollback engine.
//
// The engine takes a batch of structural edits destined for arbitrary
// source files, locates their targets, applies them through an isolated
// worker process, records every lifecycle transition in an append-only
// event log, broadcasts those transitions to live subscribers, and can
// unwind a partially-applied batch when a later operation fails:
//
//	          ┌──────────────────┐
//	 batch ──▶│ PatchOrchestrator│──▶ events.Store (append-only log)
//	          │  (state machine) │──▶ events.Broadcaster (live fan-out)
//	          └────────┬─────────┘
//	                   ▼
//	          ┌──────────────────┐
//	          │ OperationExecutor│──▶ patchworker subprocess
//	          └──────────────────┘       (isolated file mutation)
//
// Sub-packages:
//
//   - marker: resolves sentinel comment tags to physical file locations
//   - events: BadgerDB-backed event store plus the broadcast channel
//   - executor: per-operation validation and worker delegation
//   - orchestrator: the batch state machine (apply, status, rollback)
//   - worker: the line-edit and JSON-document mutation engine used by
//     the cmd/patchworker binary
//   - api: thin gin HTTP/WebSocket surface over the orchestrator
//   - config: YAML configuration with env overrides and hot reload
//
// This root package holds only types and errors so that every
// sub-package can share them without import cycles.
//
// # Guarantees
//
// The engine guarantees ordered, logged, best-effort sequential
// application with explicit rollback semantics for invertible
// operations. It does not resolve merge conflicts, does not diff two
// full file trees, and does not provide atomic multi-file application.
// Two batches editing the same file concurrently can race; operations
// within one batch never run concurrently.
package patch
