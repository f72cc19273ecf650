// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/patchengine/services/patch"
	"github.com/AleutianAI/patchengine/services/patch/storage/badger"
)

// -----------------------------------------------------------------------------
// Store Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilEvent is returned when a nil event is logged.
	ErrNilEvent = errors.New("event must not be nil")

	// ErrMissingPatchID is returned when an event has no patch id.
	ErrMissingPatchID = errors.New("event patch_id must not be empty")

	// ErrMissingEventType is returned when an event has no type.
	ErrMissingEventType = errors.New("event type must not be empty")

	// ErrMissingStatus is returned when an event has no status.
	ErrMissingStatus = errors.New("event status must not be empty")

	// ErrMissingTimestamp is returned when an event has a zero timestamp.
	ErrMissingTimestamp = errors.New("event created_at must not be zero")
)

// -----------------------------------------------------------------------------
// Store Configuration
// -----------------------------------------------------------------------------

// Config configures the event store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent mode.
	Path string

	// InMemory uses an in-memory BadgerDB (for testing).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// MUST be true in production: an acknowledged event must survive
	// a crash. Default: true.
	SyncWrites bool

	// RetentionDays is the default retention for CleanupOldEvents.
	// Default: 90.
	RetentionDays int

	// Logger for store operations. Default: slog.Default().
	Logger *slog.Logger

	// Broadcaster receives every successfully logged event.
	// Optional; nil disables fan-out.
	Broadcaster *Broadcaster
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:    true,
		RetentionDays: DefaultRetentionDays,
		Logger:        slog.Default(),
	}
}

// DefaultRetentionDays is the event retention applied when cleanup is
// invoked without an explicit window.
const DefaultRetentionDays = 90

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent store")
	}
	if c.RetentionDays < 0 {
		return errors.New("retention_days must be non-negative")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Store Implementation
// -----------------------------------------------------------------------------

// Store is the append-only, BadgerDB-backed patch event log.
//
// # Description
//
// Every event is written under a monotonic sequence key plus a per-patch
// index key, so both global time-ordered scans and per-patch replays are
// single prefix iterations:
//
//	Key format: "event:{seq:016d}"            -> event JSON
//	Index:      "patch:{patch_id}:{seq:016d}" -> (empty)
//
// Events are never updated or rewritten; the only mutation besides
// append is retention cleanup.
//
// Thread Safety: safe for concurrent use from multiple goroutines.
type Store struct {
	db     *badger.DB
	config Config
	logger *slog.Logger

	seq    atomic.Int64
	closed atomic.Bool
}

// NewStore opens the event log.
//
// Outputs:
//
//	*Store - Ready-to-use store.
//	error - Non-nil if the configuration is invalid or BadgerDB fails
//	        to open.
func NewStore(config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RetentionDays == 0 {
		config.RetentionDays = DefaultRetentionDays
	}

	db, err := badger.OpenDB(badger.Config{
		Path:           config.Path,
		InMemory:       config.InMemory,
		SyncWrites:     config.SyncWrites,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
		Logger:         config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{
		db:     db,
		config: config,
		logger: config.Logger.With(slog.String("component", "event_store")),
	}

	if err := s.initSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sequence number: %w", err)
	}

	s.logger.Info("event store opened",
		slog.String("path", config.Path),
		slog.Bool("in_memory", config.InMemory),
		slog.Int64("last_seq", s.seq.Load()))

	return s, nil
}

const eventKeyPrefix = "event:"

func eventKey(seq int64) []byte {
	return []byte(fmt.Sprintf("%s%016d", eventKeyPrefix, seq))
}

func patchKeyPrefix(patchID string) string {
	return fmt.Sprintf("patch:%s:", patchID)
}

func patchKey(patchID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%016d", patchKeyPrefix(patchID), seq))
}

// initSeq scans for the highest existing sequence number.
func (s *Store) initSeq() error {
	var maxSeq int64

	err := s.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append([]byte(eventKeyPrefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)

		if it.ValidForPrefix([]byte(eventKeyPrefix)) {
			key := it.Item().Key()
			seqStr := string(key[len(eventKeyPrefix):])
			var seq int64
			if _, err := fmt.Sscanf(seqStr, "%016d", &seq); err == nil {
				maxSeq = seq
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.seq.Store(maxSeq)
	return nil
}

// LogEvent appends one event to the log.
//
// # Description
//
// Assigns the next sequence number, persists the event and its
// per-patch index entry in one transaction, then fans the event out to
// the broadcaster. Fan-out is best-effort and happens only after the
// write is durable.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	e - The event to append. Required fields: PatchID, EventType,
//	    Status, CreatedAt. ID is assigned by the store.
//
// Outputs:
//
//	int64 - The assigned event id (sequence number).
//	error - A *patch.LoggingError on malformed input or storage
//	        failure. Callers treat this as fatal to the batch run.
//
// Thread Safety: safe for concurrent use.
func (s *Store) LogEvent(ctx context.Context, e *Event) (int64, error) {
	if ctx == nil {
		return 0, &patch.LoggingError{Cause: patch.ErrNilContext}
	}
	if err := e.Validate(); err != nil {
		le := &patch.LoggingError{Cause: err}
		if e != nil {
			le.EventType = string(e.EventType)
			le.PatchID = e.PatchID
		}
		return 0, le
	}
	if s.closed.Load() {
		return 0, &patch.LoggingError{
			EventType: string(e.EventType),
			PatchID:   e.PatchID,
			Cause:     patch.ErrStoreClosed,
		}
	}

	ctx, span := otel.Tracer("events").Start(ctx, "store.LogEvent",
		trace.WithAttributes(
			attribute.String("patch_id", e.PatchID),
			attribute.String("event_type", string(e.EventType)),
		),
	)
	defer span.End()

	stored := *e
	stored.ID = s.seq.Add(1)
	stored.CreatedAt = stored.CreatedAt.UTC()

	data, err := json.Marshal(&stored)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return 0, &patch.LoggingError{
			EventType: string(e.EventType),
			PatchID:   e.PatchID,
			Cause:     err,
		}
	}

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Set(eventKey(stored.ID), data); err != nil {
			return err
		}
		return txn.Set(patchKey(stored.PatchID, stored.ID), nil)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return 0, &patch.LoggingError{
			EventType: string(e.EventType),
			PatchID:   e.PatchID,
			Cause:     err,
		}
	}

	span.SetAttributes(attribute.Int64("event_id", stored.ID))

	s.logger.Debug("event logged",
		slog.Int64("event_id", stored.ID),
		slog.String("patch_id", stored.PatchID),
		slog.String("event_type", string(stored.EventType)),
		slog.String("status", string(stored.Status)))

	if s.config.Broadcaster != nil {
		s.config.Broadcaster.Publish(&stored)
	}

	return stored.ID, nil
}

// EventsForPatch returns a patch's events, oldest first.
//
// Inputs:
//
//	patchID - The batch to replay. Must not be empty.
//	limit - Maximum events to return. Zero means no limit.
//	offset - Events to skip from the start.
//
// Outputs:
//
//	[]*Event - The events in creation order. Empty when the patch has
//	           no events; absence is not an error.
func (s *Store) EventsForPatch(ctx context.Context, patchID string, limit, offset int) ([]*Event, error) {
	if ctx == nil {
		return nil, patch.ErrNilContext
	}
	if patchID == "" {
		return nil, ErrMissingPatchID
	}
	if s.closed.Load() {
		return nil, patch.ErrStoreClosed
	}

	var out []*Event
	prefix := []byte(patchKeyPrefix(patchID))
	skipped := 0

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			if skipped < offset {
				skipped++
				continue
			}

			key := it.Item().Key()
			seqStr := string(key[len(prefix):])
			var seq int64
			if _, err := fmt.Sscanf(seqStr, "%016d", &seq); err != nil {
				continue
			}

			e, err := s.getEvent(txn, seq)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("events for patch %s: %w", patchID, err)
	}
	return out, nil
}

// getEvent fetches and decodes one event by sequence number.
func (s *Store) getEvent(txn *dgbadger.Txn, seq int64) (*Event, error) {
	item, err := txn.Get(eventKey(seq))
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", seq, err)
	}
	var e Event
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return nil, fmt.Errorf("decode event %d: %w", seq, err)
	}
	return &e, nil
}

// QueryEvents scans the log with a filter, in creation-time order.
//
// # Description
//
// When the filter names a patch id the scan uses the per-patch index;
// otherwise it walks the whole log. Results are capped at Filter.Limit,
// defaulting to DefaultPageSize. Descending returns newest first.
func (s *Store) QueryEvents(ctx context.Context, f Filter) ([]*Event, error) {
	if ctx == nil {
		return nil, patch.ErrNilContext
	}
	if s.closed.Load() {
		return nil, patch.ErrStoreClosed
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	prefix := []byte(eventKeyPrefix)
	indexed := false
	if f.PatchID != "" {
		prefix = []byte(patchKeyPrefix(f.PatchID))
		indexed = true
	}

	var out []*Event
	skipped := 0

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = !indexed
		opts.Reverse = f.Descending

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if f.Descending {
			seek = append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		}

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if len(out) >= limit {
				return nil
			}

			var e *Event
			if indexed {
				key := it.Item().Key()
				seqStr := string(key[len(prefix):])
				var seq int64
				if _, err := fmt.Sscanf(seqStr, "%016d", &seq); err != nil {
					continue
				}
				var err error
				e, err = s.getEvent(txn, seq)
				if err != nil {
					return err
				}
			} else {
				var decoded Event
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &decoded)
				})
				if err != nil {
					return fmt.Errorf("decode event: %w", err)
				}
				e = &decoded
			}

			if !matchFilter(e, f) {
				continue
			}
			if skipped < f.Offset {
				skipped++
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// matchFilter applies the non-key filter fields.
func matchFilter(e *Event, f Filter) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// Stats aggregates the log over a trailing window.
//
// Inputs:
//
//	windowHours - The trailing window size. Zero or negative means the
//	              whole log.
//
// Outputs:
//
//	*Stats - Aggregate counts; all zero for an empty window.
func (s *Store) Stats(ctx context.Context, windowHours int) (*Stats, error) {
	if ctx == nil {
		return nil, patch.ErrNilContext
	}
	if s.closed.Load() {
		return nil, patch.ErrStoreClosed
	}

	var cutoff time.Time
	if windowHours > 0 {
		cutoff = time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	}

	stats := &Stats{
		ByType:   make(map[Type]int64),
		ByStatus: make(map[Status]int64),
	}

	prefix := []byte(eventKeyPrefix)
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if !cutoff.IsZero() && e.CreatedAt.Before(cutoff) {
				continue
			}

			stats.TotalEvents++
			stats.ByType[e.EventType]++
			stats.ByStatus[e.Status]++
			switch e.EventType {
			case TypeValidationFailed, TypeOperationFailed,
				TypeProcessingFailed, TypeRollbackFailed:
				stats.RecentFailures++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// CleanupOldEvents deletes events older than the retention window.
//
// # Description
//
// This is the only mutation the log permits besides append. Index
// entries are removed alongside their events.
//
// Inputs:
//
//	retentionDays - Events older than this many days are removed.
//	                Zero or negative applies the configured default.
//
// Outputs:
//
//	int64 - Number of events deleted.
func (s *Store) CleanupOldEvents(ctx context.Context, retentionDays int) (int64, error) {
	if ctx == nil {
		return 0, patch.ErrNilContext
	}
	if s.closed.Load() {
		return 0, patch.ErrStoreClosed
	}

	if retentionDays <= 0 {
		retentionDays = s.config.RetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	ctx, span := otel.Tracer("events").Start(ctx, "store.CleanupOldEvents",
		trace.WithAttributes(attribute.Int("retention_days", retentionDays)),
	)
	defer span.End()

	var deleted int64
	prefix := []byte(eventKeyPrefix)

	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if !e.CreatedAt.Before(cutoff) {
				continue
			}

			if err := txn.Delete(eventKey(e.ID)); err != nil {
				return err
			}
			if err := txn.Delete(patchKey(e.PatchID, e.ID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cleanup failed")
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	span.SetAttributes(attribute.Int64("deleted", deleted))
	s.logger.Info("event cleanup completed",
		slog.Int("retention_days", retentionDays),
		slog.Int64("deleted", deleted))

	return deleted, nil
}

// Sync flushes pending writes to disk.
func (s *Store) Sync() error {
	if s.closed.Load() {
		return patch.ErrStoreClosed
	}
	return s.db.Sync()
}

// Close syncs and releases resources. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("closing event store")
	if err := s.db.Sync(); err != nil {
		s.logger.Warn("sync before close failed", slog.String("error", err.Error()))
	}
	return s.db.Close()
}
