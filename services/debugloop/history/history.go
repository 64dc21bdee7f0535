// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps a BadgerDB index of terminal session outcomes.
//
// Session files are deleted when a session ends, so this index is the only
// local record that a session existed. Entries are keyed by finish time so
// listing is chronological:
//
//	outcome/<unix-nanos, zero padded>/<session-id>
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "outcome/"

// Entry is one terminal outcome.
type Entry struct {
	SessionID   string    `json:"session_id"`
	Outcome     string    `json:"outcome"`
	Status      string    `json:"status"`
	Iterations  int       `json:"iterations"`
	FixAttempts int       `json:"fix_attempts"`
	IsFlaky     bool      `json:"is_flaky"`
	Issue       string    `json:"issue"`
	SummaryPath string    `json:"summary_path,omitempty"`
	Warnings    int       `json:"warnings"`
	CreatedAt   time.Time `json:"created_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Config holds configuration for the history database.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode for tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store records and lists outcomes.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens the history database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "history.badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenPath opens a durable history database at path.
func OpenPath(path string, logger *slog.Logger) (*Store, error) {
	return Open(Config{Path: path, SyncWrites: true, Logger: logger})
}

// OpenInMemory opens a throwaway database for tests.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(e Entry) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", keyPrefix, e.FinishedAt.UnixNano(), e.SessionID))
}

// Record stores an outcome.
func (s *Store) Record(e Entry) error {
	if e.SessionID == "" {
		return errors.New("history entry requires a session id")
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	e.FinishedAt = e.FinishedAt.UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding history entry: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e), data)
	}); err != nil {
		return fmt.Errorf("recording history entry: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]Entry, error) {
	return s.scan(limit, func(Entry) bool { return true })
}

// ForSession returns every entry of one session, newest first.
func (s *Store) ForSession(id string) ([]Entry, error) {
	return s.scan(0, func(e Entry) bool { return e.SessionID == id })
}

func (s *Store) scan(limit int, keep func(Entry) bool) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks from the largest key with the prefix.
		for it.Seek([]byte(keyPrefix + "\xff")); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			if !keep(e) {
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return out, nil
}
