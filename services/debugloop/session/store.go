// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validIDPattern keeps session ids safe to embed in file paths.
var validIDPattern = regexp.MustCompile(`^dbg-[0-9a-z]{1,32}$`)

// ValidID reports whether id has the shape intake produces.
func ValidID(id string) bool {
	return validIDPattern.MatchString(id)
}

// envelope is the on-disk format for a session record.
type envelope struct {
	Version  string          `json:"version"`
	Checksum string          `json:"checksum"`
	SavedAt  time.Time       `json:"saved_at"`
	Session  json.RawMessage `json:"session"`
}

// Store persists sessions as checksummed JSON documents under
// <stateDir>/sessions/<id>.json.
//
// # Description
//
// Every write goes to a temp file in the same directory, is fsynced, then
// renamed into place, so a crash mid-write never leaves a partial record.
// Loads verify version, checksum, and structure; a record that fails any
// check is reported as corrupt and never repaired.
//
// # Thread Safety
//
// Store itself holds no mutable state. Single-writer access to one session
// is enforced by the session lock (see AcquireLock).
type Store struct {
	stateDir string
	validate *validator.Validate
	now      func() time.Time
}

// NewStore creates a store rooted at stateDir, creating the directory layout.
//
// The state directory receives a ".gitignore" ignoring everything so session
// artifacts never show up as working tree changes.
func NewStore(stateDir string) (*Store, error) {
	if stateDir == "" {
		return nil, errors.New("state dir must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(stateDir, "sessions"), 0o750); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	ignore := filepath.Join(stateDir, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return nil, fmt.Errorf("writing state dir .gitignore: %w", err)
		}
	}
	return &Store{
		stateDir: stateDir,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}, nil
}

// StateDir returns the root of the state directory.
func (s *Store) StateDir() string {
	return s.stateDir
}

// Path returns the record path for a session id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.stateDir, "sessions", id+".json")
}

// Exists reports whether an active record exists for id.
func (s *Store) Exists(id string) bool {
	if !ValidID(id) {
		return false
	}
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Create persists a new session.
//
// # Outputs
//
//   - error: *DuplicateSessionError if a record already exists for the id,
//     ErrSessionCorruption if the session fails structural validation.
func (s *Store) Create(sess *Session) error {
	if sess == nil {
		return errors.New("session must not be nil")
	}
	if s.Exists(sess.ID) {
		return &DuplicateSessionError{ID: sess.ID}
	}
	return s.Save(sess)
}

// Save validates and atomically writes the session, updating UpdatedAt.
func (s *Store) Save(sess *Session) error {
	if sess == nil {
		return errors.New("session must not be nil")
	}
	if !ValidID(sess.ID) {
		return fmt.Errorf("%w: invalid session id %q", ErrSessionCorruption, sess.ID)
	}
	sess.UpdatedAt = s.now().UTC()
	if err := s.Validate(sess); err != nil {
		return err
	}

	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	env := envelope{
		Version:  SchemaVersion,
		Checksum: checksum(body),
		SavedAt:  sess.UpdatedAt,
		Session:  body,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session envelope: %w", err)
	}
	if err := WriteFileAtomic(s.Path(sess.ID), data, 0o640); err != nil {
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	return nil
}

// Load reads and verifies the session record for id.
//
// # Outputs
//
//   - *Session: The loaded session. Never nil on success.
//   - error: ErrSessionNotFound for unknown or deleted ids, a
//     *CorruptionError (matching ErrSessionCorruption) for records that
//     fail version, checksum, or structural checks.
func (s *Store) Load(id string) (*Session, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	path := s.Path(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &CorruptionError{Path: path, Reason: "unparseable envelope: " + err.Error()}
	}
	if env.Version != SchemaVersion {
		return nil, &CorruptionError{Path: path, Reason: fmt.Sprintf("version %q, want %q", env.Version, SchemaVersion)}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Session); err != nil {
		return nil, &CorruptionError{Path: path, Reason: "unparseable session body: " + err.Error()}
	}
	if checksum(compact.Bytes()) != env.Checksum {
		return nil, &CorruptionError{Path: path, Reason: "checksum mismatch"}
	}

	var sess Session
	if err := json.Unmarshal(compact.Bytes(), &sess); err != nil {
		return nil, &CorruptionError{Path: path, Reason: "unparseable session body: " + err.Error()}
	}
	if sess.ID != id {
		return nil, &CorruptionError{Path: path, Reason: fmt.Sprintf("record id %q does not match file", sess.ID)}
	}
	if err := s.Validate(&sess); err != nil {
		return nil, &CorruptionError{Path: path, Reason: err.Error()}
	}
	return &sess, nil
}

// Delete removes the record for id. Deleting a missing record is not an error.
func (s *Store) Delete(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// List returns the ids of all active sessions, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.stateDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Validate runs structural validation over a session.
//
// Tag-level rules are enforced by validator; cross-entity rules (unique
// hypothesis ids, references to known hypotheses, known status) are
// checked here.
func (s *Store) Validate(sess *Session) error {
	if err := s.validate.Struct(sess); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionCorruption, err)
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrSessionCorruption, sess.Status)
	}
	if sess.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created_at", ErrSessionCorruption)
	}
	if !sess.IsFlaky && sess.SuccessCountRequirement != 1 {
		return fmt.Errorf("%w: non-flaky session requires success count 1, got %d",
			ErrSessionCorruption, sess.SuccessCountRequirement)
	}

	ids := make(map[string]bool, len(sess.Hypotheses))
	for _, h := range sess.Hypotheses {
		if ids[h.ID] {
			return fmt.Errorf("%w: duplicate hypothesis id %q", ErrSessionCorruption, h.ID)
		}
		ids[h.ID] = true
	}
	for _, f := range sess.Findings {
		if !ids[f.HypothesisID] {
			return fmt.Errorf("%w: finding references unknown hypothesis %q", ErrSessionCorruption, f.HypothesisID)
		}
	}
	attempts := make(map[string]bool, len(sess.FixAttempts))
	for _, a := range sess.FixAttempts {
		if !ids[a.HypothesisID] {
			return fmt.Errorf("%w: fix attempt %s references unknown hypothesis %q", ErrSessionCorruption, a.ID, a.HypothesisID)
		}
		if attempts[a.ID] {
			return fmt.Errorf("%w: duplicate fix attempt id %q", ErrSessionCorruption, a.ID)
		}
		attempts[a.ID] = true
	}
	if sess.CurrentHypothesisID != "" && !ids[sess.CurrentHypothesisID] {
		return fmt.Errorf("%w: current hypothesis %q not in ledger", ErrSessionCorruption, sess.CurrentHypothesisID)
	}
	return nil
}

// WriteFileAtomic writes data to path via a temp file in the same directory,
// fsync, and rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(perm); err != nil {
		tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
