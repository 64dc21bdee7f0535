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
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id string) *Session {
	ref := "abc123"
	return &Session{
		ID:                      id,
		CreatedAt:               time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		InitialCommit:           &ref,
		InitialSnapshotRef:      ref,
		InitialBranch:           "main",
		VCS:                     VCSGit,
		Status:                  StatusInitialized,
		SuccessCountRequirement: 1,
		Issue: Issue{
			ReproductionSteps: "run make test",
			Expected:          "tests pass",
			Actual:            "TestParse fails",
			Normalized:        "run make test | tests pass | testparse fails",
		},
	}
}

func TestStore_CreateLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sess := newTestSession("dbg-abc123def456")
	sess.AddHypotheses([]Hypothesis{
		{Description: "nil map write <in> parser", Confidence: 0.8},
	}, sess.CreatedAt)
	require.NoError(t, store.Create(sess))

	loaded, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, StatusInitialized, loaded.Status)
	require.Len(t, loaded.Hypotheses, 1)
	assert.Equal(t, "h1.1", loaded.Hypotheses[0].ID)
	assert.Equal(t, "nil map write <in> parser", loaded.Hypotheses[0].Description)
	require.NotNil(t, loaded.InitialCommit)
	assert.Equal(t, "abc123", *loaded.InitialCommit)
}

func TestStore_CreateDuplicate(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sess := newTestSession("dbg-abc123def456")
	require.NoError(t, store.Create(sess))

	err = store.Create(sess)
	var dup *DuplicateSessionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, sess.ID, dup.ID)
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestStore_LoadNotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("dbg-000000000000")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.Load("../../etc/passwd")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_DeleteThenLoadIsNotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	sess := newTestSession("dbg-abc123def456")
	require.NoError(t, store.Create(sess))
	require.NoError(t, store.Delete(sess.ID))
	require.NoError(t, store.Delete(sess.ID))

	assert.False(t, store.Exists(sess.ID))
	_, err = store.Load(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_LoadDetectsCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, path string)
	}{
		{
			name: "tampered body",
			mutate: func(t *testing.T, path string) {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				data = []byte(strings.Replace(string(data), "tests pass", "tests fail", 1))
				require.NoError(t, os.WriteFile(path, data, 0o640))
			},
		},
		{
			name: "truncated file",
			mutate: func(t *testing.T, path string) {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o640))
			},
		},
		{
			name: "version mismatch",
			mutate: func(t *testing.T, path string) {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				var env map[string]any
				require.NoError(t, json.Unmarshal(data, &env))
				env["version"] = "0"
				data, err = json.Marshal(env)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(path, data, 0o640))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(t.TempDir())
			require.NoError(t, err)
			sess := newTestSession("dbg-abc123def456")
			require.NoError(t, store.Create(sess))

			tt.mutate(t, store.Path(sess.ID))

			_, err = store.Load(sess.ID)
			assert.ErrorIs(t, err, ErrSessionCorruption)
			var ce *CorruptionError
			assert.True(t, errors.As(err, &ce))

			// The corrupt record is left in place for inspection.
			_, statErr := os.Stat(store.Path(sess.ID))
			assert.NoError(t, statErr)
		})
	}
}

func TestStore_ValidateRejectsStructuralViolations(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(s *Session)
	}{
		{"iteration above ceiling", func(s *Session) { s.IterationCount = 6 }},
		{"success count above 10", func(s *Session) { s.IsFlaky = true; s.SuccessCountRequirement = 11 }},
		{"success count zero", func(s *Session) { s.IsFlaky = true; s.SuccessCountRequirement = 0 }},
		{"non flaky with K", func(s *Session) { s.SuccessCountRequirement = 3 }},
		{"unknown status", func(s *Session) { s.Status = "thinking" }},
		{"missing actual", func(s *Session) { s.Issue.Actual = "" }},
		{"bad id prefix", func(s *Session) { s.ID = "sess-1" }},
		{"duplicate hypothesis", func(s *Session) {
			s.Hypotheses = []Hypothesis{
				{ID: "h1.1", Description: "a", Status: HypothesisPending, Iteration: 1},
				{ID: "h1.1", Description: "b", Status: HypothesisPending, Iteration: 1},
			}
		}},
		{"orphan finding", func(s *Session) {
			s.Findings = []Finding{{HypothesisID: "h9.9", Kind: FindingAnalysis}}
		}},
		{"confidence out of range", func(s *Session) {
			s.Hypotheses = []Hypothesis{{ID: "h1.1", Description: "a", Confidence: 1.5, Status: HypothesisPending, Iteration: 1}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newTestSession("dbg-abc123def456")
			tt.mutate(sess)
			assert.ErrorIs(t, store.Validate(sess), ErrSessionCorruption)
		})
	}
}

func TestStore_SaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	sess := newTestSession("dbg-abc123def456")
	require.NoError(t, store.Create(sess))
	require.NoError(t, sess.Transition(StatusSnapshotCaptured))
	require.NoError(t, store.Save(sess))

	entries, err := os.ReadDir(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files should remain")

	loaded, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSnapshotCaptured, loaded.Status)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestStore_ListAndGitignore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Create(newTestSession("dbg-bbbbbbbbbbbb")))
	require.NoError(t, store.Create(newTestSession("dbg-aaaaaaaaaaaa")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions", "notes.txt"), []byte("x"), 0o640))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"dbg-aaaaaaaaaaaa", "dbg-bbbbbbbbbbbb"}, ids)

	ignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "*\n", string(ignore))
}
