// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(data)
}

func newFilesFixture(t *testing.T) (*Files, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "pkg/util.go", "package pkg\n")
	f, err := NewFiles(root, filepath.Join(root, ".debugloop"), nil)
	require.NoError(t, err)
	return f, root
}

func TestFiles_RestoreIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	f, root := newFilesFixture(t)
	assert.Equal(t, session.VCSFiles, f.Kind())

	snap, err := f.CaptureSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap.Commit)

	writeFile(t, root, "main.go", "package main\n// DEBUGLOOP:BEGIN x\n")
	writeFile(t, root, "pkg/new.go", "package pkg\n")
	writeFile(t, root, "extra/deep/file.txt", "x")
	require.NoError(t, os.Remove(filepath.Join(root, "pkg/util.go")))
	writeFile(t, root, ".debugloop/runs/dbg-x.log", "kept")

	ok, diffs, err := f.TreeMatches(ctx, snap.Ref)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, diffs)

	require.NoError(t, f.Restore(ctx, snap.Ref))

	ok, diffs, err = f.TreeMatches(ctx, snap.Ref)
	require.NoError(t, err)
	assert.True(t, ok, "diffs: %v", diffs)
	assert.Equal(t, "package main\n", readFile(t, root, "main.go"))
	assert.Equal(t, "package pkg\n", readFile(t, root, "pkg/util.go"))
	assert.NoDirExists(t, filepath.Join(root, "extra"))
	assert.Equal(t, "kept", readFile(t, root, ".debugloop/runs/dbg-x.log"), "state dir is never touched")
}

func TestFiles_CommitCreatesIntermediateSnapshot(t *testing.T) {
	ctx := context.Background()
	f, root := newFilesFixture(t)

	initial, err := f.CaptureSnapshot(ctx)
	require.NoError(t, err)

	writeFile(t, root, "main.go", "package main\n// instrumented\n")
	ref, err := f.Commit(ctx, []string{"main.go"}, "instrument h1.1")
	require.NoError(t, err)
	assert.NotEqual(t, initial.Ref, ref)

	writeFile(t, root, "main.go", "package main\n// instrumented\n// fixed\n")
	require.NoError(t, f.Restore(ctx, ref))
	assert.Equal(t, "package main\n// instrumented\n", readFile(t, root, "main.go"))

	require.NoError(t, f.Restore(ctx, initial.Ref))
	assert.Equal(t, "package main\n", readFile(t, root, "main.go"))
}

func TestFiles_RejectsUnknownRef(t *testing.T) {
	ctx := context.Background()
	f, _ := newFilesFixture(t)

	err := f.Restore(ctx, "../../etc")
	assert.ErrorIs(t, err, session.ErrGitState)

	_, _, err = f.TreeMatches(ctx, "snap-00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, session.ErrGitState)
}

func TestDetect_FallsBackToFiles(t *testing.T) {
	root := t.TempDir()
	v, err := Detect(context.Background(), root, filepath.Join(root, ".debugloop"), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, session.VCSFiles, v.Kind())
}

func TestForSession(t *testing.T) {
	root := t.TempDir()
	v, err := ForSession(session.VCSGit, root, filepath.Join(root, ".debugloop"), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, session.VCSGit, v.Kind())

	_, err = ForSession("svn", root, root, 0, nil)
	assert.ErrorIs(t, err, session.ErrSessionCorruption)
}
