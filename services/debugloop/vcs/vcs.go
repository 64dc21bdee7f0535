// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vcs is the narrow version-control contract debugloop consumes:
// capture a snapshot, restore it, commit files, and check whether the
// working tree still matches a snapshot.
//
// Two implementations exist. Git drives the git CLI. Files copies the tree
// into the state directory and is used when no repository is present.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// Snapshot is a durable reference to the pre-change state.
type Snapshot struct {
	// Ref is what Restore and TreeMatches accept.
	Ref string

	// Commit is the commit id for git snapshots, nil for file snapshots.
	Commit *string

	// Branch is the branch checked out at capture time, if any.
	Branch string
}

// ChangeKind classifies a working tree difference.
type ChangeKind string

const (
	ChangeModified  ChangeKind = "modified"
	ChangeAdded     ChangeKind = "added"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeUntracked ChangeKind = "untracked"
)

// Difference is one path that differs from a snapshot.
type Difference struct {
	Path         string
	Kind         ChangeKind
	LinesAdded   int
	LinesRemoved int
}

// String renders the difference for logs and error messages.
func (d Difference) String() string {
	if d.LinesAdded > 0 || d.LinesRemoved > 0 {
		return fmt.Sprintf("%s %s (+%d -%d)", d.Kind, d.Path, d.LinesAdded, d.LinesRemoved)
	}
	return fmt.Sprintf("%s %s", d.Kind, d.Path)
}

// VCS is the version-control collaborator.
//
// # Thread Safety
//
// Implementations are safe for concurrent use, but the working tree is a
// shared resource; callers serialize mutating operations per tree.
type VCS interface {
	// Kind identifies the implementation recorded on the session.
	Kind() session.VCSKind

	// CaptureSnapshot records the current tree. Failure is fatal to a session.
	CaptureSnapshot(ctx context.Context) (Snapshot, error)

	// Restore returns the working tree to ref. Never retried.
	Restore(ctx context.Context, ref string) error

	// Commit records files (all changes when empty) and returns the new ref.
	Commit(ctx context.Context, files []string, message string) (string, error)

	// TreeMatches reports whether the working tree equals ref.
	TreeMatches(ctx context.Context, ref string) (bool, []Difference, error)

	// CurrentBranch returns the checked-out branch, or "" when unknown.
	CurrentBranch(ctx context.Context) (string, error)
}

// Detect returns a Git VCS when root is inside a git repository and git is
// installed, otherwise a Files VCS rooted at root.
func Detect(ctx context.Context, root, stateDir string, timeout time.Duration, logger *slog.Logger) (VCS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := exec.LookPath("git"); err == nil {
		g, err := NewGit(root, timeout, WithGitLogger(logger))
		if err != nil {
			return nil, err
		}
		if g.IsRepository(ctx) {
			return g, nil
		}
	}
	logger.Info("no git repository found, using file snapshots", "root", root)
	return NewFiles(root, stateDir, logger)
}

// ForSession returns the VCS matching the kind a session was created with.
func ForSession(kind session.VCSKind, root, stateDir string, timeout time.Duration, logger *slog.Logger) (VCS, error) {
	switch kind {
	case session.VCSGit:
		return NewGit(root, timeout, WithGitLogger(logger))
	case session.VCSFiles:
		return NewFiles(root, stateDir, logger)
	default:
		return nil, fmt.Errorf("%w: unknown vcs kind %q", session.ErrSessionCorruption, kind)
	}
}
