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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// errIndexLocked marks git failures caused by a concurrent index.lock.
var errIndexLocked = errors.New("git index is locked")

// Git implements VCS using the git command line.
//
// # Description
//
// Executes git commands with a per-command timeout in the repository root.
// Snapshot capture and commits are retried with exponential backoff when
// git reports index.lock contention. Restore is never retried.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Git struct {
	repoPath   string
	timeout    time.Duration
	logger     *slog.Logger
	newBackoff func() backoff.BackOff
}

// GitOption configures a Git client.
type GitOption func(*Git)

// WithGitLogger sets the logger.
func WithGitLogger(logger *slog.Logger) GitOption {
	return func(g *Git) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRetryBackoff overrides the backoff used for index.lock retries.
func WithRetryBackoff(fn func() backoff.BackOff) GitOption {
	return func(g *Git) { g.newBackoff = fn }
}

// NewGit creates a git client for the repository at repoPath.
//
// # Inputs
//
//   - repoPath: Repository root. Made absolute.
//   - timeout: Maximum duration for each git command. Defaults to 30s.
//
// # Outputs
//
//   - *Git: Ready-to-use client.
//   - error: Non-nil if repoPath cannot be resolved.
func NewGit(repoPath string, timeout time.Duration, opts ...GitOption) (*Git, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repo path %s: %w", repoPath, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	g := &Git{
		repoPath: abs,
		timeout:  timeout,
		logger:   slog.Default(),
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 100 * time.Millisecond
			bo.MaxElapsedTime = 10 * time.Second
			return bo
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "vcs.Git")
	return g, nil
}

// Kind returns session.VCSGit.
func (g *Git) Kind() session.VCSKind {
	return session.VCSGit
}

// run executes a git command and returns trimmed stdout.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	out, err := g.runRaw(ctx, args...)
	return strings.TrimSpace(out), err
}

// runRaw executes a git command and returns stdout untouched.
func (g *Git) runRaw(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "index.lock") {
			return "", fmt.Errorf("git %s: %w: %s", args[0], errIndexLocked, msg)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return stdout.String(), nil
}

// withLockRetry retries op while git reports index.lock contention.
func (g *Git) withLockRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, errIndexLocked) {
			g.logger.Warn("git index locked, retrying", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(g.newBackoff(), ctx))
}

// IsRepository reports whether the root is inside a git work tree.
func (g *Git) IsRepository(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the branch name, or "HEAD" when detached.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return branch, nil
}

// CaptureSnapshot resolves HEAD as the pre-change snapshot.
//
// # Description
//
// Refuses a dirty working tree: uncommitted changes could not be restored
// by a rollback to HEAD, so the guarantee of full rollback would not hold.
//
// # Outputs
//
//   - Snapshot: Ref and Commit set to the HEAD commit id.
//   - error: Wraps session.ErrGitState on any failure.
func (g *Git) CaptureSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := g.withLockRetry(ctx, func() error {
		status, err := g.run(ctx, "status", "--porcelain")
		if err != nil {
			return err
		}
		if status != "" {
			return fmt.Errorf("working tree has uncommitted changes:\n%s", status)
		}
		sha, err := g.run(ctx, "rev-parse", "HEAD")
		if err != nil {
			return err
		}
		branch, err := g.CurrentBranch(ctx)
		if err != nil {
			return err
		}
		snap = Snapshot{Ref: sha, Commit: &sha, Branch: branch}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: capture snapshot: %v", session.ErrGitState, err)
	}
	g.logger.Info("snapshot captured", "ref", snap.Ref, "branch", snap.Branch)
	return snap, nil
}

// Restore hard-resets to ref and removes untracked files.
//
// Ignored files, including the state directory, are left alone.
func (g *Git) Restore(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: restore: empty ref", session.ErrGitState)
	}
	if _, err := g.run(ctx, "reset", "--hard", ref); err != nil {
		return fmt.Errorf("%w: restore %s: %v", session.ErrGitState, ref, err)
	}
	if _, err := g.run(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("%w: clean after restore %s: %v", session.ErrGitState, ref, err)
	}
	g.logger.Info("working tree restored", "ref", ref)
	return nil
}

// Commit stages files (or everything when files is empty) and commits.
//
// Empty commits are allowed so every recorded action has its own ref.
func (g *Git) Commit(ctx context.Context, files []string, message string) (string, error) {
	var sha string
	err := g.withLockRetry(ctx, func() error {
		args := []string{"add", "-A"}
		if len(files) > 0 {
			args = append(args, "--")
			args = append(args, files...)
		}
		if _, err := g.run(ctx, args...); err != nil {
			return err
		}
		if _, err := g.run(ctx, "commit", "--allow-empty", "--no-verify", "-m", message); err != nil {
			return err
		}
		out, err := g.run(ctx, "rev-parse", "HEAD")
		if err != nil {
			return err
		}
		sha = out
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: commit: %v", session.ErrGitState, err)
	}
	g.logger.Debug("commit recorded", "ref", sha, "files", len(files))
	return sha, nil
}

// TreeMatches compares the working tree with ref.
//
// Tracked differences come from `git diff <ref>` parsed with go-diff;
// untracked files come from `git status --porcelain`.
func (g *Git) TreeMatches(ctx context.Context, ref string) (bool, []Difference, error) {
	patch, err := g.runRaw(ctx, "diff", "--no-color", "--no-ext-diff", ref)
	if err != nil {
		return false, nil, fmt.Errorf("%w: diff against %s: %v", session.ErrGitState, ref, err)
	}
	diffs, err := ParseDiff(patch)
	if err != nil {
		return false, nil, fmt.Errorf("%w: parse diff: %v", session.ErrGitState, err)
	}

	status, err := g.run(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return false, nil, fmt.Errorf("%w: status: %v", session.ErrGitState, err)
	}
	for _, line := range strings.Split(status, "\n") {
		if strings.HasPrefix(line, "?? ") {
			diffs = append(diffs, Difference{Path: strings.TrimSpace(line[3:]), Kind: ChangeUntracked})
		}
	}
	return len(diffs) == 0, diffs, nil
}

// ParseDiff converts unified diff text into differences.
func ParseDiff(patch string) ([]Difference, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, nil
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, err
	}

	out := make([]Difference, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		d := Difference{Kind: ChangeModified, Path: stripPrefix(fd.NewName)}
		switch {
		case fd.OrigName == "/dev/null":
			d.Kind = ChangeAdded
		case fd.NewName == "/dev/null":
			d.Kind = ChangeDeleted
			d.Path = stripPrefix(fd.OrigName)
		}
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					d.LinesAdded++
				case strings.HasPrefix(line, "-"):
					d.LinesRemoved++
				}
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func stripPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}
