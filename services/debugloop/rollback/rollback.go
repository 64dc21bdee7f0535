// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback restores the working tree at two granularities.
//
// Fix-level rollback undoes one fix attempt and keeps instrumentation so the
// next iteration can reuse it. Full rollback returns the tree to the
// snapshot captured at session start and verifies the result.
//
// Any restore or verification failure is a RollbackFailure: the caller must
// stop and leave the session file in place for manual recovery.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
	"github.com/AleutianAI/debugloop/services/debugloop/vcs"
)

// Manager performs rollbacks against one working tree.
type Manager struct {
	vcs    vcs.VCS
	logger *slog.Logger
}

// NewManager creates a rollback manager.
func NewManager(v vcs.VCS, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		vcs:    v,
		logger: logger.With("component", "rollback.Manager"),
	}
}

// FixTarget returns the ref a fix-level rollback restores to: the newest
// instrumentation commit, or the initial snapshot when instrumentation
// produced no commit.
func FixTarget(sess *session.Session) string {
	if ref := sess.LastInstrumentationRef(); ref != "" {
		return ref
	}
	return sess.SnapshotRef()
}

// RollbackFix reverts the fix of one attempt.
//
// # Description
//
// Restores the tree to FixTarget, marks the attempt failed with reason and
// the restored ref, and drops the attempt's commits from the active fix
// list. The attempt keeps its own commit history.
//
// # Inputs
//
//   - ctx: Context for cancellation. The restore itself uses a context
//     detached from cancellation so a half-restored tree is never left.
//   - sess: Session to update in memory. The caller persists it.
//   - attemptID: Fix attempt to roll back.
//   - reason: Recorded as the attempt's failure reason.
//
// # Outputs
//
//   - string: The ref restored to.
//   - error: Wraps session.ErrRollbackFailure on any failure.
func (m *Manager) RollbackFix(ctx context.Context, sess *session.Session, attemptID, reason string) (string, error) {
	attempt := sess.FixAttempt(attemptID)
	if attempt == nil {
		return "", fmt.Errorf("%w: fix attempt %s not in ledger", session.ErrRollbackFailure, attemptID)
	}

	target := FixTarget(sess)
	logger := m.logger.With("session_id", sess.ID, "attempt_id", attemptID, "target", target)
	logger.Warn("rolling back fix attempt", "reason", reason)

	if err := m.vcs.Restore(context.WithoutCancel(ctx), target); err != nil {
		logger.Error("CRITICAL: fix rollback failed", "error", err)
		return "", fmt.Errorf("%w: restore %s: %v", session.ErrRollbackFailure, target, err)
	}

	attempt.Status = session.FixFailed
	attempt.FailureReason = reason
	attempt.RollbackRef = target

	drop := make(map[string]bool, len(attempt.Commits))
	for _, c := range attempt.Commits {
		drop[c.Ref] = true
	}
	kept := sess.Fixes[:0]
	for _, c := range sess.Fixes {
		if !drop[c.Ref] {
			kept = append(kept, c)
		}
	}
	sess.Fixes = kept

	logger.Info("fix attempt rolled back")
	return target, nil
}

// RollbackFull restores the initial snapshot and verifies the tree.
//
// # Description
//
// Restores the session's snapshot ref, then checks TreeMatches against it.
// A mismatch lists the differing paths in the error. On success all three
// active commit lists are cleared.
//
// # Outputs
//
//   - error: Wraps session.ErrRollbackFailure on restore error, verification
//     error, or mismatch.
func (m *Manager) RollbackFull(ctx context.Context, sess *session.Session) error {
	ref := sess.SnapshotRef()
	logger := m.logger.With("session_id", sess.ID, "ref", ref)
	logger.Warn("rolling back to initial snapshot")

	bgCtx := context.WithoutCancel(ctx)
	if err := m.vcs.Restore(bgCtx, ref); err != nil {
		logger.Error("CRITICAL: full rollback failed", "error", err)
		return fmt.Errorf("%w: restore %s: %v", session.ErrRollbackFailure, ref, err)
	}

	ok, diffs, err := m.vcs.TreeMatches(bgCtx, ref)
	if err != nil {
		logger.Error("CRITICAL: tree verification failed", "error", err)
		return fmt.Errorf("%w: verify %s: %v", session.ErrRollbackFailure, ref, err)
	}
	if !ok {
		paths := make([]string, 0, len(diffs))
		for _, d := range diffs {
			paths = append(paths, d.String())
		}
		logger.Error("CRITICAL: tree differs from initial snapshot after rollback", "differences", len(diffs))
		return fmt.Errorf("%w: tree differs from %s: %s", session.ErrRollbackFailure, ref, strings.Join(paths, ", "))
	}

	sess.Instrumentation = nil
	sess.Fixes = nil
	sess.Cleanup = nil

	logger.Info("working tree matches initial snapshot")
	return nil
}
