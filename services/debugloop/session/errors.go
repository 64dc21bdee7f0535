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
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by every debugloop component.
//
// Fatal errors (ErrGitState, ErrRollbackFailure, ErrSessionCorruption) never
// delete the session file.
var (
	// ErrIntake indicates malformed or missing issue fields. No session is created.
	ErrIntake = errors.New("invalid issue input")

	// ErrSuccessCountRequired indicates a flaky issue was submitted without K.
	ErrSuccessCountRequired = errors.New("flaky issue requires a success count")

	// ErrGitState indicates the pre-change snapshot could not be captured or
	// a version-control operation failed.
	ErrGitState = errors.New("version control state error")

	// ErrReproduction indicates the reproduction procedure could not execute at all.
	ErrReproduction = errors.New("reproduction cannot execute")

	// ErrVerificationFailure indicates a fix did not resolve the issue.
	ErrVerificationFailure = errors.New("verification failed")

	// ErrRollbackFailure indicates a restore itself failed.
	ErrRollbackFailure = errors.New("rollback failed")

	// ErrSessionCorruption indicates a persisted record failed validation.
	ErrSessionCorruption = errors.New("session record corrupt")

	// ErrSessionNotFound indicates no active session exists for an id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists indicates a session file already exists for an id.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionLocked indicates another process holds the session.
	ErrSessionLocked = errors.New("session is locked by another process")

	// ErrMaxIterationsReached marks the designed terminal failure state.
	ErrMaxIterationsReached = errors.New("maximum iterations reached")

	// ErrIllegalTransition indicates a state machine violation.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrNoInstrumentation indicates the instrumenter recorded no commits.
	ErrNoInstrumentation = errors.New("no instrumentation commits recorded")

	// ErrResidualMarkers indicates instrumentation markers survived cleanup.
	ErrResidualMarkers = errors.New("instrumentation markers remain after cleanup")

	// ErrCancelled indicates the operator interrupted the session.
	ErrCancelled = errors.New("session cancelled")
)

// DuplicateSessionError reports that intake produced the id of an active session.
//
// The caller surfaces it as a resume offer. Sessions are never merged.
type DuplicateSessionError struct {
	ID string
}

// Error returns a human-readable error message.
func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("an active session already exists for this issue: %s", e.ID)
}

// Unwrap returns ErrSessionExists for errors.Is support.
func (e *DuplicateSessionError) Unwrap() error {
	return ErrSessionExists
}

// LockError provides detailed information about a lock conflict.
type LockError struct {
	ID     string
	Holder *LockInfo
	Err    error
}

// Error returns a human-readable error message.
func (e *LockError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("session %s is locked by PID %d since %s: %v",
			e.ID, e.Holder.PID, e.Holder.AcquiredAt.Format(time.RFC3339), e.Err)
	}
	return fmt.Sprintf("session %s is locked: %v", e.ID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LockError) Unwrap() error {
	return e.Err
}

// CorruptionError describes why a session record failed to load.
type CorruptionError struct {
	Path   string
	Reason string
}

// Error returns a human-readable error message.
func (e *CorruptionError) Error() string {
	return fmt.Sprintf("session record %s is corrupt: %s", e.Path, e.Reason)
}

// Unwrap returns ErrSessionCorruption.
func (e *CorruptionError) Unwrap() error {
	return ErrSessionCorruption
}
