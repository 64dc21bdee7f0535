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
	"fmt"
)

// Status is the phase a session is in.
type Status string

const (
	StatusInitialized        Status = "initialized"
	StatusSnapshotCaptured   Status = "snapshot_captured"
	StatusHypothesesPending  Status = "hypotheses_pending"
	StatusInstrumented       Status = "instrumented"
	StatusReproduced         Status = "reproduced"
	StatusConfirmed          Status = "confirmed"
	StatusRejected           Status = "rejected"
	StatusResearched         Status = "researched"
	StatusFixApplied         Status = "fix_applied"
	StatusVerified           Status = "verified"
	StatusVerificationFailed Status = "verification_failed"
	StatusRolledBack         Status = "rolled_back"
	StatusCleanupComplete    Status = "cleanup_complete"
	StatusFailed             Status = "failed"
)

// transitions lists the legal successors of each status.
var transitions = map[Status][]Status{
	StatusInitialized:        {StatusSnapshotCaptured},
	StatusSnapshotCaptured:   {StatusHypothesesPending},
	StatusHypothesesPending:  {StatusInstrumented},
	StatusInstrumented:       {StatusReproduced},
	StatusReproduced:         {StatusConfirmed, StatusRejected},
	StatusRejected:           {StatusHypothesesPending, StatusFailed},
	StatusConfirmed:          {StatusResearched},
	StatusResearched:         {StatusFixApplied},
	StatusFixApplied:         {StatusVerified, StatusVerificationFailed},
	StatusVerified:           {StatusCleanupComplete},
	StatusVerificationFailed: {StatusRolledBack},
	StatusRolledBack:         {StatusHypothesesPending, StatusFailed},
	StatusCleanupComplete:    nil,
	StatusFailed:             nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCleanupComplete || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Transition moves the session to next.
//
// Illegal transitions return an error and leave the session unchanged.
// InFlight is cleared because the action that produced the transition has
// completed.
func (s *Session) Transition(next Status) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, next)
	}
	s.Status = next
	s.InFlight = ""
	return nil
}
