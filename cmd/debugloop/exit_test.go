// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/AleutianAI/debugloop/pkg/ux"
	"github.com/AleutianAI/debugloop/services/debugloop/controller"
	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// =============================================================================
// EXIT CODE TESTS
// =============================================================================

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: ExitFixed},
		{name: "ceiling", err: reported(ExitCeiling, nil), want: ExitCeiling},
		{name: "cancelled sentinel", err: fmt.Errorf("%w: interrupt", session.ErrCancelled), want: ExitCancelled},
		{name: "prompt aborted", err: ux.ErrPromptAborted, want: ExitCancelled},
		{name: "context canceled", err: fmt.Errorf("running: %w", context.Canceled), want: ExitCancelled},
		{name: "not found", err: fmt.Errorf("%w: dbg-x", session.ErrSessionNotFound), want: ExitInternal},
		{name: "corruption", err: &session.CorruptionError{Path: "x.json", Reason: "checksum mismatch"}, want: ExitInternal},
		{name: "plain error", err: errors.New("boom"), want: ExitInternal},
		{name: "rollback failure", err: fmt.Errorf("%w: restore abc: permission denied", session.ErrRollbackFailure), want: ExitInternal},
		{name: "wrapped exit error", err: fmt.Errorf("outer: %w", reported(ExitCancelled, session.ErrCancelled)), want: ExitCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestReportOutcome_RollbackFailureExitsInternal(t *testing.T) {
	ux.SetPersonalityLevel(ux.PersonalityMachine)
	rollbackErr := fmt.Errorf("%w: restore snap-1: permission denied", session.ErrRollbackFailure)

	tests := []struct {
		name   string
		status session.Status
	}{
		{name: "full rollback at ceiling", status: session.StatusFailed},
		{name: "fix rollback", status: session.StatusVerificationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &controller.Outcome{SessionID: "dbg-abc123def456", Status: tt.status, Iterations: 5}
			err := reportOutcome(out, rollbackErr)
			if got := exitCode(err); got != ExitInternal {
				t.Errorf("exitCode = %d, want %d", got, ExitInternal)
			}
			if !errors.Is(err, session.ErrRollbackFailure) {
				t.Errorf("reportOutcome lost the rollback error: %v", err)
			}
			if shouldPrint(err) {
				t.Error("error box already reported the failure")
			}
		})
	}
}

func TestShouldPrint(t *testing.T) {
	if shouldPrint(nil) {
		t.Error("nil error should not print")
	}
	if shouldPrint(reported(ExitInternal, errors.New("shown already"))) {
		t.Error("reported error should not print again")
	}
	if !shouldPrint(&exitError{code: ExitInternal, err: errors.New("unexpected")}) {
		t.Error("non-silent exit error should print")
	}
	if !shouldPrint(errors.New("plain")) {
		t.Error("plain error should print")
	}
}

func TestSessionIDFromManualPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "/repo/.debugloop/runs/dbg-abc123.manual.md", want: "dbg-abc123"},
		{path: "/repo/.debugloop/runs/.manual.md", want: "<session-id>"},
		{path: "/repo/other.txt", want: "<session-id>"},
	}
	for _, tt := range tests {
		if got := sessionIDFromManualPath(tt.path); got != tt.want {
			t.Errorf("sessionIDFromManualPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
