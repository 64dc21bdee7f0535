// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

// capture redirects output for the duration of f at the given level.
func capture(t *testing.T, level PersonalityLevel, f func()) (string, string) {
	t.Helper()
	old := GetPersonality()
	SetPersonalityLevel(level)
	var out, errOut bytes.Buffer
	SetOutput(&out, &errOut)
	t.Cleanup(func() {
		SetPersonality(old)
		SetOutput(nil, nil)
	})
	f()
	return out.String(), errOut.String()
}

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow} {
		if icon.Render() == "" {
			t.Errorf("expected non-empty render for %q", icon)
		}
	}
}

// =============================================================================
// Machine mode Tests
// =============================================================================

func TestSuccess_Machine(t *testing.T) {
	out, _ := capture(t, PersonalityMachine, func() { Success("fixed") })
	if out != "OK: fixed\n" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestWarningAndError_MachineGoToStderr(t *testing.T) {
	out, errOut := capture(t, PersonalityMachine, func() {
		Warning("slow")
		Error("broken")
	})
	if out != "" {
		t.Errorf("expected no stdout, got %q", out)
	}
	if !strings.Contains(errOut, "WARN: slow") || !strings.Contains(errOut, "ERROR: broken") {
		t.Errorf("unexpected stderr %q", errOut)
	}
}

func TestTitleAndMuted_SuppressedInMachineMode(t *testing.T) {
	out, _ := capture(t, PersonalityMachine, func() {
		Title("Session")
		Muted("details")
	})
	if out != "" {
		t.Errorf("expected no output, got %q", out)
	}
}

func TestKeyValue_Machine(t *testing.T) {
	out, _ := capture(t, PersonalityMachine, func() { KeyValue("status", "reproduced") })
	if out != "status\treproduced\n" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestTable_Machine(t *testing.T) {
	out, _ := capture(t, PersonalityMachine, func() {
		Table([]string{"id", "outcome"}, [][]string{{"dbg-a", "fixed"}, {"dbg-b", "ceiling"}})
	})
	want := "id\toutcome\ndbg-a\tfixed\ndbg-b\tceiling\n"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

// =============================================================================
// Standard mode Tests
// =============================================================================

func TestTable_StandardAlignsColumns(t *testing.T) {
	out, _ := capture(t, PersonalityStandard, func() {
		Table([]string{"id", "n"}, [][]string{{"dbg-long-id", "1"}})
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[1], "dbg-long-id") {
		t.Errorf("row missing: %q", lines[1])
	}
}

func TestBox_Standard(t *testing.T) {
	out, _ := capture(t, PersonalityStandard, func() { Box("Summary", "written") })
	if !strings.Contains(out, "Summary") || !strings.Contains(out, "written") {
		t.Errorf("unexpected box %q", out)
	}
}

func TestProgressBar(t *testing.T) {
	old := GetPersonality()
	defer SetPersonality(old)

	SetPersonalityLevel(PersonalityMachine)
	if got := ProgressBar(2, 5, 10); got != "2/5" {
		t.Errorf("machine progress = %q", got)
	}
	SetPersonalityLevel(PersonalityStandard)
	if got := ProgressBar(7, 5, 10); !strings.HasSuffix(got, "7/5") {
		t.Errorf("overflowing progress = %q", got)
	}
}
