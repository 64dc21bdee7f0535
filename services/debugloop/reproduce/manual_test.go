// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reproduce

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

func TestFileManual_AwaitsProvidedInput(t *testing.T) {
	dir := t.TempDir()
	notified := make(chan string, 1)
	m := NewFileManual(dir, nil, func(p string) { notified <- p })

	go func() {
		<-notified
		_ = ProvideInput(dir, "dbg-abc123def456", []byte("observed: panic\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := m.Await(ctx, ManualRequest{
		SessionID: "dbg-abc123def456",
		Phase:     session.PhaseDiagnosis,
		RunIndex:  1,
		Policy:    session.Policy{RequiredPasses: 1, Cap: 1},
		Steps:     []string{"open the app", "click save"},
		Expected:  "file saved",
	})
	require.NoError(t, err)
	assert.Equal(t, "observed: panic\n", string(data))

	_, err = os.Stat(InputPath(dir, "dbg-abc123def456"))
	assert.True(t, os.IsNotExist(err), "input is consumed")

	script, err := os.ReadFile(InstructionsPath(dir, "dbg-abc123def456"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "1. open the app")
	assert.Contains(t, string(script), "2. click save")
	assert.Contains(t, string(script), "file saved")
}

func TestFileManual_Cancelled(t *testing.T) {
	m := NewFileManual(t.TempDir(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Await(ctx, ManualRequest{SessionID: "dbg-abc123def456"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProvideInput_RejectsBadID(t *testing.T) {
	err := ProvideInput(t.TempDir(), "../escape", []byte("x"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestManualVerdict(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		signature string
		passed    bool
		seen      bool
	}{
		{"clean", "all good", "panic", true, false},
		{"signature", "x\npanic: boom\n", "panic", false, true},
		{"explicit fail", "looks fine\nresult: fail\n", "", false, false},
		{"explicit pass", "RESULT: PASS", "", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, seen := ManualVerdict([]byte(tt.text), tt.signature)
			assert.Equal(t, tt.passed, passed)
			assert.Equal(t, tt.seen, seen)
		})
	}
}
