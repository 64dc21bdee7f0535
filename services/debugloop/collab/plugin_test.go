// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
	"github.com/AleutianAI/debugloop/services/debugloop/vcs"
)

func TestSet_Validate(t *testing.T) {
	err := Set{}.Validate()
	require.Error(t, err)
	for _, c := range []Capability{CapGenerate, CapInstrument, CapAnalyze, CapResearch, CapFix} {
		assert.Contains(t, err.Error(), string(c))
	}

	p := NewPlugin(nil, "", 0, nil, nil)
	assert.NoError(t, Set{Generator: p, Instrumenter: p, Analyzer: p, Researcher: p, Fixer: p}.Validate())
}

func TestPlugin_Generate(t *testing.T) {
	p := NewPlugin(map[Capability]string{
		CapGenerate: `test "$DEBUGLOOP_CAPABILITY" = generate && cat >/dev/null && echo '{"hypotheses":[{"description":"race on cache","confidence":0.8},{"description":"stale config","confidence":0.3}]}'`,
	}, t.TempDir(), 5*time.Second, nil, nil)

	hyps, err := p.Generate(context.Background(), IssueContext{SessionID: "dbg-x", Iteration: 1}, nil)
	require.NoError(t, err)
	require.Len(t, hyps, 2)
	assert.Equal(t, "race on cache", hyps[0].Description)
	assert.InDelta(t, 0.8, hyps[0].Confidence, 1e-9)
}

func TestPlugin_Analyze(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    session.HypothesisStatus
		wantErr error
	}{
		{"confirmed", `echo '{"status":"confirmed","evidence":"x=nil"}'`, session.HypothesisConfirmed, nil},
		{"rejected", `echo '{"status":"rejected"}'`, session.HypothesisRejected, nil},
		{"bad status", `echo '{"status":"maybe"}'`, "", ErrInvalidResponse},
		{"bad json", `echo 'not json'`, "", ErrInvalidResponse},
		{"plugin error field", `echo '{"error":"model offline"}'`, "", ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlugin(map[Capability]string{CapAnalyze: tt.command}, t.TempDir(), 5*time.Second, nil, nil)
			status, _, err := p.Analyze(context.Background(), session.Hypothesis{ID: "h1.1"}, "log")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestPlugin_CommandFailure(t *testing.T) {
	p := NewPlugin(map[Capability]string{
		CapResearch: `echo "no network" >&2; exit 4`,
	}, t.TempDir(), 5*time.Second, nil, nil)

	_, err := p.Research(context.Background(), session.Hypothesis{ID: "h1.1"})
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 4, cmdErr.ExitCode)
	assert.Equal(t, CapResearch, cmdErr.Capability)
	assert.Equal(t, "no network", ExtractStderr(err))
}

func TestPlugin_Timeout(t *testing.T) {
	p := NewPlugin(map[Capability]string{CapResearch: `sleep 5`}, t.TempDir(), 100*time.Millisecond, nil, nil)
	_, err := p.Research(context.Background(), session.Hypothesis{ID: "h1.1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPlugin_MissingCommand(t *testing.T) {
	p := NewPlugin(nil, t.TempDir(), 0, nil, nil)
	assert.False(t, p.Has(CapFix))
	_, err := p.Apply(context.Background(), FixRequest{})
	assert.Error(t, err)
}

func TestPlugin_InstrumentCommitsThroughVCS(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	v, err := vcs.NewFiles(root, filepath.Join(root, ".debugloop"), nil)
	require.NoError(t, err)

	script := `printf '// %s\nprintln()\n// %s\n' "$(echo DEBUGLOOP:BEGIN $DEBUGLOOP_MARKER_TAG)" "$(echo DEBUGLOOP:END $DEBUGLOOP_MARKER_TAG)" >> main.go && echo '{"changes":[{"files":["main.go"],"message":"add probe"}]}'`
	p := NewPlugin(map[Capability]string{CapInstrument: script}, root, 5*time.Second, v, nil)

	records, err := p.Instrument(context.Background(), session.Hypothesis{ID: "h1.1"}, nil, "dbg-x/h1.1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].Ref)
	assert.Equal(t, "add probe", records[0].Message)
	assert.Equal(t, "dbg-x/h1.1", records[0].Marker)
	assert.Equal(t, []string{"main.go"}, records[0].Files)

	data, err := os.ReadFile(filepath.Join(root, "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "DEBUGLOOP:BEGIN dbg-x/h1.1")
}

func TestPlugin_ApplyWithPluginRef(t *testing.T) {
	p := NewPlugin(map[Capability]string{
		CapFix: `echo '{"changes":[{"files":["a.go"],"message":"fix","ref":"deadbeef"}]}'`,
	}, t.TempDir(), 5*time.Second, nil, nil)

	records, err := p.Apply(context.Background(), FixRequest{Approach: "lock the map", Hypothesis: session.Hypothesis{ID: "h1.1"}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "deadbeef", records[0].Ref)
}
