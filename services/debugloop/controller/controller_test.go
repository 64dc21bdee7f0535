// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/debugloop/services/debugloop/cleanup"
	"github.com/AleutianAI/debugloop/services/debugloop/collab"
	"github.com/AleutianAI/debugloop/services/debugloop/history"
	"github.com/AleutianAI/debugloop/services/debugloop/intake"
	"github.com/AleutianAI/debugloop/services/debugloop/reproduce"
	"github.com/AleutianAI/debugloop/services/debugloop/rollback"
	"github.com/AleutianAI/debugloop/services/debugloop/session"
	"github.com/AleutianAI/debugloop/services/debugloop/summary"
	"github.com/AleutianAI/debugloop/services/debugloop/vcs"
)

const (
	appFile     = "app.go"
	bugFile     = "bug.txt"
	initialApp  = "package app\n\nfunc Run() {}\n"
	initialBug  = "broken\n"
	fixedMarker = "fixed"
)

func init() {
	SetMetricsEnabled(false)
}

// env is a repository with the file-snapshot VCS and the full component set.
type env struct {
	root     string
	stateDir string
	vcs      *vcs.Files
	store    *session.Store
	history  *history.Store
	exec     *repoExecutor
	fakes    *fakes
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, appFile, initialApp)
	writeFile(t, root, bugFile, initialBug)

	stateDir := filepath.Join(root, ".debugloop")
	v, err := vcs.NewFiles(root, stateDir, nil)
	require.NoError(t, err)
	store, err := session.NewStore(stateDir)
	require.NoError(t, err)
	hist, err := history.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	e := &env{
		root:     root,
		stateDir: stateDir,
		vcs:      v,
		store:    store,
		history:  hist,
		exec:     &repoExecutor{root: root},
	}
	e.fakes = newFakes(e)
	return e
}

func (e *env) controller(t *testing.T, opts ...func(*Deps)) *Controller {
	t.Helper()
	runner, err := reproduce.NewRunner(reproduce.Config{
		RunsDir: filepath.Join(e.stateDir, "runs"),
		WorkDir: e.root,
	}, reproduce.WithExecutor(e.exec))
	require.NoError(t, err)

	deps := Deps{
		Store:    e.store,
		VCS:      e.vcs,
		Runner:   runner,
		Rollback: rollback.NewManager(e.vcs, nil),
		Cleanup:  cleanup.NewManager(e.root, e.vcs, nil),
		Summary:  summary.NewWriter(filepath.Join(e.stateDir, "summaries")),
		History:  e.history,
		Collab: collab.Set{
			Generator:    e.fakes,
			Instrumenter: e.fakes,
			Analyzer:     e.fakes,
			Researcher:   e.fakes,
			Fixer:        e.fakes,
		},
		CapMultiplier: 4,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	c, err := New(deps)
	require.NoError(t, err)
	return c
}

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

func skeleton(t *testing.T, in intake.Input) *intake.Skeleton {
	t.Helper()
	sk, err := intake.NewNormalizer().Normalize(in)
	require.NoError(t, err)
	return sk
}

func deterministicIssue() intake.Input {
	return intake.Input{
		ReproductionSteps: "run the app with an empty config",
		Expected:          "the app starts",
		Actual:            "the app exits with a nil map panic",
		ReproduceCommand:  "./run.sh",
	}
}

func flakyIssue(k int) intake.Input {
	return intake.Input{
		ReproductionSteps: "run the integration suite",
		Expected:          "all tests pass",
		Actual:            "the cache test fails intermittently",
		ReproduceCommand:  "./run.sh",
		SuccessCount:      &k,
	}
}

// repoExecutor fails while bug.txt is unfixed. Once fixed, it consumes
// fixedScript ('P' or 'F' per run) and passes when the script is exhausted.
type repoExecutor struct {
	mu          sync.Mutex
	root        string
	fixedScript string
	calls       int
	onCall      func(call int)
}

func (r *repoExecutor) Execute(ctx context.Context, _, _ string, _ time.Duration) (reproduce.ExecResult, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	hook := r.onCall
	r.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return reproduce.ExecResult{}, err
	}

	data, err := os.ReadFile(filepath.Join(r.root, bugFile))
	if err != nil {
		return reproduce.ExecResult{}, err
	}
	if !strings.Contains(string(data), fixedMarker) {
		return reproduce.ExecResult{Output: []byte("panic: assignment to entry in nil map"), ExitCode: 2}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fixedScript != "" {
		c := r.fixedScript[0]
		r.fixedScript = r.fixedScript[1:]
		if c == 'F' {
			return reproduce.ExecResult{Output: []byte("cache miss race"), ExitCode: 1}, nil
		}
	}
	return reproduce.ExecResult{Output: []byte("ok")}, nil
}

// fakes implements every collaborator against the env's repository.
type fakes struct {
	mu  sync.Mutex
	env *env

	// confirm decides the analyzer verdict; nil confirms the highest
	// confidence hypothesis.
	confirm func(h session.Hypothesis) bool

	// fixContent is what the fixer writes to bug.txt.
	fixContent func(attempt int) string

	analyzePanic bool

	generateCalls   int
	instrumentCalls int
	analyzeCalls    int
	researchCalls   int
	fixCalls        int
}

func newFakes(e *env) *fakes {
	return &fakes{
		env:        e,
		fixContent: func(int) string { return fixedMarker + "\n" },
	}
}

func (f *fakes) Generate(_ context.Context, issue collab.IssueContext, _ []session.Finding) ([]session.Hypothesis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++
	return []session.Hypothesis{
		{Description: fmt.Sprintf("nil map in Run (iteration %d)", issue.Iteration), Confidence: 0.9,
			Locations: []session.Location{{File: appFile, StartLine: 3, EndLine: 3}}},
		{Description: fmt.Sprintf("config not loaded (iteration %d)", issue.Iteration), Confidence: 0.4},
	}, nil
}

func (f *fakes) Instrument(ctx context.Context, hyp session.Hypothesis, _ []session.Location, tag string) ([]session.CommitRecord, error) {
	f.mu.Lock()
	f.instrumentCalls++
	f.mu.Unlock()

	path := filepath.Join(f.env.root, appFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	region := fmt.Sprintf("// %s %s\nprintln(%q)\n// %s %s\n",
		session.MarkerBegin, tag, hyp.ID, session.MarkerEnd, tag)
	if err := os.WriteFile(path, append(data, region...), 0o644); err != nil {
		return nil, err
	}
	msg := "instrument " + hyp.ID
	ref, err := f.env.vcs.Commit(ctx, []string{appFile}, msg)
	if err != nil {
		return nil, err
	}
	return []session.CommitRecord{{Ref: ref, Message: msg, Files: []string{appFile}}}, nil
}

func (f *fakes) Analyze(_ context.Context, hyp session.Hypothesis, runLog string) (session.HypothesisStatus, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeCalls++
	if f.analyzePanic {
		panic("analyzer exploded")
	}
	confirmed := hyp.Confidence > 0.5
	if f.confirm != nil {
		confirmed = f.confirm(hyp)
	}
	if confirmed {
		return session.HypothesisConfirmed, "log shows: " + firstLine(runLog), nil
	}
	return session.HypothesisRejected, "no matching output", nil
}

func (f *fakes) Research(_ context.Context, hyp session.Hypothesis) (collab.Research, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.researchCalls++
	return collab.Research{Approach: "initialize the map for " + hyp.ID, Sources: []string{"https://go.dev/blog/maps"}}, nil
}

func (f *fakes) Apply(ctx context.Context, req collab.FixRequest) ([]session.CommitRecord, error) {
	f.mu.Lock()
	f.fixCalls++
	n := f.fixCalls
	f.mu.Unlock()

	if err := os.WriteFile(filepath.Join(f.env.root, bugFile), []byte(f.fixContent(n)), 0o644); err != nil {
		return nil, err
	}
	msg := "fix " + req.AttemptID
	ref, err := f.env.vcs.Commit(ctx, []string{bugFile}, msg)
	if err != nil {
		return nil, err
	}
	return []session.CommitRecord{{Ref: ref, Message: msg, Files: []string{bugFile}}}, nil
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

func countMarkers(t *testing.T, root string) int {
	t.Helper()
	content := readFile(t, root, appFile)
	return strings.Count(content, session.MarkerBegin) + strings.Count(content, session.MarkerEnd)
}

// Scenario A: non-flaky, first hypothesis confirmed, first fix verified.
func TestController_FixedOnFirstAttempt(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	sk := skeleton(t, deterministicIssue())

	out, err := c.Start(context.Background(), sk)
	require.NoError(t, err)

	assert.True(t, out.Fixed())
	assert.Equal(t, session.StatusCleanupComplete, out.Status)
	assert.Equal(t, 1, out.Iterations)
	assert.False(t, e.store.Exists(sk.ID), "session file must be deleted")
	assert.Zero(t, countMarkers(t, e.root))
	assert.Equal(t, initialApp, readFile(t, e.root, appFile))
	assert.Contains(t, readFile(t, e.root, bugFile), fixedMarker)

	assert.Equal(t, 1, e.fakes.generateCalls)
	assert.Equal(t, 2, e.fakes.instrumentCalls)
	assert.Equal(t, 2, e.fakes.analyzeCalls)
	assert.Equal(t, 1, e.fakes.fixCalls)
	assert.Equal(t, 2, e.exec.calls, "one diagnosis run, one post-fix run")

	entries, err := e.history.ForSession(sk.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeFixed, entries[0].Outcome)
}

// Scenario B: flaky K=5, post-fix reaches five consecutive passes after two
// failed retries.
func TestController_FlakyFixVerifiedWithinCap(t *testing.T) {
	e := newEnv(t)
	e.exec.fixedScript = "FF"
	c := e.controller(t)
	sk := skeleton(t, flakyIssue(5))
	require.True(t, sk.IsFlaky)

	out, err := c.Start(context.Background(), sk)
	require.NoError(t, err)
	assert.True(t, out.Fixed())

	diagnosis := runResults(t, e, sk.ID, session.PhaseDiagnosis)
	postFix := runResults(t, e, sk.ID, session.PhasePostFix)

	assert.Len(t, diagnosis, 20, "diagnosis exhausts CAP = 5 * 4")
	require.Len(t, postFix, 7)
	assert.Equal(t, []bool{false, false, true, true, true, true, true}, postFix)
	assert.Equal(t, 27, e.exec.calls)
}

// runResults returns the pass flag of every logged run of one phase.
func runResults(t *testing.T, e *env, id string, phase session.ReproductionPhase) []bool {
	t.Helper()
	data, err := os.ReadFile(reproduce.LogPath(filepath.Join(e.stateDir, "runs"), id))
	require.NoError(t, err)

	var out []bool
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "=== run ") || !strings.Contains(line, "("+string(phase)+")") {
			continue
		}
		require.Less(t, i+1, len(lines))
		out = append(out, strings.Contains(lines[i+1], "passed=true"))
	}
	return out
}

// Scenario C: five iterations each ending in verification failure.
func TestController_CeilingAfterFiveFailedFixes(t *testing.T) {
	e := newEnv(t)
	e.fakes.fixContent = func(n int) string { return fmt.Sprintf("attempt %d\n", n) }
	c := e.controller(t)
	sk := skeleton(t, deterministicIssue())

	out, err := c.Start(context.Background(), sk)
	require.NoError(t, err)

	assert.False(t, out.Fixed())
	assert.Equal(t, session.StatusFailed, out.Status)
	assert.Equal(t, session.MaxIterations, out.Iterations)
	assert.Equal(t, session.MaxIterations, e.fakes.fixCalls)
	assert.Equal(t, session.MaxIterations, e.fakes.generateCalls)

	assert.Equal(t, initialApp, readFile(t, e.root, appFile), "full rollback restores the snapshot")
	assert.Equal(t, initialBug, readFile(t, e.root, bugFile))
	assert.False(t, e.store.Exists(sk.ID))

	require.NotEmpty(t, out.SummaryPath)
	doc, err := os.ReadFile(out.SummaryPath)
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(string(doc), "### Attempt "))
	assert.Contains(t, string(doc), "session_id: "+sk.ID)

	entries, err := e.history.ForSession(sk.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeCeiling, entries[0].Outcome)
	assert.Equal(t, 5, entries[0].FixAttempts)
}

func TestController_AllRejectedReachesCeiling(t *testing.T) {
	e := newEnv(t)
	e.fakes.confirm = func(session.Hypothesis) bool { return false }
	c := e.controller(t)
	sk := skeleton(t, deterministicIssue())

	out, err := c.Start(context.Background(), sk)
	require.NoError(t, err)

	assert.Equal(t, session.StatusFailed, out.Status)
	assert.Equal(t, session.MaxIterations, out.Iterations)
	assert.Equal(t, session.MaxIterations, e.fakes.generateCalls)
	assert.Zero(t, e.fakes.researchCalls)
	assert.Zero(t, e.fakes.fixCalls)
	assert.Equal(t, initialApp, readFile(t, e.root, appFile))
	assert.FileExists(t, out.SummaryPath)
}

func TestController_HighestConfidenceConfirmationWins(t *testing.T) {
	e := newEnv(t)
	e.fakes.confirm = func(session.Hypothesis) bool { return true }
	var researched []string
	c := e.controller(t, func(d *Deps) {
		d.Collab.Researcher = researcherFunc(func(h session.Hypothesis) {
			researched = append(researched, h.Description)
		}, e.fakes)
	})

	out, err := c.Start(context.Background(), skeleton(t, deterministicIssue()))
	require.NoError(t, err)
	assert.True(t, out.Fixed())
	require.Len(t, researched, 1)
	assert.Contains(t, researched[0], "nil map", "highest confidence confirmed hypothesis wins")
}

type recordingResearcher struct {
	seen  func(session.Hypothesis)
	inner collab.Researcher
}

func (r *recordingResearcher) Research(ctx context.Context, h session.Hypothesis) (collab.Research, error) {
	r.seen(h)
	return r.inner.Research(ctx, h)
}

func researcherFunc(seen func(session.Hypothesis), inner collab.Researcher) collab.Researcher {
	return &recordingResearcher{seen: seen, inner: inner}
}

func TestController_ResumeFromInstrumentedIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.exec.onCall = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	sk := skeleton(t, deterministicIssue())

	out, err := e.controller(t).Start(ctx, sk)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrCancelled)
	require.NotNil(t, out)
	assert.Equal(t, session.StatusInstrumented, out.Status)

	saved, err := e.store.Load(sk.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusInstrumented, saved.Status)
	assert.Equal(t, "reproduce:diagnosis", saved.InFlight)
	require.Len(t, saved.InstrumentationForIteration(1), 2)
	instrumentedTree := readFile(t, e.root, appFile)

	e.exec.onCall = nil
	out, err = e.controller(t).Resume(context.Background(), sk.ID)
	require.NoError(t, err)
	assert.True(t, out.Fixed())

	assert.Equal(t, 1, e.fakes.generateCalls, "hypotheses are not regenerated")
	assert.Equal(t, 2, e.fakes.instrumentCalls, "instrumentation is not repeated")
	assert.Equal(t, 2, strings.Count(instrumentedTree, session.MarkerBegin))
	assert.Zero(t, countMarkers(t, e.root))
}

func TestController_ResumeAfterTerminalIsNotFound(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)
	sk := skeleton(t, deterministicIssue())
	_, err := c.Start(context.Background(), sk)
	require.NoError(t, err)

	_, err = c.Resume(context.Background(), sk.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = c.Resume(context.Background(), "dbg-unknown")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestController_DuplicateStartOffersResume(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.exec.onCall = func(int) { cancel() }
	sk := skeleton(t, deterministicIssue())

	_, err := e.controller(t).Start(ctx, sk)
	require.ErrorIs(t, err, session.ErrCancelled)
	require.True(t, e.store.Exists(sk.ID))

	_, err = e.controller(t).Start(context.Background(), sk)
	var dup *session.DuplicateSessionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, sk.ID, dup.ID)
}

type failingSnapshotVCS struct {
	vcs.VCS
}

func (failingSnapshotVCS) CaptureSnapshot(context.Context) (vcs.Snapshot, error) {
	return vcs.Snapshot{}, errors.New("disk full")
}

func TestController_SnapshotFailurePersistsNothing(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, func(d *Deps) {
		d.VCS = failingSnapshotVCS{VCS: e.vcs}
	})

	out, err := c.Start(context.Background(), skeleton(t, deterministicIssue()))
	assert.Nil(t, out)
	assert.ErrorIs(t, err, session.ErrGitState)

	ids, err := e.store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestController_CollaboratorPanicKeepsSession(t *testing.T) {
	e := newEnv(t)
	e.fakes.analyzePanic = true
	sk := skeleton(t, deterministicIssue())

	out, err := e.controller(t).Start(context.Background(), sk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in reproduced phase")
	assert.Equal(t, session.StatusReproduced, out.Status)

	saved, err := e.store.Load(sk.ID)
	require.NoError(t, err)
	assert.Contains(t, saved.LastError, "analyzer exploded")
	assert.Equal(t, "analyze:"+saved.HypothesesForIteration(1)[0].ID, saved.InFlight)

	e.fakes.analyzePanic = false
	out, err = e.controller(t).Resume(context.Background(), sk.ID)
	require.NoError(t, err)
	assert.True(t, out.Fixed())
}

// restoreFailsVCS fails restores to the initial snapshot (full) or to any
// other ref (fix level).
type restoreFailsVCS struct {
	vcs.VCS
	failFull bool
	failFix  bool

	mu       sync.Mutex
	snapshot string
}

func (r *restoreFailsVCS) CaptureSnapshot(ctx context.Context) (vcs.Snapshot, error) {
	snap, err := r.VCS.CaptureSnapshot(ctx)
	r.mu.Lock()
	r.snapshot = snap.Ref
	r.mu.Unlock()
	return snap, err
}

func (r *restoreFailsVCS) Restore(ctx context.Context, ref string) error {
	r.mu.Lock()
	full := ref == r.snapshot
	r.mu.Unlock()
	if (full && r.failFull) || (!full && r.failFix) {
		return errors.New("permission denied")
	}
	return r.VCS.Restore(ctx, ref)
}

func withRestoreFailures(v vcs.VCS) func(*Deps) {
	return func(d *Deps) {
		d.VCS = v
		d.Rollback = rollback.NewManager(v, nil)
	}
}

func TestController_FullRollbackFailureKeepsSession(t *testing.T) {
	e := newEnv(t)
	e.fakes.fixContent = func(n int) string { return fmt.Sprintf("attempt %d\n", n) }
	broken := &restoreFailsVCS{VCS: e.vcs, failFull: true}
	sk := skeleton(t, deterministicIssue())

	out, err := e.controller(t, withRestoreFailures(broken)).Start(context.Background(), sk)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrRollbackFailure)
	require.NotNil(t, out)
	assert.Equal(t, session.StatusFailed, out.Status)
	assert.Equal(t, session.MaxIterations, e.fakes.fixCalls)

	require.True(t, e.store.Exists(sk.ID), "rollback failure keeps the session")
	saved, err := e.store.Load(sk.ID)
	require.NoError(t, err)
	assert.Contains(t, saved.LastError, "permission denied")
	assert.Equal(t, "rollback:full", saved.InFlight)
	require.NotEmpty(t, saved.SummaryPath)
	assert.FileExists(t, saved.SummaryPath)

	entries, err := e.history.ForSession(sk.ID)
	require.NoError(t, err)
	assert.Empty(t, entries, "outcome is recorded only after the rollback")

	// A healthy resume completes the rollback without rewriting the summary.
	out, err = e.controller(t).Resume(context.Background(), sk.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, out.Status)
	assert.Equal(t, saved.SummaryPath, out.SummaryPath)
	assert.Equal(t, initialApp, readFile(t, e.root, appFile))
	assert.Equal(t, initialBug, readFile(t, e.root, bugFile))
	assert.False(t, e.store.Exists(sk.ID))
}

func TestController_FixRollbackFailureKeepsSession(t *testing.T) {
	e := newEnv(t)
	e.fakes.fixContent = func(n int) string { return fmt.Sprintf("attempt %d\n", n) }
	broken := &restoreFailsVCS{VCS: e.vcs, failFix: true}
	sk := skeleton(t, deterministicIssue())

	out, err := e.controller(t, withRestoreFailures(broken)).Start(context.Background(), sk)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrRollbackFailure)
	require.NotNil(t, out)
	assert.Equal(t, session.StatusVerificationFailed, out.Status)
	assert.Equal(t, 1, e.fakes.fixCalls, "no further attempt after a failed rollback")

	require.True(t, e.store.Exists(sk.ID))
	saved, err := e.store.Load(sk.ID)
	require.NoError(t, err)
	assert.Contains(t, saved.LastError, "permission denied")
	assert.Equal(t, "rollback:fix", saved.InFlight)
	assert.Equal(t, "attempt 1\n", readFile(t, e.root, bugFile), "failed fix is still in the tree")

	attempt := saved.AttemptForIteration(1)
	require.NotNil(t, attempt)
	assert.NotEqual(t, session.FixFailed, attempt.Status, "attempt is not marked rolled back")
}

type emptyInstrumenter struct{}

func (emptyInstrumenter) Instrument(context.Context, session.Hypothesis, []session.Location, string) ([]session.CommitRecord, error) {
	return nil, nil
}

func TestController_NoInstrumentationIsFatal(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t, func(d *Deps) {
		d.Collab.Instrumenter = emptyInstrumenter{}
	})
	sk := skeleton(t, deterministicIssue())

	out, err := c.Start(context.Background(), sk)
	assert.ErrorIs(t, err, session.ErrNoInstrumentation)
	assert.Equal(t, session.StatusHypothesesPending, out.Status)
	assert.True(t, e.store.Exists(sk.ID), "fatal errors keep the session")
}

func TestNextIteration_CeilingCheckedOnIncrement(t *testing.T) {
	e := newEnv(t)
	c := e.controller(t)

	tests := []struct {
		name   string
		count  int
		from   session.Status
		want   session.Status
		wantCt int
	}{
		{name: "rejected early", count: 0, from: session.StatusRejected, want: session.StatusHypothesesPending, wantCt: 1},
		{name: "rolled back early", count: 2, from: session.StatusRolledBack, want: session.StatusHypothesesPending, wantCt: 3},
		{name: "rejected at ceiling", count: 4, from: session.StatusRejected, want: session.StatusFailed, wantCt: 5},
		{name: "rolled back at ceiling", count: 4, from: session.StatusRolledBack, want: session.StatusFailed, wantCt: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := e.vcs.CaptureSnapshot(context.Background())
			require.NoError(t, err)
			sess := &session.Session{
				ID:                      "dbg-ceiling",
				CreatedAt:               time.Now(),
				InitialSnapshotRef:      snap.Ref,
				VCS:                     session.VCSFiles,
				Status:                  tt.from,
				IterationCount:          tt.count,
				SuccessCountRequirement: 1,
				Issue: session.Issue{
					ReproductionSteps: "s", Expected: "e", Actual: "a", Normalized: "s|e|a",
				},
			}
			require.NoError(t, c.nextIteration(context.Background(), sess))
			assert.Equal(t, tt.want, sess.Status)
			assert.Equal(t, tt.wantCt, sess.IterationCount)
			assert.LessOrEqual(t, sess.IterationCount, session.MaxIterations)

			saved, err := e.store.Load(sess.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, saved.Status)
		})
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session store is required")
	assert.Contains(t, err.Error(), "no generate collaborator configured")
}
