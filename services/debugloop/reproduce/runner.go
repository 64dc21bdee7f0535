// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reproduce executes a reproduction procedure under a pass policy
// and records every run verbatim in the session's run log.
//
// # Pass Policy
//
// A run passes when the command exits 0 without timing out and the failure
// signature is absent from its output. Under a policy {K, CAP} the runner
// keeps a consecutive-pass counter, resets it on any failed run, stops with
// success once it reaches K, and stops with failure after CAP runs.
// Deterministic issues use {1, 1}.
package reproduce

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// Request describes one reproduction.
type Request struct {
	SessionID   string
	Phase       session.ReproductionPhase
	Iteration   int
	AttemptID   string
	Command     string
	ManualSteps []string
	Expected    string
	Signature   string
	Policy      session.Policy
}

// Config configures a Runner.
type Config struct {
	// RunsDir holds <id>.log run logs and manual exchange files.
	RunsDir string

	// WorkDir is where commands execute (the repository root).
	WorkDir string

	// RunTimeout bounds each run. A timed-out run counts as failed.
	RunTimeout time.Duration

	// Pacing is the minimum interval between runs. Zero disables pacing.
	Pacing time.Duration
}

// Runner executes reproductions.
//
// # Thread Safety
//
// A Runner may be shared, but concurrent Runs for the same session would
// interleave in one log; the session lock prevents that.
type Runner struct {
	cfg     Config
	exec    Executor
	manual  ManualSource
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor replaces the shell executor.
func WithExecutor(e Executor) Option {
	return func(r *Runner) { r.exec = e }
}

// WithManualSource replaces the file-based manual source.
func WithManualSource(m ManualSource) Option {
	return func(r *Runner) { r.manual = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if cfg.RunsDir == "" {
		return nil, errors.New("runs dir must not be empty")
	}
	if err := os.MkdirAll(cfg.RunsDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating runs dir: %w", err)
	}
	r := &Runner{
		cfg:    cfg,
		exec:   &ShellExecutor{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.manual == nil {
		r.manual = NewFileManual(cfg.RunsDir, r.logger, nil)
	}
	if cfg.Pacing > 0 {
		r.limiter = rate.NewLimiter(rate.Every(cfg.Pacing), 1)
	}
	r.logger = r.logger.With("component", "reproduce.Runner")
	return r, nil
}

// LogPath returns the run log path for a session.
func (r *Runner) LogPath(sessionID string) string {
	return LogPath(r.cfg.RunsDir, sessionID)
}

// LogPath returns <runsDir>/<id>.log.
func LogPath(runsDir, sessionID string) string {
	return filepath.Join(runsDir, sessionID+".log")
}

// Run executes the procedure under req.Policy.
//
// # Description
//
// Every run is appended to the run log with a header line
// "=== run <n> (<phase>) exit=<code> ===" before the next run starts, so
// no output is lost even when the policy fails. When the command cannot
// execute (session.ErrReproduction) or no command exists, the runner
// degrades to the manual source for the remaining runs.
//
// # Outputs
//
//   - *session.ReproductionRecord: The aggregated record. Passed reports
//     whether K consecutive passes were reached within CAP.
//   - error: Context errors on cancellation; I/O errors on the run log.
//     Policy failure is not an error.
func (r *Runner) Run(ctx context.Context, req Request) (*session.ReproductionRecord, error) {
	policy := req.Policy
	if policy.RequiredPasses < 1 {
		policy.RequiredPasses = 1
	}
	if policy.Cap < policy.RequiredPasses {
		policy.Cap = policy.RequiredPasses
	}

	logPath := r.LogPath(req.SessionID)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	defer logFile.Close()

	start, err := logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seeking run log: %w", err)
	}

	rec := &session.ReproductionRecord{
		Phase:     req.Phase,
		Iteration: req.Iteration,
		AttemptID: req.AttemptID,
		Policy:    policy,
		LogPath:   logPath,
		LogStart:  start,
		StartedAt: r.now().UTC(),
	}

	manual := req.Command == ""
	manualReason := "no deterministic reproduce command"
	rec.Manual = manual
	logger := r.logger.With("session_id", req.SessionID, "phase", req.Phase, "iteration", req.Iteration)

	consecutive := 0
	for i := 1; i <= policy.Cap; i++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		run := session.Run{Index: i, RunID: uuid.NewString()}
		var output []byte

		if !manual {
			res, err := r.exec.Execute(ctx, req.Command, r.cfg.WorkDir, r.cfg.RunTimeout)
			switch {
			case err == nil:
				output = res.Output
				run.ExitCode = res.ExitCode
				run.TimedOut = res.TimedOut
				run.DurationMS = res.Duration.Milliseconds()
				run.SignatureSeen = req.Signature != "" && bytes.Contains(output, []byte(req.Signature))
				run.Passed = res.ExitCode == 0 && !res.TimedOut && !run.SignatureSeen
			case errors.Is(err, session.ErrReproduction):
				logger.Warn("reproduction cannot execute, degrading to manual", "error", err)
				manual = true
				rec.Manual = true
				manualReason = err.Error()
				if err := writeNote(logFile, fmt.Sprintf("command %q cannot execute: %v; switching to manual reproduction", req.Command, err)); err != nil {
					return nil, err
				}
			default:
				return nil, err
			}
		}

		if manual {
			started := r.now()
			text, err := r.manual.Await(ctx, ManualRequest{
				SessionID: req.SessionID,
				Phase:     req.Phase,
				RunIndex:  i,
				Policy:    policy,
				Steps:     req.ManualSteps,
				Expected:  req.Expected,
				Signature: req.Signature,
				Reason:    manualReason,
			})
			if err != nil {
				return nil, err
			}
			output = text
			run.Manual = true
			run.DurationMS = r.now().Sub(started).Milliseconds()
			run.Passed, run.SignatureSeen = ManualVerdict(text, req.Signature)
			if !run.Passed {
				run.ExitCode = 1
			}
		}

		if err := writeRun(logFile, run, req.Phase, output); err != nil {
			return nil, err
		}
		rec.Runs = append(rec.Runs, run)

		if run.Passed {
			consecutive++
		} else {
			consecutive = 0
		}
		logger.Debug("run finished",
			"run", i,
			"passed", run.Passed,
			"exit_code", run.ExitCode,
			"timed_out", run.TimedOut,
			"consecutive", consecutive,
		)

		if consecutive >= policy.RequiredPasses {
			rec.Passed = true
			break
		}
	}

	rec.ConsecutivePasses = consecutive
	rec.FinishedAt = r.now().UTC()
	end, err := logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seeking run log: %w", err)
	}
	rec.LogEnd = end

	logger.Info("reproduction finished",
		"runs", len(rec.Runs),
		"passed", rec.Passed,
		"required", policy.RequiredPasses,
		"cap", policy.Cap,
		"manual", rec.Manual,
	)
	return rec, nil
}

// ReadLog returns the run log segment written for rec.
func ReadLog(rec *session.ReproductionRecord) ([]byte, error) {
	f, err := os.Open(rec.LogPath)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	defer f.Close()

	n := rec.LogEnd - rec.LogStart
	if n < 0 {
		return nil, fmt.Errorf("invalid run log range %d..%d", rec.LogStart, rec.LogEnd)
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, rec.LogStart); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading run log: %w", err)
	}
	return buf, nil
}

// RunOutputs splits a run log segment into each run's captured output,
// keyed by run index. Run headers and notes are dropped.
func RunOutputs(log []byte) map[int][]byte {
	out := make(map[int][]byte)
	current, header := 0, false
	for _, line := range bytes.SplitAfter(log, []byte("\n")) {
		switch {
		case bytes.HasPrefix(line, []byte("=== run ")):
			var idx int
			if _, err := fmt.Sscanf(string(line), "=== run %d", &idx); err != nil {
				current = 0
				continue
			}
			current, header = idx, true
			out[idx] = []byte{}
			continue
		case bytes.HasPrefix(line, []byte("=== note ===")):
			current = 0
			continue
		case header && bytes.HasPrefix(line, []byte("# run_id=")):
			header = false
			continue
		}
		header = false
		if current > 0 {
			out[current] = append(out[current], line...)
		}
	}
	return out
}

func writeRun(w *os.File, run session.Run, phase session.ReproductionPhase, output []byte) error {
	exit := fmt.Sprintf("%d", run.ExitCode)
	if run.Manual {
		exit = "manual"
	}
	if run.TimedOut {
		exit = "timeout"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "=== run %d (%s) exit=%s ===\n", run.Index, phase, exit)
	fmt.Fprintf(&b, "# run_id=%s passed=%t duration_ms=%d\n", run.RunID, run.Passed, run.DurationMS)
	b.Write(output)
	if len(output) > 0 && output[len(output)-1] != '\n' {
		b.WriteByte('\n')
	}
	if _, err := w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("appending run log: %w", err)
	}
	if err := w.Sync(); err != nil {
		return fmt.Errorf("syncing run log: %w", err)
	}
	return nil
}

func writeNote(w *os.File, note string) error {
	if _, err := fmt.Fprintf(w, "=== note ===\n%s\n", note); err != nil {
		return fmt.Errorf("appending run log: %w", err)
	}
	return nil
}
