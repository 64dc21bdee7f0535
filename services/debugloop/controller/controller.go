// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controller drives a debugging session through its state machine.
//
// The controller owns no state of its own. Every decision is derived from
// the persisted session, so a session interrupted at any point is resumed by
// loading it and re-entering the phase of its last persisted status.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/debugloop/services/debugloop/cleanup"
	"github.com/AleutianAI/debugloop/services/debugloop/collab"
	"github.com/AleutianAI/debugloop/services/debugloop/history"
	"github.com/AleutianAI/debugloop/services/debugloop/intake"
	"github.com/AleutianAI/debugloop/services/debugloop/reproduce"
	"github.com/AleutianAI/debugloop/services/debugloop/rollback"
	"github.com/AleutianAI/debugloop/services/debugloop/session"
	"github.com/AleutianAI/debugloop/services/debugloop/summary"
	"github.com/AleutianAI/debugloop/services/debugloop/vcs"
	"github.com/AleutianAI/debugloop/services/debugloop/verify"
)

// Outcome values recorded in history.
const (
	OutcomeFixed   = "fixed"
	OutcomeCeiling = "ceiling"
)

// maxLogForCollaborators bounds the run log excerpt handed to collaborators.
const maxLogForCollaborators = 64 * 1024

// Deps are the components a Controller orchestrates.
type Deps struct {
	Store    *session.Store
	VCS      vcs.VCS
	Runner   *reproduce.Runner
	Rollback *rollback.Manager
	Cleanup  *cleanup.Manager
	Summary  *summary.Writer

	// History is optional. Terminal outcomes are not indexed when nil.
	History *history.Store

	Collab collab.Set

	// CapMultiplier sets CAP = K * CapMultiplier for flaky sessions.
	CapMultiplier int

	Logger *slog.Logger
	Tracer *Tracer

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Outcome describes how a Start or Resume call ended.
type Outcome struct {
	SessionID   string
	Status      session.Status
	Iterations  int
	SummaryPath string
	Warnings    []string
}

// Fixed reports whether the session ended verified and cleaned up.
func (o *Outcome) Fixed() bool {
	return o != nil && o.Status == session.StatusCleanupComplete
}

// Controller runs sessions to a terminal state.
//
// # Thread Safety
//
// A Controller may run different sessions concurrently. A single session is
// protected by its advisory lock; a second Start or Resume of the same id
// fails with session.ErrSessionLocked.
type Controller struct {
	store    *session.Store
	vcs      vcs.VCS
	runner   *reproduce.Runner
	rollback *rollback.Manager
	cleanup  *cleanup.Manager
	summary  *summary.Writer
	history  *history.Store
	collab   collab.Set
	capMult  int
	logger   *slog.Logger
	tracer   *Tracer
	now      func() time.Time
	newID    func() string
}

// New creates a Controller.
//
// # Outputs
//
//   - *Controller: Ready to run sessions.
//   - error: Non-nil if a required dependency or collaborator is missing.
func New(deps Deps) (*Controller, error) {
	var missing []error
	if deps.Store == nil {
		missing = append(missing, errors.New("session store is required"))
	}
	if deps.VCS == nil {
		missing = append(missing, errors.New("version control is required"))
	}
	if deps.Runner == nil {
		missing = append(missing, errors.New("reproduction runner is required"))
	}
	if deps.Cleanup == nil {
		missing = append(missing, errors.New("cleanup manager is required"))
	}
	if deps.Summary == nil {
		missing = append(missing, errors.New("summary writer is required"))
	}
	if err := deps.Collab.Validate(); err != nil {
		missing = append(missing, err)
	}
	if err := errors.Join(missing...); err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}

	c := &Controller{
		store:    deps.Store,
		vcs:      deps.VCS,
		runner:   deps.Runner,
		rollback: deps.Rollback,
		cleanup:  deps.Cleanup,
		summary:  deps.Summary,
		history:  deps.History,
		collab:   deps.Collab,
		capMult:  deps.CapMultiplier,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		now:      deps.Now,
		newID:    deps.NewID,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "controller.Controller")
	if c.rollback == nil {
		c.rollback = rollback.NewManager(deps.VCS, c.logger)
	}
	if c.tracer == nil {
		c.tracer = NewTracer(false)
	}
	if c.capMult < 1 {
		c.capMult = 4
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c, nil
}

// Start creates a session from an intake skeleton and runs it.
//
// # Description
//
// The pre-change snapshot is captured before the session is first
// persisted. A snapshot failure persists nothing.
//
// # Outputs
//
//   - *Outcome: Set whenever a session record exists, including on
//     cancellation and fatal errors.
//   - error: *session.DuplicateSessionError when the id is active,
//     session.ErrGitState when the snapshot fails, session.ErrCancelled on
//     cancellation, or the fatal error that stopped the session.
func (c *Controller) Start(ctx context.Context, skel *intake.Skeleton) (*Outcome, error) {
	if skel == nil {
		return nil, fmt.Errorf("%w: no issue", session.ErrIntake)
	}
	if c.store.Exists(skel.ID) {
		return nil, &session.DuplicateSessionError{ID: skel.ID}
	}

	lock, err := session.AcquireLock(c.store.StateDir(), skel.ID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	sess := skel.NewSession(c.now())
	logger := c.logger.With("session_id", sess.ID)

	snap, err := c.vcs.CaptureSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, session.ErrGitState) {
			err = fmt.Errorf("%w: %v", session.ErrGitState, err)
		}
		logger.Error("snapshot capture failed, nothing persisted", "error", err)
		return nil, err
	}
	sess.InitialSnapshotRef = snap.Ref
	sess.InitialCommit = snap.Commit
	sess.InitialBranch = snap.Branch
	sess.VCS = c.vcs.Kind()

	if err := sess.Transition(session.StatusSnapshotCaptured); err != nil {
		return nil, err
	}
	if err := c.store.Create(sess); err != nil {
		return nil, err
	}
	logger.Info("session started",
		"snapshot", snap.Ref,
		"vcs", sess.VCS,
		"flaky", sess.IsFlaky,
		"success_count", sess.SuccessCountRequirement,
	)
	return c.run(ctx, sess, false)
}

// Resume loads a persisted session and continues it from its last status.
//
// # Outputs
//
//   - error: session.ErrSessionNotFound for unknown or completed ids,
//     session.ErrSessionCorruption for damaged records, ErrGitState when
//     the repository no longer matches the session's snapshot mechanism.
func (c *Controller) Resume(ctx context.Context, id string) (*Outcome, error) {
	if !c.store.Exists(id) {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	lock, err := session.AcquireLock(c.store.StateDir(), id)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	sess, err := c.store.Load(id)
	if err != nil {
		return nil, err
	}
	if sess.VCS != c.vcs.Kind() {
		return outcomeOf(sess), fmt.Errorf("%w: session %s was recorded with %s snapshots, repository now uses %s",
			session.ErrGitState, id, sess.VCS, c.vcs.Kind())
	}

	c.logger.Info("resuming session",
		"session_id", sess.ID,
		"status", sess.Status,
		"iteration", sess.CurrentIteration(),
		"in_flight", sess.InFlight,
	)
	return c.run(ctx, sess, true)
}

// run loops over phases until a terminal status, then finishes the session.
func (c *Controller) run(ctx context.Context, sess *session.Session, resumed bool) (out *Outcome, err error) {
	ctx, span := c.tracer.StartSession(ctx, sess, resumed)
	defer func() {
		if errors.Is(err, session.ErrCancelled) {
			c.tracer.End(span, nil)
			return
		}
		c.tracer.End(span, err)
	}()
	logger := LoggerWithTrace(ctx, c.logger).With("session_id", sess.ID)

	for !sess.Status.IsTerminal() {
		if ctx.Err() != nil {
			return c.cancelled(ctx, sess, logger)
		}
		if err := c.step(ctx, sess); err != nil {
			if ctx.Err() != nil {
				return c.cancelled(ctx, sess, logger)
			}
			return c.fatal(sess, logger, err)
		}
	}

	if err := c.finish(ctx, sess); err != nil {
		if ctx.Err() != nil && sess.Status == session.StatusFailed && sess.SummaryPath == "" {
			return c.cancelled(ctx, sess, logger)
		}
		return c.fatal(sess, logger, err)
	}
	return outcomeOf(sess), nil
}

// step runs the handler of the current status under a span and recovers
// from collaborator panics so the session stays resumable.
func (c *Controller) step(ctx context.Context, sess *session.Session) (err error) {
	status := sess.Status
	pctx, span := c.tracer.StartPhase(ctx, sess)
	started := c.now()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("CRITICAL: panic in phase handler",
				"session_id", sess.ID,
				"status", status,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic in %s phase: %v", status, r)
		}
		recordPhase(ctx, string(status), c.now().Sub(started), err)
		c.tracer.End(span, err)
	}()

	return c.handle(pctx, sess)
}

func (c *Controller) handle(ctx context.Context, sess *session.Session) error {
	switch sess.Status {
	case session.StatusSnapshotCaptured:
		return c.advance(ctx, sess, session.StatusHypothesesPending)
	case session.StatusHypothesesPending:
		return c.generateAndInstrument(ctx, sess)
	case session.StatusInstrumented:
		return c.diagnose(ctx, sess)
	case session.StatusReproduced:
		return c.analyze(ctx, sess)
	case session.StatusRejected, session.StatusRolledBack:
		return c.nextIteration(ctx, sess)
	case session.StatusConfirmed:
		return c.research(ctx, sess)
	case session.StatusResearched:
		return c.applyFix(ctx, sess)
	case session.StatusFixApplied:
		return c.verifyFix(ctx, sess)
	case session.StatusVerificationFailed:
		return c.rollbackFix(ctx, sess)
	case session.StatusVerified:
		return c.removeInstrumentation(ctx, sess)
	default:
		return fmt.Errorf("%w: no handler for status %q", session.ErrIllegalTransition, sess.Status)
	}
}

// generateAndInstrument fills the ledger for the iteration and instruments
// each hypothesis that has no instrumentation yet.
func (c *Controller) generateAndInstrument(ctx context.Context, sess *session.Session) error {
	iter := sess.CurrentIteration()
	logger := c.logger.With("session_id", sess.ID, "iteration", iter)

	hyps := sess.HypothesesForIteration(iter)
	if len(hyps) == 0 {
		if err := c.begin(sess, "generate"); err != nil {
			return err
		}
		issue := collab.IssueContext{
			SessionID: sess.ID,
			Iteration: iter,
			Issue:     sess.Issue,
			IsFlaky:   sess.IsFlaky,
			RunLog:    c.latestRunLog(sess),
			Rejected:  rejectedHypotheses(sess),
		}
		batch, err := c.collab.Generator.Generate(ctx, issue, sess.Findings)
		if err != nil {
			recordCollaboratorError(ctx, string(collab.CapGenerate))
			return fmt.Errorf("generating hypotheses: %w", err)
		}
		if len(batch) == 0 {
			recordCollaboratorError(ctx, string(collab.CapGenerate))
			return fmt.Errorf("generating hypotheses: %w: empty batch", collab.ErrInvalidResponse)
		}
		added := sess.AddHypotheses(batch, c.now().UTC())
		if err := c.save(sess); err != nil {
			return err
		}
		logger.Info("hypotheses generated", "count", len(added))
		hyps = sess.HypothesesForIteration(iter)
	}

	for _, h := range hyps {
		hyp := *h
		if len(sess.InstrumentationFor(hyp.ID, iter)) > 0 {
			continue
		}
		if err := c.begin(sess, "instrument:"+hyp.ID); err != nil {
			return err
		}
		tag := session.MarkerTag(sess.ID, hyp.ID)
		records, err := c.collab.Instrumenter.Instrument(ctx, hyp, hyp.Locations, tag)
		if err != nil {
			recordCollaboratorError(ctx, string(collab.CapInstrument))
			return fmt.Errorf("instrumenting hypothesis %s: %w", hyp.ID, err)
		}
		c.stamp(records)
		sess.AddInstrumentation(hyp.ID, records)
		if err := c.save(sess); err != nil {
			return err
		}
		logger.Info("hypothesis instrumented", "hypothesis_id", hyp.ID, "commits", len(records))
	}

	if len(sess.InstrumentationForIteration(iter)) == 0 {
		return fmt.Errorf("%w: iteration %d", session.ErrNoInstrumentation, iter)
	}
	return c.advance(ctx, sess, session.StatusInstrumented)
}

// diagnose runs the diagnosis reproduction once per iteration.
func (c *Controller) diagnose(ctx context.Context, sess *session.Session) error {
	iter := sess.CurrentIteration()
	if sess.Reproduction(session.PhaseDiagnosis, iter) == nil {
		if err := c.begin(sess, "reproduce:diagnosis"); err != nil {
			return err
		}
		rec, err := c.reproduce(ctx, sess, session.PhaseDiagnosis, "")
		if err != nil {
			return err
		}
		sess.AddReproduction(*rec)
		if err := c.save(sess); err != nil {
			return err
		}
	}
	return c.advance(ctx, sess, session.StatusReproduced)
}

// analyze resolves every pending hypothesis of the iteration in descending
// confidence order. The first confirmed one becomes current.
func (c *Controller) analyze(ctx context.Context, sess *session.Session) error {
	iter := sess.CurrentIteration()
	rec := sess.Reproduction(session.PhaseDiagnosis, iter)
	if rec == nil {
		return fmt.Errorf("%w: no diagnosis reproduction for iteration %d", session.ErrSessionCorruption, iter)
	}
	runLog := c.readRunLog(sess, rec)
	logger := c.logger.With("session_id", sess.ID, "iteration", iter)

	for _, h := range sess.HypothesesForIteration(iter) {
		hyp := *h
		if hyp.Status != session.HypothesisPending {
			continue
		}
		if err := c.begin(sess, "analyze:"+hyp.ID); err != nil {
			return err
		}
		status, evidence, err := c.collab.Analyzer.Analyze(ctx, hyp, runLog)
		if err == nil {
			err = collab.CheckVerdict(status)
		}
		if err != nil {
			recordCollaboratorError(ctx, string(collab.CapAnalyze))
			return fmt.Errorf("analyzing hypothesis %s: %w", hyp.ID, err)
		}
		if err := sess.ResolveHypothesis(hyp.ID, status, evidence); err != nil {
			return err
		}
		sess.AddFinding(session.Finding{
			HypothesisID: hyp.ID,
			Kind:         session.FindingAnalysis,
			Iteration:    iter,
			Summary:      fmt.Sprintf("%s: %s", status, hyp.Description),
			Evidence:     evidence,
			RecordedAt:   c.now().UTC(),
		})
		if err := c.save(sess); err != nil {
			return err
		}
		logger.Info("hypothesis analyzed", "hypothesis_id", hyp.ID, "status", status, "confidence", hyp.Confidence)
	}

	for _, h := range sess.HypothesesForIteration(iter) {
		if h.Status == session.HypothesisConfirmed {
			sess.CurrentHypothesisID = h.ID
			logger.Info("hypothesis confirmed", "hypothesis_id", h.ID)
			return c.advance(ctx, sess, session.StatusConfirmed)
		}
	}
	sess.CurrentHypothesisID = ""
	logger.Info("all hypotheses rejected")
	return c.advance(ctx, sess, session.StatusRejected)
}

// nextIteration ends the iteration. The increment and the transition are
// persisted in one save, and the ceiling is checked on every increment.
func (c *Controller) nextIteration(ctx context.Context, sess *session.Session) error {
	endedBy := string(sess.Status)
	next := session.StatusHypothesesPending
	if sess.IterationCount+1 >= session.MaxIterations {
		next = session.StatusFailed
	}
	if err := sess.Transition(next); err != nil {
		return err
	}
	sess.IterationCount++
	if err := c.save(sess); err != nil {
		return err
	}
	recordIteration(ctx, endedBy)
	recordTransition(ctx, endedBy, string(next))
	c.tracer.RecordTransition(ctx, session.Status(endedBy), next)

	logger := c.logger.With("session_id", sess.ID, "iterations", sess.IterationCount)
	if next == session.StatusFailed {
		logger.Warn("iteration ceiling reached", "max", session.MaxIterations)
	} else {
		logger.Info("starting next iteration", "iteration", sess.CurrentIteration(), "ended_by", endedBy)
	}
	return nil
}

// research asks for a remediation approach for the current hypothesis.
func (c *Controller) research(ctx context.Context, sess *session.Session) error {
	iter := sess.CurrentIteration()
	hyp := sess.Hypothesis(sess.CurrentHypothesisID)
	if hyp == nil {
		return fmt.Errorf("%w: current hypothesis %q not in ledger", session.ErrSessionCorruption, sess.CurrentHypothesisID)
	}

	if !sess.HasFinding(hyp.ID, session.FindingResearch, iter) {
		current := *hyp
		if err := c.begin(sess, "research:"+current.ID); err != nil {
			return err
		}
		res, err := c.collab.Researcher.Research(ctx, current)
		if err != nil {
			recordCollaboratorError(ctx, string(collab.CapResearch))
			return fmt.Errorf("researching hypothesis %s: %w", current.ID, err)
		}
		sess.AddFinding(session.Finding{
			HypothesisID: current.ID,
			Kind:         session.FindingResearch,
			Iteration:    iter,
			Summary:      res.Approach,
			Sources:      res.Sources,
			RecordedAt:   c.now().UTC(),
		})
		sess.RecommendedApproach = res.Approach
		if err := c.save(sess); err != nil {
			return err
		}
	}
	return c.advance(ctx, sess, session.StatusResearched)
}

// applyFix opens the iteration's fix attempt and applies it unless its
// commits are already recorded.
func (c *Controller) applyFix(ctx context.Context, sess *session.Session) error {
	iter := sess.CurrentIteration()
	hyp := sess.Hypothesis(sess.CurrentHypothesisID)
	if hyp == nil {
		return fmt.Errorf("%w: current hypothesis %q not in ledger", session.ErrSessionCorruption, sess.CurrentHypothesisID)
	}
	current := *hyp

	attempt := sess.AttemptForIteration(iter)
	if attempt == nil {
		attempt = sess.StartFixAttempt(c.newID(), current.ID, sess.RecommendedApproach, c.now().UTC())
		if err := c.save(sess); err != nil {
			return err
		}
	}
	attemptID := attempt.ID

	if len(attempt.Commits) == 0 {
		if err := c.begin(sess, "fix:"+attemptID); err != nil {
			return err
		}
		records, err := c.collab.Fixer.Apply(ctx, collab.FixRequest{
			SessionID:  sess.ID,
			AttemptID:  attemptID,
			Approach:   sess.RecommendedApproach,
			Hypothesis: current,
		})
		if err != nil {
			recordCollaboratorError(ctx, string(collab.CapFix))
			return fmt.Errorf("applying fix %s: %w", attemptID, err)
		}
		c.stamp(records)
		if err := sess.RecordFixCommits(attemptID, records); err != nil {
			return err
		}
		if err := c.save(sess); err != nil {
			return err
		}
		c.logger.Info("fix applied", "session_id", sess.ID, "attempt_id", attemptID, "commits", len(records))
	}
	return c.advance(ctx, sess, session.StatusFixApplied)
}

// verifyFix runs the post-fix reproduction under the diagnosis policy and
// compares the two records.
func (c *Controller) verifyFix(ctx context.Context, sess *session.Session) error {
	iter := sess.CurrentIteration()
	attempt := sess.AttemptForIteration(iter)
	if attempt == nil {
		return fmt.Errorf("%w: no fix attempt for iteration %d", session.ErrSessionCorruption, iter)
	}
	attemptID := attempt.ID

	post := sess.Reproduction(session.PhasePostFix, iter)
	if post == nil || post.AttemptID != attemptID {
		if err := c.begin(sess, "reproduce:post_fix"); err != nil {
			return err
		}
		rec, err := c.reproduce(ctx, sess, session.PhasePostFix, attemptID)
		if err != nil {
			return err
		}
		sess.AddReproduction(*rec)
		if err := c.save(sess); err != nil {
			return err
		}
		post = sess.Reproduction(session.PhasePostFix, iter)
	}

	var opts []verify.Option
	if sig := sess.Issue.FailureSignature; sig != "" {
		data, err := reproduce.ReadLog(post)
		if err != nil {
			c.logger.Warn("post-fix run log unavailable", "session_id", sess.ID, "error", err)
			sess.AddWarning("post-fix run log for iteration %d unavailable, signature not rechecked: %v", iter, err)
		} else {
			opts = append(opts, verify.WithRunOutputs(reproduce.RunOutputs(data), sig))
		}
	}

	pre := sess.Reproduction(session.PhaseDiagnosis, iter)
	verdict, err := verify.Verify(pre, post, opts...)
	if err != nil {
		return fmt.Errorf("verifying fix %s: %w", attemptID, err)
	}

	attempt = sess.FixAttempt(attemptID)
	logger := c.logger.With("session_id", sess.ID, "attempt_id", attemptID, "iteration", iter)
	if verdict.Success {
		attempt.Status = session.FixSuccess
		logger.Info("fix verified", "reason", verdict.Reason)
		return c.advance(ctx, sess, session.StatusVerified)
	}
	attempt.FailureReason = verdict.Reason
	logger.Warn("fix did not verify", "reason", verdict.Reason)
	return c.advance(ctx, sess, session.StatusVerificationFailed)
}

// rollbackFix reverts the failed attempt to the instrumented tree.
func (c *Controller) rollbackFix(ctx context.Context, sess *session.Session) error {
	iter := sess.CurrentIteration()
	attempt := sess.AttemptForIteration(iter)
	if attempt == nil {
		return fmt.Errorf("%w: no fix attempt for iteration %d", session.ErrSessionCorruption, iter)
	}
	if attempt.Status != session.FixFailed {
		attemptID, reason := attempt.ID, attempt.FailureReason
		if reason == "" {
			reason = session.ErrVerificationFailure.Error()
		}
		if err := c.begin(sess, "rollback:fix"); err != nil {
			return err
		}
		_, err := c.rollback.RollbackFix(ctx, sess, attemptID, reason)
		recordRollback(ctx, "fix", err)
		if err != nil {
			return err
		}
		if err := c.save(sess); err != nil {
			return err
		}
	}
	return c.advance(ctx, sess, session.StatusRolledBack)
}

// removeInstrumentation strips every marker region and verifies none remain.
func (c *Controller) removeInstrumentation(ctx context.Context, sess *session.Session) error {
	if err := c.begin(sess, "cleanup"); err != nil {
		return err
	}
	if err := c.cleanup.Clean(ctx, sess); err != nil {
		return fmt.Errorf("removing instrumentation: %w", err)
	}
	return c.advance(ctx, sess, session.StatusCleanupComplete)
}

// finish performs terminal handling.
//
// For failed sessions the summary is durably written before the full
// rollback, and the session file is deleted only after the tree is verified
// against the initial snapshot.
func (c *Controller) finish(ctx context.Context, sess *session.Session) error {
	logger := c.logger.With("session_id", sess.ID, "status", sess.Status)

	switch sess.Status {
	case session.StatusCleanupComplete:
		recordOutcome(ctx, OutcomeFixed, iterationsUsed(sess))
		c.recordHistory(sess, OutcomeFixed)
		if err := c.store.Delete(sess.ID); err != nil {
			return fmt.Errorf("deleting completed session: %w", err)
		}
		logger.Info("issue fixed and verified", "iterations", iterationsUsed(sess))
		return nil

	case session.StatusFailed:
		if sess.SummaryPath == "" {
			if err := c.begin(sess, "summary"); err != nil {
				return err
			}
			path, err := c.summary.Write(ctx, sess)
			if err != nil {
				return fmt.Errorf("writing failure summary: %w", err)
			}
			sess.SummaryPath = path
			if err := c.save(sess); err != nil {
				return err
			}
		}

		if err := c.begin(sess, "rollback:full"); err != nil {
			return err
		}
		err := c.rollback.RollbackFull(ctx, sess)
		recordRollback(ctx, "full", err)
		if err != nil {
			return err
		}

		recordOutcome(ctx, OutcomeCeiling, sess.IterationCount)
		c.recordHistory(sess, OutcomeCeiling)
		if err := c.store.Delete(sess.ID); err != nil {
			return fmt.Errorf("deleting failed session: %w", err)
		}
		logger.Warn("session ended at iteration ceiling", "summary", sess.SummaryPath)
		return nil
	}
	return fmt.Errorf("%w: %s is not terminal", session.ErrIllegalTransition, sess.Status)
}

// advance transitions and persists the session.
func (c *Controller) advance(ctx context.Context, sess *session.Session, next session.Status) error {
	from := sess.Status
	if err := sess.Transition(next); err != nil {
		return err
	}
	if err := c.save(sess); err != nil {
		return err
	}
	recordTransition(ctx, string(from), string(next))
	c.tracer.RecordTransition(ctx, from, next)
	c.logger.Debug("status transition",
		"session_id", sess.ID,
		"from", from,
		"to", next,
		"iteration", sess.CurrentIteration(),
	)
	return nil
}

// begin persists the action about to run before its side effects start.
func (c *Controller) begin(sess *session.Session, action string) error {
	sess.InFlight = action
	return c.save(sess)
}

func (c *Controller) save(sess *session.Session) error {
	if err := c.store.Save(sess); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// cancelled leaves the session resumable with its in-flight action recorded.
func (c *Controller) cancelled(ctx context.Context, sess *session.Session, logger *slog.Logger) (*Outcome, error) {
	if err := c.store.Save(sess); err != nil {
		logger.Error("saving cancelled session failed", "error", err)
	}
	logger.Warn("session interrupted, resume to continue",
		"status", sess.Status,
		"in_flight", sess.InFlight,
	)
	return outcomeOf(sess), fmt.Errorf("%w: %v", session.ErrCancelled, context.Cause(ctx))
}

// fatal records the error on the session and keeps the file.
func (c *Controller) fatal(sess *session.Session, logger *slog.Logger, err error) (*Outcome, error) {
	sess.LastError = err.Error()
	if errors.Is(err, session.ErrSessionCorruption) {
		logger.Error("session record corrupt, not overwriting", "error", err)
		return outcomeOf(sess), err
	}
	if saveErr := c.store.Save(sess); saveErr != nil {
		logger.Error("saving session after fatal error failed", "error", saveErr)
	}
	logger.Error("session stopped", "status", sess.Status, "in_flight", sess.InFlight, "error", err)
	return outcomeOf(sess), err
}

func (c *Controller) reproduce(ctx context.Context, sess *session.Session, phase session.ReproductionPhase, attemptID string) (*session.ReproductionRecord, error) {
	rec, err := c.runner.Run(ctx, reproduce.Request{
		SessionID:   sess.ID,
		Phase:       phase,
		Iteration:   sess.CurrentIteration(),
		AttemptID:   attemptID,
		Command:     sess.Issue.ReproduceCommand,
		ManualSteps: sess.Issue.ManualSteps,
		Expected:    sess.Issue.Expected,
		Signature:   sess.Issue.FailureSignature,
		Policy:      sess.Policy(c.capMult),
	})
	if err != nil {
		return nil, fmt.Errorf("running %s reproduction: %w", phase, err)
	}
	passed := 0
	for _, r := range rec.Runs {
		if r.Passed {
			passed++
		}
	}
	recordRuns(ctx, string(phase), passed, len(rec.Runs)-passed)
	return rec, nil
}

// readRunLog returns the record's log segment, bounded for collaborators.
// A missing log becomes a warning.
func (c *Controller) readRunLog(sess *session.Session, rec *session.ReproductionRecord) string {
	data, err := reproduce.ReadLog(rec)
	if err != nil {
		c.logger.Warn("run log unavailable", "session_id", sess.ID, "error", err)
		sess.AddWarning("run log for %s iteration %d unavailable: %v", rec.Phase, rec.Iteration, err)
		return ""
	}
	if len(data) > maxLogForCollaborators {
		data = data[len(data)-maxLogForCollaborators:]
	}
	return string(data)
}

// latestRunLog returns the newest reproduction log segment, or "".
func (c *Controller) latestRunLog(sess *session.Session) string {
	if n := len(sess.Reproductions); n > 0 {
		return c.readRunLog(sess, &sess.Reproductions[n-1])
	}
	return ""
}

func (c *Controller) stamp(records []session.CommitRecord) {
	now := c.now().UTC()
	for i := range records {
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = now
		}
	}
}

func (c *Controller) recordHistory(sess *session.Session, outcome string) {
	if c.history == nil {
		return
	}
	err := c.history.Record(history.Entry{
		SessionID:   sess.ID,
		Outcome:     outcome,
		Status:      string(sess.Status),
		Iterations:  iterationsUsed(sess),
		FixAttempts: len(sess.FixAttempts),
		IsFlaky:     sess.IsFlaky,
		Issue:       sess.Issue.Actual,
		SummaryPath: sess.SummaryPath,
		Warnings:    len(sess.Warnings),
		CreatedAt:   sess.CreatedAt,
		FinishedAt:  c.now().UTC(),
	})
	if err != nil {
		c.logger.Warn("recording history failed", "session_id", sess.ID, "error", err)
	}
}

func rejectedHypotheses(sess *session.Session) []session.Hypothesis {
	var out []session.Hypothesis
	for _, h := range sess.Hypotheses {
		if h.Status == session.HypothesisRejected {
			out = append(out, h)
		}
	}
	return out
}

// iterationsUsed counts the iteration in progress unless the ceiling ended
// the session.
func iterationsUsed(sess *session.Session) int {
	if sess.Status == session.StatusFailed {
		return sess.IterationCount
	}
	return sess.CurrentIteration()
}

func outcomeOf(sess *session.Session) *Outcome {
	return &Outcome{
		SessionID:   sess.ID,
		Status:      sess.Status,
		Iterations:  iterationsUsed(sess),
		SummaryPath: sess.SummaryPath,
		Warnings:    append([]string(nil), sess.Warnings...),
	}
}
