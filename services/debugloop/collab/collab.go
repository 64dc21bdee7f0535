// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collab defines the external collaborators the iteration
// controller delegates to, and adapters that implement them.
//
// The controller owns sequencing and bookkeeping only. Generating
// hypotheses, placing instrumentation, reading run logs, researching a fix,
// and writing the fix are all done by collaborators.
//
// Two adapters exist:
//
//   - Plugin runs an operator-configured command per capability with a
//     JSON request on stdin and a JSON response on stdout.
//   - LLM calls an OpenAI-compatible chat endpoint for the capabilities
//     that do not edit files (generate, analyze, research).
package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// Capability names a collaborator role.
type Capability string

const (
	CapGenerate   Capability = "generate"
	CapInstrument Capability = "instrument"
	CapAnalyze    Capability = "analyze"
	CapResearch   Capability = "research"
	CapFix        Capability = "fix"
)

// ErrInvalidResponse indicates a collaborator returned an unusable result.
var ErrInvalidResponse = errors.New("invalid collaborator response")

// IssueContext is what a generator sees about the problem.
type IssueContext struct {
	SessionID string        `json:"session_id"`
	Iteration int           `json:"iteration"`
	Issue     session.Issue `json:"issue"`
	IsFlaky   bool          `json:"is_flaky"`

	// RunLog is the diagnosis run log of earlier iterations, if any.
	RunLog string `json:"run_log,omitempty"`

	// Rejected lists hypotheses already ruled out.
	Rejected []session.Hypothesis `json:"rejected,omitempty"`
}

// Research is a researcher's recommendation.
type Research struct {
	Approach string   `json:"approach"`
	Sources  []string `json:"sources,omitempty"`
}

// FixRequest is what a fix applier receives.
type FixRequest struct {
	SessionID  string             `json:"session_id"`
	AttemptID  string             `json:"attempt_id"`
	Approach   string             `json:"approach"`
	Hypothesis session.Hypothesis `json:"hypothesis"`
}

// HypothesisGenerator proposes candidate root causes, typically 3 to 5.
type HypothesisGenerator interface {
	Generate(ctx context.Context, issue IssueContext, prior []session.Finding) ([]session.Hypothesis, error)
}

// Instrumenter inserts marker-bracketed instrumentation for a hypothesis
// and returns the commits it made.
type Instrumenter interface {
	Instrument(ctx context.Context, hyp session.Hypothesis, locations []session.Location, tag string) ([]session.CommitRecord, error)
}

// Analyzer decides whether a run log confirms or rejects a hypothesis.
type Analyzer interface {
	Analyze(ctx context.Context, hyp session.Hypothesis, runLog string) (session.HypothesisStatus, string, error)
}

// Researcher recommends an approach for a confirmed hypothesis.
type Researcher interface {
	Research(ctx context.Context, hyp session.Hypothesis) (Research, error)
}

// FixApplier applies an approach and returns the commits it made.
type FixApplier interface {
	Apply(ctx context.Context, req FixRequest) ([]session.CommitRecord, error)
}

// Set bundles one implementation of every collaborator.
type Set struct {
	Generator    HypothesisGenerator
	Instrumenter Instrumenter
	Analyzer     Analyzer
	Researcher   Researcher
	Fixer        FixApplier
}

// Validate reports which collaborators are missing.
func (s Set) Validate() error {
	var missing []error
	if s.Generator == nil {
		missing = append(missing, fmt.Errorf("no %s collaborator configured", CapGenerate))
	}
	if s.Instrumenter == nil {
		missing = append(missing, fmt.Errorf("no %s collaborator configured", CapInstrument))
	}
	if s.Analyzer == nil {
		missing = append(missing, fmt.Errorf("no %s collaborator configured", CapAnalyze))
	}
	if s.Researcher == nil {
		missing = append(missing, fmt.Errorf("no %s collaborator configured", CapResearch))
	}
	if s.Fixer == nil {
		missing = append(missing, fmt.Errorf("no %s collaborator configured", CapFix))
	}
	return errors.Join(missing...)
}

// CheckVerdict validates an analyzer status.
func CheckVerdict(status session.HypothesisStatus) error {
	if status != session.HypothesisConfirmed && status != session.HypothesisRejected {
		return fmt.Errorf("%w: analyzer status %q is not confirmed or rejected", ErrInvalidResponse, status)
	}
	return nil
}
