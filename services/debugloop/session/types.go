// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session defines the persisted record of one debugging
// investigation and the store that keeps it on disk.
//
// A Session owns every nested entity (hypotheses, findings, fix attempts,
// commit records, reproduction records). Nothing is shared across sessions.
// The version-control repository is referenced only by commit identifiers.
package session

import (
	"time"
)

const (
	// MaxIterations is the fixed iteration ceiling.
	MaxIterations = 5

	// MinSuccessCount and MaxSuccessCount bound the consecutive-pass requirement.
	MinSuccessCount = 1
	MaxSuccessCount = 10

	// SchemaVersion is the on-disk session format version.
	SchemaVersion = "1"
)

// VCSKind identifies which snapshot mechanism a session was created with.
type VCSKind string

const (
	VCSGit   VCSKind = "git"
	VCSFiles VCSKind = "files"
)

// HypothesisStatus is the resolution state of a hypothesis.
type HypothesisStatus string

const (
	HypothesisPending   HypothesisStatus = "pending"
	HypothesisConfirmed HypothesisStatus = "confirmed"
	HypothesisRejected  HypothesisStatus = "rejected"
)

// FixStatus is the verification state of a fix attempt.
type FixStatus string

const (
	FixPending FixStatus = "pending"
	FixSuccess FixStatus = "success"
	FixFailed  FixStatus = "failed"
)

// FindingKind distinguishes analysis evidence from research output.
type FindingKind string

const (
	FindingAnalysis FindingKind = "analysis"
	FindingResearch FindingKind = "research"
)

// ReproductionPhase records why a reproduction was run.
type ReproductionPhase string

const (
	PhaseDiagnosis ReproductionPhase = "diagnosis"
	PhasePostFix   ReproductionPhase = "post_fix"
)

// Issue is the normalized problem statement captured at intake.
type Issue struct {
	ReproductionSteps string   `json:"reproduction_steps" validate:"required"`
	Expected          string   `json:"expected" validate:"required"`
	Actual            string   `json:"actual" validate:"required"`
	ErrorText         string   `json:"error_text,omitempty"`
	ReproduceCommand  string   `json:"reproduce_command,omitempty"`
	FailureSignature  string   `json:"failure_signature,omitempty"`
	ManualSteps       []string `json:"manual_steps,omitempty"`
	Normalized        string   `json:"normalized" validate:"required"`
	FlakyIndicators   []string `json:"flaky_indicators,omitempty"`
}

// Location is a file plus an inclusive line range implicated by a hypothesis.
type Location struct {
	File      string `json:"file" validate:"required"`
	StartLine int    `json:"start_line" validate:"gte=0"`
	EndLine   int    `json:"end_line" validate:"gtefield=StartLine"`
}

// Hypothesis is a candidate root cause.
//
// Confidence is advisory. It orders analysis and never gates control flow.
type Hypothesis struct {
	ID          string           `json:"id" validate:"required"`
	Description string           `json:"description" validate:"required"`
	Locations   []Location       `json:"locations,omitempty" validate:"dive"`
	Confidence  float64          `json:"confidence" validate:"gte=0,lte=1"`
	Status      HypothesisStatus `json:"status" validate:"oneof=pending confirmed rejected"`
	Iteration   int              `json:"iteration" validate:"gte=1,lte=5"`
	Evidence    string           `json:"evidence,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Finding ties a hypothesis to observed output or research.
type Finding struct {
	HypothesisID string      `json:"hypothesis_id" validate:"required"`
	Kind         FindingKind `json:"kind" validate:"oneof=analysis research"`
	Iteration    int         `json:"iteration"`
	Summary      string      `json:"summary"`
	Evidence     string      `json:"evidence,omitempty"`
	Sources      []string    `json:"sources,omitempty"`
	RecordedAt   time.Time   `json:"recorded_at"`
}

// CommitRecord is one audited change made during the session.
type CommitRecord struct {
	Ref          string    `json:"ref" validate:"required"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	HypothesisID string    `json:"hypothesis_id,omitempty"`
	Iteration    int       `json:"iteration"`
	Files        []string  `json:"files,omitempty"`
	Marker       string    `json:"marker,omitempty"`
}

// FixAttempt is one applied remediation.
type FixAttempt struct {
	ID            string         `json:"id" validate:"required"`
	HypothesisID  string         `json:"hypothesis_id" validate:"required"`
	Iteration     int            `json:"iteration" validate:"gte=1,lte=5"`
	Description   string         `json:"description"`
	Files         []string       `json:"files,omitempty"`
	Status        FixStatus      `json:"status" validate:"oneof=pending success failed"`
	FailureReason string         `json:"failure_reason,omitempty"`
	RollbackRef   string         `json:"rollback_ref,omitempty"`
	Commits       []CommitRecord `json:"commits,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Policy is the pass policy applied to a reproduction.
type Policy struct {
	RequiredPasses int `json:"required_passes" validate:"gte=1,lte=10"`
	Cap            int `json:"cap" validate:"gtefield=RequiredPasses"`
}

// Run is the outcome of a single execution of the reproduction procedure.
type Run struct {
	Index         int    `json:"index"`
	Passed        bool   `json:"passed"`
	ExitCode      int    `json:"exit_code"`
	TimedOut      bool   `json:"timed_out,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	SignatureSeen bool   `json:"signature_seen,omitempty"`
	Manual        bool   `json:"manual,omitempty"`
	RunID         string `json:"run_id"`
}

// ReproductionRecord aggregates runs executed under one policy.
type ReproductionRecord struct {
	Phase             ReproductionPhase `json:"phase" validate:"oneof=diagnosis post_fix"`
	Iteration         int               `json:"iteration"`
	AttemptID         string            `json:"attempt_id,omitempty"`
	Policy            Policy            `json:"policy"`
	Runs              []Run             `json:"runs"`
	Passed            bool              `json:"passed"`
	ConsecutivePasses int               `json:"consecutive_passes"`
	Manual            bool              `json:"manual,omitempty"`
	LogPath           string            `json:"log_path"`
	LogStart          int64             `json:"log_start"`
	LogEnd            int64             `json:"log_end"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
}

// TrailingPasses returns the runs of the final consecutive-pass streak.
func (r *ReproductionRecord) TrailingPasses() []Run {
	i := len(r.Runs)
	for i > 0 && r.Runs[i-1].Passed {
		i--
	}
	return r.Runs[i:]
}

// Session is one debugging investigation from intake to terminal state.
type Session struct {
	ID        string    `json:"id" validate:"required,startswith=dbg-"`
	CreatedAt time.Time `json:"created_at"`

	// InitialCommit is nil when no version-control context exists, in which
	// case InitialSnapshotRef names a file snapshot.
	InitialCommit      *string `json:"initial_commit"`
	InitialSnapshotRef string  `json:"initial_snapshot_ref" validate:"required"`
	InitialBranch      string  `json:"initial_branch,omitempty"`
	VCS                VCSKind `json:"vcs" validate:"oneof=git files"`

	Status                  Status    `json:"status" validate:"required"`
	IterationCount          int       `json:"iteration_count" validate:"gte=0,lte=5"`
	SuccessCountRequirement int       `json:"success_count_requirement" validate:"gte=1,lte=10"`
	IsFlaky                 bool      `json:"is_flaky"`
	UpdatedAt               time.Time `json:"updated_at"`

	Issue Issue `json:"issue"`

	Hypotheses      []Hypothesis         `json:"hypotheses" validate:"dive"`
	Findings        []Finding            `json:"findings" validate:"dive"`
	FixAttempts     []FixAttempt         `json:"fix_attempts" validate:"dive"`
	Reproductions   []ReproductionRecord `json:"reproductions" validate:"dive"`
	Instrumentation []CommitRecord       `json:"instrumentation_commits" validate:"dive"`
	Fixes           []CommitRecord       `json:"fix_commits" validate:"dive"`
	Cleanup         []CommitRecord       `json:"cleanup_commits" validate:"dive"`

	CurrentHypothesisID string `json:"current_hypothesis_id,omitempty"`
	RecommendedApproach string `json:"recommended_approach,omitempty"`

	// InFlight names the action started under the current status and not yet
	// completed. A resumed session with InFlight set re-attempts it.
	InFlight string `json:"in_flight,omitempty"`

	Warnings    []string `json:"warnings,omitempty"`
	LastError   string   `json:"last_error,omitempty"`
	SummaryPath string   `json:"summary_path,omitempty"`
}

// CurrentIteration is the 1-based number of the iteration in progress.
func (s *Session) CurrentIteration() int {
	return s.IterationCount + 1
}

// Policy returns the pass policy for this session given a cap multiplier.
//
// Non-flaky sessions always run once. Flaky sessions require K consecutive
// passes within K*capMultiplier attempts.
func (s *Session) Policy(capMultiplier int) Policy {
	k := s.SuccessCountRequirement
	if k < MinSuccessCount {
		k = MinSuccessCount
	}
	if !s.IsFlaky {
		return Policy{RequiredPasses: 1, Cap: 1}
	}
	if capMultiplier < 1 {
		capMultiplier = 1
	}
	return Policy{RequiredPasses: k, Cap: k * capMultiplier}
}

// SnapshotRef returns the reference full rollback restores to.
func (s *Session) SnapshotRef() string {
	if s.InitialCommit != nil && *s.InitialCommit != "" {
		return *s.InitialCommit
	}
	return s.InitialSnapshotRef
}
