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
	"sort"
	"time"
)

// Instrumentation markers bracket every diagnostic block an instrumenter
// inserts. The tag is MarkerTag(sessionID, hypothesisID).
const (
	MarkerBegin = "DEBUGLOOP:BEGIN"
	MarkerEnd   = "DEBUGLOOP:END"
)

// MarkerTag returns the marker tag for a hypothesis in a session.
func MarkerTag(sessionID, hypothesisID string) string {
	return sessionID + "/" + hypothesisID
}

// AddHypotheses appends a generated batch to the ledger for the current iteration.
//
// # Description
//
// Hypotheses are never deleted or replaced. Empty or colliding ids are
// reassigned as "h<iteration>.<n>". Confidence is clamped to [0,1] and the
// status is reset to pending.
//
// # Outputs
//
//   - []Hypothesis: The hypotheses as stored.
func (s *Session) AddHypotheses(batch []Hypothesis, now time.Time) []Hypothesis {
	iter := s.CurrentIteration()
	seen := make(map[string]bool, len(s.Hypotheses)+len(batch))
	for _, h := range s.Hypotheses {
		seen[h.ID] = true
	}

	n := 0
	added := make([]Hypothesis, 0, len(batch))
	for _, h := range batch {
		for h.ID == "" || seen[h.ID] {
			n++
			h.ID = fmt.Sprintf("h%d.%d", iter, n)
		}
		seen[h.ID] = true

		switch {
		case h.Confidence < 0:
			h.Confidence = 0
		case h.Confidence > 1:
			h.Confidence = 1
		}
		h.Status = HypothesisPending
		h.Iteration = iter
		if h.CreatedAt.IsZero() {
			h.CreatedAt = now
		}
		s.Hypotheses = append(s.Hypotheses, h)
		added = append(added, h)
	}
	return added
}

// HypothesesForIteration returns pointers into the ledger for one iteration,
// ordered by descending confidence. Ties keep generation order.
func (s *Session) HypothesesForIteration(iter int) []*Hypothesis {
	var out []*Hypothesis
	for i := range s.Hypotheses {
		if s.Hypotheses[i].Iteration == iter {
			out = append(out, &s.Hypotheses[i])
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Confidence > out[b].Confidence
	})
	return out
}

// Hypothesis returns the hypothesis with the given id, or nil.
func (s *Session) Hypothesis(id string) *Hypothesis {
	for i := range s.Hypotheses {
		if s.Hypotheses[i].ID == id {
			return &s.Hypotheses[i]
		}
	}
	return nil
}

// ResolveHypothesis records the analysis verdict for a pending hypothesis.
func (s *Session) ResolveHypothesis(id string, status HypothesisStatus, evidence string) error {
	h := s.Hypothesis(id)
	if h == nil {
		return fmt.Errorf("hypothesis %s not in ledger", id)
	}
	if status != HypothesisConfirmed && status != HypothesisRejected {
		return fmt.Errorf("hypothesis %s: cannot resolve to %q", id, status)
	}
	h.Status = status
	h.Evidence = evidence
	return nil
}

// AddFinding appends a finding. Findings are append-only.
func (s *Session) AddFinding(f Finding) {
	if f.Iteration == 0 {
		f.Iteration = s.CurrentIteration()
	}
	s.Findings = append(s.Findings, f)
}

// HasFinding reports whether a finding of kind exists for a hypothesis in an iteration.
func (s *Session) HasFinding(hypothesisID string, kind FindingKind, iter int) bool {
	for _, f := range s.Findings {
		if f.HypothesisID == hypothesisID && f.Kind == kind && f.Iteration == iter {
			return true
		}
	}
	return false
}

// AddInstrumentation records instrumentation commits for a hypothesis in
// the current iteration.
func (s *Session) AddInstrumentation(hypothesisID string, records []CommitRecord) {
	iter := s.CurrentIteration()
	for _, r := range records {
		r.HypothesisID = hypothesisID
		r.Iteration = iter
		if r.Marker == "" {
			r.Marker = MarkerTag(s.ID, hypothesisID)
		}
		s.Instrumentation = append(s.Instrumentation, r)
	}
}

// InstrumentationFor returns the instrumentation records of one hypothesis
// in one iteration.
func (s *Session) InstrumentationFor(hypothesisID string, iter int) []CommitRecord {
	var out []CommitRecord
	for _, r := range s.Instrumentation {
		if r.HypothesisID == hypothesisID && r.Iteration == iter {
			out = append(out, r)
		}
	}
	return out
}

// InstrumentationForIteration returns all instrumentation records of an iteration.
func (s *Session) InstrumentationForIteration(iter int) []CommitRecord {
	var out []CommitRecord
	for _, r := range s.Instrumentation {
		if r.Iteration == iter {
			out = append(out, r)
		}
	}
	return out
}

// LastInstrumentationRef returns the newest instrumentation commit ref, or "".
func (s *Session) LastInstrumentationRef() string {
	if n := len(s.Instrumentation); n > 0 {
		return s.Instrumentation[n-1].Ref
	}
	return ""
}

// StartFixAttempt appends a pending fix attempt for the current iteration.
func (s *Session) StartFixAttempt(id, hypothesisID, description string, now time.Time) *FixAttempt {
	s.FixAttempts = append(s.FixAttempts, FixAttempt{
		ID:           id,
		HypothesisID: hypothesisID,
		Iteration:    s.CurrentIteration(),
		Description:  description,
		Status:       FixPending,
		CreatedAt:    now,
	})
	return &s.FixAttempts[len(s.FixAttempts)-1]
}

// AttemptForIteration returns the fix attempt of an iteration, or nil.
func (s *Session) AttemptForIteration(iter int) *FixAttempt {
	for i := range s.FixAttempts {
		if s.FixAttempts[i].Iteration == iter {
			return &s.FixAttempts[i]
		}
	}
	return nil
}

// FixAttempt returns the attempt with the given id, or nil.
func (s *Session) FixAttempt(id string) *FixAttempt {
	for i := range s.FixAttempts {
		if s.FixAttempts[i].ID == id {
			return &s.FixAttempts[i]
		}
	}
	return nil
}

// RecordFixCommits attaches fix commits to an attempt and the active fix list.
//
// The attempt keeps its own copy so history survives a fix-level rollback.
func (s *Session) RecordFixCommits(attemptID string, records []CommitRecord) error {
	a := s.FixAttempt(attemptID)
	if a == nil {
		return fmt.Errorf("fix attempt %s not in ledger", attemptID)
	}
	files := make(map[string]bool, len(a.Files))
	for _, f := range a.Files {
		files[f] = true
	}
	for _, r := range records {
		r.HypothesisID = a.HypothesisID
		r.Iteration = a.Iteration
		a.Commits = append(a.Commits, r)
		s.Fixes = append(s.Fixes, r)
		for _, f := range r.Files {
			if !files[f] {
				files[f] = true
				a.Files = append(a.Files, f)
			}
		}
	}
	return nil
}

// Reproduction returns the record for a phase in an iteration, or nil.
func (s *Session) Reproduction(phase ReproductionPhase, iter int) *ReproductionRecord {
	for i := len(s.Reproductions) - 1; i >= 0; i-- {
		r := &s.Reproductions[i]
		if r.Phase == phase && r.Iteration == iter {
			return r
		}
	}
	return nil
}

// AddReproduction appends a reproduction record.
func (s *Session) AddReproduction(rec ReproductionRecord) {
	s.Reproductions = append(s.Reproductions, rec)
}

// AddWarning records a non-fatal warning carried into summaries.
func (s *Session) AddWarning(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// TouchedFiles returns every file named by any commit record, deduplicated
// and sorted. Fix history kept on attempts is included.
func (s *Session) TouchedFiles() []string {
	set := make(map[string]bool)
	add := func(records []CommitRecord) {
		for _, r := range records {
			for _, f := range r.Files {
				set[f] = true
			}
		}
	}
	add(s.Instrumentation)
	add(s.Fixes)
	add(s.Cleanup)
	for _, a := range s.FixAttempts {
		add(a.Commits)
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
