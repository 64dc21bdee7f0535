// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify decides whether a fix resolved the issue by comparing the
// diagnosis-time reproduction with the post-fix reproduction.
package verify

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// ErrPolicyMismatch indicates the post-fix record ran under a different
// policy than diagnosis. Verification refuses to compare them.
var ErrPolicyMismatch = errors.New("post-fix policy differs from diagnosis policy")

// Verdict is the outcome of a verification.
type Verdict struct {
	Success bool
	Reason  string
}

// Option adjusts a verification.
type Option func(*options)

type options struct {
	outputs   map[int][]byte
	signature string
}

// WithRunOutputs supplies the raw post-fix output per run index. Every run
// of the qualifying streak is searched for signature, so a pass verdict
// recorded by the runner is not trusted on its own. An empty signature
// disables the search.
func WithRunOutputs(outputs map[int][]byte, signature string) Option {
	return func(o *options) {
		o.outputs = outputs
		o.signature = signature
	}
}

// Verify compares the pre-fix and post-fix records.
//
// # Description
//
// Success requires both:
//   - the post-fix record satisfied the same policy used at diagnosis
//     (same K, same CAP), i.e. it reached K consecutive passes; and
//   - the diagnosis failure signature is absent from the raw output of
//     every run of the qualifying streak (see WithRunOutputs).
//
// Failed runs before the streak do not count against a flaky fix as long as
// K consecutive passes arrive within CAP. Any other outcome is a failure
// with a reason. There is no inconclusive state.
//
// # Inputs
//
//   - pre: Diagnosis record. Must not be nil.
//   - post: Post-fix record. Must not be nil.
//   - opts: WithRunOutputs enables the signature search.
//
// # Outputs
//
//   - Verdict: Success flag and a reason suitable for a fix attempt's
//     failure_reason.
//   - error: ErrPolicyMismatch, or an error for nil records.
func Verify(pre, post *session.ReproductionRecord, opts ...Option) (Verdict, error) {
	if pre == nil || post == nil {
		return Verdict{}, errors.New("verify: diagnosis and post-fix records are required")
	}
	if pre.Policy != post.Policy {
		return Verdict{}, fmt.Errorf("%w: diagnosis %+v, post-fix %+v", ErrPolicyMismatch, pre.Policy, post.Policy)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.signature != "" {
		sig := []byte(o.signature)
		for _, run := range post.TrailingPasses() {
			if bytes.Contains(o.outputs[run.Index], sig) {
				return Verdict{Reason: fmt.Sprintf(
					"failure signature still observed in post-fix run %d of %d", run.Index, len(post.Runs))}, nil
			}
		}
	}

	k := post.Policy.RequiredPasses
	if !post.Passed || post.ConsecutivePasses < k {
		if k == 1 {
			last := lastRun(post)
			return Verdict{Reason: fmt.Sprintf("post-fix reproduction failed (exit %d, timed out %t)",
				last.ExitCode, last.TimedOut)}, nil
		}
		return Verdict{Reason: fmt.Sprintf(
			"did not reach %d consecutive passes within %d runs (best trailing streak %d, %d failed runs)",
			k, post.Policy.Cap, post.ConsecutivePasses, failedRuns(post))}, nil
	}

	reason := "post-fix reproduction passed"
	if k > 1 {
		reason = fmt.Sprintf("%d consecutive passes after %d runs", k, len(post.Runs))
	}
	return Verdict{Success: true, Reason: reason}, nil
}

func lastRun(rec *session.ReproductionRecord) session.Run {
	if n := len(rec.Runs); n > 0 {
		return rec.Runs[n-1]
	}
	return session.Run{}
}

func failedRuns(rec *session.ReproductionRecord) int {
	n := 0
	for _, r := range rec.Runs {
		if !r.Passed {
			n++
		}
	}
	return n
}
