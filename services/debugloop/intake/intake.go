// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intake turns a freeform issue report into a session skeleton.
//
// It classifies the issue as flaky or deterministic from a fixed lexicon,
// settles the consecutive-pass requirement, and derives the deterministic
// session id used for duplicate detection.
package intake

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// DefaultSuccessCount is offered when prompting for K on a flaky issue.
const DefaultSuccessCount = 3

// Input is the raw issue report.
type Input struct {
	ReproductionSteps string   `yaml:"reproduction_steps" validate:"required"`
	Expected          string   `yaml:"expected" validate:"required"`
	Actual            string   `yaml:"actual" validate:"required"`
	ErrorText         string   `yaml:"error_text"`
	ReproduceCommand  string   `yaml:"reproduce_command"`
	FailureSignature  string   `yaml:"failure_signature"`
	ManualSteps       []string `yaml:"manual_steps"`

	// SuccessCount is K. Required for flaky issues, ignored otherwise.
	SuccessCount *int `yaml:"success_count"`
}

// Skeleton is the structured result of intake, ready to become a session
// once the pre-change snapshot is captured.
type Skeleton struct {
	ID           string
	Issue        session.Issue
	IsFlaky      bool
	SuccessCount int
	Warnings     []string
}

// NewSession builds an initialized session from the skeleton.
func (s *Skeleton) NewSession(now time.Time) *session.Session {
	return &session.Session{
		ID:                      s.ID,
		CreatedAt:               now.UTC(),
		Status:                  session.StatusInitialized,
		SuccessCountRequirement: s.SuccessCount,
		IsFlaky:                 s.IsFlaky,
		Issue:                   s.Issue,
		Warnings:                append([]string(nil), s.Warnings...),
	}
}

// flakyLexicon lists phrases that mark an issue as non-deterministic.
var flakyLexicon = []string{
	"intermittent",
	"intermittently",
	"sometimes",
	"race condition",
	"flaky",
	"flakey",
	"inconsistent",
	"inconsistently",
	"randomly",
	"non-deterministic",
	"nondeterministic",
	"occasionally",
	"works locally but fails",
	"only on ci",
	"timing",
}

var flakyPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(flakyLexicon))
	for i, phrase := range flakyLexicon {
		out[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(phrase) + `\b`)
	}
	return out
}()

// Normalizer converts Input into a Skeleton.
//
// # Thread Safety
//
// Safe for concurrent use.
type Normalizer struct {
	validate *validator.Validate
	exists   func(id string) bool
	logger   *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithExistsFunc sets the lookup used for duplicate-session detection.
func WithExistsFunc(fn func(id string) bool) Option {
	return func(n *Normalizer) { n.exists = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) { n.logger = logger }
}

// NewNormalizer creates a normalizer.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		validate: validator.New(),
		exists:   func(string) bool { return false },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "intake.Normalizer")
	return n
}

// Normalize validates and classifies an issue report.
//
// # Description
//
// Required fields are checked first. The normalized text (lower-cased,
// whitespace-collapsed, fields joined in fixed order) drives both the flaky
// classification and the session id. A flaky issue must carry K in [1,10];
// a deterministic issue always gets K=1.
//
// # Outputs
//
//   - *Skeleton: The classified issue. Also returned alongside a
//     *session.DuplicateSessionError so callers can offer a resume.
//   - error: Wraps session.ErrIntake for invalid input (and
//     session.ErrSuccessCountRequired when K is missing for a flaky issue),
//     or *session.DuplicateSessionError when an active session has this id.
func (n *Normalizer) Normalize(in Input) (*Skeleton, error) {
	if err := n.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			missing := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				missing = append(missing, fe.Field())
			}
			return nil, fmt.Errorf("%w: missing required fields: %s", session.ErrIntake, strings.Join(missing, ", "))
		}
		return nil, fmt.Errorf("%w: %v", session.ErrIntake, err)
	}
	if blank(in.ReproductionSteps) || blank(in.Expected) || blank(in.Actual) {
		return nil, fmt.Errorf("%w: reproduction steps, expected, and actual must not be blank", session.ErrIntake)
	}

	normalized := NormalizeText(in)
	flaky, indicators := Classify(normalized)

	sk := &Skeleton{
		ID: SessionID(normalized),
		Issue: session.Issue{
			ReproductionSteps: strings.TrimSpace(in.ReproductionSteps),
			Expected:          strings.TrimSpace(in.Expected),
			Actual:            strings.TrimSpace(in.Actual),
			ErrorText:         strings.TrimSpace(in.ErrorText),
			ReproduceCommand:  strings.TrimSpace(in.ReproduceCommand),
			FailureSignature:  strings.TrimSpace(in.FailureSignature),
			ManualSteps:       in.ManualSteps,
			Normalized:        normalized,
			FlakyIndicators:   indicators,
		},
		IsFlaky: flaky,
	}
	if sk.Issue.FailureSignature == "" {
		sk.Issue.FailureSignature = firstLine(sk.Issue.ErrorText)
	}
	if sk.Issue.ReproduceCommand == "" && len(sk.Issue.ManualSteps) == 0 {
		sk.Issue.ManualSteps = splitSteps(sk.Issue.ReproductionSteps)
	}

	if flaky {
		if in.SuccessCount == nil {
			return nil, fmt.Errorf("%w: %w (indicators: %s)", session.ErrIntake,
				session.ErrSuccessCountRequired, strings.Join(indicators, ", "))
		}
		k := *in.SuccessCount
		if k < session.MinSuccessCount || k > session.MaxSuccessCount {
			return nil, fmt.Errorf("%w: success count %d outside [%d,%d]", session.ErrIntake,
				k, session.MinSuccessCount, session.MaxSuccessCount)
		}
		sk.SuccessCount = k
	} else {
		sk.SuccessCount = 1
		if in.SuccessCount != nil && *in.SuccessCount != 1 {
			sk.Warnings = append(sk.Warnings, fmt.Sprintf(
				"success count %d ignored: issue shows no non-determinism indicators", *in.SuccessCount))
		}
	}

	n.logger.Info("issue classified",
		"session_id", sk.ID,
		"flaky", sk.IsFlaky,
		"success_count", sk.SuccessCount,
		"indicators", indicators,
	)

	if n.exists(sk.ID) {
		return sk, &session.DuplicateSessionError{ID: sk.ID}
	}
	return sk, nil
}

// NormalizeText produces the canonical text the id and classification use.
func NormalizeText(in Input) string {
	parts := []string{
		collapse(in.ReproductionSteps),
		collapse(in.Expected),
		collapse(in.Actual),
		collapse(in.ErrorText),
	}
	return strings.Join(parts, " | ")
}

// Classify reports whether normalized text contains non-determinism
// indicators and which ones matched.
func Classify(normalized string) (bool, []string) {
	var hits []string
	for i, re := range flakyPatterns {
		if re.MatchString(normalized) {
			hits = append(hits, flakyLexicon[i])
		}
	}
	return len(hits) > 0, hits
}

// IsFlaky classifies raw input without validating it. The CLI uses it to
// decide whether to prompt for a success count.
func IsFlaky(in Input) bool {
	flaky, _ := Classify(NormalizeText(in))
	return flaky
}

// SessionID derives "dbg-" plus 12 base36 characters from SHA-256 of the
// normalized text.
func SessionID(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return "dbg-" + encodeBase36(sum[:8], 12)
}

// LoadFile reads an Input from a YAML issue file.
func LoadFile(path string) (Input, error) {
	var in Input
	data, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("%w: reading issue file: %v", session.ErrIntake, err)
	}
	if err := yaml.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: parsing issue file %s: %v", session.ErrIntake, path, err)
	}
	return in, nil
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// encodeBase36 renders data as exactly length base36 digits, zero padded,
// keeping the least significant digits when longer.
func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	for len(chars) < length {
		chars = append(chars, '0')
	}
	chars = chars[:length]

	for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
		chars[i], chars[j] = chars[j], chars[i]
	}
	return string(chars)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// splitSteps turns free-text steps into a numbered-step list, one per
// non-empty line, with leading list markers removed.
func splitSteps(s string) []string {
	var steps []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789.) ")
		if line != "" {
			steps = append(steps, line)
		}
	}
	return steps
}
