// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package summary renders and durably writes the failure report produced
// when a session exhausts its iterations.
//
// The report is Markdown with YAML front matter and lives under
// <state>/summaries/<session-id>-<UTC timestamp>.md. It is opened with
// O_EXCL so an existing report is never overwritten, and it is fsynced
// before the caller proceeds to full rollback.
package summary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// timestampLayout is the UTC timestamp embedded in summary file names.
const timestampLayout = "20060102T150405Z"

// maxNameAttempts bounds the collision suffix search.
const maxNameAttempts = 100

// FrontMatter is the YAML header of a summary.
type FrontMatter struct {
	SessionID    string    `yaml:"session_id"`
	Outcome      string    `yaml:"outcome"`
	Iterations   int       `yaml:"iterations"`
	IsFlaky      bool      `yaml:"is_flaky"`
	SuccessCount int       `yaml:"success_count_requirement"`
	FixAttempts  int       `yaml:"fix_attempts"`
	CreatedAt    time.Time `yaml:"created_at"`
	WrittenAt    time.Time `yaml:"written_at"`
}

// Archiver copies a written summary somewhere durable beyond the local disk.
type Archiver interface {
	Archive(ctx context.Context, localPath string) (string, error)
}

// Writer writes summaries into one directory.
type Writer struct {
	dir      string
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithArchiver uploads each summary after it is written locally.
func WithArchiver(a Archiver) Option {
	return func(w *Writer) { w.archiver = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a summary writer for dir.
func NewWriter(dir string, opts ...Option) *Writer {
	w := &Writer{
		dir:    dir,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "summary.Writer")
	return w
}

// Write renders the session and writes it to a new file.
//
// # Description
//
// Picks <id>-<timestamp>.md, appending -1, -2, ... when that name exists,
// writes with O_EXCL, and syncs both file and directory. Archival errors are
// logged and recorded as session warnings; the local copy is what matters.
//
// # Outputs
//
//   - string: Path of the written summary.
//   - error: Non-nil if the summary could not be durably written.
func (w *Writer) Write(ctx context.Context, sess *session.Session) (string, error) {
	now := w.now().UTC()
	body, err := Render(sess, now)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating summaries dir: %w", err)
	}

	base := fmt.Sprintf("%s-%s", sess.ID, now.Format(timestampLayout))
	var (
		f    *os.File
		path string
	)
	for i := 0; i < maxNameAttempts; i++ {
		name := base + ".md"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.md", base, i)
		}
		path = filepath.Join(w.dir, name)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("creating summary: %w", err)
		}
	}
	if f == nil {
		return "", fmt.Errorf("creating summary: no free name for %s", base)
	}

	if _, err := f.Write(body); err != nil {
		f.Close()
		return "", fmt.Errorf("writing summary: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("syncing summary: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing summary: %w", err)
	}
	syncDir(w.dir)

	w.logger.Info("failure summary written", "session_id", sess.ID, "path", path)

	if w.archiver != nil {
		dest, err := w.archiver.Archive(ctx, path)
		if err != nil {
			w.logger.Warn("summary archive failed", "session_id", sess.ID, "error", err)
			sess.AddWarning("summary archive failed: %v", err)
		} else {
			w.logger.Info("summary archived", "session_id", sess.ID, "dest", dest)
		}
	}
	return path, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

// Render produces the summary document for sess.
func Render(sess *session.Session, now time.Time) ([]byte, error) {
	fm := FrontMatter{
		SessionID:    sess.ID,
		Outcome:      string(session.StatusFailed),
		Iterations:   sess.IterationCount,
		IsFlaky:      sess.IsFlaky,
		SuccessCount: sess.SuccessCountRequirement,
		FixAttempts:  len(sess.FixAttempts),
		CreatedAt:    sess.CreatedAt.UTC(),
		WrittenAt:    now.UTC(),
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encoding front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	if err := bodyTemplate.Execute(&buf, newView(sess)); err != nil {
		return nil, fmt.Errorf("rendering summary: %w", err)
	}
	return buf.Bytes(), nil
}

type attemptView struct {
	session.FixAttempt
	Hypothesis string
}

type view struct {
	S        *session.Session
	Attempts []attemptView
	Research []session.Finding
	Analysis []session.Finding
}

func newView(sess *session.Session) view {
	v := view{S: sess}
	for _, a := range sess.FixAttempts {
		desc := a.HypothesisID
		if h := sess.Hypothesis(a.HypothesisID); h != nil {
			desc = h.Description
		}
		v.Attempts = append(v.Attempts, attemptView{FixAttempt: a, Hypothesis: desc})
	}
	for _, f := range sess.Findings {
		if f.Kind == session.FindingResearch {
			v.Research = append(v.Research, f)
		} else {
			v.Analysis = append(v.Analysis, f)
		}
	}
	return v
}

var bodyTemplate = template.Must(template.New("summary").Funcs(template.FuncMap{
	"pct":   func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
	"quote": quote,
	"join":  func(s []string) string { return strings.Join(s, ", ") },
	"orNA": func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "n/a"
		}
		return s
	},
}).Parse(`# Debugging session {{.S.ID}} failed

The session stopped after {{.S.IterationCount}} iterations without a verified fix.
The working tree will be restored to the initial snapshot ` + "`{{.S.SnapshotRef}}`" + `.

## Issue

**Reproduction steps**

{{quote .S.Issue.ReproductionSteps}}

**Expected:** {{.S.Issue.Expected}}

**Actual:** {{.S.Issue.Actual}}
{{- if .S.Issue.ErrorText}}

**Error text**

{{quote .S.Issue.ErrorText}}
{{- end}}
{{- if .S.IsFlaky}}

Flaky issue: {{.S.SuccessCountRequirement}} consecutive passes required.
{{- end}}

## Hypotheses

| ID | Iteration | Status | Confidence | Description |
|---|---|---|---|---|
{{- range .S.Hypotheses}}
| {{.ID}} | {{.Iteration}} | {{.Status}} | {{pct .Confidence}} | {{.Description}} |
{{- end}}

## Research findings
{{range .Research}}
- **{{.HypothesisID}}** (iteration {{.Iteration}}): {{.Summary}}
{{- range .Sources}}
  - {{.}}
{{- end}}
{{- else}}
None recorded.
{{- end}}
{{- if .Analysis}}

## Analysis evidence
{{range .Analysis}}
- **{{.HypothesisID}}** (iteration {{.Iteration}}): {{orNA .Evidence}}
{{- end}}
{{- end}}

## Fix attempts
{{range $i, $a := .Attempts}}
### Attempt {{$a.ID}} (iteration {{$a.Iteration}})

- Hypothesis: {{$a.Hypothesis}}
- Description: {{orNA $a.Description}}
- Outcome: {{$a.Status}}
- Failure reason: {{orNA $a.FailureReason}}
{{- if $a.RollbackRef}}
- Rolled back to: ` + "`{{$a.RollbackRef}}`" + `
{{- end}}
{{- if $a.Files}}
- Files: {{join $a.Files}}
{{- end}}
{{else}}
None recorded.
{{end}}
{{- if .S.Warnings}}
## Warnings
{{range .S.Warnings}}
- {{.}}
{{- end}}
{{end}}`))

func quote(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}
