// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cleanup removes instrumentation from the working tree after a
// verified fix.
//
// Instrumentation is bracketed by marker lines:
//
//	// DEBUGLOOP:BEGIN dbg-1a2b3c/h1.2
//	log.Printf("x=%v", x)
//	// DEBUGLOOP:END dbg-1a2b3c/h1.2
//
// Each bracketed region, marker lines included, is deleted. The fix itself
// is left untouched. Afterwards every file named by any commit record is
// re-scanned and must contain zero markers.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
	"github.com/AleutianAI/debugloop/services/debugloop/vcs"
)

// maxConcurrentFiles bounds parallel file scans.
const maxConcurrentFiles = 8

// Residual is a marker line left in a file after cleanup.
type Residual struct {
	File string
	Line int
	Text string
}

// Manager strips instrumentation markers from a working tree.
type Manager struct {
	root   string
	vcs    vcs.VCS
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a cleanup manager for the tree at root.
func NewManager(root string, v vcs.VCS, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:   root,
		vcs:    v,
		logger: logger.With("component", "cleanup.Manager"),
		now:    time.Now,
	}
}

type fileResult struct {
	changed  bool
	warnings []string
	// missing lists tags with no region in the file.
	missing []string
}

// Clean removes every instrumentation region recorded on the session.
//
// # Description
//
// Groups instrumentation records by file, strips each file's tagged regions
// concurrently, verifies zero markers remain in any touched file, and
// commits the result. Missing files or missing markers become session
// warnings. A session that already has cleanup commits only re-verifies.
//
// A file whose markers are gone but which still differs from the last
// session commit was stripped by an earlier run that never committed. It
// is committed now instead of being reported as missing its markers.
//
// # Outputs
//
//   - error: session.ErrResidualMarkers (with locations) when the re-scan
//     finds markers; a wrapped I/O or VCS error otherwise.
func (m *Manager) Clean(ctx context.Context, sess *session.Session) error {
	logger := m.logger.With("session_id", sess.ID)

	if len(sess.Cleanup) == 0 {
		tags := tagsByFile(sess.Instrumentation)
		files := make([]string, 0, len(tags))
		for f := range tags {
			files = append(files, f)
		}
		sort.Strings(files)

		results := make([]fileResult, len(files))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentFiles)
		for i, f := range files {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := m.stripFile(f, tags[f])
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var pending map[string]bool
		for _, res := range results {
			if len(res.missing) > 0 {
				p, err := m.uncommitted(ctx, sess)
				if err != nil {
					return err
				}
				pending = p
				break
			}
		}

		var changed []string
		for i, res := range results {
			f := files[i]
			warnings := res.warnings
			if len(res.missing) > 0 && pending[f] {
				logger.Info("markers already stripped, committing pending change", "file", f)
			} else {
				for _, tag := range res.missing {
					warnings = append(warnings, fmt.Sprintf("%s: no markers for %s", f, tag))
				}
			}
			for _, w := range warnings {
				sess.AddWarning("%s", w)
				logger.Warn("cleanup warning", "warning", w)
			}
			if res.changed || (len(res.missing) > 0 && pending[f]) {
				changed = append(changed, f)
			}
		}

		if err := m.verify(ctx, sess); err != nil {
			return err
		}

		if len(changed) > 0 {
			msg := fmt.Sprintf("debugloop: remove instrumentation (%s)", sess.ID)
			ref, err := m.vcs.Commit(ctx, changed, msg)
			if err != nil {
				return fmt.Errorf("committing cleanup: %w", err)
			}
			sess.Cleanup = append(sess.Cleanup, session.CommitRecord{
				Ref:       ref,
				Message:   msg,
				Timestamp: m.now().UTC(),
				Iteration: sess.CurrentIteration(),
				Files:     changed,
			})
		}
		logger.Info("instrumentation removed", "files", len(changed))
		return nil
	}

	return m.verify(ctx, sess)
}

// Scan reports every marker line in the given repository-relative files.
// Missing files are skipped.
func (m *Manager) Scan(ctx context.Context, files []string) ([]Residual, error) {
	var (
		mu  sync.Mutex
		out []Residual
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFiles)
	for _, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(m.root, f))
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", f, err)
			}
			found := scanMarkers(f, string(data))
			if len(found) > 0 {
				mu.Lock()
				out = append(out, found...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

func (m *Manager) verify(ctx context.Context, sess *session.Session) error {
	residual, err := m.Scan(ctx, sess.TouchedFiles())
	if err != nil {
		return err
	}
	if len(residual) == 0 {
		return nil
	}
	locs := make([]string, 0, len(residual))
	for _, r := range residual {
		locs = append(locs, fmt.Sprintf("%s:%d", r.File, r.Line))
	}
	m.logger.Error("markers remain after cleanup", "session_id", sess.ID, "count", len(residual))
	return fmt.Errorf("%w: %s", session.ErrResidualMarkers, strings.Join(locs, ", "))
}

// uncommitted returns the paths that differ from the session's newest
// instrumentation or fix commit.
func (m *Manager) uncommitted(ctx context.Context, sess *session.Session) (map[string]bool, error) {
	ref := headRef(sess)
	if ref == "" {
		return nil, nil
	}
	_, diffs, err := m.vcs.TreeMatches(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("comparing tree with %s: %w", ref, err)
	}
	out := make(map[string]bool, len(diffs))
	for _, d := range diffs {
		out[filepath.ToSlash(d.Path)] = true
	}
	return out, nil
}

// headRef is the newest commit the session made before cleanup.
func headRef(sess *session.Session) string {
	if n := len(sess.Fixes); n > 0 {
		return sess.Fixes[n-1].Ref
	}
	return sess.LastInstrumentationRef()
}

func (m *Manager) stripFile(rel string, tags []string) (fileResult, error) {
	path := filepath.Join(m.root, rel)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fileResult{warnings: []string{fmt.Sprintf("instrumented file %s no longer exists", rel)}}, nil
	}
	if err != nil {
		return fileResult{}, fmt.Errorf("stat %s: %w", rel, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileResult{}, fmt.Errorf("reading %s: %w", rel, err)
	}

	content := string(data)
	var res fileResult
	for _, tag := range tags {
		stripped, n, unterminated := StripRegions(content, tag)
		switch {
		case unterminated:
			res.warnings = append(res.warnings, fmt.Sprintf("%s: marker %s has no end line", rel, tag))
		case n == 0:
			res.missing = append(res.missing, tag)
		}
		content = stripped
	}

	if content == string(data) {
		return res, nil
	}
	if err := session.WriteFileAtomic(path, []byte(content), info.Mode().Perm()); err != nil {
		return fileResult{}, fmt.Errorf("writing %s: %w", rel, err)
	}
	res.changed = true
	return res, nil
}

// StripRegions deletes every BEGIN..END region for tag, marker lines
// included. It returns the new content, the number of regions removed, and
// whether a BEGIN line lacked its END. An unterminated region is kept.
func StripRegions(content, tag string) (string, int, bool) {
	lines := strings.SplitAfter(content, "\n")
	var (
		b          strings.Builder
		removed    int
		regionFrom = -1
	)
	for i, line := range lines {
		if regionFrom < 0 {
			if markerTag(line, session.MarkerBegin) == tag {
				regionFrom = i
				continue
			}
			b.WriteString(line)
			continue
		}
		if markerTag(line, session.MarkerEnd) == tag {
			regionFrom = -1
			removed++
		}
	}
	if regionFrom >= 0 {
		for _, line := range lines[regionFrom:] {
			b.WriteString(line)
		}
		return b.String(), removed, true
	}
	return b.String(), removed, false
}

// markerTag returns the tag following marker on line, or "".
func markerTag(line, marker string) string {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return ""
	}
	fields := strings.Fields(line[idx+len(marker):])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func scanMarkers(file, content string) []Residual {
	var out []Residual
	for i, line := range strings.Split(content, "\n") {
		if strings.Contains(line, session.MarkerBegin) || strings.Contains(line, session.MarkerEnd) {
			out = append(out, Residual{File: file, Line: i + 1, Text: strings.TrimSpace(line)})
		}
	}
	return out
}

func tagsByFile(records []session.CommitRecord) map[string][]string {
	out := make(map[string][]string)
	seen := make(map[string]bool)
	for _, r := range records {
		for _, f := range r.Files {
			key := f + "\x00" + r.Marker
			if seen[key] {
				continue
			}
			seen[key] = true
			out[f] = append(out[f], r.Marker)
		}
	}
	return out
}
