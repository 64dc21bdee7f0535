// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reproduce

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// ManualRequest describes one manual reproduction run.
type ManualRequest struct {
	SessionID string
	Phase     session.ReproductionPhase
	RunIndex  int
	Policy    session.Policy
	Steps     []string
	Expected  string
	Signature string
	Reason    string
}

// ManualSource obtains externally supplied log text for a manual run.
type ManualSource interface {
	Await(ctx context.Context, req ManualRequest) ([]byte, error)
}

// FileManual writes a numbered step script to <runsDir>/<id>.manual.md and
// blocks until <runsDir>/<id>.manual-input.log appears.
//
// # Description
//
// The input file is consumed (removed) once read, so every manual run waits
// for a fresh submission. Arrival is detected with fsnotify, with a slow
// re-check as a backstop for filesystems that drop events.
type FileManual struct {
	runsDir  string
	recheck  time.Duration
	logger   *slog.Logger
	notifyFn func(instructionsPath string)
}

// NewFileManual creates a manual source rooted at runsDir.
//
// notify, when non-nil, is called with the instructions path each time the
// runner starts waiting, so a CLI can tell the operator where to look.
func NewFileManual(runsDir string, logger *slog.Logger, notify func(instructionsPath string)) *FileManual {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileManual{
		runsDir:  runsDir,
		recheck:  2 * time.Second,
		logger:   logger.With("component", "reproduce.FileManual"),
		notifyFn: notify,
	}
}

// InstructionsPath returns the manual script path for a session.
func InstructionsPath(runsDir, sessionID string) string {
	return filepath.Join(runsDir, sessionID+".manual.md")
}

// InputPath returns the path the operator drops log text into.
func InputPath(runsDir, sessionID string) string {
	return filepath.Join(runsDir, sessionID+".manual-input.log")
}

// ProvideInput atomically writes operator-supplied log text for a session.
func ProvideInput(runsDir, sessionID string, data []byte) error {
	if !session.ValidID(sessionID) {
		return fmt.Errorf("%w: %q", session.ErrSessionNotFound, sessionID)
	}
	return session.WriteFileAtomic(InputPath(runsDir, sessionID), data, 0o640)
}

// Await writes the instructions and waits for the input file.
func (m *FileManual) Await(ctx context.Context, req ManualRequest) ([]byte, error) {
	if err := os.MkdirAll(m.runsDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating runs dir: %w", err)
	}
	instructions := InstructionsPath(m.runsDir, req.SessionID)
	input := InputPath(m.runsDir, req.SessionID)

	if err := session.WriteFileAtomic(instructions, renderInstructions(req, input), 0o640); err != nil {
		return nil, fmt.Errorf("writing manual instructions: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(m.runsDir); err != nil {
		return nil, fmt.Errorf("watching %s: %w", m.runsDir, err)
	}

	m.logger.Info("waiting for manual reproduction output",
		"session_id", req.SessionID,
		"run", req.RunIndex,
		"instructions", instructions,
		"input", input,
	)
	if m.notifyFn != nil {
		m.notifyFn(instructions)
	}

	ticker := time.NewTicker(m.recheck)
	defer ticker.Stop()

	for {
		if data, ok, err := consume(input); err != nil {
			return nil, err
		} else if ok {
			return data, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil, errors.New("file watcher closed")
			}
			if filepath.Clean(ev.Name) != filepath.Clean(input) {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, errors.New("file watcher closed")
			}
			m.logger.Warn("file watcher error", "error", err)
		case <-ticker.C:
		}
	}
}

// consume reads and removes the input file when present.
func consume(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading manual input: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("consuming manual input: %w", err)
	}
	return data, true, nil
}

// ManualVerdict classifies operator-supplied text.
//
// A line "RESULT: FAIL" or the failure signature marks a failed run.
// "RESULT: PASS" or the absence of both marks a pass.
func ManualVerdict(text []byte, signature string) (passed, signatureSeen bool) {
	if signature != "" && bytes.Contains(text, []byte(signature)) {
		return false, true
	}
	sc := bufio.NewScanner(bytes.NewReader(text))
	for sc.Scan() {
		line := strings.ToUpper(strings.TrimSpace(sc.Text()))
		switch line {
		case "RESULT: FAIL":
			return false, false
		case "RESULT: PASS":
			return true, false
		}
	}
	return true, false
}

func renderInstructions(req ManualRequest, inputPath string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Manual reproduction for %s\n\n", req.SessionID)
	if req.Reason != "" {
		fmt.Fprintf(&b, "Automatic reproduction is unavailable: %s\n\n", req.Reason)
	}
	fmt.Fprintf(&b, "Phase: %s. Run %d of at most %d", req.Phase, req.RunIndex, req.Policy.Cap)
	if req.Policy.RequiredPasses > 1 {
		fmt.Fprintf(&b, " (%d consecutive passes required)", req.Policy.RequiredPasses)
	}
	b.WriteString(".\n\n## Steps\n\n")
	if len(req.Steps) == 0 {
		b.WriteString("1. Reproduce the issue as described in the session.\n")
	}
	for i, step := range req.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	b.WriteString("\n## Expected observations\n\n")
	if req.Expected != "" {
		fmt.Fprintf(&b, "- Correct behavior: %s\n", req.Expected)
	}
	if req.Signature != "" {
		fmt.Fprintf(&b, "- The failure shows: `%s`\n", req.Signature)
	}
	b.WriteString("\n## Submit output\n\n")
	fmt.Fprintf(&b, "Save the complete output to:\n\n    %s\n\n", inputPath)
	fmt.Fprintf(&b, "or run `debugloop provide-log %s <file>`.\n", req.SessionID)
	b.WriteString("Add a line `RESULT: FAIL` if the issue occurred and no failure text is visible.\n")
	return []byte(b.String())
}
