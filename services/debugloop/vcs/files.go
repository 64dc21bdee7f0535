// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

var snapshotRefPattern = regexp.MustCompile(`^snap-[0-9a-f-]{36}$`)

// fileEntry is one regular file in a snapshot manifest.
type fileEntry struct {
	SHA256 string      `json:"sha256"`
	Mode   fs.FileMode `json:"mode"`
	Size   int64       `json:"size"`
}

// manifest describes a file snapshot.
type manifest struct {
	ID        string               `json:"id"`
	Message   string               `json:"message,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	Files     map[string]fileEntry `json:"files"`
	Dirs      []string             `json:"dirs"`
}

// Files implements VCS by copying the working tree into
// <stateDir>/snapshots/<ref>/ with a checksummed manifest.
//
// # Description
//
// Used when the root is not a git repository. The state directory and any
// ".git" directory are excluded. Only regular files and directories are
// tracked; symlinks and special files are ignored.
//
// # Thread Safety
//
// Operations are serialized by an internal mutex.
type Files struct {
	root     string
	stateDir string
	snapDir  string
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewFiles creates a file-snapshot VCS for root.
func NewFiles(root, stateDir string, logger *slog.Logger) (*Files, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}
	absState, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir %s: %w", stateDir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Files{
		root:     absRoot,
		stateDir: absState,
		snapDir:  filepath.Join(absState, "snapshots"),
		logger:   logger.With("component", "vcs.Files"),
	}, nil
}

// Kind returns session.VCSFiles.
func (f *Files) Kind() session.VCSKind {
	return session.VCSFiles
}

// CurrentBranch always returns "" for file snapshots.
func (f *Files) CurrentBranch(context.Context) (string, error) {
	return "", nil
}

// CaptureSnapshot copies the tree into a new snapshot.
func (f *Files) CaptureSnapshot(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ref, err := f.capture(ctx, "initial snapshot")
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: capture snapshot: %v", session.ErrGitState, err)
	}
	f.logger.Info("snapshot captured", "ref", ref)
	return Snapshot{Ref: ref}, nil
}

// Commit captures a new snapshot labelled with message.
func (f *Files) Commit(ctx context.Context, _ []string, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ref, err := f.capture(ctx, message)
	if err != nil {
		return "", fmt.Errorf("%w: commit: %v", session.ErrGitState, err)
	}
	return ref, nil
}

// Restore rewrites the tree to match the snapshot ref.
//
// Files absent from the snapshot are deleted, changed or missing files are
// copied back, and directories created since the snapshot are removed.
func (f *Files) Restore(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.restore(ctx, ref); err != nil {
		return fmt.Errorf("%w: restore %s: %v", session.ErrGitState, ref, err)
	}
	f.logger.Info("working tree restored", "ref", ref)
	return nil
}

// TreeMatches compares the tree with a snapshot by content hash.
func (f *Files) TreeMatches(ctx context.Context, ref string) (bool, []Difference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	want, err := f.loadManifest(ref)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", session.ErrGitState, err)
	}
	got, err := f.scan(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("%w: scan tree: %v", session.ErrGitState, err)
	}
	diffs := compareManifests(want, got)
	return len(diffs) == 0, diffs, nil
}

func (f *Files) capture(ctx context.Context, message string) (string, error) {
	m, err := f.scan(ctx)
	if err != nil {
		return "", err
	}
	ref := "snap-" + uuid.NewString()
	m.ID = ref
	m.Message = message
	m.CreatedAt = time.Now().UTC()

	treeDir := filepath.Join(f.snapDir, ref, "tree")
	if err := os.MkdirAll(treeDir, 0o750); err != nil {
		return "", err
	}
	success := false
	defer func() {
		if !success {
			os.RemoveAll(filepath.Join(f.snapDir, ref))
		}
	}()

	for rel, entry := range m.Files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := copyFile(filepath.Join(f.root, rel), filepath.Join(treeDir, rel), entry.Mode); err != nil {
			return "", fmt.Errorf("copy %s: %w", rel, err)
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	if err := session.WriteFileAtomic(filepath.Join(f.snapDir, ref, "manifest.json"), data, 0o640); err != nil {
		return "", err
	}
	success = true
	return ref, nil
}

func (f *Files) restore(ctx context.Context, ref string) error {
	want, err := f.loadManifest(ref)
	if err != nil {
		return err
	}
	got, err := f.scan(ctx)
	if err != nil {
		return err
	}
	treeDir := filepath.Join(f.snapDir, ref, "tree")

	for rel := range got.Files {
		if _, ok := want.Files[rel]; !ok {
			if err := os.Remove(filepath.Join(f.root, rel)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", rel, err)
			}
		}
	}

	for _, dir := range want.Dirs {
		if err := os.MkdirAll(filepath.Join(f.root, dir), 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	for rel, entry := range want.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, ok := got.Files[rel]
		if ok && cur.SHA256 == entry.SHA256 && cur.Mode == entry.Mode {
			continue
		}
		if err := copyFile(filepath.Join(treeDir, rel), filepath.Join(f.root, rel), entry.Mode); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
	}

	wantDirs := make(map[string]bool, len(want.Dirs))
	for _, d := range want.Dirs {
		wantDirs[d] = true
	}
	extra := make([]string, 0)
	for _, d := range got.Dirs {
		if !wantDirs[d] {
			extra = append(extra, d)
		}
	}
	// Deepest first so parents are empty by the time they are removed.
	sort.Slice(extra, func(i, j int) bool {
		return strings.Count(extra[i], string(filepath.Separator)) > strings.Count(extra[j], string(filepath.Separator))
	})
	for _, d := range extra {
		if err := os.RemoveAll(filepath.Join(f.root, d)); err != nil {
			return fmt.Errorf("remove dir %s: %w", d, err)
		}
	}
	return nil
}

func (f *Files) loadManifest(ref string) (*manifest, error) {
	if !snapshotRefPattern.MatchString(ref) {
		return nil, fmt.Errorf("invalid snapshot ref %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(f.snapDir, ref, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", ref, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", ref, err)
	}
	return &m, nil
}

// scan hashes every regular file under root.
func (f *Files) scan(ctx context.Context) (*manifest, error) {
	m := &manifest{Files: make(map[string]fileEntry)}
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == f.root {
			return nil
		}
		if d.IsDir() {
			if path == f.stateDir || d.Name() == ".git" {
				return filepath.SkipDir
			}
			rel, err := filepath.Rel(f.root, path)
			if err != nil {
				return err
			}
			m.Dirs = append(m.Dirs, rel)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		m.Files[rel] = fileEntry{SHA256: sum, Mode: info.Mode().Perm(), Size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(m.Dirs)
	return m, nil
}

func compareManifests(want, got *manifest) []Difference {
	var diffs []Difference
	for rel, w := range want.Files {
		g, ok := got.Files[rel]
		switch {
		case !ok:
			diffs = append(diffs, Difference{Path: rel, Kind: ChangeDeleted})
		case g.SHA256 != w.SHA256 || g.Mode != w.Mode:
			diffs = append(diffs, Difference{Path: rel, Kind: ChangeModified})
		}
	}
	for rel := range got.Files {
		if _, ok := want.Files[rel]; !ok {
			diffs = append(diffs, Difference{Path: rel, Kind: ChangeAdded})
		}
	}

	wantDirs := make(map[string]bool, len(want.Dirs))
	for _, d := range want.Dirs {
		wantDirs[d] = true
	}
	gotDirs := make(map[string]bool, len(got.Dirs))
	for _, d := range got.Dirs {
		gotDirs[d] = true
		if !wantDirs[d] {
			diffs = append(diffs, Difference{Path: d + string(filepath.Separator), Kind: ChangeAdded})
		}
	}
	for _, d := range want.Dirs {
		if !gotDirs[d] {
			diffs = append(diffs, Difference{Path: d + string(filepath.Separator), Kind: ChangeDeleted})
		}
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Path < diffs[j].Path })
	return diffs
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
