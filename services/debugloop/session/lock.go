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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LockInfo is written into the lock file by the holder for visibility.
type LockInfo struct {
	PID        int       `json:"pid"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Hostname   string    `json:"hostname,omitempty"`
}

// Lock is an advisory single-writer lock on one session id.
//
// # Description
//
// Backed by flock(2) on <stateDir>/locks/<id>.lock. The kernel releases the
// lock when the process exits, so a crashed writer never leaves a session
// permanently locked.
//
// # Thread Safety
//
// Release is safe to call more than once.
type Lock struct {
	id   string
	path string
	file *os.File
	once sync.Once
	err  error
}

// AcquireLock takes the exclusive lock for a session without blocking.
//
// # Outputs
//
//   - *Lock: The held lock. Call Release when done.
//   - error: *LockError wrapping ErrSessionLocked if another process holds it.
func AcquireLock(stateDir, id string) (*Lock, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	dir := filepath.Join(stateDir, "locks")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, id+".lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if err := lockFile(f); err != nil {
		holder := readLockInfo(f)
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, &LockError{ID: id, Holder: holder, Err: ErrSessionLocked}
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	hostname, _ := os.Hostname()
	info := LockInfo{
		PID:        os.Getpid(),
		SessionID:  id,
		AcquiredAt: time.Now().UTC(),
		Hostname:   hostname,
	}
	if data, err := json.Marshal(info); err == nil {
		_ = f.Truncate(0)
		_, _ = f.WriteAt(data, 0)
	}

	return &Lock{id: id, path: path, file: f}, nil
}

// Release clears the holder info and unlocks. The lock file itself stays.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		_ = l.file.Truncate(0)
		if err := unlockFile(l.file); err != nil {
			l.err = fmt.Errorf("unlocking %s: %w", l.path, err)
		}
		if err := l.file.Close(); err != nil && l.err == nil {
			l.err = fmt.Errorf("closing %s: %w", l.path, err)
		}
	})
	return l.err
}

// ID returns the locked session id.
func (l *Lock) ID() string {
	return l.id
}

func readLockInfo(f *os.File) *LockInfo {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return nil
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}
