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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// ExecResult is the raw outcome of one command execution.
type ExecResult struct {
	Output   []byte
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Executor runs a reproduction command once.
//
// Implementations return an error wrapping session.ErrReproduction when the
// command cannot execute at all, and the parent context error when the
// caller cancelled. A per-run timeout is not an error: it is reported via
// ExecResult.TimedOut.
type Executor interface {
	Execute(ctx context.Context, command, dir string, timeout time.Duration) (ExecResult, error)
}

// ShellExecutor runs commands through "sh -c".
type ShellExecutor struct {
	// Shell defaults to "sh".
	Shell string
}

// Execute runs command in dir with combined stdout and stderr capture.
//
// Exit codes 126 (not executable) and 127 (not found) mean the procedure
// cannot run at all and are reported as session.ErrReproduction.
func (e *ShellExecutor) Execute(ctx context.Context, command, dir string, timeout time.Duration) (ExecResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, shell, "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{Output: out.Bytes(), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == 126 || res.ExitCode == 127 {
			return res, fmt.Errorf("%w: exit %d: %s", session.ErrReproduction, res.ExitCode, tail(res.Output, 512))
		}
		return res, nil
	}
	return res, fmt.Errorf("%w: %v", session.ErrReproduction, err)
}

// tail returns at most n trailing bytes of b as a string.
func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
