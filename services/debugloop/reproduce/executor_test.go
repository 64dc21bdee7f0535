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
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestShellExecutor(t *testing.T) {
	requireShell(t)
	e := &ShellExecutor{}
	dir := t.TempDir()

	t.Run("success", func(t *testing.T) {
		res, err := e.Execute(context.Background(), "echo hello; echo oops >&2", dir, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Contains(t, string(res.Output), "hello")
		assert.Contains(t, string(res.Output), "oops")
	})

	t.Run("failure exit code", func(t *testing.T) {
		res, err := e.Execute(context.Background(), "exit 3", dir, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := e.Execute(context.Background(), "definitely-not-a-real-binary-xyz", dir, 5*time.Second)
		assert.ErrorIs(t, err, session.ErrReproduction)
	})

	t.Run("timeout", func(t *testing.T) {
		res, err := e.Execute(context.Background(), "sleep 5", dir, 100*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, res.TimedOut)
	})

	t.Run("parent cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Execute(ctx, "echo never", dir, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
