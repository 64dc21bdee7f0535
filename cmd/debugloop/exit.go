// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/debugloop/pkg/ux"
	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

// Process exit codes.
const (
	ExitFixed     = 0
	ExitCeiling   = 1
	ExitCancelled = 2
	ExitInternal  = 3
)

// exitError carries a specific exit code out of a cobra RunE. When silent,
// the command already reported the outcome.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// reported wraps err so execute does not print it a second time.
func reported(code int, err error) error {
	return &exitError{code: code, err: err, silent: true}
}

// exitCode maps a command error to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitFixed
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, session.ErrCancelled),
		errors.Is(err, ux.ErrPromptAborted),
		errors.Is(err, context.Canceled):
		return ExitCancelled
	default:
		return ExitInternal
	}
}

// shouldPrint reports whether execute should print err.
func shouldPrint(err error) bool {
	var ee *exitError
	if errors.As(err, &ee) {
		return !ee.silent
	}
	return err != nil
}
