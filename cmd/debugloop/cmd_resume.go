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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/debugloop/pkg/ux"
	"github.com/AleutianAI/debugloop/services/debugloop/controller"
	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted or stopped session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return resumeSession(cmd, a, opts, args[0])
		},
	}
}

// resumeSession continues a session with the snapshot backend it started on.
func resumeSession(cmd *cobra.Command, a *app, opts *rootOptions, id string) error {
	ctx := cmd.Context()
	if !a.store.Exists(id) {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	sess, err := a.store.Load(id)
	if err != nil {
		return err
	}

	if err := a.initTelemetry(ctx, opts); err != nil {
		return err
	}
	ctrl, err := a.newController(ctx, sess.VCS)
	if err != nil {
		return err
	}

	ux.Title("Resuming session " + id)
	ux.KeyValue("Phase", string(sess.Status))
	ux.KeyValue("Iteration", fmt.Sprintf("%d/%d", sess.CurrentIteration(), session.MaxIterations))
	out, err := ctrl.Resume(ctx, id)
	return reportOutcome(out, err)
}

// reportOutcome prints how a session ended and returns the error that
// carries its exit code.
func reportOutcome(out *controller.Outcome, err error) error {
	if out != nil {
		for _, w := range out.Warnings {
			ux.Warning(w)
		}
	}

	switch code := exitCode(err); {
	case err == nil && out.Fixed():
		ux.Success(fmt.Sprintf("Issue fixed and verified in %d iteration(s). Instrumentation removed.", out.Iterations))
		return nil

	case err == nil && out != nil && out.Status == session.StatusFailed:
		body := fmt.Sprintf("No verified fix after %d iterations. The working tree was restored to its pre-session state.", out.Iterations)
		if out.SummaryPath != "" {
			body += "\nSummary: " + out.SummaryPath
		}
		ux.WarningBox("Iteration ceiling reached", body)
		return reported(ExitCeiling, nil)

	case code == ExitCancelled:
		if out != nil {
			ux.Warning(fmt.Sprintf("Session %s paused in phase %s. Continue with: debugloop resume %s",
				out.SessionID, out.Status, out.SessionID))
		} else {
			ux.Warning("Cancelled")
		}
		return reported(code, err)

	case err != nil:
		lines := []string{err.Error()}
		if out != nil {
			lines = append(lines,
				"",
				fmt.Sprintf("Session %s was kept in phase %s.", out.SessionID, out.Status),
				"Inspect it with: debugloop status "+out.SessionID,
				"Retry with:      debugloop resume "+out.SessionID,
			)
		}
		ux.ErrorBox("Session stopped", strings.Join(lines, "\n"))
		return reported(code, err)

	default:
		return &exitError{code: ExitInternal, err: fmt.Errorf("session ended in unexpected state %+v", out)}
	}
}
