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
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/debugloop/pkg/ux"
	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the phase, iteration, hypotheses, and fix attempts of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			id := args[0]
			if !a.store.Exists(id) {
				return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
			}
			sess, err := a.store.Load(id)
			if err != nil {
				return err
			}
			printSession(sess)
			return nil
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.store.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				ux.Muted("No active sessions")
				return nil
			}
			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				sess, err := a.store.Load(id)
				if err != nil {
					rows = append(rows, []string{id, "unreadable", "", "", err.Error()})
					continue
				}
				rows = append(rows, []string{
					sess.ID,
					string(sess.Status),
					fmt.Sprintf("%d/%d", sess.CurrentIteration(), session.MaxIterations),
					sess.UpdatedAt.Local().Format(time.DateTime),
					truncate(firstLine(sess.Issue.Actual), 48),
				})
			}
			ux.Table([]string{"SESSION", "PHASE", "ITERATION", "UPDATED", "ISSUE"}, rows)
			return nil
		},
	}
}

func printSession(sess *session.Session) {
	ux.Title("Session " + sess.ID)
	ux.KeyValue("Phase", string(sess.Status))
	ux.KeyValue("Iteration", fmt.Sprintf("%d/%d", sess.CurrentIteration(), session.MaxIterations))
	ux.KeyValue("Completed iterations", strconv.Itoa(sess.IterationCount))
	if sess.IsFlaky {
		ux.KeyValue("Intermittent", fmt.Sprintf("yes, %d consecutive passes required (%s)",
			sess.SuccessCountRequirement, strings.Join(sess.Issue.FlakyIndicators, ", ")))
	} else {
		ux.KeyValue("Intermittent", "no")
	}
	ux.KeyValue("Snapshot", fmt.Sprintf("%s (%s)", sess.SnapshotRef(), sess.VCS))
	ux.KeyValue("Created", sess.CreatedAt.Local().Format(time.DateTime))
	ux.KeyValue("Updated", sess.UpdatedAt.Local().Format(time.DateTime))
	if sess.InFlight != "" {
		ux.KeyValue("In flight", sess.InFlight)
	}
	if sess.CurrentHypothesisID != "" {
		ux.KeyValue("Current hypothesis", sess.CurrentHypothesisID)
	}
	if sess.LastError != "" {
		ux.KeyValue("Last error", sess.LastError)
	}

	if len(sess.Hypotheses) > 0 {
		ux.Muted("")
		rows := make([][]string, 0, len(sess.Hypotheses))
		for _, h := range sess.Hypotheses {
			rows = append(rows, []string{
				h.ID,
				strconv.Itoa(h.Iteration),
				string(h.Status),
				strconv.FormatFloat(h.Confidence, 'f', 2, 64),
				truncate(h.Description, 60),
			})
		}
		ux.Table([]string{"HYPOTHESIS", "ITER", "STATUS", "CONF", "DESCRIPTION"}, rows)
	}

	if len(sess.FixAttempts) > 0 {
		ux.Muted("")
		rows := make([][]string, 0, len(sess.FixAttempts))
		for _, fa := range sess.FixAttempts {
			rows = append(rows, []string{
				fa.ID,
				strconv.Itoa(fa.Iteration),
				string(fa.Status),
				truncate(fa.FailureReason, 60),
			})
		}
		ux.Table([]string{"FIX ATTEMPT", "ITER", "STATUS", "FAILURE"}, rows)
	}

	for _, w := range sess.Warnings {
		ux.Warning(w)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
