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
	"errors"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/debugloop/pkg/ux"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded session outcomes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			h := a.openHistory()
			if h == nil {
				return errors.New("history database is unavailable")
			}
			entries, err := h.List(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				ux.Muted("No finished sessions yet")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.FinishedAt.Local().Format(time.DateTime),
					e.SessionID,
					e.Outcome,
					strconv.Itoa(e.Iterations),
					strconv.Itoa(e.FixAttempts),
					truncate(firstLine(e.Issue), 48),
				})
			}
			ux.Table([]string{"FINISHED", "SESSION", "OUTCOME", "ITERATIONS", "FIXES", "ISSUE"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries (0 for all)")
	return cmd
}
