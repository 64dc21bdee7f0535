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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/debugloop/pkg/ux"
	"github.com/AleutianAI/debugloop/services/debugloop/reproduce"
	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

func newProvideLogCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provide-log <session-id> <file|->",
		Short: "Supply the output of a manual reproduction",
		Long: `Supply the output of a manual reproduction to a waiting session.

Use "-" to read from stdin. The session picks the log up as soon as it is
written, or on the next resume if it is not running.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			id, src := args[0], args[1]
			if !a.store.Exists(id) {
				return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
			}

			var data []byte
			if src == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(src)
			}
			if err != nil {
				return fmt.Errorf("read reproduction output: %w", err)
			}

			if err := reproduce.ProvideInput(a.runsDir(), id, data); err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("Recorded %d bytes of reproduction output for %s", len(data), id))
			return nil
		},
	}
}
