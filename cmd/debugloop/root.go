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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/debugloop/pkg/ux"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	repo        string
	output      string
	metricsAddr string
	verbose     bool
	quiet       bool
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "debugloop",
		Short: "Run resumable, hypothesis-driven debugging sessions",
		Long: `debugloop drives a bug from report to verified fix: it generates
hypotheses, instruments code, reproduces the failure, applies and verifies
fixes, and always leaves the working tree clean or restored.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if opts.output != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(opts.output))
			} else {
				ux.InitPersonality()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.repo, "repo", ".", "Repository root to debug")
	flags.StringVar(&opts.output, "output", "",
		"Output style: standard, minimal, machine (default from "+ux.OutputEnv+" or terminal detection)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address while a session runs (e.g. :9464)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress console logging")

	rootCmd.AddCommand(
		newStartCmd(opts),
		newResumeCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newProvideLogCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string) int {
	return executeCmd(ctx, newRootCmd(), args)
}

func executeCmd(ctx context.Context, rootCmd *cobra.Command, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if shouldPrint(err) {
		ux.Error(err.Error())
	}
	return exitCode(err)
}
