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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/debugloop/pkg/ux"
	"github.com/AleutianAI/debugloop/services/debugloop/intake"
	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

type startOptions struct {
	steps        string
	expected     string
	actual       string
	errorText    string
	command      string
	signature    string
	issueFile    string
	manualSteps  []string
	successCount int
	yes          bool
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	so := &startOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a debugging session from an issue report",
		Long: `Start a debugging session from an issue report.

The report comes from --issue-file (YAML) and/or the individual flags; flags
override file fields. Reproduction steps, expected behavior, and actual
behavior are required. Issues that read as intermittent also need
--success-count, the number of consecutive passing runs that prove a fix.`,
		Example: `  debugloop start --steps "run make test" --expected "tests pass" \
    --actual "TestParse fails" --command "make test" --signature "FAIL: TestParse"
  debugloop start --issue-file issue.yaml --success-count 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, opts, so)
		},
	}

	so.addFlags(cmd)
	return cmd
}

func (so *startOptions) addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&so.steps, "steps", "", "Steps that reproduce the issue")
	f.StringVar(&so.expected, "expected", "", "Expected behavior")
	f.StringVar(&so.actual, "actual", "", "Actual behavior")
	f.StringVar(&so.errorText, "error-text", "", "Error message or stack trace")
	f.StringVar(&so.command, "command", "", "Shell command that reproduces the issue (exit 0 means pass)")
	f.StringVar(&so.signature, "signature", "", "Output text that marks a failing run (defaults to the first error line)")
	f.StringArrayVar(&so.manualSteps, "manual-step", nil, "Manual reproduction step (repeatable)")
	f.StringVar(&so.issueFile, "issue-file", "", "YAML issue report")
	f.IntVar(&so.successCount, "success-count", 0, "Consecutive passing runs required for intermittent issues (1-10)")
	f.BoolVarP(&so.yes, "yes", "y", false, "Resume an existing session for the same issue without asking")
}

// issueInput merges the issue file with explicitly set flags.
func (so *startOptions) issueInput(cmd *cobra.Command) (intake.Input, error) {
	var in intake.Input
	if so.issueFile != "" {
		loaded, err := intake.LoadFile(so.issueFile)
		if err != nil {
			return intake.Input{}, err
		}
		in = loaded
	}

	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("steps", &in.ReproductionSteps, so.steps)
	set("expected", &in.Expected, so.expected)
	set("actual", &in.Actual, so.actual)
	set("error-text", &in.ErrorText, so.errorText)
	set("command", &in.ReproduceCommand, so.command)
	set("signature", &in.FailureSignature, so.signature)
	if cmd.Flags().Changed("manual-step") {
		in.ManualSteps = so.manualSteps
	}
	if cmd.Flags().Changed("success-count") {
		k := so.successCount
		in.SuccessCount = &k
	}
	return in, nil
}

func runStart(cmd *cobra.Command, opts *rootOptions, so *startOptions) error {
	ctx := cmd.Context()

	in, err := so.issueInput(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	normalizer := intake.NewNormalizer(
		intake.WithExistsFunc(a.store.Exists),
		intake.WithLogger(a.log),
	)
	skel, err := normalizer.Normalize(in)
	if errors.Is(err, session.ErrSuccessCountRequired) {
		if !ux.IsInteractive() {
			return fmt.Errorf("%w\npass --success-count N (%d-%d)", err,
				session.MinSuccessCount, session.MaxSuccessCount)
		}
		k, askErr := ux.AskInt(
			"This issue looks intermittent",
			fmt.Sprintf("How many consecutive passing runs prove a fix? (%d-%d)",
				session.MinSuccessCount, session.MaxSuccessCount),
			intake.DefaultSuccessCount, session.MinSuccessCount, session.MaxSuccessCount,
		)
		if askErr != nil {
			return askErr
		}
		in.SuccessCount = &k
		skel, err = normalizer.Normalize(in)
	}

	var dup *session.DuplicateSessionError
	if errors.As(err, &dup) {
		resume, confirmErr := offerResume(dup.ID, so.yes)
		if confirmErr != nil {
			return confirmErr
		}
		if !resume {
			return fmt.Errorf("%w\nresume it with: debugloop resume %s", err, dup.ID)
		}
		return resumeSession(cmd, a, opts, dup.ID)
	}
	if err != nil {
		return err
	}

	for _, w := range skel.Warnings {
		ux.Warning(w)
	}
	if skel.IsFlaky {
		ux.Info(fmt.Sprintf("Intermittent issue: a fix must pass %d consecutive runs", skel.SuccessCount))
	}

	if err := a.initTelemetry(ctx, opts); err != nil {
		return err
	}
	ctrl, err := a.newController(ctx, "")
	if err != nil {
		return err
	}

	ux.Title("Debugging session " + skel.ID)
	out, err := ctrl.Start(ctx, skel)
	return reportOutcome(out, err)
}

// offerResume asks whether to resume an active session for the same issue.
func offerResume(id string, yes bool) (bool, error) {
	if yes {
		return true, nil
	}
	if !ux.IsInteractive() {
		return false, nil
	}
	return ux.Confirm(
		"A session for this issue is already active",
		fmt.Sprintf("Session %s has not finished. Resume it instead of starting over?", id),
		"Resume", "Cancel",
	)
}
