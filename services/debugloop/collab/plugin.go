// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
	"github.com/AleutianAI/debugloop/services/debugloop/vcs"
)

// PluginRequest is written to a plugin's stdin as JSON.
type PluginRequest struct {
	Capability    Capability          `json:"capability"`
	SessionID     string              `json:"session_id,omitempty"`
	Issue         *IssueContext       `json:"issue,omitempty"`
	PriorFindings []session.Finding   `json:"prior_findings,omitempty"`
	Hypothesis    *session.Hypothesis `json:"hypothesis,omitempty"`
	Locations     []session.Location  `json:"locations,omitempty"`
	MarkerTag     string              `json:"marker_tag,omitempty"`
	MarkerBegin   string              `json:"marker_begin,omitempty"`
	MarkerEnd     string              `json:"marker_end,omitempty"`
	RunLog        string              `json:"run_log,omitempty"`
	Fix           *FixRequest         `json:"fix,omitempty"`
}

// PluginChange is one set of edits a plugin made. When Ref is empty the
// adapter commits Files through the VCS.
type PluginChange struct {
	Files   []string `json:"files"`
	Message string   `json:"message"`
	Ref     string   `json:"ref,omitempty"`
}

// PluginResponse is read from a plugin's stdout.
type PluginResponse struct {
	Hypotheses []session.Hypothesis     `json:"hypotheses,omitempty"`
	Changes    []PluginChange           `json:"changes,omitempty"`
	Status     session.HypothesisStatus `json:"status,omitempty"`
	Evidence   string                   `json:"evidence,omitempty"`
	Approach   string                   `json:"approach,omitempty"`
	Sources    []string                 `json:"sources,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Plugin runs one external command per capability.
//
// Commands run through sh -c in the repository root with the request on
// stdin. DEBUGLOOP_CAPABILITY, DEBUGLOOP_SESSION_ID and DEBUGLOOP_MARKER_TAG
// are set in the environment. A non-zero exit or a non-empty "error" field
// fails the call.
type Plugin struct {
	commands map[Capability]string
	dir      string
	timeout  time.Duration
	vcs      vcs.VCS
	logger   *slog.Logger
	now      func() time.Time
}

// NewPlugin creates a plugin adapter. The VCS commits changes a plugin
// reports without a ref.
func NewPlugin(commands map[Capability]string, dir string, timeout time.Duration, v vcs.VCS, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		commands: commands,
		dir:      dir,
		timeout:  timeout,
		vcs:      v,
		logger:   logger.With("component", "collab.Plugin"),
		now:      time.Now,
	}
}

// Has reports whether a command is configured for capability.
func (p *Plugin) Has(c Capability) bool {
	return p.commands[c] != ""
}

// Generate implements HypothesisGenerator.
func (p *Plugin) Generate(ctx context.Context, issue IssueContext, prior []session.Finding) ([]session.Hypothesis, error) {
	resp, err := p.call(ctx, PluginRequest{
		Capability:    CapGenerate,
		SessionID:     issue.SessionID,
		Issue:         &issue,
		PriorFindings: prior,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Hypotheses) == 0 {
		return nil, fmt.Errorf("%w: generator returned no hypotheses", ErrInvalidResponse)
	}
	return resp.Hypotheses, nil
}

// Instrument implements Instrumenter.
func (p *Plugin) Instrument(ctx context.Context, hyp session.Hypothesis, locations []session.Location, tag string) ([]session.CommitRecord, error) {
	resp, err := p.call(ctx, PluginRequest{
		Capability:  CapInstrument,
		Hypothesis:  &hyp,
		Locations:   locations,
		MarkerTag:   tag,
		MarkerBegin: session.MarkerBegin + " " + tag,
		MarkerEnd:   session.MarkerEnd + " " + tag,
	})
	if err != nil {
		return nil, err
	}
	records, err := p.commitChanges(ctx, resp.Changes, "instrument "+hyp.ID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Marker = tag
	}
	return records, nil
}

// Analyze implements Analyzer.
func (p *Plugin) Analyze(ctx context.Context, hyp session.Hypothesis, runLog string) (session.HypothesisStatus, string, error) {
	resp, err := p.call(ctx, PluginRequest{
		Capability: CapAnalyze,
		Hypothesis: &hyp,
		RunLog:     runLog,
	})
	if err != nil {
		return "", "", err
	}
	if err := CheckVerdict(resp.Status); err != nil {
		return "", "", err
	}
	return resp.Status, resp.Evidence, nil
}

// Research implements Researcher.
func (p *Plugin) Research(ctx context.Context, hyp session.Hypothesis) (Research, error) {
	resp, err := p.call(ctx, PluginRequest{
		Capability: CapResearch,
		Hypothesis: &hyp,
	})
	if err != nil {
		return Research{}, err
	}
	if resp.Approach == "" {
		return Research{}, fmt.Errorf("%w: researcher returned no approach", ErrInvalidResponse)
	}
	return Research{Approach: resp.Approach, Sources: resp.Sources}, nil
}

// Apply implements FixApplier.
func (p *Plugin) Apply(ctx context.Context, req FixRequest) ([]session.CommitRecord, error) {
	resp, err := p.call(ctx, PluginRequest{
		Capability: CapFix,
		SessionID:  req.SessionID,
		Hypothesis: &req.Hypothesis,
		Fix:        &req,
	})
	if err != nil {
		return nil, err
	}
	return p.commitChanges(ctx, resp.Changes, "fix "+req.Hypothesis.ID)
}

func (p *Plugin) commitChanges(ctx context.Context, changes []PluginChange, fallbackMsg string) ([]session.CommitRecord, error) {
	records := make([]session.CommitRecord, 0, len(changes))
	for _, c := range changes {
		msg := c.Message
		if msg == "" {
			msg = "debugloop: " + fallbackMsg
		}
		ref := c.Ref
		if ref == "" {
			if p.vcs == nil {
				return nil, fmt.Errorf("%w: change without ref and no vcs to commit it", ErrInvalidResponse)
			}
			var err error
			ref, err = p.vcs.Commit(ctx, c.Files, msg)
			if err != nil {
				return nil, fmt.Errorf("committing plugin change: %w", err)
			}
		}
		records = append(records, session.CommitRecord{
			Ref:       ref,
			Message:   msg,
			Timestamp: p.now().UTC(),
			Files:     c.Files,
		})
	}
	return records, nil
}

func (p *Plugin) call(ctx context.Context, req PluginRequest) (*PluginResponse, error) {
	command := p.commands[req.Capability]
	if command == "" {
		return nil, fmt.Errorf("no plugin command configured for %s", req.Capability)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding plugin request: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = p.dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"DEBUGLOOP_CAPABILITY="+string(req.Capability),
		"DEBUGLOOP_SESSION_ID="+req.SessionID,
		"DEBUGLOOP_MARKER_TAG="+req.MarkerTag,
	)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	p.logger.Debug("plugin finished",
		"capability", req.Capability,
		"duration", time.Since(start),
		"stdout_bytes", stdout.Len())

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, NewCommandError(req.Capability, command, -1, stderr.String(), ctxErr)
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, NewCommandError(req.Capability, command, exitCode, stderr.String(), runErr)
	}

	var resp PluginResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding %s plugin output: %v", ErrInvalidResponse, req.Capability, err)
	}
	if resp.Error != "" {
		return nil, NewCommandError(req.Capability, command, 0, resp.Error, ErrInvalidResponse)
	}
	return &resp, nil
}
