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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/debugloop/pkg/logging"
	"github.com/AleutianAI/debugloop/pkg/ux"
	"github.com/AleutianAI/debugloop/services/debugloop/cleanup"
	"github.com/AleutianAI/debugloop/services/debugloop/config"
	"github.com/AleutianAI/debugloop/services/debugloop/controller"
	"github.com/AleutianAI/debugloop/services/debugloop/history"
	"github.com/AleutianAI/debugloop/services/debugloop/reproduce"
	"github.com/AleutianAI/debugloop/services/debugloop/rollback"
	"github.com/AleutianAI/debugloop/services/debugloop/session"
	"github.com/AleutianAI/debugloop/services/debugloop/summary"
	"github.com/AleutianAI/debugloop/services/debugloop/telemetry"
	"github.com/AleutianAI/debugloop/services/debugloop/vcs"
)

// app holds what every subcommand needs for one repository.
type app struct {
	root    string
	cfg     *config.Config
	logging *logging.Logger
	log     *slog.Logger
	store   *session.Store
	history *history.Store
	tracing bool
	closers []func(context.Context) error
}

// openApp loads the repository config and opens the session store.
func openApp(opts *rootOptions) (*app, error) {
	root, err := filepath.Abs(opts.repo)
	if err != nil {
		return nil, fmt.Errorf("resolve repository root: %w", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("repository root %s is not a directory", root)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	level, ok := logging.ParseLevel(cfg.Logging.Level)
	if !ok {
		level = logging.LevelInfo
	}
	if opts.verbose {
		level = logging.LevelDebug
	}
	logCfg := logging.Config{
		Level:   level,
		Service: "debugloop",
		JSON:    cfg.Logging.JSON,
		Quiet:   opts.quiet,
	}
	if cfg.Logging.File {
		logCfg.LogDir = filepath.Join(cfg.StateDir, "logs")
	}
	lg := logging.New(logCfg)

	store, err := session.NewStore(cfg.StateDir)
	if err != nil {
		_ = lg.Close()
		return nil, err
	}

	return &app{
		root:    root,
		cfg:     cfg,
		logging: lg,
		log:     lg.Slog(),
		store:   store,
	}, nil
}

// Close releases everything the app opened, in reverse order.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
	_ = a.logging.Close()
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) runsDir() string {
	return filepath.Join(a.cfg.StateDir, "runs")
}

// openHistory opens the outcome index. A failure is logged and tolerated:
// history is an index, not a source of truth.
func (a *app) openHistory() *history.Store {
	if a.history != nil {
		return a.history
	}
	h, err := history.OpenPath(filepath.Join(a.cfg.StateDir, "history"), a.log)
	if err != nil {
		a.log.Warn("history unavailable", "error", err)
		return nil
	}
	a.history = h
	a.onClose(func(context.Context) error { return h.Close() })
	return h
}

// initTelemetry starts exporters and, when an address is given, the
// Prometheus scrape endpoint.
func (a *app) initTelemetry(ctx context.Context, opts *rootOptions) error {
	metricsAddr := opts.metricsAddr
	exporter := a.cfg.Telemetry.Exporter
	if metricsAddr == "" {
		metricsAddr = a.cfg.Telemetry.MetricsAddr
	}
	if metricsAddr != "" {
		exporter = telemetry.ExporterPrometheus
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "debugloop",
		ServiceVersion: version,
		Exporter:       exporter,
		OTLPEndpoint:   a.cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
		Output:         os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.onClose(shutdown)

	enabled := exporter != "" && exporter != telemetry.ExporterNone
	controller.SetMetricsEnabled(enabled)
	a.tracing = enabled

	if metricsAddr == "" {
		return nil
	}
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return errors.New("telemetry: metrics handler not initialized")
	}
	srv, err := serveMetrics(metricsAddr, handler, opts.verbose, a.log)
	if err != nil {
		return err
	}
	a.onClose(srv.Shutdown)
	return nil
}

// newController wires a Controller. kind pins the version-control backend a
// resumed session was started with; empty detects it.
func (a *app) newController(ctx context.Context, kind session.VCSKind) (*controller.Controller, error) {
	timeout := a.cfg.VCS.Timeout.D()
	var (
		v   vcs.VCS
		err error
	)
	if kind == "" {
		v, err = vcs.Detect(ctx, a.root, a.cfg.StateDir, timeout, a.log)
	} else {
		v, err = vcs.ForSession(kind, a.root, a.cfg.StateDir, timeout, a.log)
	}
	if err != nil {
		return nil, err
	}

	manual := reproduce.NewFileManual(a.runsDir(), a.log, notifyManual)
	runner, err := reproduce.NewRunner(reproduce.Config{
		RunsDir:    a.runsDir(),
		WorkDir:    a.root,
		RunTimeout: a.cfg.Reproduction.RunTimeout.D(),
		Pacing:     a.cfg.Reproduction.Pacing.D(),
	}, reproduce.WithManualSource(manual), reproduce.WithLogger(a.log))
	if err != nil {
		return nil, err
	}

	set, err := buildCollaborators(a.cfg, a.root, v, a.log)
	if err != nil {
		return nil, err
	}

	return controller.New(controller.Deps{
		Store:         a.store,
		VCS:           v,
		Runner:        runner,
		Rollback:      rollback.NewManager(v, a.log),
		Cleanup:       cleanup.NewManager(a.root, v, a.log),
		Summary:       a.summaryWriter(ctx),
		History:       a.openHistory(),
		Collab:        set,
		CapMultiplier: a.cfg.Reproduction.CapMultiplier,
		Logger:        a.log,
		Tracer:        controller.NewTracer(a.tracing),
	})
}

// summaryWriter builds the summary writer, archiving to GCS when a bucket
// is configured. Archive setup failures leave summaries local only.
func (a *app) summaryWriter(ctx context.Context) *summary.Writer {
	opts := []summary.Option{summary.WithLogger(a.log)}
	if bucket := a.cfg.Archive.GCSBucket; bucket != "" {
		archiver, err := summary.NewGCSArchiver(ctx, bucket, a.cfg.Archive.Prefix, a.cfg.Archive.CredentialsFile)
		if err != nil {
			a.log.Warn("summary archiving disabled", "bucket", bucket, "error", err)
		} else {
			opts = append(opts, summary.WithArchiver(archiver))
			a.onClose(func(context.Context) error { return archiver.Close() })
		}
	}
	return summary.NewWriter(filepath.Join(a.cfg.StateDir, "summaries"), opts...)
}

// notifyManual tells the operator a manual reproduction is waiting.
func notifyManual(instructionsPath string) {
	id := sessionIDFromManualPath(instructionsPath)
	ux.WarningBox("Manual reproduction needed",
		fmt.Sprintf("Follow the steps in %s, then supply the output with:\n  debugloop provide-log %s <file>",
			instructionsPath, id))
}

func sessionIDFromManualPath(path string) string {
	if id, ok := strings.CutSuffix(filepath.Base(path), ".manual.md"); ok && id != "" {
		return id
	}
	return "<session-id>"
}
