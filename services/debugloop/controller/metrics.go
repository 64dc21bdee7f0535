// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric instruments for session orchestration.
var (
	iterationsTotal    metric.Int64Counter
	runsTotal          metric.Int64Counter
	rollbacksTotal     metric.Int64Counter
	outcomesTotal      metric.Int64Counter
	phaseDuration      metric.Float64Histogram
	transitionsTotal   metric.Int64Counter
	collaboratorErrors metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics creates the instruments from the global meter provider. It
// runs after telemetry.Init so a configured provider is picked up.
func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter("debugloop.controller")
		var err error

		if iterationsTotal, err = meter.Int64Counter(
			"debugloop_iterations_total",
			metric.WithDescription("Iterations completed, by how they ended"),
		); err != nil {
			metricsErr = err
			return
		}
		if runsTotal, err = meter.Int64Counter(
			"debugloop_reproduction_runs_total",
			metric.WithDescription("Reproduction runs executed, by phase and result"),
		); err != nil {
			metricsErr = err
			return
		}
		if rollbacksTotal, err = meter.Int64Counter(
			"debugloop_rollbacks_total",
			metric.WithDescription("Rollbacks performed, by tier and status"),
		); err != nil {
			metricsErr = err
			return
		}
		if outcomesTotal, err = meter.Int64Counter(
			"debugloop_session_outcomes_total",
			metric.WithDescription("Sessions reaching a terminal outcome"),
		); err != nil {
			metricsErr = err
			return
		}
		if phaseDuration, err = meter.Float64Histogram(
			"debugloop_phase_duration_seconds",
			metric.WithDescription("Duration of controller phases in seconds"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if transitionsTotal, err = meter.Int64Counter(
			"debugloop_transitions_total",
			metric.WithDescription("Status transitions persisted"),
		); err != nil {
			metricsErr = err
			return
		}
		if collaboratorErrors, err = meter.Int64Counter(
			"debugloop_collaborator_errors_total",
			metric.WithDescription("Errors returned by external collaborators"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func metricsReady() bool {
	return metricsEnabled.Load() && initMetrics() == nil
}

// recordIteration records the end of an iteration ("rejected" or "rolled_back").
func recordIteration(ctx context.Context, endedBy string) {
	if !metricsReady() {
		return
	}
	iterationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("ended_by", endedBy)))
}

// recordRuns records the runs of one reproduction record.
func recordRuns(ctx context.Context, phase string, passed, failed int) {
	if !metricsReady() {
		return
	}
	runsTotal.Add(ctx, int64(passed), metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("result", "pass"),
	))
	runsTotal.Add(ctx, int64(failed), metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("result", "fail"),
	))
}

// recordRollback records a rollback of tier "fix" or "full".
func recordRollback(ctx context.Context, tier string, err error) {
	if !metricsReady() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	rollbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("status", status),
	))
}

// recordOutcome records a terminal outcome.
func recordOutcome(ctx context.Context, outcome string, iterations int) {
	if !metricsReady() {
		return
	}
	outcomesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("iterations", iterations),
	))
}

// recordPhase records how long a phase handler ran.
func recordPhase(ctx context.Context, status string, d time.Duration, err error) {
	if !metricsReady() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	phaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("result", result),
	))
}

// recordTransition records a persisted status change.
func recordTransition(ctx context.Context, from, to string) {
	if !metricsReady() {
		return
	}
	transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// recordCollaboratorError records a failed collaborator call.
func recordCollaboratorError(ctx context.Context, capability string) {
	if !metricsReady() {
		return
	}
	collaboratorErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
}
