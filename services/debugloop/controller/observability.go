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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/debugloop/services/debugloop/session"
)

const tracerName = "debugloop.controller"

// Tracer creates spans for sessions and phases.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	enabled bool
}

// NewTracer creates a tracer. When disabled, noop spans are returned.
func NewTracer(enabled bool) *Tracer {
	return &Tracer{
		tracer:  otel.Tracer(tracerName),
		enabled: enabled,
	}
}

// StartSession starts the root span of one Start or Resume call.
func (t *Tracer) StartSession(ctx context.Context, sess *session.Session, resumed bool) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "debugloop.session",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.Bool("session.resumed", resumed),
			attribute.Bool("session.flaky", sess.IsFlaky),
			attribute.Int("session.success_count", sess.SuccessCountRequirement),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartPhase starts a span for the handler of one status.
func (t *Tracer) StartPhase(ctx context.Context, sess *session.Session) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "debugloop.phase."+string(sess.Status),
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.Int("session.iteration", sess.CurrentIteration()),
			attribute.String("session.in_flight", sess.InFlight),
		),
	)
}

// End completes a span, recording err when non-nil.
func (t *Tracer) End(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RecordTransition adds a transition event to the active span.
func (t *Tracer) RecordTransition(ctx context.Context, from, to session.Status) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}
	span.AddEvent("state_transition", trace.WithAttributes(
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
	))
}

// LoggerWithTrace returns a logger with trace_id and span_id when ctx
// carries a valid span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
