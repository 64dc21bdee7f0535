// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry initializes OpenTelemetry for the debugloop CLI.
//
// One exporter setting selects the whole stack:
//
//   - none: global no-op providers (the default)
//   - stdout: spans and metrics pretty-printed to stderr
//   - otlp: spans to an OTLP gRPC receiver
//   - prometheus: metrics on a promhttp handler (see MetricsHandler)
//
// After Init, otel.Tracer() and otel.Meter() can be used anywhere.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter names.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

var (
	// ErrNilContext is returned when Init receives a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this service in traces and metrics.
	ServiceName string

	// ServiceVersion is the version string for this service.
	ServiceVersion string

	// Exporter is one of none, stdout, otlp, prometheus.
	Exporter string

	// OTLPEndpoint is the OTLP gRPC receiver, e.g. localhost:4317.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Output receives stdout-exporter data. Defaults to stderr so command
	// output on stdout stays clean.
	Output io.Writer
}

// DefaultConfig returns a disabled telemetry config.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "debugloop",
		ServiceVersion: "dev",
		Exporter:       ExporterNone,
		OTLPInsecure:   true,
	}
}

// Init initializes the telemetry stack.
//
// # Outputs
//
//   - shutdown: Flushes and stops providers. Always non-nil on success and
//     must be called on exit.
//   - error: ErrUnknownExporter or an exporter construction error.
//
// Thread Safety: Call once at application startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	exporter := cfg.Exporter
	if exporter == "" {
		exporter = ExporterNone
	}
	if exporter == ExporterNone {
		return shutdown, nil
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	switch exporter {
	case ExporterStdout:
		spanExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		tp := trace.NewTracerProvider(trace.WithBatcher(spanExp), trace.WithResource(res))
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

		metricExp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint(), stdoutmetric.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(metricExp)),
		)
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	case ExporterOTLP:
		var dialOpts []grpc.DialOption
		if cfg.OTLPInsecure {
			dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		conn, err := grpc.NewClient(cfg.OTLPEndpoint, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp connection: %w", err)
		}
		spanExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		tp := trace.NewTracerProvider(
			trace.WithBatcher(spanExp),
			trace.WithResource(res),
			trace.WithSampler(trace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		// The provider flushes through conn, so conn closes last.
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown, func(context.Context) error { return conn.Close() })

	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		metricExp, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		setMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metricExp),
		)
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, exporter)
	}

	return shutdown, nil
}

var (
	prometheusHandler   http.Handler
	prometheusHandlerMu sync.RWMutex
)

func setMetricsHandler(h http.Handler) {
	prometheusHandlerMu.Lock()
	defer prometheusHandlerMu.Unlock()
	prometheusHandler = h
}

// MetricsHandler returns the /metrics handler when the prometheus exporter
// is active, or nil.
//
// Thread Safety: Safe for concurrent use.
func MetricsHandler() http.Handler {
	prometheusHandlerMu.RLock()
	defer prometheusHandlerMu.RUnlock()
	return prometheusHandler
}
