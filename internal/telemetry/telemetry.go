// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry wires tracing and metrics for pipeline runs.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/meanpipe/meanpipe"

// Config controls telemetry setup.
type Config struct {
	// TraceWriter receives exported spans as JSON lines. Nil disables
	// tracing entirely.
	TraceWriter io.Writer

	// PrettyTraces pretty-prints exported spans.
	PrettyTraces bool
}

// Telemetry bundles the tracer and metrics for a pipeline process.
type Telemetry struct {
	Tracer  trace.Tracer
	Metrics *Metrics

	tp *sdktrace.TracerProvider
}

// Init sets up tracing and metrics. The returned Telemetry is always
// usable; with a nil TraceWriter the tracer is a no-op.
func Init(cfg Config) (*Telemetry, error) {
	t := &Telemetry{Metrics: NewMetrics()}

	if cfg.TraceWriter == nil {
		t.Tracer = noop.NewTracerProvider().Tracer(tracerName)
		return t, nil
	}

	opts := []stdouttrace.Option{stdouttrace.WithWriter(cfg.TraceWriter)}
	if cfg.PrettyTraces {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	t.tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	t.Tracer = t.tp.Tracer(tracerName)
	return t, nil
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tp == nil {
		return nil
	}
	return t.tp.Shutdown(ctx)
}

// =============================================================================
// Metrics
// =============================================================================

// Metrics holds the pipeline's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	RunDuration   prometheus.Histogram
}

// NewMetrics creates and registers the pipeline collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meanpipe",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by terminal status.",
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meanpipe",
			Name:      "stage_duration_seconds",
			Help:      "Stage wall time by stage name and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage", "outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meanpipe",
			Name:      "run_duration_seconds",
			Help:      "Total pipeline wall time.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
	}
	m.registry.MustRegister(m.RunsTotal, m.StageDuration, m.RunDuration)
	return m
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// ObserveRun records one completed run.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
