// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/meanpipe/meanpipe/internal/history"
	"github.com/meanpipe/meanpipe/internal/notify"
	"github.com/meanpipe/meanpipe/internal/telemetry"
	"github.com/meanpipe/meanpipe/pkg/logging"
)

// CleanupFunc runs after every pipeline run, exactly once, regardless of
// outcome. It receives a context detached from the run deadline.
type CleanupFunc func(ctx context.Context) error

// Controller executes stages in order and produces a build run record.
type Controller struct {
	stages    []Stage
	cleanup   CleanupFunc
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	notifier  notify.Notifier
	notifyOK  bool
	store     *history.Store
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithCleanup registers the always-run cleanup hook.
func WithCleanup(fn CleanupFunc) ControllerOption {
	return func(c *Controller) { c.cleanup = fn }
}

// WithTelemetry enables tracing and metrics for runs.
func WithTelemetry(t *telemetry.Telemetry) ControllerOption {
	return func(c *Controller) { c.telemetry = t }
}

// WithNotifier enables terminal-status notifications. onSuccess extends
// delivery to green runs.
func WithNotifier(n notify.Notifier, onSuccess bool) ControllerOption {
	return func(c *Controller) {
		c.notifier = n
		c.notifyOK = onSuccess
	}
}

// WithHistory persists run records to the given store.
func WithHistory(s *history.Store) ControllerOption {
	return func(c *Controller) { c.store = s }
}

// NewController creates a Controller over the given stages.
func NewController(logger *logging.Logger, stages []Stage, opts ...ControllerOption) *Controller {
	c := &Controller{stages: stages, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	return c
}

// Run executes the pipeline and returns the finished run record.
//
// The returned error is non-nil only for failure status; unstable runs
// return a nil error so callers distinguish gating failures from
// degraded-but-complete runs via the record.
func (c *Controller) Run(ctx context.Context, rc *RunContext) (*history.BuildRun, error) {
	run := history.NewBuildRun(rc.BuildNumber, rc.Branch, rc.Commit)
	c.logger.Info("pipeline started", "build", run.Number, "branch", run.Branch)

	ctx, span := c.startSpan(ctx, "pipeline.run", attribute.Int64("build", int64(run.Number)))

	results := c.runStages(ctx, rc)

	// Cleanup runs on a detached context so teardown survives a run
	// deadline that already expired.
	if c.cleanup != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
		if err := c.cleanup(cleanupCtx); err != nil {
			c.logger.Warn("cleanup failed", "error", err)
		}
		cancel()
	}

	status := Aggregate(results)
	run.Status = status
	run.FinishedAt = time.Now().UTC()
	run.ImageTags = rc.ImageTags
	run.ArtifactPath = rc.ArtifactPath
	for _, r := range results {
		outcome := r.Outcome.String()
		if r.Skipped {
			outcome = "skipped"
		}
		run.Stages = append(run.Stages, history.StageRecord{
			Name:     r.Stage,
			Outcome:  outcome,
			Reason:   r.Reason,
			Duration: r.Duration,
		})
	}

	if c.telemetry != nil {
		c.telemetry.Metrics.ObserveRun(string(status), run.FinishedAt.Sub(run.StartedAt))
	}
	span.SetAttributes(attribute.String("status", string(status)))
	span.End()

	if c.store != nil {
		if err := c.store.Put(run); err != nil {
			c.logger.Warn("history write failed", "error", err)
		}
	}

	if c.notifier != nil && notify.ShouldNotify(status, c.notifyOK) {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if err := c.notifier.Notify(notifyCtx, run); err != nil {
			c.logger.Warn("notification failed", "error", err)
		}
		cancel()
	}

	c.logger.Info("pipeline finished",
		"build", run.Number,
		"status", string(status),
		"duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String())

	if status == history.StatusFailure {
		return run, fmt.Errorf("build %d failed", run.Number)
	}
	return run, nil
}

func (c *Controller) runStages(ctx context.Context, rc *RunContext) []StageResult {
	results := make([]StageResult, 0, len(c.stages))
	halted := false

	for _, stage := range c.stages {
		if halted {
			results = append(results, StageResult{Stage: stage.Name(), Skipped: true})
			continue
		}

		c.logger.Info("stage started", "stage", stage.Name())
		stageCtx, span := c.startSpan(ctx, "stage."+stage.Name())
		start := time.Now()

		result := stage.Run(stageCtx, rc)
		result.Duration = time.Since(start)

		span.SetAttributes(attribute.String("outcome", result.Outcome.String()))
		span.End()
		if c.telemetry != nil {
			c.telemetry.Metrics.ObserveStage(stage.Name(), result.Outcome.String(), result.Duration)
		}

		switch result.Outcome {
		case OutcomeFatalFail:
			c.logger.Error("stage failed", "stage", stage.Name(), "reason", result.Reason, "error", result.Err)
			halted = true
		case OutcomeSoftFail:
			c.logger.Warn("stage unstable", "stage", stage.Name(), "reason", result.Reason)
		default:
			c.logger.Info("stage passed", "stage", stage.Name(), "duration", result.Duration.Round(time.Millisecond).String())
		}
		results = append(results, result)
	}
	return results
}

func (c *Controller) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if c.telemetry == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return c.telemetry.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
