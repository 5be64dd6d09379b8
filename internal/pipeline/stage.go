// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline sequences build stages and folds their outcomes into
// one terminal status.
package pipeline

import (
	"context"
	"time"

	"github.com/meanpipe/meanpipe/internal/config"
	"github.com/meanpipe/meanpipe/internal/history"
	"github.com/meanpipe/meanpipe/pkg/logging"
)

// Outcome classifies one stage execution.
//
// A fatal failure stops the pipeline and forces a failure status. A soft
// failure lets the pipeline continue but degrades the terminal status to
// unstable. Side-effect failures in publishing stages are reported as Ok
// with a Reason so they never gate the build.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeSoftFail
	OutcomeFatalFail
)

// String returns the persisted name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSoftFail:
		return "soft_fail"
	case OutcomeFatalFail:
		return "fatal_fail"
	default:
		return "ok"
	}
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Stage    string
	Outcome  Outcome
	Reason   string
	Err      error
	Duration time.Duration

	// Skipped marks stages never executed because an earlier stage
	// failed fatally.
	Skipped bool
}

// Ok builds a passing result.
func Ok(stage string) StageResult {
	return StageResult{Stage: stage, Outcome: OutcomeOk}
}

// OkWithReason builds a passing result carrying an informational note,
// used by stages whose internal failures must not gate the build.
func OkWithReason(stage, reason string) StageResult {
	return StageResult{Stage: stage, Outcome: OutcomeOk, Reason: reason}
}

// SoftFail builds a continue-but-degrade result.
func SoftFail(stage, reason string, err error) StageResult {
	return StageResult{Stage: stage, Outcome: OutcomeSoftFail, Reason: reason, Err: err}
}

// FatalFail builds a stop-the-pipeline result.
func FatalFail(stage, reason string, err error) StageResult {
	return StageResult{Stage: stage, Outcome: OutcomeFatalFail, Reason: reason, Err: err}
}

// Stage is one unit of pipeline work.
type Stage interface {
	// Name identifies the stage in logs, history, and metrics.
	Name() string

	// Run executes the stage. Implementations classify their own
	// failures; Run never returns an error directly.
	Run(ctx context.Context, rc *RunContext) StageResult
}

// RunContext carries per-run state shared across stages.
type RunContext struct {
	Config      *config.Config
	Logger      *logging.Logger
	BuildNumber uint64
	Branch      string
	Commit      string

	// ImageTags accumulates refs produced by image build stages.
	ImageTags []string

	// ArtifactPath is set by the publisher when an archive was written.
	ArtifactPath string
}

// Aggregate folds stage results into a terminal status: failure if any
// stage failed fatally, unstable if any failed softly, success otherwise.
// Skipped stages do not contribute.
func Aggregate(results []StageResult) history.Status {
	status := history.StatusSuccess
	for _, r := range results {
		if r.Skipped {
			continue
		}
		switch r.Outcome {
		case OutcomeFatalFail:
			return history.StatusFailure
		case OutcomeSoftFail:
			status = history.StatusUnstable
		}
	}
	return status
}
