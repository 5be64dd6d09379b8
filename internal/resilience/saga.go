// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resilience provides the scoped-resource saga used by the
// integration harness: forward steps paired with compensations that run in
// reverse order on any failure, on a fresh context so cleanup completes
// even when the run deadline has expired.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Saga Step
// =============================================================================

// Step is one unit of a saga: a forward action and its undo.
//
// Compensate must be idempotent and must tolerate "already gone" state,
// since it can run after a partially failed Execute.
type Step struct {
	// Name identifies the step in logs.
	Name string

	// Execute performs the forward action.
	Execute func(ctx context.Context) error

	// Compensate undoes Execute. Nil when nothing needs cleanup.
	Compensate func(ctx context.Context) error

	// AlwaysCompensate marks the step's compensation to run even when
	// the whole saga succeeds. The integration harness uses this to make
	// teardown unconditional: bring-up is the acquire, teardown the
	// guaranteed release.
	AlwaysCompensate bool
}

// =============================================================================
// Configuration & Results
// =============================================================================

// Config controls saga timeouts and logging.
type Config struct {
	// StepTimeout bounds each forward step. Default: 10 minutes.
	StepTimeout time.Duration

	// CompensationTimeout bounds each compensation. Default: 2 minutes.
	CompensationTimeout time.Duration

	// Logger receives step and compensation events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for pipeline use.
func DefaultConfig() Config {
	return Config{
		StepTimeout:         10 * time.Minute,
		CompensationTimeout: 2 * time.Minute,
		Logger:              slog.Default(),
	}
}

// Result reports the outcome of one Execute call.
type Result struct {
	// Completed lists names of steps whose forward action succeeded.
	Completed []string

	// FailedStep names the step that failed, empty on success.
	FailedStep string

	// Err is the forward failure, nil on success.
	Err error

	// CompensationErrors records cleanup failures; these never mask Err.
	CompensationErrors []CompensationError

	// Compensated counts compensations that ran (successfully or not).
	Compensated int
}

// CompensationError records one failed cleanup action.
type CompensationError struct {
	StepName string
	Err      error
}

func (e CompensationError) Error() string {
	return fmt.Sprintf("compensation for %q failed: %v", e.StepName, e.Err)
}

// =============================================================================
// Saga
// =============================================================================

// Saga executes steps sequentially and guarantees compensation.
//
// On a step failure, completed steps are compensated in reverse order.
// On success, steps marked AlwaysCompensate are still compensated, in
// reverse order. Compensation runs on a context detached from the caller's
// so cleanup is not abandoned when the pipeline deadline fires.
//
// A Saga instance is safe for concurrent use; Execute calls on the same
// instance serialize.
type Saga struct {
	config Config
	steps  []Step
	mu     sync.Mutex
}

// New creates an empty saga. Zero config values get defaults.
func New(config Config) *Saga {
	if config.StepTimeout <= 0 {
		config.StepTimeout = 10 * time.Minute
	}
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Saga{config: config}
}

// AddStep appends a step. Steps run in insertion order.
func (s *Saga) AddStep(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Execute runs all steps and returns a Result describing what happened.
//
// The returned Result.Err is nil when every forward step succeeded, even
// if an AlwaysCompensate cleanup failed afterwards; cleanup failures are
// reported via Result.CompensationErrors and the caller decides severity.
func (s *Saga) Execute(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := Result{}
	completed := make([]Step, 0, len(s.steps))

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			result.FailedStep = step.Name
			result.Err = fmt.Errorf("saga cancelled before step %q: %w", step.Name, err)
			s.compensate(completed, &result)
			return result
		}

		if err := s.executeStep(ctx, step); err != nil {
			result.FailedStep = step.Name
			result.Err = fmt.Errorf("step %q: %w", step.Name, err)
			s.compensate(completed, &result)
			return result
		}

		completed = append(completed, step)
		result.Completed = append(result.Completed, step.Name)
	}

	// Success path: release what was marked for unconditional release.
	always := make([]Step, 0, len(completed))
	for _, step := range completed {
		if step.AlwaysCompensate {
			always = append(always, step)
		}
	}
	s.compensate(always, &result)
	return result
}

func (s *Saga) executeStep(ctx context.Context, step Step) error {
	s.config.Logger.Info("executing step", "step", step.Name)
	start := time.Now()

	stepCtx, cancel := context.WithTimeout(ctx, s.config.StepTimeout)
	defer cancel()

	err := step.Execute(stepCtx)
	duration := time.Since(start)
	if err != nil {
		s.config.Logger.Error("step failed", "step", step.Name, "duration", duration, "error", err)
		return err
	}
	s.config.Logger.Info("step completed", "step", step.Name, "duration", duration)
	return nil
}

// compensate runs cleanup for the given steps in reverse order.
// Uses a background-derived context so compensation outlives cancellation
// of the caller's context. Errors are collected, never propagated.
func (s *Saga) compensate(steps []Step, result *Result) {
	if len(steps) == 0 {
		return
	}

	compensateCtx, cancel := context.WithTimeout(context.Background(),
		s.config.CompensationTimeout*time.Duration(len(steps)))
	defer cancel()

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Compensate == nil {
			continue
		}

		s.config.Logger.Info("compensating step", "step", step.Name)
		stepCtx, stepCancel := context.WithTimeout(compensateCtx, s.config.CompensationTimeout)
		err := step.Compensate(stepCtx)
		stepCancel()

		result.Compensated++
		if err != nil {
			s.config.Logger.Warn("compensation failed", "step", step.Name, "error", err)
			result.CompensationErrors = append(result.CompensationErrors,
				CompensationError{StepName: step.Name, Err: err})
		}
	}
}
