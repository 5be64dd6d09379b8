// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meanpipe/meanpipe/internal/history"
)

// fakeStage is a scripted stage for controller tests.
type fakeStage struct {
	name   string
	result StageResult
	ran    *atomic.Int32
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Run(ctx context.Context, rc *RunContext) StageResult {
	if s.ran != nil {
		s.ran.Add(1)
	}
	r := s.result
	r.Stage = s.name
	return r
}

func scripted(name string, outcome Outcome, ran *atomic.Int32) *fakeStage {
	return &fakeStage{name: name, result: StageResult{Outcome: outcome}, ran: ran}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		results []StageResult
		want    history.Status
	}{
		{
			name:    "all ok",
			results: []StageResult{Ok("a"), Ok("b")},
			want:    history.StatusSuccess,
		},
		{
			name:    "soft failure degrades",
			results: []StageResult{Ok("a"), SoftFail("b", "specs failed", nil), Ok("c")},
			want:    history.StatusUnstable,
		},
		{
			name:    "fatal wins over soft",
			results: []StageResult{SoftFail("a", "x", nil), FatalFail("b", "y", nil)},
			want:    history.StatusFailure,
		},
		{
			name:    "skipped stages ignored",
			results: []StageResult{FatalFail("a", "y", nil), {Stage: "b", Skipped: true}},
			want:    history.StatusFailure,
		},
		{
			name:    "ok with reason stays green",
			results: []StageResult{OkWithReason("probe", "probe refused connection")},
			want:    history.StatusSuccess,
		},
		{
			name:    "empty",
			results: nil,
			want:    history.StatusSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Aggregate(tt.results); got != tt.want {
				t.Errorf("Aggregate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunHappyPath(t *testing.T) {
	c := NewController(nil, []Stage{
		scripted("install-dependencies", OutcomeOk, nil),
		scripted("backend-tests", OutcomeOk, nil),
		scripted("build-images", OutcomeOk, nil),
	})

	run, err := c.Run(context.Background(), &RunContext{BuildNumber: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != history.StatusSuccess {
		t.Errorf("expected success, got %s", run.Status)
	}
	if len(run.Stages) != 3 {
		t.Errorf("expected 3 stage records, got %d", len(run.Stages))
	}
}

func TestRunFatalFailureSkipsLaterStages(t *testing.T) {
	var harnessRan, publishRan atomic.Int32
	c := NewController(nil, []Stage{
		scripted("install-dependencies", OutcomeOk, nil),
		scripted("build-images", OutcomeFatalFail, nil),
		scripted("integration-harness", OutcomeOk, &harnessRan),
		scripted("publish", OutcomeOk, &publishRan),
	})

	run, err := c.Run(context.Background(), &RunContext{BuildNumber: 2})
	if err == nil {
		t.Fatal("expected error for failed build")
	}
	if run.Status != history.StatusFailure {
		t.Errorf("expected failure, got %s", run.Status)
	}
	if harnessRan.Load() != 0 || publishRan.Load() != 0 {
		t.Error("stages after a fatal failure must not execute")
	}
	// Skipped stages are still recorded.
	if len(run.Stages) != 4 {
		t.Fatalf("expected 4 stage records, got %d", len(run.Stages))
	}
	if run.Stages[2].Outcome != "skipped" || run.Stages[3].Outcome != "skipped" {
		t.Errorf("expected skipped records, got %+v", run.Stages)
	}
}

func TestRunSoftFailureContinues(t *testing.T) {
	var laterRan atomic.Int32
	soft := &fakeStage{name: "backend-tests", result: SoftFail("", "2 specs failed", errors.New("exit 1"))}
	c := NewController(nil, []Stage{
		soft,
		scripted("build-images", OutcomeOk, &laterRan),
	})

	run, err := c.Run(context.Background(), &RunContext{BuildNumber: 3})
	if err != nil {
		t.Fatalf("unstable run must not return an error: %v", err)
	}
	if run.Status != history.StatusUnstable {
		t.Errorf("expected unstable, got %s", run.Status)
	}
	if laterRan.Load() != 1 {
		t.Error("stage after a soft failure must still execute")
	}
	if run.Stages[0].Reason != "2 specs failed" {
		t.Errorf("reason lost: %+v", run.Stages[0])
	}
}

func TestCleanupRunsExactlyOnceOnSuccess(t *testing.T) {
	var cleanups atomic.Int32
	c := NewController(nil,
		[]Stage{scripted("build-images", OutcomeOk, nil)},
		WithCleanup(func(ctx context.Context) error {
			cleanups.Add(1)
			return nil
		}))

	if _, err := c.Run(context.Background(), &RunContext{BuildNumber: 4}); err != nil {
		t.Fatal(err)
	}
	if cleanups.Load() != 1 {
		t.Errorf("expected exactly one cleanup, got %d", cleanups.Load())
	}
}

func TestCleanupRunsExactlyOnceOnFatalFailure(t *testing.T) {
	var cleanups atomic.Int32
	c := NewController(nil,
		[]Stage{scripted("build-images", OutcomeFatalFail, nil)},
		WithCleanup(func(ctx context.Context) error {
			cleanups.Add(1)
			return nil
		}))

	c.Run(context.Background(), &RunContext{BuildNumber: 5})
	if cleanups.Load() != 1 {
		t.Errorf("expected exactly one cleanup, got %d", cleanups.Load())
	}
}

func TestCleanupSurvivesExpiredRunDeadline(t *testing.T) {
	var cleanupErr error
	done := make(chan struct{})
	c := NewController(nil,
		[]Stage{&fakeStage{name: "settle", result: StageResult{Outcome: OutcomeFatalFail}}},
		WithCleanup(func(ctx context.Context) error {
			defer close(done)
			cleanupErr = ctx.Err()
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx, &RunContext{BuildNumber: 6})

	<-done
	if cleanupErr != nil {
		t.Errorf("cleanup context must be detached from run cancellation, got %v", cleanupErr)
	}
}

func TestCleanupFailureDoesNotChangeStatus(t *testing.T) {
	c := NewController(nil,
		[]Stage{scripted("build-images", OutcomeOk, nil)},
		WithCleanup(func(ctx context.Context) error {
			return errors.New("teardown exploded")
		}))

	run, err := c.Run(context.Background(), &RunContext{BuildNumber: 7})
	if err != nil {
		t.Fatalf("cleanup failure must not fail the run: %v", err)
	}
	if run.Status != history.StatusSuccess {
		t.Errorf("expected success, got %s", run.Status)
	}
}

func TestRunRecordsDurations(t *testing.T) {
	slow := &fakeStage{name: "settle", result: StageResult{Outcome: OutcomeOk}}
	c := NewController(nil, []Stage{slow})

	start := time.Now()
	run, err := c.Run(context.Background(), &RunContext{BuildNumber: 8})
	if err != nil {
		t.Fatal(err)
	}
	if run.FinishedAt.Before(run.StartedAt) {
		t.Error("finish precedes start")
	}
	if time.Since(start) < 0 {
		t.Fatal("clock went backwards")
	}
}
