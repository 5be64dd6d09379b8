// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/meanpipe/meanpipe/internal/artifact"
	"github.com/meanpipe/meanpipe/internal/health"
	"github.com/meanpipe/meanpipe/internal/history"
	"github.com/meanpipe/meanpipe/internal/infra/process"
	"github.com/meanpipe/meanpipe/internal/infra/registry"
	"github.com/meanpipe/meanpipe/internal/pipeline"
)

// These tests run a real controller over real stages with a mocked
// runtime, pinning the cross-stage behavior end to end.

func TestValidationFailureNeverStartsHarness(t *testing.T) {
	exec := &fakeExecutor{validateErr: errors.New("yaml: bad indentation")}
	checker := &fakeChecker{}

	c := pipeline.NewController(nil, []pipeline.Stage{
		&ComposeValidate{Executor: exec},
		&IntegrationHarness{Executor: exec, Checker: checker, Sleep: instantSleep},
	})

	run, err := c.Run(context.Background(), &pipeline.RunContext{
		Config:      twoServiceConfig("/srv/app"),
		BuildNumber: 20,
	})
	if err == nil {
		t.Fatal("expected failing run")
	}
	if run.Status != history.StatusFailure {
		t.Errorf("expected failure status, got %s", run.Status)
	}
	if exec.ups.Load() != 0 {
		t.Error("harness must never start a stack after a validation failure")
	}
	if checker.probes.Load() != 0 {
		t.Error("no probe may run after a validation failure")
	}
}

func TestTestFailureStillProducesArtifacts(t *testing.T) {
	projectDir := t.TempDir()
	distDir := filepath.Join(projectDir, "frontend", "dist")
	if err := os.MkdirAll(distDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(distDir, "index.html"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// npm test fails, everything else succeeds.
	mock := &process.MockManager{
		RunInDirFunc: func(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
			if len(args) > 0 && args[0] == "test" {
				return "", "1 failing", 1, errors.New("exit status 1")
			}
			return "", "", 0, nil
		},
	}
	archiver, err := artifact.NewArchiver(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	client := registry.NewDefaultClient(mock)

	c := pipeline.NewController(nil, []pipeline.Stage{
		&DepsInstall{Proc: mock},
		&TestRunner{Proc: mock},
		&ImageBuild{Client: client, Tagger: registry.NewTagger(client)},
		&Publisher{Archiver: archiver, Client: client},
	})

	rc := &pipeline.RunContext{Config: twoServiceConfig(projectDir), BuildNumber: 21}
	run, err := c.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("unstable run must complete: %v", err)
	}
	if run.Status != history.StatusUnstable {
		t.Fatalf("expected unstable, got %s", run.Status)
	}
	// Images and archives are still produced for a red-spec build.
	if len(rc.ImageTags) == 0 {
		t.Error("expected image tags despite failing tests")
	}
	if run.ArtifactPath == "" {
		t.Error("expected artifact despite failing tests")
	}
	if _, err := os.Stat(run.ArtifactPath); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestHappyPathEndToEnd(t *testing.T) {
	projectDir := t.TempDir()
	distDir := filepath.Join(projectDir, "frontend", "dist")
	if err := os.MkdirAll(distDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(distDir, "index.html"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	mock := &process.MockManager{}
	exec := &fakeExecutor{}
	checker := &fakeChecker{result: health.CheckResult{StatusCode: 200}}
	archiver, err := artifact.NewArchiver(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	client := registry.NewDefaultClient(mock)
	harness := &IntegrationHarness{Executor: exec, Checker: checker, Sleep: instantSleep}

	c := pipeline.NewController(nil, []pipeline.Stage{
		&DepsInstall{Proc: mock},
		&TestRunner{Proc: mock},
		&DependencyAudit{Proc: mock},
		&FrontendBuild{Proc: mock},
		&ImageBuild{Client: client, Tagger: registry.NewTagger(client)},
		&ComposeValidate{Executor: exec},
		harness,
		&Publisher{Archiver: archiver, Client: client},
	})

	cfg := twoServiceConfig(projectDir)
	cfg.Harness.ProbeURL = "http://localhost/api/tutorials"
	rc := &pipeline.RunContext{Config: cfg, BuildNumber: 22, Branch: "main"}

	run, err := c.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("happy path failed: %v", err)
	}
	if run.Status != history.StatusSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}
	if len(run.Stages) != 8 {
		t.Errorf("expected 8 stage records, got %d", len(run.Stages))
	}
	if exec.ups.Load() != 1 || exec.downs.Load() != 1 {
		t.Errorf("expected one stack lifecycle, got %d up / %d down", exec.ups.Load(), exec.downs.Load())
	}
	if run.ArtifactPath == "" || len(run.ImageTags) == 0 {
		t.Error("expected artifacts and image tags on a green build")
	}
}
