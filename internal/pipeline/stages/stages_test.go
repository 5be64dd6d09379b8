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
	"strings"
	"testing"

	"github.com/meanpipe/meanpipe/internal/artifact"
	"github.com/meanpipe/meanpipe/internal/config"
	"github.com/meanpipe/meanpipe/internal/infra/process"
	"github.com/meanpipe/meanpipe/internal/infra/registry"
	"github.com/meanpipe/meanpipe/internal/pipeline"
)

func twoServiceConfig(projectDir string) *config.Config {
	return &config.Config{
		Project: config.ProjectConfig{Name: "meanpipe", Dir: projectDir},
		Registry: config.RegistryConfig{
			Namespace: "meanpipe",
		},
		Services: []config.ServiceConfig{
			{Name: "backend", Dir: "backend"},
			{Name: "frontend", Dir: "frontend", Frontend: true},
		},
		Artifacts: config.ArtifactsConfig{DistDir: "dist", Keep: 10},
	}
}

func TestDepsInstallRunsPerService(t *testing.T) {
	mock := &process.MockManager{}
	s := &DepsInstall{Proc: mock}

	rc := &pipeline.RunContext{Config: twoServiceConfig("/srv/app")}
	result := s.Run(context.Background(), rc)
	if result.Outcome != pipeline.OutcomeOk {
		t.Fatalf("expected ok, got %v", result.Outcome)
	}

	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 installs, got %d", len(calls))
	}
	if calls[0].Dir != "/srv/app/backend" || calls[1].Dir != "/srv/app/frontend" {
		t.Errorf("unexpected dirs: %q %q", calls[0].Dir, calls[1].Dir)
	}
	for _, c := range calls {
		if c.Name != "npm" || strings.Join(c.Args, " ") != "ci" {
			t.Errorf("unexpected invocation: %s %v", c.Name, c.Args)
		}
	}
}

func TestDepsInstallFailureIsFatal(t *testing.T) {
	mock := &process.MockManager{
		RunInDirFunc: func(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
			return "", "ERESOLVE unable to resolve dependency tree", 1, errors.New("exit status 1")
		},
	}
	s := &DepsInstall{Proc: mock}

	rc := &pipeline.RunContext{Config: twoServiceConfig("/srv/app")}
	result := s.Run(context.Background(), rc)
	if result.Outcome != pipeline.OutcomeFatalFail {
		t.Fatalf("expected fatal failure, got %v", result.Outcome)
	}
	if !strings.Contains(result.Reason, "ERESOLVE") {
		t.Errorf("expected stderr in reason, got %q", result.Reason)
	}
}

func TestTestRunnerSoftFailsAndContinues(t *testing.T) {
	mock := &process.MockManager{
		RunInDirFunc: func(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
			if strings.Contains(dir, "backend") {
				return "", "2 failing", 1, errors.New("exit status 1")
			}
			return "", "", 0, nil
		},
	}
	s := &TestRunner{Proc: mock}

	rc := &pipeline.RunContext{Config: twoServiceConfig("/srv/app")}
	result := s.Run(context.Background(), rc)
	if result.Outcome != pipeline.OutcomeSoftFail {
		t.Fatalf("expected soft failure, got %v", result.Outcome)
	}
	if !strings.Contains(result.Reason, "backend") {
		t.Errorf("expected failing service named, got %q", result.Reason)
	}
	// Both services were still tested.
	if len(mock.Calls()) != 2 {
		t.Errorf("expected both services tested, got %d calls", len(mock.Calls()))
	}
}

func TestTestRunnerSkipByConfig(t *testing.T) {
	mock := &process.MockManager{}
	s := &TestRunner{Proc: mock}

	cfg := twoServiceConfig("/srv/app")
	cfg.Stages.SkipTests = true
	result := s.Run(context.Background(), &pipeline.RunContext{Config: cfg})
	if result.Outcome != pipeline.OutcomeOk || len(mock.Calls()) != 0 {
		t.Errorf("expected skip without process calls, got %v, %d calls", result.Outcome, len(mock.Calls()))
	}
}

func TestAuditSoftFails(t *testing.T) {
	mock := &process.MockManager{
		RunInDirFunc: func(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
			return "", "3 high severity vulnerabilities", 1, errors.New("exit status 1")
		},
	}
	s := &DependencyAudit{Proc: mock}

	result := s.Run(context.Background(), &pipeline.RunContext{Config: twoServiceConfig("/srv/app")})
	if result.Outcome != pipeline.OutcomeSoftFail {
		t.Fatalf("expected soft failure, got %v", result.Outcome)
	}
	if !strings.Contains(strings.Join(mock.Calls()[0].Args, " "), "--audit-level=high") {
		t.Errorf("expected audit level flag, got %v", mock.Calls()[0].Args)
	}
}

func TestFrontendBuildFatalOnFailure(t *testing.T) {
	mock := &process.MockManager{
		RunInDirFunc: func(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
			return "", "Module not found: ./app.module", 1, errors.New("exit status 1")
		},
	}
	s := &FrontendBuild{Proc: mock}

	result := s.Run(context.Background(), &pipeline.RunContext{Config: twoServiceConfig("/srv/app")})
	if result.Outcome != pipeline.OutcomeFatalFail {
		t.Fatalf("expected fatal failure, got %v", result.Outcome)
	}
	if mock.Calls()[0].Dir != "/srv/app/frontend" {
		t.Errorf("expected frontend dir, got %q", mock.Calls()[0].Dir)
	}
}

func TestFrontendBuildNoFrontendConfigured(t *testing.T) {
	mock := &process.MockManager{}
	s := &FrontendBuild{Proc: mock}

	cfg := twoServiceConfig("/srv/app")
	cfg.Services = cfg.Services[:1]
	result := s.Run(context.Background(), &pipeline.RunContext{Config: cfg})
	if result.Outcome != pipeline.OutcomeOk || len(mock.Calls()) != 0 {
		t.Errorf("expected pass-through, got %v", result.Outcome)
	}
}

func TestImageBuildTagOrdering(t *testing.T) {
	mock := &process.MockManager{}
	client := registry.NewDefaultClient(mock)
	s := &ImageBuild{Client: client, Tagger: registry.NewTagger(client)}

	rc := &pipeline.RunContext{
		Config:      twoServiceConfig("/srv/app"),
		BuildNumber: 42,
		Branch:      "main",
		Commit:      "abc1234def",
	}
	result := s.Run(context.Background(), rc)
	if result.Outcome != pipeline.OutcomeOk {
		t.Fatalf("expected ok, got %v (%s): %v", result.Outcome, result.Reason, result.Err)
	}

	lines := mock.CommandLines()
	// Per service: build, branch tag, sha tag, numbered-image inspect,
	// latest tag.
	if len(lines) != 10 {
		t.Fatalf("expected 10 invocations, got %v", lines)
	}

	// The numbered build must precede the latest tag for each service.
	for _, svc := range []string{"backend", "frontend"} {
		buildIdx, latestIdx := -1, -1
		for i, line := range lines {
			if strings.Contains(line, "build") && strings.Contains(line, "meanpipe/"+svc+":42") {
				buildIdx = i
			}
			if strings.Contains(line, "tag") && strings.HasSuffix(line, "meanpipe/"+svc+":latest") {
				latestIdx = i
			}
		}
		if buildIdx == -1 || latestIdx == -1 {
			t.Fatalf("missing build or latest tag for %s: %v", svc, lines)
		}
		if buildIdx > latestIdx {
			t.Errorf("latest tagged before numbered build for %s: %v", svc, lines)
		}
	}

	if len(rc.ImageTags) != 8 {
		t.Errorf("expected 8 recorded tags, got %v", rc.ImageTags)
	}
}

func TestImageBuildFailureStopsTagging(t *testing.T) {
	calls := 0
	mock := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			calls++
			return nil, errors.New("exit status 1")
		},
	}
	client := registry.NewDefaultClient(mock)
	s := &ImageBuild{Client: client, Tagger: registry.NewTagger(client)}

	rc := &pipeline.RunContext{Config: twoServiceConfig("/srv/app"), BuildNumber: 7}
	result := s.Run(context.Background(), rc)
	if result.Outcome != pipeline.OutcomeFatalFail {
		t.Fatalf("expected fatal failure, got %v", result.Outcome)
	}
	// Only the failed build ran: no tag command may follow a failed build.
	if calls != 1 {
		t.Errorf("expected exactly one invocation, got %d", calls)
	}
}

func TestPublisherArchivesFrontendDist(t *testing.T) {
	projectDir := t.TempDir()
	distDir := filepath.Join(projectDir, "frontend", "dist")
	if err := os.MkdirAll(distDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(distDir, "index.html"), []byte("<html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	archiver, err := artifact.NewArchiver(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mock := &process.MockManager{}
	s := &Publisher{Archiver: archiver, Client: registry.NewDefaultClient(mock)}

	rc := &pipeline.RunContext{Config: twoServiceConfig(projectDir), BuildNumber: 5}
	result := s.Run(context.Background(), rc)
	if result.Outcome != pipeline.OutcomeOk {
		t.Fatalf("expected ok, got %v (%s)", result.Outcome, result.Reason)
	}
	if filepath.Base(rc.ArtifactPath) != "frontend-dist-5.tar.gz" {
		t.Errorf("unexpected artifact path %q", rc.ArtifactPath)
	}
	if _, err := os.Stat(rc.ArtifactPath); err != nil {
		t.Errorf("archive missing: %v", err)
	}
}

func TestPublisherArchiveFailureNeverGates(t *testing.T) {
	archiver, err := artifact.NewArchiver(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mock := &process.MockManager{}
	s := &Publisher{Archiver: archiver, Client: registry.NewDefaultClient(mock)}

	// Project dir without a dist directory: archiving fails.
	rc := &pipeline.RunContext{Config: twoServiceConfig(t.TempDir()), BuildNumber: 6}
	result := s.Run(context.Background(), rc)
	if result.Outcome != pipeline.OutcomeOk {
		t.Fatalf("publish failure must not gate the build, got %v", result.Outcome)
	}
	if !strings.Contains(result.Reason, "archive failed") {
		t.Errorf("expected failure recorded in reason, got %q", result.Reason)
	}
}

func TestPublisherPushesWhenConfigured(t *testing.T) {
	projectDir := t.TempDir()
	distDir := filepath.Join(projectDir, "frontend", "dist")
	if err := os.MkdirAll(distDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(distDir, "index.html"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	archiver, err := artifact.NewArchiver(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mock := &process.MockManager{}
	s := &Publisher{Archiver: archiver, Client: registry.NewDefaultClient(mock)}

	cfg := twoServiceConfig(projectDir)
	cfg.Registry.Host = "registry.example.com"
	cfg.Registry.Push = true
	rc := &pipeline.RunContext{
		Config:      cfg,
		BuildNumber: 7,
		ImageTags:   []string{"registry.example.com/meanpipe/backend:7"},
	}

	result := s.Run(context.Background(), rc)
	if result.Outcome != pipeline.OutcomeOk {
		t.Fatalf("expected ok, got %v (%s)", result.Outcome, result.Reason)
	}
	lines := mock.CommandLines()
	if len(lines) != 1 || lines[0] != "docker push registry.example.com/meanpipe/backend:7" {
		t.Errorf("unexpected push invocations %v", lines)
	}
}

func TestComposeValidateOutcomes(t *testing.T) {
	rc := &pipeline.RunContext{Config: twoServiceConfig("/srv/app")}

	s := &ComposeValidate{Executor: &fakeExecutor{}}
	if result := s.Run(context.Background(), rc); result.Outcome != pipeline.OutcomeOk {
		t.Fatalf("expected ok for valid descriptor, got %v", result.Outcome)
	}

	s = &ComposeValidate{Executor: &fakeExecutor{validateErr: errors.New("yaml: line 3")}}
	result := s.Run(context.Background(), rc)
	if result.Outcome != pipeline.OutcomeFatalFail {
		t.Fatalf("expected fatal failure for invalid descriptor, got %v", result.Outcome)
	}
}
