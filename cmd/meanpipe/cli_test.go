// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"testing"

	"github.com/fsnotify/fsnotify"

	"github.com/meanpipe/meanpipe/internal/config"
	"github.com/meanpipe/meanpipe/internal/infra/compose"
	"github.com/meanpipe/meanpipe/internal/infra/process"
)

func TestRelevantChange(t *testing.T) {
	tests := []struct {
		name string
		path string
		op   fsnotify.Op
		want bool
	}{
		{"source write", "/srv/app/backend/server.js", fsnotify.Write, true},
		{"new component", "/srv/app/frontend/src/app/app.component.ts", fsnotify.Create, true},
		{"chmod only", "/srv/app/backend/server.js", fsnotify.Chmod, false},
		{"node_modules churn", "/srv/app/backend/node_modules/express/index.js", fsnotify.Write, false},
		{"dist output", "/srv/app/frontend/dist/index.html", fsnotify.Write, false},
		{"git internals", "/srv/app/.git/index", fsnotify.Write, false},
		{"dotfile", "/srv/app/.eslintcache", fsnotify.Write, false},
		{"env file", "/srv/app/.env", fsnotify.Write, true},
		{"removed source", "/srv/app/backend/routes.js", fsnotify.Remove, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := fsnotify.Event{Name: tt.path, Op: tt.op}
			if got := relevantChange(event); got != tt.want {
				t.Errorf("relevantChange(%q, %v) = %v, want %v", tt.path, tt.op, got, tt.want)
			}
		})
	}
}

func TestUndeclaredServices(t *testing.T) {
	cfg := &config.Config{
		Services: []config.ServiceConfig{
			{Name: "backend", Dir: "backend"},
			{Name: "frontend", Dir: "frontend"},
			{Name: "nginx", Dir: "nginx"},
		},
	}
	desc := &compose.Descriptor{
		Services: map[string]compose.Service{
			"backend":  {Image: "meanpipe/backend"},
			"frontend": {Image: "meanpipe/frontend"},
			"mongodb":  {Image: "mongo:5"},
		},
	}

	missing := undeclaredServices(cfg, desc)
	if len(missing) != 1 || missing[0] != "nginx" {
		t.Errorf("expected only nginx undeclared, got %v", missing)
	}

	desc.Services["nginx"] = compose.Service{Image: "nginx:alpine"}
	if missing := undeclaredServices(cfg, desc); missing != nil {
		t.Errorf("expected no undeclared services, got %v", missing)
	}
}

func TestDetectGitFillsEmptyFields(t *testing.T) {
	mock := &process.MockManager{
		RunInDirFunc: func(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
			if len(args) == 3 && args[1] == "--abbrev-ref" {
				return "main\n", "", 0, nil
			}
			return "abc1234def5678\n", "", 0, nil
		},
	}

	branch, commit := "", ""
	detectGit(context.Background(), mock, "/srv/app", &branch, &commit)
	if branch != "main" {
		t.Errorf("expected branch main, got %q", branch)
	}
	if commit != "abc1234def5678" {
		t.Errorf("expected commit filled, got %q", commit)
	}
}

func TestDetectGitKeepsExplicitValues(t *testing.T) {
	mock := &process.MockManager{}

	branch, commit := "release", "deadbeef"
	detectGit(context.Background(), mock, "/srv/app", &branch, &commit)
	if branch != "release" || commit != "deadbeef" {
		t.Errorf("explicit values overwritten: %q %q", branch, commit)
	}
	if len(mock.Calls()) != 0 {
		t.Error("no git invocation expected when values are set")
	}
}

func TestDetectGitToleratesMissingRepo(t *testing.T) {
	mock := &process.MockManager{
		RunInDirFunc: func(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
			return "", "fatal: not a git repository", 128, errors.New("exit status 128")
		},
	}

	branch, commit := "", ""
	detectGit(context.Background(), mock, "/srv/app", &branch, &commit)
	if branch != "" || commit != "" {
		t.Errorf("expected empty values outside a repo, got %q %q", branch, commit)
	}
}
