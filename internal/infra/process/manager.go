// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package process abstracts external process execution for the pipeline.

Every stage command (npm, ng, docker, docker compose) goes through the
Manager interface so stages can be unit-tested against a mock runtime
without spawning real processes.
*/
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Manager handles external process operations.
//
// # Description
//
// Manager is the single seam between the pipeline and the operating
// system. All exec.Command calls in stage and infra code go through it,
// enabling mocking in unit tests and uniform stderr capture.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Context Handling
//
// All methods accept a context.Context; a cancelled context kills the
// underlying process.
type Manager interface {
	// Run executes a command and returns its combined stdout output.
	// Stderr is captured and folded into the returned error on failure.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunInDir executes a command in dir with extra environment variables
	// appended to the parent environment. Returns stdout, stderr, and the
	// process exit code. err is non-nil when the process could not be
	// started or exited non-zero.
	RunInDir(ctx context.Context, dir string, env map[string]string, name string, args ...string) (stdout, stderr string, exitCode int, err error)

	// RunStreaming executes a command in dir and copies its combined
	// output to w as it is produced. Used for log following; blocks until
	// the process exits or ctx is cancelled.
	RunStreaming(ctx context.Context, dir string, w io.Writer, name string, args ...string) error
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultManager implements Manager using os/exec.
//
// This is the production implementation. Use MockManager in tests.
type DefaultManager struct{}

// NewDefaultManager returns a Manager that executes real processes.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

var _ Manager = (*DefaultManager)(nil)

// Run executes a command and returns its stdout output.
func (m *DefaultManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// RunInDir executes a command in dir with an augmented environment.
func (m *DefaultManager) RunInDir(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil && exitCode == 0 {
		// Process never started (binary missing, bad dir).
		exitCode = -1
	}
	return stdout.String(), stderr.String(), exitCode, err
}

// RunStreaming executes a command and streams combined output to w.
func (m *DefaultManager) RunStreaming(ctx context.Context, dir string, w io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = w
	cmd.Stderr = w
	return cmd.Run()
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockManager implements Manager with injectable behavior for tests.
//
// Each field overrides the corresponding method; nil fields succeed with
// empty output. Calls records every invocation for verification.
type MockManager struct {
	RunFunc          func(ctx context.Context, name string, args ...string) ([]byte, error)
	RunInDirFunc     func(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error)
	RunStreamingFunc func(ctx context.Context, dir string, w io.Writer, name string, args ...string) error

	mu    sync.Mutex
	calls []Call
}

// Call records a single invocation against the mock.
type Call struct {
	Name string
	Args []string
	Dir  string
	Env  map[string]string
}

var _ Manager = (*MockManager)(nil)

func (m *MockManager) record(name, dir string, env map[string]string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Name: name, Args: append([]string(nil), args...), Dir: dir, Env: env})
}

// Calls returns a copy of all recorded invocations.
func (m *MockManager) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CommandLines renders recorded calls as "name arg1 arg2" strings.
func (m *MockManager) CommandLines() []string {
	calls := m.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
	}
	return lines
}

func (m *MockManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record(name, "", nil, args)
	if m.RunFunc != nil {
		return m.RunFunc(ctx, name, args...)
	}
	return nil, nil
}

func (m *MockManager) RunInDir(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
	m.record(name, dir, env, args)
	if m.RunInDirFunc != nil {
		return m.RunInDirFunc(ctx, dir, env, name, args...)
	}
	return "", "", 0, nil
}

func (m *MockManager) RunStreaming(ctx context.Context, dir string, w io.Writer, name string, args ...string) error {
	m.record(name, dir, nil, args)
	if m.RunStreamingFunc != nil {
		return m.RunStreamingFunc(ctx, dir, w, name, args...)
	}
	return nil
}
