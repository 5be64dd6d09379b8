// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/meanpipe/meanpipe/internal/infra/process"
	"github.com/meanpipe/meanpipe/internal/pipeline"
)

// TestRunner runs `npm test` for every service. Failures degrade the
// build to unstable instead of stopping it: images are still produced
// for a build with red specs, matching the stage taxonomy.
type TestRunner struct {
	Proc process.Manager
}

// Name implements pipeline.Stage.
func (s *TestRunner) Name() string { return "run-tests" }

// Run implements pipeline.Stage.
func (s *TestRunner) Run(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	if rc.Config.Stages.SkipTests {
		return pipeline.OkWithReason(s.Name(), "tests skipped by configuration")
	}

	var failed []string
	var lastErr error
	for _, svc := range rc.Config.Services {
		dir := filepath.Join(rc.Config.Project.Dir, svc.Dir)
		_, stderr, _, err := s.Proc.RunInDir(ctx, dir, nil, "npm", "test")
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s (%s)", svc.Name, firstLine(stderr)))
			lastErr = err
		}
	}
	if len(failed) > 0 {
		reason := fmt.Sprintf("tests failed for %d service(s): %v", len(failed), failed)
		return pipeline.SoftFail(s.Name(), reason, lastErr)
	}
	return pipeline.Ok(s.Name())
}

// DependencyAudit runs `npm audit` for every service. Audit findings
// degrade the build to unstable; they never block it.
type DependencyAudit struct {
	Proc process.Manager

	// Level is the minimum severity reported. Default: "high".
	Level string
}

// Name implements pipeline.Stage.
func (s *DependencyAudit) Name() string { return "dependency-audit" }

// Run implements pipeline.Stage.
func (s *DependencyAudit) Run(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	if rc.Config.Stages.SkipAudit {
		return pipeline.OkWithReason(s.Name(), "audit skipped by configuration")
	}
	level := s.Level
	if level == "" {
		level = "high"
	}

	var flagged []string
	var lastErr error
	for _, svc := range rc.Config.Services {
		dir := filepath.Join(rc.Config.Project.Dir, svc.Dir)
		_, stderr, _, err := s.Proc.RunInDir(ctx, dir, nil, "npm", "audit", "--audit-level="+level)
		if err != nil {
			flagged = append(flagged, fmt.Sprintf("%s (%s)", svc.Name, firstLine(stderr)))
			lastErr = err
		}
	}
	if len(flagged) > 0 {
		reason := fmt.Sprintf("audit flagged %d service(s): %v", len(flagged), flagged)
		return pipeline.SoftFail(s.Name(), reason, lastErr)
	}
	return pipeline.Ok(s.Name())
}
