// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stages implements the concrete pipeline stages.
package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/meanpipe/meanpipe/internal/infra/process"
	"github.com/meanpipe/meanpipe/internal/pipeline"
)

// DepsInstall installs node dependencies for every service with `npm ci`.
// Any install failure is fatal: nothing downstream can run on a broken
// dependency tree.
type DepsInstall struct {
	Proc process.Manager
}

// Name implements pipeline.Stage.
func (s *DepsInstall) Name() string { return "install-dependencies" }

// Run implements pipeline.Stage.
func (s *DepsInstall) Run(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	for _, svc := range rc.Config.Services {
		dir := filepath.Join(rc.Config.Project.Dir, svc.Dir)
		_, stderr, _, err := s.Proc.RunInDir(ctx, dir, nil, "npm", "ci")
		if err != nil {
			reason := fmt.Sprintf("npm ci failed for %s: %s", svc.Name, firstLine(stderr))
			return pipeline.FatalFail(s.Name(), reason, err)
		}
	}
	return pipeline.Ok(s.Name())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return s
}
