// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"path/filepath"

	"github.com/meanpipe/meanpipe/internal/infra/process"
	"github.com/meanpipe/meanpipe/internal/pipeline"
)

// FrontendBuild produces the frontend dist output with `npm run build`.
// A broken frontend build is fatal.
type FrontendBuild struct {
	Proc process.Manager
}

// Name implements pipeline.Stage.
func (s *FrontendBuild) Name() string { return "frontend-build" }

// Run implements pipeline.Stage.
func (s *FrontendBuild) Run(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	fe := rc.Config.FrontendService()
	if fe == nil {
		return pipeline.OkWithReason(s.Name(), "no frontend service configured")
	}

	dir := filepath.Join(rc.Config.Project.Dir, fe.Dir)
	_, stderr, _, err := s.Proc.RunInDir(ctx, dir, nil, "npm", "run", "build")
	if err != nil {
		return pipeline.FatalFail(s.Name(), "frontend build failed: "+firstLine(stderr), err)
	}
	return pipeline.Ok(s.Name())
}
