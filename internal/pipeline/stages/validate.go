// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"

	"github.com/meanpipe/meanpipe/internal/infra/compose"
	"github.com/meanpipe/meanpipe/internal/pipeline"
)

// ComposeValidate statically validates the service-graph descriptor.
// An invalid descriptor is fatal: the harness must never start a stack
// the compose CLI would reject.
type ComposeValidate struct {
	Executor compose.Executor
}

// Name implements pipeline.Stage.
func (s *ComposeValidate) Name() string { return "validate-compose" }

// Run implements pipeline.Stage.
func (s *ComposeValidate) Run(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	if _, err := s.Executor.Validate(ctx); err != nil {
		return pipeline.FatalFail(s.Name(), "descriptor validation failed", err)
	}
	return pipeline.Ok(s.Name())
}
