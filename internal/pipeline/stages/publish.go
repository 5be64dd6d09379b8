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

	"github.com/meanpipe/meanpipe/internal/artifact"
	"github.com/meanpipe/meanpipe/internal/infra/registry"
	"github.com/meanpipe/meanpipe/internal/pipeline"
	"github.com/meanpipe/meanpipe/pkg/logging"
)

// ArchivePrefix names frontend dist archives.
const ArchivePrefix = "frontend-dist"

// Publisher archives the frontend dist output, applies retention, and
// pushes images when a registry is configured.
//
// Publishing is a side effect: its failures are logged and recorded in
// the stage reason but never change the build status.
type Publisher struct {
	Archiver *artifact.Archiver
	Client   registry.Client
	Logger   *logging.Logger
}

// Name implements pipeline.Stage.
func (s *Publisher) Name() string { return "publish-artifacts" }

// Run implements pipeline.Stage.
func (s *Publisher) Run(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	logger := s.Logger
	if logger == nil {
		logger = logging.Default()
	}
	cfg := rc.Config

	if fe := cfg.FrontendService(); fe != nil {
		distDir := filepath.Join(cfg.Project.Dir, fe.Dir, cfg.Artifacts.DistDir)
		path, err := s.Archiver.Archive(distDir, ArchivePrefix, rc.BuildNumber)
		if err != nil {
			logger.Warn("artifact archive failed", "dist", distDir, "error", err)
			return pipeline.OkWithReason(s.Name(), "archive failed: "+err.Error())
		}
		rc.ArtifactPath = path
		logger.Info("artifact archived", "path", path)

		policy := artifact.RetentionPolicy{MaxArchives: cfg.Artifacts.Keep}
		removed, err := policy.Apply(s.Archiver, ArchivePrefix)
		if err != nil {
			logger.Warn("archive retention failed", "error", err)
		} else if len(removed) > 0 {
			logger.Info("archives pruned", "count", len(removed))
		}
	}

	if cfg.Registry.Push && cfg.Registry.Host != "" {
		for _, tag := range rc.ImageTags {
			ref, err := registry.ParseRef(tag)
			if err != nil {
				logger.Warn("skipping unparseable tag", "tag", tag, "error", err)
				continue
			}
			if err := s.Client.Push(ctx, ref); err != nil {
				logger.Warn("image push failed", "tag", tag, "error", err)
				return pipeline.OkWithReason(s.Name(), "push failed: "+err.Error())
			}
		}
	}
	return pipeline.Ok(s.Name())
}
