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

	"github.com/meanpipe/meanpipe/internal/infra/registry"
	"github.com/meanpipe/meanpipe/internal/pipeline"
)

// ImageBuild builds one image per service, tagged with the build number,
// then layers branch, short-sha, and latest tags on top. Tag ordering is
// strict: latest only ever follows a successful build-numbered tag from
// this run.
type ImageBuild struct {
	Client registry.Client
	Tagger *registry.Tagger
}

// Name implements pipeline.Stage.
func (s *ImageBuild) Name() string { return "build-images" }

// Run implements pipeline.Stage.
func (s *ImageBuild) Run(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	cfg := rc.Config
	for _, svc := range cfg.Services {
		base := registry.Ref{
			Registry:  cfg.Registry.Host,
			Namespace: cfg.Registry.Namespace,
			Name:      svc.Name,
		}
		numbered := base.WithTag(fmt.Sprintf("%d", rc.BuildNumber))

		contextDir := filepath.Join(cfg.Project.Dir, svc.Dir)
		dockerfile := svc.Dockerfile
		if dockerfile != "" {
			dockerfile = filepath.Join(cfg.Project.Dir, dockerfile)
		}

		if err := s.Client.Build(ctx, contextDir, dockerfile, numbered); err != nil {
			return pipeline.FatalFail(s.Name(), "image build failed for "+svc.Name, err)
		}
		s.Tagger.RecordNumbered(numbered)
		rc.ImageTags = append(rc.ImageTags, numbered.String())

		for _, extra := range s.extraTags(rc) {
			dst := base.WithTag(extra)
			if err := s.Client.Tag(ctx, numbered, dst); err != nil {
				return pipeline.FatalFail(s.Name(), "tagging failed for "+dst.String(), err)
			}
			rc.ImageTags = append(rc.ImageTags, dst.String())
		}

		latest, err := s.Tagger.TagLatest(ctx, base)
		if err != nil {
			return pipeline.FatalFail(s.Name(), "latest tag failed for "+svc.Name, err)
		}
		rc.ImageTags = append(rc.ImageTags, latest.String())
	}
	return pipeline.Ok(s.Name())
}

func (s *ImageBuild) extraTags(rc *pipeline.RunContext) []string {
	var tags []string
	if rc.Branch != "" {
		tags = append(tags, sanitizeTag(rc.Branch))
	}
	if len(rc.Commit) >= 7 {
		tags = append(tags, rc.Commit[:7])
	}
	return tags
}

// sanitizeTag maps branch names onto the docker tag alphabet.
func sanitizeTag(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
