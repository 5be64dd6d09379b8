// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"fmt"

	"github.com/meanpipe/meanpipe/internal/infra/process"
)

// Client performs image operations through the container runtime CLI.
//
// # Description
//
// Client abstracts `docker build`, `docker tag`, `docker push` and
// `docker image inspect` so the build producer and publisher are testable
// against a mock runtime.
type Client interface {
	// Build builds the image at contextDir and tags it with ref.
	// Dockerfile may be empty to use the default in contextDir.
	Build(ctx context.Context, contextDir, dockerfile string, ref Ref) error

	// Tag applies dst as an additional tag on the image identified by src.
	Tag(ctx context.Context, src, dst Ref) error

	// Push uploads ref to its registry.
	Push(ctx context.Context, ref Ref) error

	// Exists reports whether ref is present in the local image store.
	Exists(ctx context.Context, ref Ref) (bool, error)
}

// DefaultClient implements Client using the docker CLI.
type DefaultClient struct {
	proc process.Manager
}

var _ Client = (*DefaultClient)(nil)

// NewDefaultClient creates a Client backed by the given process manager.
func NewDefaultClient(proc process.Manager) *DefaultClient {
	return &DefaultClient{proc: proc}
}

// Build builds the image at contextDir and tags it with ref.
func (c *DefaultClient) Build(ctx context.Context, contextDir, dockerfile string, ref Ref) error {
	args := []string{"build", "-t", ref.String()}
	if dockerfile != "" {
		args = append(args, "-f", dockerfile)
	}
	args = append(args, contextDir)

	if _, err := c.proc.Run(ctx, "docker", args...); err != nil {
		return fmt.Errorf("build %s: %w", ref, err)
	}
	return nil
}

// Tag applies dst as an additional tag on src.
func (c *DefaultClient) Tag(ctx context.Context, src, dst Ref) error {
	if _, err := c.proc.Run(ctx, "docker", "tag", src.String(), dst.String()); err != nil {
		return fmt.Errorf("tag %s as %s: %w", src, dst, err)
	}
	return nil
}

// Push uploads ref to its registry.
func (c *DefaultClient) Push(ctx context.Context, ref Ref) error {
	if _, err := c.proc.Run(ctx, "docker", "push", ref.String()); err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	return nil
}

// Exists reports whether ref is present locally. `image inspect` exits
// non-zero only when the image is absent, so that is not a failure.
func (c *DefaultClient) Exists(ctx context.Context, ref Ref) (bool, error) {
	if _, err := c.proc.Run(ctx, "docker", "image", "inspect", "--format", "{{.Id}}", ref.String()); err != nil {
		return false, nil
	}
	return true, nil
}

// =============================================================================
// Tagger
// =============================================================================

// Tagger applies the floating latest tag with the ordering rule enforced:
// latest is only ever applied on top of an existing build-numbered tag
// produced by the same run.
type Tagger struct {
	client Client

	// numbered records the build-numbered refs this run has produced,
	// keyed by the ref without its tag.
	numbered map[string]string
}

// NewTagger creates a Tagger over the given client.
func NewTagger(client Client) *Tagger {
	return &Tagger{
		client:   client,
		numbered: make(map[string]string),
	}
}

// RecordNumbered registers a build-numbered ref produced by this run.
// Called by the build producer after a successful image build.
func (t *Tagger) RecordNumbered(ref Ref) {
	t.numbered[ref.WithTag("").String()] = ref.Tag
}

// TagLatest applies the latest tag on top of the build-numbered image.
// Returns ErrNumberedTagMissing when the numbered counterpart was never
// recorded for this run, or when the recorded image is no longer in the
// local store.
func (t *Tagger) TagLatest(ctx context.Context, base Ref) (Ref, error) {
	key := base.WithTag("").String()
	numberedTag, ok := t.numbered[key]
	if !ok {
		return Ref{}, fmt.Errorf("%w: %s", ErrNumberedTagMissing, key)
	}

	src := base.WithTag(numberedTag)
	present, err := t.client.Exists(ctx, src)
	if err != nil {
		return Ref{}, fmt.Errorf("inspect %s: %w", src, err)
	}
	if !present {
		return Ref{}, fmt.Errorf("%w: %s not in image store", ErrNumberedTagMissing, src)
	}

	dst := base.WithTag(LatestTag)
	if err := t.client.Tag(ctx, src, dst); err != nil {
		return Ref{}, err
	}
	return dst, nil
}
