// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry handles container image references, building, tagging,
// and pushing for the build producer and artifact publisher.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

// LatestTag is the floating tag applied after the build-numbered tag.
const LatestTag = "latest"

var (
	// ErrInvalidRef is returned for unparseable image references.
	ErrInvalidRef = errors.New("invalid image reference")

	// ErrNumberedTagMissing is returned when a latest tag is requested
	// before the build-numbered tag exists. Latest must always shadow a
	// numbered image from the same run.
	ErrNumberedTagMissing = errors.New("build-numbered tag does not exist")
)

// Ref identifies a container image as {registry}/{namespace}/{name}:{tag}.
//
// Registry and Namespace may be empty for local-only references.
type Ref struct {
	Registry  string
	Namespace string
	Name      string
	Tag       string
}

// String renders the full image reference.
func (r Ref) String() string {
	var b strings.Builder
	if r.Registry != "" {
		b.WriteString(r.Registry)
		b.WriteString("/")
	}
	if r.Namespace != "" {
		b.WriteString(r.Namespace)
		b.WriteString("/")
	}
	b.WriteString(r.Name)
	if r.Tag != "" {
		b.WriteString(":")
		b.WriteString(r.Tag)
	}
	return b.String()
}

// WithTag returns a copy of the reference with a different tag.
func (r Ref) WithTag(tag string) Ref {
	r.Tag = tag
	return r
}

// ParseRef parses an image reference string into its components.
//
// Heuristics follow the usual registry conventions: a first path segment
// containing a dot, a colon, or "localhost" is a registry host; with three
// or more segments the middle ones form the namespace.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty", ErrInvalidRef)
	}

	ref := Ref{}
	name := s
	// Split tag off the last segment only, so registry ports survive.
	if idx := strings.LastIndex(s, ":"); idx > strings.LastIndex(s, "/") {
		ref.Tag = s[idx+1:]
		name = s[:idx]
	}
	if name == "" || ref.Tag == "" && strings.HasSuffix(s, ":") {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}

	parts := strings.Split(name, "/")
	switch {
	case len(parts) == 1:
		ref.Name = parts[0]
	case isRegistryHost(parts[0]):
		ref.Registry = parts[0]
		ref.Namespace = strings.Join(parts[1:len(parts)-1], "/")
		ref.Name = parts[len(parts)-1]
	default:
		ref.Namespace = strings.Join(parts[:len(parts)-1], "/")
		ref.Name = parts[len(parts)-1]
	}

	if ref.Name == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return ref, nil
}

func isRegistryHost(segment string) bool {
	return strings.ContainsAny(segment, ".:") || segment == "localhost"
}
