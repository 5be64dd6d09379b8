// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package artifact archives build outputs and applies retention to the
// archive directory.
package artifact

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrSourceMissing is returned when the directory to archive does
	// not exist. The publisher treats this as a build-output failure.
	ErrSourceMissing = errors.New("archive source missing")

	// ErrEmptySource is returned for a source directory with no files.
	ErrEmptySource = errors.New("archive source empty")
)

// Archiver packages a directory into a gzip-compressed tarball.
type Archiver struct {
	// Dir is where archives are written.
	Dir string
}

// NewArchiver creates an Archiver writing into dir, creating it if needed.
func NewArchiver(dir string) (*Archiver, error) {
	if dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archiver{Dir: dir}, nil
}

// ArchiveName returns the archive file name for a build number,
// e.g. "frontend-dist-42.tar.gz".
func ArchiveName(prefix string, buildNumber uint64) string {
	return fmt.Sprintf("%s-%d.tar.gz", prefix, buildNumber)
}

// Archive packages srcDir into a tarball named after prefix and
// buildNumber, returning the archive path. File paths inside the
// tarball are relative to srcDir.
func (a *Archiver) Archive(srcDir, prefix string, buildNumber uint64) (string, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSourceMissing, srcDir)
		}
		return "", fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrSourceMissing, srcDir)
	}

	dest := filepath.Join(a.Dir, ArchiveName(prefix, buildNumber))
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	var fileCount int
	walkErr := filepath.Walk(srcDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(tw, src); err != nil {
			return err
		}
		fileCount++
		return nil
	})

	if walkErr == nil && fileCount == 0 {
		walkErr = fmt.Errorf("%w: %s", ErrEmptySource, srcDir)
	}
	// Close the writer chain exactly once, innermost first. A failed
	// final flush must surface instead of leaving a truncated archive.
	if walkErr == nil {
		walkErr = tw.Close()
	} else {
		tw.Close()
	}
	if cerr := gz.Close(); walkErr == nil {
		walkErr = cerr
	}
	if cerr := f.Close(); walkErr == nil {
		walkErr = cerr
	}

	if walkErr != nil {
		os.Remove(dest)
		return "", fmt.Errorf("archive %s: %w", srcDir, walkErr)
	}
	return dest, nil
}

// List returns archive paths matching prefix, sorted newest first by
// embedded build number.
func (a *Archiver) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	type numbered struct {
		path string
		num  uint64
	}
	var archives []numbered
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		num, ok := parseBuildNumber(e.Name(), prefix)
		if !ok {
			continue
		}
		archives = append(archives, numbered{filepath.Join(a.Dir, e.Name()), num})
	}

	// Insertion sort by descending build number, archives stay small.
	for i := 1; i < len(archives); i++ {
		for j := i; j > 0 && archives[j].num > archives[j-1].num; j-- {
			archives[j], archives[j-1] = archives[j-1], archives[j]
		}
	}

	paths := make([]string, len(archives))
	for i, n := range archives {
		paths[i] = n.path
	}
	return paths, nil
}

func parseBuildNumber(name, prefix string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".tar.gz")
	if !ok {
		return 0, false
	}
	var num uint64
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
		num = num*10 + uint64(r-'0')
	}
	if rest == "" {
		return 0, false
	}
	return num, true
}
