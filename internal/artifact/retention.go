// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifact

import (
	"fmt"
	"os"
)

// RetentionPolicy caps the number of archives kept per prefix.
type RetentionPolicy struct {
	// MaxArchives is the number of newest archives to keep.
	// Values below 1 are raised to 1 so the current build always survives.
	MaxArchives int
}

// DefaultRetentionPolicy keeps the ten newest archives.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{MaxArchives: 10}
}

// Apply removes archives beyond the cap, oldest first, and returns the
// paths it deleted.
func (p RetentionPolicy) Apply(a *Archiver, prefix string) ([]string, error) {
	keep := p.MaxArchives
	if keep < 1 {
		keep = 1
	}

	archives, err := a.List(prefix)
	if err != nil {
		return nil, err
	}
	if len(archives) <= keep {
		return nil, nil
	}

	var removed []string
	for _, path := range archives[keep:] {
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
