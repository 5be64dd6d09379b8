// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history persists build run records and allocates monotonic
// build numbers.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a build number has no stored record.
var ErrRunNotFound = errors.New("build run not found")

// Status is the terminal status of a build run.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusUnstable Status = "unstable"
	StatusFailure  Status = "failure"
)

// StageRecord captures the outcome of one pipeline stage.
type StageRecord struct {
	Name     string        `json:"name"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
}

// BuildRun is one persisted pipeline execution.
type BuildRun struct {
	ID           string        `json:"id"`
	Number       uint64        `json:"number"`
	Branch       string        `json:"branch,omitempty"`
	Commit       string        `json:"commit,omitempty"`
	Status       Status        `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Stages       []StageRecord `json:"stages,omitempty"`
	ImageTags    []string      `json:"image_tags,omitempty"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
}

// NewBuildRun creates a run record with a fresh ID and start timestamp.
func NewBuildRun(number uint64, branch, commit string) *BuildRun {
	return &BuildRun{
		ID:        uuid.NewString(),
		Number:    number,
		Branch:    branch,
		Commit:    commit,
		StartedAt: time.Now().UTC(),
	}
}

const (
	runKeyPrefix = "run:"
	sequenceKey  = "seq:build-number"
)

// Store persists build runs in an embedded badger database.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens or creates the history database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open build-number sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

// Close releases unused sequence numbers and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("release sequence: %w", err)
	}
	return s.db.Close()
}

// NextBuildNumber allocates the next build number. Numbers are monotonic
// across process restarts and start at 1.
func (s *Store) NextBuildNumber() (uint64, error) {
	for {
		n, err := s.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("allocate build number: %w", err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

func runKey(number uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", runKeyPrefix, number))
}

// Put stores or replaces the record for run.Number.
func (s *Store) Put(run *BuildRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %d: %w", run.Number, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(run.Number), data)
	})
	if err != nil {
		return fmt.Errorf("store run %d: %w", run.Number, err)
	}
	return nil
}

// Get retrieves the record for a build number.
func (s *Store) Get(number uint64) (*BuildRun, error) {
	var run BuildRun
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(number))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, number)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %d: %w", number, err)
	}
	return &run, nil
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns all runs.
func (s *Store) List(limit int) ([]*BuildRun, error) {
	var runs []*BuildRun
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(runKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks past the last run key.
		seek := []byte(runKeyPrefix + "~")
		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run BuildRun
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			})
			if err != nil {
				return err
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Latest returns the most recent run, or ErrRunNotFound for an empty store.
func (s *Store) Latest() (*BuildRun, error) {
	runs, err := s.List(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrRunNotFound
	}
	return runs[0], nil
}

// Prune deletes all but the newest keep records and returns the number
// deleted. A keep below 1 is raised to 1.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	runs, err := s.List(0)
	if err != nil {
		return 0, err
	}
	if len(runs) <= keep {
		return 0, nil
	}

	deleted := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, run := range runs[keep:] {
			if err := txn.Delete(runKey(run.Number)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("prune runs: %w", err)
	}
	return deleted, nil
}
