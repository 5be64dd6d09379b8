// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/meanpipe/meanpipe/internal/history"
	"github.com/meanpipe/meanpipe/pkg/ux"
)

func openStore() (*history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return history.Open(cfg.History.Dir)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ux.Info("no recorded runs")
		return nil
	}

	for _, run := range runs {
		duration := run.FinishedAt.Sub(run.StartedAt).Round(time.Second)
		line := fmt.Sprintf("#%-4d %-8s %-12s %8s  %s",
			run.Number, run.Status, run.Branch, duration,
			run.StartedAt.Local().Format("2006-01-02 15:04"))
		switch run.Status {
		case history.StatusSuccess:
			ux.Success(line)
		case history.StatusUnstable:
			ux.Warning(line)
		default:
			ux.Error(line)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var run *history.BuildRun
	if len(args) == 1 {
		number, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid build number %q", args[0])
		}
		run, err = store.Get(number)
		if err != nil {
			return err
		}
	} else {
		run, err = store.Latest()
		if err != nil {
			return err
		}
	}

	fmt.Print(ux.RenderRunSummary(run))
	if run.ArtifactPath != "" {
		ux.Info("artifact: " + run.ArtifactPath)
	}
	for _, tag := range run.ImageTags {
		ux.Info("image: " + tag)
	}
	return nil
}
