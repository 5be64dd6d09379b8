// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/meanpipe/meanpipe/internal/history"
	"github.com/meanpipe/meanpipe/internal/infra/compose"
	"github.com/meanpipe/meanpipe/internal/infra/process"
	"github.com/meanpipe/meanpipe/internal/telemetry"
	"github.com/meanpipe/meanpipe/pkg/ux"
)

// ignoredDirs are never watched: build outputs and caches churn
// constantly and would retrigger the pipeline forever.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	".git":         true,
	".angular":     true,
	"coverage":     true,
	"archives":     true,
	".meanpipe":    true,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	debounce, err := time.ParseDuration(watchDebounce)
	if err != nil {
		return errors.New("invalid --debounce value")
	}

	proc := process.NewDefaultManager()
	exec, err := compose.NewDefaultExecutor(compose.Config{
		ProjectDir:  cfg.Project.Dir,
		ProjectName: cfg.Project.Name,
	}, proc)
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.History.Dir)
	if err != nil {
		return err
	}
	defer store.Close()

	tel, err := telemetry.Init(telemetry.Config{})
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addWatchDirs(watcher, cfg.Project.Dir); err != nil {
		return err
	}

	// Metrics server runs for the lifetime of the watch.
	mux := http.NewServeMux()
	mux.Handle("/metrics", tel.Metrics.Handler())
	srv := &http.Server{Addr: watchMetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	defer srv.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ux.Title("watching " + cfg.Project.Dir)
	ux.Info("metrics on " + watchMetricsAddr + "/metrics")

	var timer *time.Timer
	trigger := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			ux.Info("watch stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantChange(event) {
				continue
			}
			logger.Debug("change detected", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case trigger <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)

		case <-trigger:
			timer = nil
			branch := cfg.Project.Branch
			commit := ""
			detectGit(ctx, proc, cfg.Project.Dir, &branch, &commit)

			if err := executePipeline(ctx, cfg, logger, proc, exec, store, tel, branch, commit); err != nil {
				// A failing build keeps the watch alive.
				ux.Error(err.Error())
			}
		}
	}
}

func addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func relevantChange(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") && base != ".env" {
		return false
	}
	for part := range strings.SplitSeq(filepath.ToSlash(event.Name), "/") {
		if ignoredDirs[part] {
			return false
		}
	}
	return true
}
