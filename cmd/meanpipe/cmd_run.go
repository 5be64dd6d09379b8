// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meanpipe/meanpipe/internal/artifact"
	"github.com/meanpipe/meanpipe/internal/config"
	"github.com/meanpipe/meanpipe/internal/health"
	"github.com/meanpipe/meanpipe/internal/history"
	"github.com/meanpipe/meanpipe/internal/infra/compose"
	"github.com/meanpipe/meanpipe/internal/infra/process"
	"github.com/meanpipe/meanpipe/internal/infra/registry"
	"github.com/meanpipe/meanpipe/internal/notify"
	"github.com/meanpipe/meanpipe/internal/pipeline"
	"github.com/meanpipe/meanpipe/internal/pipeline/stages"
	"github.com/meanpipe/meanpipe/internal/telemetry"
	"github.com/meanpipe/meanpipe/pkg/logging"
	"github.com/meanpipe/meanpipe/pkg/ux"
)

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "meanpipe",
	})
	if err != nil {
		// File logging degraded; the logger still works on stderr.
		ux.Warning(err.Error())
	}
	return logger, nil
}

// detectGit fills branch and commit from the repository when flags left
// them empty. Detection failures are not errors: untagged builds proceed.
func detectGit(ctx context.Context, proc process.Manager, dir string, branch, commit *string) {
	if *branch == "" {
		out, _, _, err := proc.RunInDir(ctx, dir, nil, "git", "rev-parse", "--abbrev-ref", "HEAD")
		if err == nil {
			*branch = strings.TrimSpace(out)
		}
	}
	if *commit == "" {
		out, _, _, err := proc.RunInDir(ctx, dir, nil, "git", "rev-parse", "HEAD")
		if err == nil {
			*commit = strings.TrimSpace(out)
		}
	}
}

func buildStages(cfg *config.Config, proc process.Manager, exec compose.Executor, logger *logging.Logger) ([]pipeline.Stage, error) {
	archiver, err := artifact.NewArchiver(cfg.Artifacts.Dir)
	if err != nil {
		return nil, err
	}
	client := registry.NewDefaultClient(proc)
	tagger := registry.NewTagger(client)
	checker := health.NewHTTPChecker(cfg.Harness.ProbeTimeout)

	return []pipeline.Stage{
		&stages.DepsInstall{Proc: proc},
		&stages.TestRunner{Proc: proc},
		&stages.DependencyAudit{Proc: proc},
		&stages.FrontendBuild{Proc: proc},
		&stages.ImageBuild{Client: client, Tagger: tagger},
		&stages.ComposeValidate{Executor: exec},
		&stages.IntegrationHarness{Executor: exec, Checker: checker, Logger: logger},
		&stages.Publisher{Archiver: archiver, Client: client, Logger: logger},
	}, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

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

	telCfg := telemetry.Config{}
	if runTrace {
		telCfg.TraceWriter = os.Stderr
	}
	tel, err := telemetry.Init(telCfg)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	branch, commit := runBranch, runCommit
	if branch == "" {
		branch = cfg.Project.Branch
	}
	detectGit(cmd.Context(), proc, cfg.Project.Dir, &branch, &commit)

	return executePipeline(cmd.Context(), cfg, logger, proc, exec, store, tel, branch, commit)
}

// executePipeline wires the stages and runs one complete build.
func executePipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger, proc process.Manager, exec compose.Executor, store *history.Store, tel *telemetry.Telemetry, branch, commit string) error {
	var notifier notify.Notifier = &notify.LogNotifier{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}

	stageList, err := buildStages(cfg, proc, exec, logger)
	if err != nil {
		return err
	}

	controller := pipeline.NewController(logger, stageList,
		pipeline.WithTelemetry(tel),
		pipeline.WithHistory(store),
		pipeline.WithNotifier(notifier, cfg.Notify.OnSuccess),
		pipeline.WithCleanup(func(ctx context.Context) error {
			// Safety net: the harness tears down its own stack, but a
			// crash between phases can leave containers behind. Same
			// semantics as the harness teardown, volumes included.
			_, err := exec.Down(ctx, compose.DownOptions{
				RemoveVolumes: true,
				RemoveOrphans: true,
			})
			return err
		}),
	)

	number, err := store.NextBuildNumber()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Stages.Timeout)
	defer cancel()

	rc := &pipeline.RunContext{
		Config:      cfg,
		Logger:      logger,
		BuildNumber: number,
		Branch:      branch,
		Commit:      commit,
	}

	run, runErr := controller.Run(runCtx, rc)
	fmt.Print(ux.RenderRunSummary(run))

	if _, err := store.Prune(cfg.History.Keep); err != nil {
		logger.Warn("history prune failed", "error", err)
	}
	return runErr
}
