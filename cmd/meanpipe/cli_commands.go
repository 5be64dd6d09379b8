// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"

	"github.com/meanpipe/meanpipe/pkg/ux"
)

var (
	rootCmd = &cobra.Command{
		Use:   "meanpipe",
		Short: "A build pipeline for MEAN-stack applications",
		Long: `Meanpipe builds, tests, and integration-checks a MongoDB + Express +
Angular + Node application: it installs dependencies, runs tests, builds
container images with ordered tags, validates the compose descriptor,
brings the stack up for a smoke probe, and archives the frontend dist.`,
	}

	configPath string
	plainOut   bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the full build pipeline",
		RunE:  runPipeline,
	}
	runBranch string
	runCommit string
	runTrace  bool

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Statically validate the compose descriptor",
		RunE:  runValidate,
	}

	destroyCmd = &cobra.Command{
		Use:   "destroy",
		Short: "Tear down the integration stack including volumes",
		RunE:  runDestroy,
	}
	destroyForce bool

	logsCmd = &cobra.Command{
		Use:   "logs [service...]",
		Short: "Stream logs from the integration stack",
		RunE:  runLogs,
	}
	logsFollow bool
	logsTail   int

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recorded build runs",
		RunE:  runHistory,
	}
	historyLimit int

	statusCmd = &cobra.Command{
		Use:   "status [build-number]",
		Short: "Show one build run, latest by default",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Run the pipeline on every source change",
		Long: `Watches the project directory and triggers a pipeline run when source
files change, with debouncing. Serves Prometheus metrics while active.`,
		RunE: runWatch,
	}
	watchDebounce    string
	watchMetricsAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "meanpipe.yaml", "Path to the pipeline configuration file")
	rootCmd.PersistentFlags().BoolVar(&plainOut, "plain", false, "Disable styled terminal output")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if plainOut {
			ux.SetPlain(true)
		}
	}

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runBranch, "branch", "", "Branch name for image tagging (detected from git when empty)")
	runCmd.Flags().StringVar(&runCommit, "commit", "", "Commit SHA for image tagging (detected from git when empty)")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "Export trace spans to stderr")

	rootCmd.AddCommand(validateCmd)

	rootCmd.AddCommand(destroyCmd)
	destroyCmd.Flags().BoolVar(&destroyForce, "force", false, "Required to confirm removal of named volumes")

	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Stream logs continuously")
	logsCmd.Flags().IntVar(&logsTail, "tail", 0, "Limit output to the last N lines per container")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Maximum runs to list")

	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchDebounce, "debounce", "2s", "Quiet period before a change triggers a run")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", ":9641", "Listen address for the /metrics endpoint")
}
