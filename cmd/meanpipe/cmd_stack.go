// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meanpipe/meanpipe/internal/config"
	"github.com/meanpipe/meanpipe/internal/infra/compose"
	"github.com/meanpipe/meanpipe/internal/infra/process"
	"github.com/meanpipe/meanpipe/pkg/ux"
)

func newExecutor() (compose.Executor, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	exec, err := compose.NewDefaultExecutor(compose.Config{
		ProjectDir:  cfg.Project.Dir,
		ProjectName: cfg.Project.Name,
	}, process.NewDefaultManager())
	if err != nil {
		return nil, nil, err
	}
	return exec, cfg, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	exec, cfg, err := newExecutor()
	if err != nil {
		return err
	}

	if _, err := exec.Validate(cmd.Context()); err != nil {
		if errors.Is(err, compose.ErrDescriptorInvalid) || errors.Is(err, compose.ErrComposeFileMissing) {
			ux.Error("descriptor invalid")
		}
		return err
	}

	// The compose CLI accepted the descriptor; parse it statically to
	// cross-check it against the configured services.
	desc, err := compose.ParseDescriptor(exec.Files()[0])
	if err != nil {
		return err
	}
	for _, name := range undeclaredServices(cfg, desc) {
		ux.Warning(fmt.Sprintf("service %q is built but not declared in the descriptor", name))
	}
	ux.Success(fmt.Sprintf("compose descriptor valid, %d services declared", len(desc.ServiceNames())))
	return nil
}

// undeclaredServices returns configured services the descriptor does not
// declare. Their images would build but never join the stack.
func undeclaredServices(cfg *config.Config, desc *compose.Descriptor) []string {
	var missing []string
	for _, svc := range cfg.Services {
		if _, ok := desc.Services[svc.Name]; !ok {
			missing = append(missing, svc.Name)
		}
	}
	return missing
}

func runDestroy(cmd *cobra.Command, args []string) error {
	if !destroyForce {
		return fmt.Errorf("destroy removes named volumes including database data; re-run with --force to confirm")
	}

	exec, _, err := newExecutor()
	if err != nil {
		return err
	}

	ux.Warning("removing integration stack and volumes")
	if _, err := exec.Down(cmd.Context(), compose.DownOptions{
		RemoveVolumes: true,
		RemoveOrphans: true,
	}); err != nil {
		return err
	}
	ux.Success("stack destroyed")
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	exec, _, err := newExecutor()
	if err != nil {
		return err
	}

	return exec.Logs(cmd.Context(), compose.LogsOptions{
		Follow:   logsFollow,
		Services: args,
		Tail:     logsTail,
	}, os.Stdout)
}
