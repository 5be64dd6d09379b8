// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"strings"
	"time"

	"github.com/meanpipe/meanpipe/internal/history"
)

// RenderRunSummary renders one build run as a stage table with a status
// footer. Output is plain text in Plain mode.
func RenderRunSummary(run *history.BuildRun) string {
	var b strings.Builder

	header := fmt.Sprintf("build #%d", run.Number)
	if run.Branch != "" {
		header += " (" + run.Branch + ")"
	}
	b.WriteString(renderTitle(header))
	b.WriteString("\n")

	nameWidth := 0
	for _, st := range run.Stages {
		if len(st.Name) > nameWidth {
			nameWidth = len(st.Name)
		}
	}

	for _, st := range run.Stages {
		line := fmt.Sprintf("%s %-*s %8s", stageIcon(st.Outcome), nameWidth, st.Name,
			st.Duration.Round(time.Millisecond*100))
		if st.Reason != "" {
			line += "  " + renderMuted(st.Reason)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(renderStatusLine(run))
	b.WriteString("\n")
	return b.String()
}

func stageIcon(outcome string) string {
	if Plain() {
		switch outcome {
		case "ok":
			return "[ok]     "
		case "soft_fail":
			return "[soft]   "
		case "fatal_fail":
			return "[fatal]  "
		default:
			return "[skipped]"
		}
	}
	switch outcome {
	case "ok":
		return IconSuccess.Render()
	case "soft_fail":
		return IconWarning.Render()
	case "fatal_fail":
		return IconError.Render()
	default:
		return IconSkipped.Render()
	}
}

func renderStatusLine(run *history.BuildRun) string {
	duration := run.FinishedAt.Sub(run.StartedAt).Round(time.Second)
	text := fmt.Sprintf("%s in %s", strings.ToUpper(string(run.Status)), duration)
	if Plain() {
		return text
	}
	switch run.Status {
	case history.StatusSuccess:
		return Styles.Success.Bold(true).Render(text)
	case history.StatusUnstable:
		return Styles.Warning.Bold(true).Render(text)
	default:
		return Styles.Error.Bold(true).Render(text)
	}
}

func renderTitle(text string) string {
	if Plain() {
		return text
	}
	return Styles.Title.Render(text)
}

func renderMuted(text string) string {
	if Plain() {
		return text
	}
	return Styles.Muted.Render(text)
}
