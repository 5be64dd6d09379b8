// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify delivers terminal-status notifications for build runs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/meanpipe/meanpipe/internal/history"
	"github.com/meanpipe/meanpipe/pkg/logging"
)

// Notifier delivers a run summary. Delivery failures are reported to the
// caller but never change the run's status.
type Notifier interface {
	Notify(ctx context.Context, run *history.BuildRun) error
}

// ShouldNotify reports whether a run with the given status warrants a
// notification. Failures and unstable runs always do; successes only when
// onSuccess is set.
func ShouldNotify(status history.Status, onSuccess bool) bool {
	if status == history.StatusSuccess {
		return onSuccess
	}
	return true
}

// =============================================================================
// Log Notifier
// =============================================================================

// LogNotifier writes the summary to the structured log. It is the default
// when no webhook is configured.
type LogNotifier struct {
	Logger *logging.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// Notify logs the run outcome at a level matching its status.
func (n *LogNotifier) Notify(ctx context.Context, run *history.BuildRun) error {
	logger := n.Logger
	if logger == nil {
		logger = logging.Default()
	}

	attrs := []any{
		"build", run.Number,
		"status", string(run.Status),
		"duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String(),
	}
	switch run.Status {
	case history.StatusFailure:
		logger.Error("build failed", attrs...)
	case history.StatusUnstable:
		logger.Warn("build unstable", attrs...)
	default:
		logger.Info("build succeeded", attrs...)
	}
	return nil
}

// =============================================================================
// Webhook Notifier
// =============================================================================

// WebhookNotifier POSTs a JSON summary to a configured URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a webhook notifier with a 10-second timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// payload is the wire shape of the webhook body.
type payload struct {
	Build      uint64                `json:"build"`
	Status     history.Status        `json:"status"`
	Branch     string                `json:"branch,omitempty"`
	Commit     string                `json:"commit,omitempty"`
	DurationMS int64                 `json:"duration_ms"`
	Stages     []history.StageRecord `json:"stages,omitempty"`
	Artifact   string                `json:"artifact,omitempty"`
}

// Notify delivers the summary. Non-2xx responses are errors.
func (n *WebhookNotifier) Notify(ctx context.Context, run *history.BuildRun) error {
	body, err := json.Marshal(payload{
		Build:      run.Number,
		Status:     run.Status,
		Branch:     run.Branch,
		Commit:     run.Commit,
		DurationMS: run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
		Stages:     run.Stages,
		Artifact:   run.ArtifactPath,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification rejected with status %d", resp.StatusCode)
	}
	return nil
}
