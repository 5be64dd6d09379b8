// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meanpipe/meanpipe/internal/history"
)

func finishedRun(status history.Status) *history.BuildRun {
	run := history.NewBuildRun(12, "main", "abc1234")
	run.Status = status
	run.FinishedAt = run.StartedAt.Add(2 * time.Minute)
	run.Stages = []history.StageRecord{
		{Name: "backend-tests", Outcome: "soft_fail", Reason: "1 spec failed"},
	}
	return run
}

func TestShouldNotify(t *testing.T) {
	tests := []struct {
		status    history.Status
		onSuccess bool
		want      bool
	}{
		{history.StatusFailure, false, true},
		{history.StatusUnstable, false, true},
		{history.StatusSuccess, false, false},
		{history.StatusSuccess, true, true},
	}
	for _, tt := range tests {
		if got := ShouldNotify(tt.status, tt.onSuccess); got != tt.want {
			t.Errorf("ShouldNotify(%s, %v) = %v, want %v", tt.status, tt.onSuccess, got, tt.want)
		}
	}
}

func TestWebhookDeliversSummary(t *testing.T) {
	var received payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Notify(context.Background(), finishedRun(history.StatusUnstable)); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if received.Build != 12 || received.Status != history.StatusUnstable {
		t.Errorf("unexpected payload %+v", received)
	}
	if received.DurationMS != (2 * time.Minute).Milliseconds() {
		t.Errorf("unexpected duration %d", received.DurationMS)
	}
	if len(received.Stages) != 1 || received.Stages[0].Reason != "1 spec failed" {
		t.Errorf("stage records lost: %+v", received.Stages)
	}
}

func TestWebhookRejectedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Notify(context.Background(), finishedRun(history.StatusFailure)); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestWebhookUnreachable(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1/hook")
	n.Client.Timeout = 500 * time.Millisecond
	if err := n.Notify(context.Background(), finishedRun(history.StatusFailure)); err == nil {
		t.Fatal("expected delivery error")
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := &LogNotifier{}
	for _, status := range []history.Status{history.StatusSuccess, history.StatusUnstable, history.StatusFailure} {
		if err := n.Notify(context.Background(), finishedRun(status)); err != nil {
			t.Errorf("log notifier returned error for %s: %v", status, err)
		}
	}
}
