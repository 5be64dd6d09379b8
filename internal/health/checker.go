// Copyright (C) 2025 Meanpipe Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package health probes running services over HTTP.
//
// The integration harness performs exactly one probe per endpoint after the
// settle delay. There is no retry loop: a probe either answers in time with
// an acceptable status or the check fails.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnhealthy is returned when an endpoint answers outside the
	// acceptable status range.
	ErrUnhealthy = errors.New("endpoint unhealthy")

	// ErrUnreachable is returned when the request never completes.
	ErrUnreachable = errors.New("endpoint unreachable")
)

// Endpoint is one HTTP target to probe.
type Endpoint struct {
	// Name identifies the service for logging, e.g. "backend".
	Name string

	// URL is the full probe URL, e.g. "http://localhost:8080/api/tutorials".
	URL string

	// AcceptStatus lists acceptable response codes. Empty means any 2xx.
	AcceptStatus []int
}

// CheckResult is the outcome of probing a single endpoint.
type CheckResult struct {
	Endpoint   Endpoint
	StatusCode int
	Latency    time.Duration
	Err        error
}

// Healthy reports whether the probe passed.
func (r CheckResult) Healthy() bool { return r.Err == nil }

// Checker probes endpoints. Implementations must be safe for concurrent use.
type Checker interface {
	// Check probes a single endpoint once.
	Check(ctx context.Context, ep Endpoint) CheckResult

	// CheckAll probes all endpoints concurrently and returns one result
	// per endpoint in input order. The returned error is the first probe
	// failure, or nil when everything passed.
	CheckAll(ctx context.Context, eps []Endpoint) ([]CheckResult, error)
}

// HTTPChecker implements Checker with a plain HTTP client.
type HTTPChecker struct {
	client  *http.Client
	timeout time.Duration
}

var _ Checker = (*HTTPChecker)(nil)

// NewHTTPChecker creates a checker with the given per-probe timeout.
// A zero timeout defaults to 10 seconds.
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChecker{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Check probes a single endpoint once.
func (c *HTTPChecker) Check(ctx context.Context, ep Endpoint) CheckResult {
	result := CheckResult{Endpoint: ep}
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, ep.URL, nil)
	if err != nil {
		result.Err = fmt.Errorf("%w: %s: %v", ErrUnreachable, ep.Name, err)
		return result
	}

	resp, err := c.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Err = fmt.Errorf("%w: %s: %v", ErrUnreachable, ep.Name, err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	if !statusAccepted(resp.StatusCode, ep.AcceptStatus) {
		result.Err = fmt.Errorf("%w: %s returned %d", ErrUnhealthy, ep.Name, resp.StatusCode)
	}
	return result
}

// CheckAll probes all endpoints concurrently.
func (c *HTTPChecker) CheckAll(ctx context.Context, eps []Endpoint) ([]CheckResult, error) {
	results := make([]CheckResult, len(eps))

	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range eps {
		g.Go(func() error {
			results[i] = c.Check(gctx, ep)
			return nil
		})
	}
	// Probe goroutines never return errors; failures live in the results
	// so one slow endpoint cannot cancel the others mid-flight.
	_ = g.Wait()

	for _, r := range results {
		if r.Err != nil {
			return results, r.Err
		}
	}
	return results, nil
}

func statusAccepted(code int, accept []int) bool {
	if len(accept) == 0 {
		return code >= 200 && code < 300
	}
	for _, a := range accept {
		if code == a {
			return true
		}
	}
	return false
}
