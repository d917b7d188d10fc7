// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mlclient calls the out-of-process ML classifier behind a bounded
// concurrency gate, a bounded wait queue, and a circuit breaker, so a slow
// or failing classifier degrades the gateway instead of stalling it.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnavailable is returned whenever the ML stage cannot be consulted:
// circuit open, queue full, transport error, timeout, or non-200 response.
// Callers fall back to a regex-only decision on this error, never retry
// inline.
var ErrUnavailable = errors.New("ml unavailable")

// Request is the payload sent to the classifier.
type Request struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Query       string `json:"query"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

// Result is the classifier's verdict.
type Result struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Client gates calls to the classifier endpoint. The breaker has exactly
// two states, CLOSED and OPEN — there is no HALF_OPEN; the first call
// received after the cooldown elapses is itself the probe, and its
// outcome alone decides whether the circuit re-closes or re-opens.
type Client struct {
	httpClient      *http.Client
	url             string
	timeout         time.Duration
	sem             chan struct{}
	queueLimit      int
	waiters         atomic.Int32
	circuitFailures int
	cooldown        time.Duration

	mu              sync.Mutex
	failureCount    int
	circuitOpenUntl time.Time
	now             func() time.Time
}

// Config collects the tunables for New.
type Config struct {
	URL             string
	Timeout         time.Duration
	Concurrency     int
	QueueLimit      int
	CircuitFailures int
	CircuitCooldown time.Duration
}

// New builds a Client. A zero Concurrency/QueueLimit/CircuitFailures falls
// back to conservative defaults matching the original service.
func New(cfg Config) *Client {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	queueLimit := cfg.QueueLimit
	if queueLimit <= 0 {
		queueLimit = 32
	}
	circuitFailures := cfg.CircuitFailures
	if circuitFailures <= 0 {
		circuitFailures = 5
	}
	cooldown := cfg.CircuitCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	return &Client{
		httpClient:      &http.Client{Timeout: timeout},
		url:             cfg.URL,
		timeout:         timeout,
		sem:             make(chan struct{}, concurrency),
		queueLimit:      queueLimit,
		circuitFailures: circuitFailures,
		cooldown:        cooldown,
		now:             time.Now,
	}
}

func (c *Client) circuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.circuitOpenUntl)
}

// CircuitOpen reports whether the breaker currently rejects calls without
// reaching the classifier, for the gateway's circuit-state gauge.
func (c *Client) CircuitOpen() bool {
	return c.circuitOpen()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	if c.failureCount >= c.circuitFailures {
		c.circuitOpenUntl = c.now().Add(c.cooldown)
		c.failureCount = 0
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount = 0
}

// semLocked reports whether every concurrency slot is currently held,
// mirroring asyncio.Semaphore.locked() used by the original to decide
// whether new callers must queue at all.
func (c *Client) semLocked() bool {
	return len(c.sem) == cap(c.sem)
}

// Classify consults the classifier for payload req. The queue-full and
// circuit-open checks never count toward the failure tally — only a
// transport error, a timeout, or a non-200 response does.
func (c *Client) Classify(ctx context.Context, req Request) (Result, error) {
	if c.circuitOpen() {
		return Result{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	if c.semLocked() && int(c.waiters.Load()) >= c.queueLimit {
		return Result{}, fmt.Errorf("%w: queue full", ErrUnavailable)
	}

	c.waiters.Add(1)
	defer c.waiters.Add(-1)

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	defer func() { <-c.sem }()

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode payload: %v", ErrUnavailable, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.recordFailure()
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	c.recordSuccess()
	return result, nil
}
