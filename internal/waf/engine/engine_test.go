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

package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wafgate/internal/waf/blocklist"
	"wafgate/internal/waf/cache"
	"wafgate/internal/waf/mlclient"
	"wafgate/internal/waf/normalize"
	"wafgate/internal/waf/ratelimit"
	"wafgate/internal/waf/rules"
)

func newTestEngine(t *testing.T, mlURL string) *Engine {
	t.Helper()
	re := rules.NewEngine()
	if err := re.Load([]byte(`
- id: SQLI_BOOLEAN
  category: SQLI
  target: query
  pattern: '(or|and)\s*\d+\s*=\s*\d+'
  ignore_case: true
  weight: 4
`)); err != nil {
		t.Fatalf("load rules: %v", err)
	}
	cfg := Config{
		DecodeRounds:       2,
		BodyTruncate:       8192,
		CacheMaxSize:       16,
		CacheTTL:           time.Minute,
		RateLimitBurst:     100,
		RateLimitBurstSusp: 10,
		BlockDefaultTTL:    time.Minute,
	}
	rl := ratelimit.NewLimiter(cfg.RateLimitBurst, cfg.RateLimitBurstSusp, 100)
	bl := blocklist.NewBlocklist(cfg.BlockDefaultTTL)
	dc := cache.NewDecisionCache(cfg.CacheMaxSize, cfg.CacheTTL)
	ml := mlclient.New(mlclient.Config{URL: mlURL, CircuitFailures: 3, CircuitCooldown: time.Second})
	return New(cfg, re, rl, bl, dc, ml)
}

func TestEvaluateBlocklistedIPShortCircuits(t *testing.T) {
	e := newTestEngine(t, "")
	e.Blocklist.Block("6.6.6.6", time.Minute)

	decision, entry, _ := e.Evaluate(context.Background(), normalize.Request{Method: "GET", Path: "/"}, "6.6.6.6")
	if decision != DecisionBlock {
		t.Fatalf("expected block, got %s", decision)
	}
	if entry.Stage != "blocked" {
		t.Fatalf("expected stage=blocked, got %s", entry.Stage)
	}
}

func TestEvaluateRateLimitedBeforeRegex(t *testing.T) {
	e := newTestEngine(t, "")
	e.RateLimit = ratelimit.NewLimiter(1, 1, 0) // exhausts after 1 call, never refills

	req := normalize.Request{Method: "GET", Path: "/"}
	e.Evaluate(context.Background(), req, "7.7.7.7")
	decision, entry, _ := e.Evaluate(context.Background(), req, "7.7.7.7")
	if decision != DecisionRateLimit {
		t.Fatalf("expected rate_limit, got %s", decision)
	}
	if entry.Stage != "rate_limit" {
		t.Fatalf("expected stage=rate_limit, got %s", entry.Stage)
	}
}

func TestEvaluateAllowsBenignTraffic(t *testing.T) {
	e := newTestEngine(t, "")
	decision, entry, _ := e.Evaluate(context.Background(), normalize.Request{Method: "GET", Path: "/home", Query: "q=hello"}, "1.1.1.1")
	if decision != DecisionAllow {
		t.Fatalf("expected allow, got %s", decision)
	}
	if entry.Stage != "regex" || entry.Reason != "ok" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestEvaluateRegexHitWithMLBlockAndLabelMerge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mlclient.Result{Label: "SQLI_CONFIRMED", Confidence: 0.9})
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	decision, entry, reason := e.Evaluate(context.Background(), normalize.Request{Method: "GET", Path: "/api", Query: "id=1 OR 1=1"}, "2.2.2.2")
	if decision != DecisionBlock {
		t.Fatalf("expected block, got %s", decision)
	}
	if entry.Stage != "regex+ml" {
		t.Fatalf("expected stage=regex+ml, got %s", entry.Stage)
	}
	if entry.MLLabel != "SQLI_CONFIRMED" {
		t.Fatalf("expected ml label merged, got %s", entry.MLLabel)
	}
	if reason == "" {
		t.Fatal("expected a non-empty reason")
	}
}

func TestEvaluateRegexHitMLUnavailableDegradesToRegexBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	decision, entry, _ := e.Evaluate(context.Background(), normalize.Request{Method: "GET", Path: "/api", Query: "id=1 OR 1=1"}, "3.3.3.3")
	if decision != DecisionBlock {
		t.Fatalf("expected block, got %s", decision)
	}
	if entry.Stage != "regex" {
		t.Fatalf("expected stage=regex (degraded), got %s", entry.Stage)
	}
}

func TestEvaluateCacheHitSkipsMLOnSecondCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(mlclient.Result{Label: "BENIGN", Confidence: 0.1})
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	req := normalize.Request{Method: "GET", Path: "/api", Query: "id=1 OR 1=1"}
	e.Evaluate(context.Background(), req, "4.4.4.4")
	decision, entry, _ := e.Evaluate(context.Background(), req, "4.4.4.4")
	if decision != DecisionBlock {
		t.Fatalf("expected block (regex hit -> ml BENIGN -> still block), got %s", decision)
	}
	if entry.Stage != "cache_hit" {
		t.Fatalf("expected stage=cache_hit on second call, got %s", entry.Stage)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 ML call, got %d", calls)
	}
}

func TestBuildNotifyEventOnlyFiresForBlock(t *testing.T) {
	if _, ok := BuildNotifyEvent(LogEntry{Decision: "rate_limit"}); ok {
		t.Fatal("expected rate_limit decision not to notify")
	}
	if _, ok := BuildNotifyEvent(LogEntry{Decision: "allow"}); ok {
		t.Fatal("expected allow decision not to notify")
	}
	ev, ok := BuildNotifyEvent(LogEntry{Decision: "block", RegexHits: []rules.Hit{{Category: "XSS"}}})
	if !ok || ev.Category != "XSS" {
		t.Fatalf("expected block to notify with category XSS, got %+v ok=%v", ev, ok)
	}
}

func TestBuildNotifyEventMLLabelOverridesRegexCategory(t *testing.T) {
	ev, ok := BuildNotifyEvent(LogEntry{
		Decision:  "block",
		RegexHits: []rules.Hit{{Category: "XSS"}},
		MLLabel:   "SQLI_CONFIRMED",
	})
	if !ok || ev.Category != "SQLI_CONFIRMED" {
		t.Fatalf("expected ml label to override regex category, got %+v", ev)
	}
}
