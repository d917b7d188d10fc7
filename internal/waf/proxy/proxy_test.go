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

package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wafgate/internal/waf/blocklist"
	"wafgate/internal/waf/cache"
	"wafgate/internal/waf/engine"
	"wafgate/internal/waf/mlclient"
	"wafgate/internal/waf/ratelimit"
	"wafgate/internal/waf/rules"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (a *recordingAudit) Write(entry map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []engine.NotifyEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, event engine.NotifyEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func newTestProxy(t *testing.T, upstreamURL string, audit AuditWriter, notifier Notifier) *Proxy {
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
	rl := ratelimit.NewLimiter(100, 10, 100)
	bl := blocklist.NewBlocklist(time.Minute)
	dc := cache.NewDecisionCache(16, time.Minute)
	ml := mlclient.New(mlclient.Config{URL: upstreamURL + "/ml"})
	eng := engine.New(engine.Config{DecodeRounds: 2, BodyTruncate: 8192, CacheMaxSize: 16, CacheTTL: time.Minute}, re, rl, bl, dc, ml)
	return New(eng, audit, notifier, upstreamURL, 2, 8192)
}

func TestProxyForwardsAllowedRequestUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	audit := &recordingAudit{}
	p := newTestProxy(t, upstream.URL, audit, &recordingNotifier{})

	req := httptest.NewRequest(http.MethodGet, "/home?q=hi", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Fatal("expected upstream header to be forwarded")
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id to be set")
	}
	if w.Body.String() != "hello" {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if len(audit.entries) != 1 {
		t.Fatalf("expected exactly 1 audit write, got %d", len(audit.entries))
	}
}

func TestProxyBlocksAndNotifiesWithoutForwarding(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	audit := &recordingAudit{}
	notifier := &recordingNotifier{}
	p := newTestProxy(t, upstream.URL, audit, notifier)

	req := httptest.NewRequest(http.MethodGet, "/api?id=1 OR 1=1", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if called {
		t.Fatal("expected upstream not to be contacted for a blocked request")
	}
	if len(notifier.events) != 1 {
		t.Fatalf("expected exactly 1 notify call, got %d", len(notifier.events))
	}
}

func TestProxyRateLimitDoesNotNotify(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	audit := &recordingAudit{}
	notifier := &recordingNotifier{}
	p := newTestProxy(t, upstream.URL, audit, notifier)
	p.Engine.RateLimit = ratelimit.NewLimiter(0, 0, 0) // always denies

	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("expected no notify events for rate_limit (BuildNotifyEvent gates on block), got %d", len(notifier.events))
	}
	if len(audit.entries) != 1 {
		t.Fatalf("expected exactly 1 audit write, got %d", len(audit.entries))
	}
}

func TestProxyReturns502WhenUpstreamUnreachable(t *testing.T) {
	audit := &recordingAudit{}
	p := newTestProxy(t, "http://127.0.0.1:0", audit, &recordingNotifier{})

	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if len(audit.entries) != 1 {
		t.Fatalf("expected exactly 1 audit write even on upstream failure, got %d", len(audit.entries))
	}
}

func TestProxyStripsHopByHopResponseHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Keep", "me")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL, &recordingAudit{}, &recordingNotifier{})
	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	if w.Header().Get("Connection") != "" {
		t.Fatal("expected hop-by-hop Connection header to be stripped")
	}
	if w.Header().Get("X-Keep") != "me" {
		t.Fatal("expected non-hop-by-hop header to pass through")
	}
}
