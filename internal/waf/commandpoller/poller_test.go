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

package commandpoller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wafgate/internal/waf/rules"
)

type fakeBlocklist struct {
	mu        sync.Mutex
	blocked   map[string]time.Duration
	defaulted map[string]bool
	unblocked map[string]bool
}

func newFakeBlocklist() *fakeBlocklist {
	return &fakeBlocklist{
		blocked:   make(map[string]time.Duration),
		defaulted: make(map[string]bool),
		unblocked: make(map[string]bool),
	}
}

func (f *fakeBlocklist) Block(ip string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[ip] = ttl
}

func (f *fakeBlocklist) BlockDefault(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaulted[ip] = true
}

func (f *fakeBlocklist) Unblock(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unblocked[ip] = true
}

func TestApplyCommandBlockIPWithExplicitZeroTTLUsesLiteralZero(t *testing.T) {
	bl := newFakeBlocklist()
	p := New("http://example.invalid", "hash", bl, rules.NewEngine(), nil)

	zero := int64(0)
	payload, _ := json.Marshal(blockPayload{IP: "1.2.3.4", TTLSeconds: &zero})
	p.applyCommand(command{CommandType: "block_ip", Payload: payload})

	if ttl, ok := bl.blocked["1.2.3.4"]; !ok || ttl != 0 {
		t.Fatalf("expected literal zero ttl block, got blocked=%v ok=%v", ttl, ok)
	}
	if bl.defaulted["1.2.3.4"] {
		t.Fatal("explicit zero ttl must not fall back to default")
	}
}

func TestApplyCommandBlockIPWithOmittedTTLUsesDefault(t *testing.T) {
	bl := newFakeBlocklist()
	p := New("http://example.invalid", "hash", bl, rules.NewEngine(), nil)

	payload, _ := json.Marshal(blockPayload{IP: "5.6.7.8"})
	p.applyCommand(command{CommandType: "block_ip", Payload: payload})

	if !bl.defaulted["5.6.7.8"] {
		t.Fatal("expected omitted ttl to resolve via BlockDefault")
	}
	if _, ok := bl.blocked["5.6.7.8"]; ok {
		t.Fatal("omitted ttl must not call Block directly")
	}
}

func TestApplyCommandUnblockIP(t *testing.T) {
	bl := newFakeBlocklist()
	p := New("http://example.invalid", "hash", bl, rules.NewEngine(), nil)

	payload, _ := json.Marshal(unblockPayload{IP: "9.9.9.9"})
	p.applyCommand(command{CommandType: "unblock_ip", Payload: payload})

	if !bl.unblocked["9.9.9.9"] {
		t.Fatal("expected ip to be unblocked")
	}
}

func TestApplyCommandAddRuleUsesDefaults(t *testing.T) {
	re := rules.NewEngine()
	p := New("http://example.invalid", "hash", newFakeBlocklist(), re, nil)

	payload, _ := json.Marshal(addRulePayload{Pattern: "evil.*"})
	p.applyCommand(command{CommandType: "add_rule", Payload: payload})

	found := false
	for _, r := range re.Rules() {
		if r.ID == "CMD_evil.*" {
			found = true
			if r.Category != "XSS" {
				t.Fatalf("expected default category XSS, got %s", r.Category)
			}
			if r.Target != "query" {
				t.Fatalf("expected default target query, got %s", r.Target)
			}
			if r.Weight != 2 {
				t.Fatalf("expected default weight 2, got %d", r.Weight)
			}
		}
	}
	if !found {
		t.Fatal("expected CMD_evil.* rule to be added")
	}
}

func TestApplyCommandAddRuleInvalidPatternSilentlyDropped(t *testing.T) {
	re := rules.NewEngine()
	p := New("http://example.invalid", "hash", newFakeBlocklist(), re, nil)

	payload, _ := json.Marshal(addRulePayload{Pattern: "(unclosed"})
	p.applyCommand(command{CommandType: "add_rule", Payload: payload})

	for _, r := range re.Rules() {
		if r.ID == "CMD_(unclosed" {
			t.Fatal("expected invalid pattern rule to be dropped, not added")
		}
	}
}

func TestPollOnceAppliesAndAcksCommands(t *testing.T) {
	bl := newFakeBlocklist()
	re := rules.NewEngine()

	var ackedIDs []json.Number
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/commands/pull":
			resp := pullResponse{Commands: []command{
				{ID: json.Number("1"), CommandType: "block_ip", Payload: json.RawMessage(`{"ip":"1.1.1.1"}`)},
				{ID: json.Number("2"), CommandType: "unblock_ip", Payload: json.RawMessage(`{"ip":"2.2.2.2"}`)},
			}}
			_ = json.NewEncoder(w).Encode(resp)
		case "/api/v1/commands/ack":
			body, _ := io.ReadAll(r.Body)
			var parsed struct {
				IDs []json.Number `json:"ids"`
			}
			_ = json.Unmarshal(body, &parsed)
			ackedIDs = parsed.IDs
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := New(srv.URL, "hash", bl, re, nil)
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !bl.defaulted["1.1.1.1"] {
		t.Fatal("expected block_ip command to be applied")
	}
	if !bl.unblocked["2.2.2.2"] {
		t.Fatal("expected unblock_ip command to be applied")
	}
	if len(ackedIDs) != 2 {
		t.Fatalf("expected 2 acked ids, got %d", len(ackedIDs))
	}
}

func TestPollOnceReturnsEarlyWhenLicenseHashUnset(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	p := New(srv.URL, "", newFakeBlocklist(), rules.NewEngine(), nil)
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("expected no HTTP call when license hash is unset")
	}
}

func TestPollOnceReturnsEarlyOnEmptyCommandList(t *testing.T) {
	ackCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/commands/pull":
			_ = json.NewEncoder(w).Encode(pullResponse{Commands: nil})
		case "/api/v1/commands/ack":
			ackCalled = true
		}
	}))
	defer srv.Close()

	p := New(srv.URL, "hash", newFakeBlocklist(), rules.NewEngine(), nil)
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ackCalled {
		t.Fatal("expected no ack call on empty command list")
	}
}

func TestPollOnceAdvancesCursorOnlyAfterAckSucceeds(t *testing.T) {
	var gotCursor string
	var pullCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/commands/pull":
			pullCount++
			gotCursor = r.URL.Query().Get("cursor")
			cursor := int64(42)
			_ = json.NewEncoder(w).Encode(pullResponse{
				Commands: []command{{ID: json.Number("7"), CommandType: "unblock_ip", Payload: json.RawMessage(`{"ip":"1.1.1.1"}`)}},
				Cursor:   &cursor,
			})
		case "/api/v1/commands/ack":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	p := New(srv.URL, "hash", newFakeBlocklist(), rules.NewEngine(), nil)
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotCursor != "" {
		t.Fatalf("expected no cursor on first pull, got %q", gotCursor)
	}
	if c := p.currentCursor(); c == nil || *c != 42 {
		t.Fatalf("expected cursor advanced to 42 after successful ack, got %v", c)
	}

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotCursor != "42" {
		t.Fatalf("expected second pull to send cursor=42, got %q", gotCursor)
	}
}

func TestPollOnceDoesNotAdvanceCursorWhenAckFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/commands/pull":
			cursor := int64(99)
			_ = json.NewEncoder(w).Encode(pullResponse{
				Commands: []command{{ID: json.Number("1"), CommandType: "unblock_ip", Payload: json.RawMessage(`{"ip":"1.1.1.1"}`)}},
				Cursor:   &cursor,
			})
		case "/api/v1/commands/ack":
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := New(srv.URL, "hash", newFakeBlocklist(), rules.NewEngine(), nil)
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c := p.currentCursor(); c != nil {
		t.Fatalf("expected cursor to remain unset when ack fails, got %v", *c)
	}
}

func TestPollOnceReturnsEarlyOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(srv.URL, "hash", newFakeBlocklist(), rules.NewEngine(), nil)
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
