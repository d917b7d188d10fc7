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

package eventsender

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"wafgate/internal/waf/engine"
	"wafgate/internal/waf/hmacsig"
)

func TestNotifySignsAndDeliversEvent(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "secret", "abc123hash", nil)
	err := s.Notify(context.Background(), engine.NotifyEvent{RequestID: "r1", Decision: "block", Category: "SQLI"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ts := gotHeaders.Get("X-Timestamp")
	nonce := gotHeaders.Get("X-Nonce")
	sig := gotHeaders.Get("X-Signature")
	if ts == "" || nonce == "" || sig == "" {
		t.Fatalf("expected all three hmac headers, got ts=%q nonce=%q sig=%q", ts, nonce, sig)
	}
	if !hmacsig.Verify("secret", ts, nonce, gotBody, sig) {
		t.Fatal("expected signature to verify against delivered body")
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload["license_key_hash"] != "abc123hash" {
		t.Fatalf("expected license_key_hash injected, got %v", payload["license_key_hash"])
	}
	if payload["request_id"] != "r1" {
		t.Fatalf("expected request_id r1, got %v", payload["request_id"])
	}
}

func TestNotifySkipsWhenUnconfigured(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := New("", "", "", nil)
	if err := s.Notify(context.Background(), engine.NotifyEvent{RequestID: "r1"}); err != nil {
		t.Fatalf("expected no error on unconfigured sender, got %v", err)
	}
	if called {
		t.Fatal("expected no HTTP call when control plane is unconfigured")
	}
}

func TestNotifyDeliveryErrorIsSwallowed(t *testing.T) {
	s := New("http://127.0.0.1:0", "secret", "hash", nil)
	if err := s.Notify(context.Background(), engine.NotifyEvent{RequestID: "r1"}); err != nil {
		t.Fatalf("expected delivery errors to be swallowed, got %v", err)
	}
}
