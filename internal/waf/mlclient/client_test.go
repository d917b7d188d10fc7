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

package mlclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClassifySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{Label: "SQLI", Confidence: 0.97})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Concurrency: 2, QueueLimit: 2, CircuitFailures: 2, CircuitCooldown: time.Minute})
	res, err := c.Classify(context.Background(), Request{Method: "GET"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Label != "SQLI" || res.Confidence != 0.97 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestClassifyNon200CountsAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, CircuitFailures: 1, CircuitCooldown: time.Minute})
	_, err := c.Classify(context.Background(), Request{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !c.circuitOpen() {
		t.Fatal("expected circuit to open after reaching failure threshold")
	}
}

func TestCircuitOpenShortCircuitsWithoutCallingServer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, CircuitFailures: 1, CircuitCooldown: time.Hour})
	c.Classify(context.Background(), Request{}) // trips the breaker
	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 call before trip, got %d", calls.Load())
	}

	_, err := c.Classify(context.Background(), Request{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable while circuit open, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected circuit-open call to skip the server entirely, calls=%d", calls.Load())
	}
}

func TestCircuitRecloseAfterCooldownOnSuccess(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Result{Label: "BENIGN"})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, CircuitFailures: 1, CircuitCooldown: time.Millisecond})
	c.Classify(context.Background(), Request{}) // trips the breaker

	time.Sleep(5 * time.Millisecond)
	fail.Store(false)

	res, err := c.Classify(context.Background(), Request{})
	if err != nil {
		t.Fatalf("expected the post-cooldown probe to succeed, got %v", err)
	}
	if res.Label != "BENIGN" {
		t.Fatalf("unexpected label: %s", res.Label)
	}
	if c.circuitOpen() {
		t.Fatal("expected circuit to remain closed after a successful probe")
	}
}

func TestQueueFullRejectsWithoutCountingAsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(Result{Label: "BENIGN"})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Concurrency: 1, QueueLimit: 1, CircuitFailures: 100, CircuitCooldown: time.Minute, Timeout: time.Second})

	done := make(chan struct{}, 3)
	for i := 0; i < 2; i++ {
		go func() {
			c.Classify(context.Background(), Request{})
			done <- struct{}{}
		}()
	}
	// Give the two goroutines time to occupy the single slot and the single
	// queue position.
	time.Sleep(30 * time.Millisecond)

	_, err := c.Classify(context.Background(), Request{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected queue-full rejection, got %v", err)
	}

	close(release)
	<-done
	<-done

	if c.circuitOpen() {
		t.Fatal("queue-full rejections must never trip the circuit breaker")
	}
}
