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

package quota

import (
	"context"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		PerLicenseBudget: 3,
		Window:           time.Hour,
		CommitThreshold:  1000, // disable watermark flush for this test
		CommitInterval:   time.Hour,
		IdleEvictAge:     time.Hour,
	}
}

func TestAdmitRespectsBudget(t *testing.T) {
	a := New(testConfig(), NewMockSink(), nil)
	for i := 0; i < 3; i++ {
		if !a.Admit("lic1") {
			t.Fatalf("expected admit %d to succeed", i)
		}
	}
	if a.Admit("lic1") {
		t.Fatal("expected 4th admit to be refused once budget exhausted")
	}
}

func TestAdmitTracksLicensesIndependently(t *testing.T) {
	a := New(testConfig(), NewMockSink(), nil)
	for i := 0; i < 3; i++ {
		a.Admit("lic1")
	}
	if !a.Admit("lic2") {
		t.Fatal("a different license's budget must be independent")
	}
}

func TestRunCycleFlushesAboveThresholdAndCommits(t *testing.T) {
	cfg := testConfig()
	cfg.CommitThreshold = 2
	sink := NewMockSink().(*mockSink)
	a := New(cfg, sink, nil)

	a.Admit("lic1")
	a.Admit("lic1")

	a.runCycle(context.Background())

	sink.mu.Lock()
	total := sink.totals["lic1"]
	sink.mu.Unlock()
	if total != 2 {
		t.Fatalf("expected flushed usage of 2, got %d", total)
	}

	mbAny, ok := a.counters.Load("lic1")
	if !ok {
		t.Fatal("expected counter to still be tracked after flush")
	}
	scalar, vector := mbAny.(*managedBudget).instance.State()
	if vector != 0 {
		t.Fatalf("expected vector reset to 0 after commit, got %d", vector)
	}
	if scalar != cfg.PerLicenseBudget-2 {
		t.Fatalf("expected scalar reduced by committed usage, got %d", scalar)
	}
}

func TestStopPerformsFinalFlush(t *testing.T) {
	cfg := testConfig()
	sink := NewMockSink().(*mockSink)
	a := New(cfg, sink, nil)
	a.Admit("lic1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	a.Stop(context.Background())

	sink.mu.Lock()
	total := sink.totals["lic1"]
	sink.mu.Unlock()
	if total != 1 {
		t.Fatalf("expected final flush to commit outstanding usage, got %d", total)
	}
}

func TestRunCycleEvictsIdleLicenses(t *testing.T) {
	cfg := testConfig()
	cfg.IdleEvictAge = time.Millisecond
	sink := NewMockSink().(*mockSink)
	a := New(cfg, sink, nil)

	a.Admit("lic1")
	time.Sleep(5 * time.Millisecond)
	a.runCycle(context.Background())

	if _, ok := a.counters.Load("lic1"); ok {
		t.Fatal("expected idle license counter to be evicted")
	}
}

func TestBuildSinkSelectsAdapter(t *testing.T) {
	s, err := BuildSink("mock", SinkOptions{})
	if err != nil {
		t.Fatalf("build mock: %v", err)
	}
	if _, ok := s.(*mockSink); !ok {
		t.Fatalf("expected *mockSink, got %T", s)
	}

	if _, err := BuildSink("sqlite", SinkOptions{}); err == nil {
		t.Fatal("expected error when sqlite adapter has no *sql.DB")
	}

	if _, err := BuildSink("bogus", SinkOptions{}); err == nil {
		t.Fatal("expected error for unknown adapter")
	}
}
