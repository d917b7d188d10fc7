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

// Package quota is the control plane's own per-license admission budget
// for inbound events, modeled on the same scalar-minus-in-flight-vector
// accumulator the reference project uses for its API rate limiter.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"wafgate/internal/ratelimiter/persistence"
)

// Sink is the pluggable counter store a per-license usage flush lands
// in - the same IdempotentPersister shape the reference project's
// rate-limiter worker commits to, reused here for quota usage instead
// of API-budget usage.
type Sink = persistence.IdempotentPersister

// mockSink logs commits and de-duplicates by commit id in memory, for
// dependency-free demo runs - mirrors the reference project's own
// NewMockPersister default.
type mockSink struct {
	mu      sync.Mutex
	applied map[string]bool
	totals  map[string]int64
}

// NewMockSink builds a log-only, in-process idempotent sink.
func NewMockSink() Sink {
	return &mockSink{applied: make(map[string]bool), totals: make(map[string]int64)}
}

func (m *mockSink) CommitBatch(ctx context.Context, entries []persistence.CommitEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.CommitID == "" {
			return errors.New("CommitEntry.CommitID must be set")
		}
		if m.applied[e.CommitID] {
			continue
		}
		m.applied[e.CommitID] = true
		m.totals[e.Key] += e.Vector
	}
	return nil
}

// SQLiteSink is an idempotent quota-usage sink backed by the control
// plane's own SQLite database, following the reference project's
// documented Postgres idempotent-commit pattern (applied-commits marker
// table guarding a counter update) translated to SQLite syntax
// (`INSERT OR IGNORE` in place of `ON CONFLICT DO NOTHING`, no
// `GREATEST`).
type SQLiteSink struct {
	db *sql.DB
}

const quotaSchema = `
CREATE TABLE IF NOT EXISTS quota_counters (
	license_hash TEXT PRIMARY KEY,
	usage INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS quota_applied_commits (
	commit_id TEXT PRIMARY KEY,
	license_hash TEXT NOT NULL,
	vector INTEGER NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// NewSQLiteSink opens the quota-usage tables on an existing database
// handle (the same one store.SQLiteStore uses for licenses/nonces/
// commands), so the control plane needs only one database file.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	if _, err := db.Exec(quotaSchema); err != nil {
		return nil, fmt.Errorf("quota sink migrate: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// CommitBatch applies each entry inside one transaction: an
// applied-commits marker insert guards the counter update so a retried
// CommitID is a no-op.
func (s *SQLiteSink) CommitBatch(ctx context.Context, entries []persistence.CommitEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quota commit tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if e.CommitID == "" {
			return errors.New("CommitEntry.CommitID must be set")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO quota_counters (license_hash, usage) VALUES (?, 0)`, e.Key); err != nil {
			return fmt.Errorf("seed quota counter(%s): %w", e.Key, err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO quota_applied_commits (commit_id, license_hash, vector) VALUES (?, ?, ?)`,
			e.CommitID, e.Key, e.Vector)
		if err != nil {
			return fmt.Errorf("insert quota commit marker(%s): %w", e.CommitID, err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for quota commit(%s): %w", e.CommitID, err)
		}
		if inserted == 0 {
			continue // already applied; skip the counter update
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE quota_counters SET usage = usage + ? WHERE license_hash = ?`, e.Vector, e.Key); err != nil {
			return fmt.Errorf("update quota counter(%s): %w", e.Key, err)
		}
	}
	return tx.Commit()
}

var _ Sink = (*mockSink)(nil)
var _ Sink = (*SQLiteSink)(nil)
