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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS licenses (
	license_hash TEXT PRIMARY KEY,
	chat_id INTEGER,
	activated_at DATETIME
);

CREATE TABLE IF NOT EXISTS nonces (
	nonce TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nonces_created_at ON nonces(created_at);

CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	license_hash TEXT NOT NULL,
	command_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	acked INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_commands_license_acked ON commands(license_hash, acked, id);

CREATE TABLE IF NOT EXISTS audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	details TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore is the durable default Store, backed by a pure-Go SQLite
// driver (no cgo).
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewSQLiteStore opens (creating if absent) the SQLite database at path
// and ensures its schema exists.
func NewSQLiteStore(path string, logger *zap.SugaredLogger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Infow("sqlite control-plane store initialized", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle so sibling control-plane tables
// (e.g. quota.SQLiteSink's usage counters) can share one database file
// instead of opening a second connection to the same path.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) InsertLicense(ctx context.Context, licenseHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO licenses (license_hash, activated_at) VALUES (?, NULL)`,
		licenseHash)
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ActivateLicense(ctx context.Context, licenseHash string, chatID int64) error {
	var existing sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT chat_id FROM licenses WHERE license_hash = ?`, licenseHash)
	switch err := row.Scan(&existing); err {
	case sql.ErrNoRows:
		return ErrUnknownLicense
	case nil:
	default:
		return fmt.Errorf("lookup license: %w", err)
	}
	if existing.Valid && existing.Int64 != chatID {
		return ErrLicenseConflict
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET chat_id = ?, activated_at = ? WHERE license_hash = ?`,
		chatID, time.Now().UTC().Format(time.RFC3339), licenseHash)
	if err != nil {
		return fmt.Errorf("activate license: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ChatForLicense(ctx context.Context, licenseHash string) (int64, error) {
	var chatID sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT chat_id FROM licenses WHERE license_hash = ?`, licenseHash)
	switch err := row.Scan(&chatID); err {
	case sql.ErrNoRows:
		return 0, ErrUnknownLicense
	case nil:
	default:
		return 0, fmt.Errorf("lookup license: %w", err)
	}
	if !chatID.Valid {
		return 0, ErrUnknownLicense
	}
	return chatID.Int64, nil
}

func (s *SQLiteStore) CheckAndStoreNonce(ctx context.Context, nonce string, createdAt time.Time, maxAge time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin nonce tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := createdAt.Add(-maxAge).Unix()
	if _, err := tx.ExecContext(ctx, `DELETE FROM nonces WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("gc nonces: %w", err)
	}

	var seen string
	err = tx.QueryRowContext(ctx, `SELECT nonce FROM nonces WHERE nonce = ?`, nonce).Scan(&seen)
	switch err {
	case nil:
		return ErrReplay
	case sql.ErrNoRows:
	default:
		return fmt.Errorf("lookup nonce: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO nonces (nonce, created_at) VALUES (?, ?)`, nonce, createdAt.Unix()); err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) EnqueueCommand(ctx context.Context, licenseHash, commandType string, payload json.RawMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (license_hash, command_type, payload) VALUES (?, ?, ?)`,
		licenseHash, commandType, string(payload))
	if err != nil {
		return 0, fmt.Errorf("enqueue command: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) PullCommands(ctx context.Context, licenseHash string, cursor *int64, limit int) ([]Command, int64, error) {
	var rows *sql.Rows
	var err error
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, command_type, payload, created_at FROM commands WHERE license_hash = ? AND acked = 0 ORDER BY id ASC LIMIT ?`,
			licenseHash, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, command_type, payload, created_at FROM commands WHERE license_hash = ? AND acked = 0 AND id > ? ORDER BY id ASC LIMIT ?`,
			licenseHash, *cursor, limit)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("pull commands: %w", err)
	}
	defer rows.Close()

	nextCursor := int64(0)
	if cursor != nil {
		nextCursor = *cursor
	}
	var out []Command
	for rows.Next() {
		var c Command
		var payload string
		var createdAt time.Time
		if err := rows.Scan(&c.ID, &c.CommandType, &payload, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan command row: %w", err)
		}
		c.LicenseHash = licenseHash
		c.Payload = json.RawMessage(payload)
		c.CreatedAt = createdAt
		if c.ID > nextCursor {
			nextCursor = c.ID
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate command rows: %w", err)
	}
	return out, nextCursor, nil
}

func (s *SQLiteStore) AckCommands(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ack tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE commands SET acked = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("ack command %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, action, details string) error {
	if len(details) > 500 {
		details = details[:500]
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit (action, details) VALUES (?, ?)`, action, details)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
