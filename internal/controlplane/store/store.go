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

// Package store is the control plane's durable persistence layer:
// license activation, replay-protection nonces, the command outbox, and
// the forwarded-event audit trail.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnknownLicense is returned when a license hash has no row at all -
// it was never issued/inserted.
var ErrUnknownLicense = errors.New("store: unknown license")

// ErrLicenseConflict is returned when activating a license that is
// already bound to a different chat.
var ErrLicenseConflict = errors.New("store: license already bound to a different chat")

// ErrChatNotActivated names the case of no license row bound to a chat
// id. Neither Store implementation returns it; ChatForLicense reports a
// license with no chat bound as ErrUnknownLicense.
var ErrChatNotActivated = errors.New("store: chat not activated")

// ErrReplay is returned when a nonce has already been recorded within
// its retention window.
var ErrReplay = errors.New("store: replay detected")

// Command mirrors one row of the command outbox.
type Command struct {
	ID          int64
	LicenseHash string
	CommandType string
	Payload     json.RawMessage
	CreatedAt   time.Time
	Acked       bool
}

// Store is the full persistence surface the control plane's HTTP
// handlers (package ingest) need. SQLiteStore is the durable default;
// MockStore is an in-process stand-in for tests and dependency-free
// demos, matching the reference project's own "mock" adapter idiom.
type Store interface {
	// InsertLicense registers a license hash with no chat bound yet.
	// Re-inserting an existing hash is a no-op (INSERT OR IGNORE).
	InsertLicense(ctx context.Context, licenseHash string) error

	// ActivateLicense binds licenseHash to chatID. Binding the same pair
	// again is idempotent; binding a different chatID to an already-bound
	// license returns ErrLicenseConflict. An unknown license returns
	// ErrUnknownLicense.
	ActivateLicense(ctx context.Context, licenseHash string, chatID int64) error

	// ChatForLicense resolves the chat id bound to a license hash.
	// Returns ErrUnknownLicense if the license has no chat bound.
	ChatForLicense(ctx context.Context, licenseHash string) (int64, error)

	// CheckAndStoreNonce records nonce if it has not already been seen
	// within maxAge, returning ErrReplay if it has. Implementations also
	// garbage-collect nonces older than maxAge on each call.
	CheckAndStoreNonce(ctx context.Context, nonce string, createdAt time.Time, maxAge time.Duration) error

	// EnqueueCommand appends a new command to the outbox and returns its
	// assigned id.
	EnqueueCommand(ctx context.Context, licenseHash, commandType string, payload json.RawMessage) (int64, error)

	// PullCommands returns up to limit unacked commands for licenseHash
	// with id greater than cursor (cursor == nil pulls from the start),
	// ordered by id ascending, plus the highest id observed (or cursor's
	// value, whichever is larger, if none were returned).
	PullCommands(ctx context.Context, licenseHash string, cursor *int64, limit int) ([]Command, int64, error)

	// AckCommands marks the given ids as acked. Unknown ids are ignored.
	AckCommands(ctx context.Context, ids []int64) error

	// AppendAudit records a short audit line for an ingest-side action
	// (distinct from the gateway's hash-chained JSONL log - this is the
	// control plane's own lightweight activity trail).
	AppendAudit(ctx context.Context, action, details string) error

	// Close releases any underlying resources (DB handles, connections).
	Close() error
}

// NonceChecker is the narrow surface store.Store.CheckAndStoreNonce
// exposes on its own, so a Redis-backed implementation can be swapped
// in for just that one concern while everything else stays on the
// default SQLite store - mirroring the reference project's adapter
// factory, which lets the nonce/counter backing store vary
// independently of the rest of the schema.
type NonceChecker interface {
	CheckAndStoreNonce(ctx context.Context, nonce string, createdAt time.Time, maxAge time.Duration) error
}
