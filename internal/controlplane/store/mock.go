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
	"encoding/json"
	"sync"
	"time"
)

type mockLicense struct {
	chatID   *int64
	activated *time.Time
}

// MockStore is an in-process Store for tests and dependency-free demo
// runs, matching the reference project's own "mock" adapter idiom in
// its persistence factory.
type MockStore struct {
	mu       sync.Mutex
	licenses map[string]*mockLicense
	nonces   map[string]time.Time
	commands []Command
	nextID   int64
	audit    []string
}

// NewMockStore builds an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		licenses: make(map[string]*mockLicense),
		nonces:   make(map[string]time.Time),
	}
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) InsertLicense(ctx context.Context, licenseHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.licenses[licenseHash]; !ok {
		m.licenses[licenseHash] = &mockLicense{}
	}
	return nil
}

func (m *MockStore) ActivateLicense(ctx context.Context, licenseHash string, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lic, ok := m.licenses[licenseHash]
	if !ok {
		return ErrUnknownLicense
	}
	if lic.chatID != nil && *lic.chatID != chatID {
		return ErrLicenseConflict
	}
	now := time.Now().UTC()
	lic.chatID = &chatID
	lic.activated = &now
	return nil
}

func (m *MockStore) ChatForLicense(ctx context.Context, licenseHash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lic, ok := m.licenses[licenseHash]
	if !ok || lic.chatID == nil {
		return 0, ErrUnknownLicense
	}
	return *lic.chatID, nil
}

func (m *MockStore) CheckAndStoreNonce(ctx context.Context, nonce string, createdAt time.Time, maxAge time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := createdAt.Add(-maxAge)
	for n, ts := range m.nonces {
		if ts.Before(cutoff) {
			delete(m.nonces, n)
		}
	}
	if _, seen := m.nonces[nonce]; seen {
		return ErrReplay
	}
	m.nonces[nonce] = createdAt
	return nil
}

func (m *MockStore) EnqueueCommand(ctx context.Context, licenseHash, commandType string, payload json.RawMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.commands = append(m.commands, Command{
		ID:          m.nextID,
		LicenseHash: licenseHash,
		CommandType: commandType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	})
	return m.nextID, nil
}

func (m *MockStore) PullCommands(ctx context.Context, licenseHash string, cursor *int64, limit int) ([]Command, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nextCursor := int64(0)
	if cursor != nil {
		nextCursor = *cursor
	}
	var out []Command
	for _, c := range m.commands {
		if c.LicenseHash != licenseHash || c.Acked {
			continue
		}
		if cursor != nil && c.ID <= *cursor {
			continue
		}
		out = append(out, c)
		if c.ID > nextCursor {
			nextCursor = c.ID
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nextCursor, nil
}

func (m *MockStore) AckCommands(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ackSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		ackSet[id] = true
	}
	for i := range m.commands {
		if ackSet[m.commands[i].ID] {
			m.commands[i].Acked = true
		}
	}
	return nil
}

func (m *MockStore) AppendAudit(ctx context.Context, action, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(details) > 500 {
		details = details[:500]
	}
	m.audit = append(m.audit, action+": "+details)
	return nil
}

var _ Store = (*MockStore)(nil)
