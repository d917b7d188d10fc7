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

// Package audit implements the hash-chained, rotating JSONL audit log that
// records every gateway decision.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// zeroHash seeds a fresh chain: 64 hex zero characters, standing in for
// "no prior entry".
var zeroHash = strings.Repeat("0", 64)

// chainState is the on-disk record of the chain's last hash, so the chain
// survives process restarts.
type chainState struct {
	PrevHash string `json:"prev_hash"`
}

// Chain is a rolling SHA-256 hash chain over canonical JSON payloads. Each
// entry's hash folds in the previous entry's hash, so truncating or
// reordering the log is detectable.
type Chain struct {
	mu        sync.Mutex
	statePath string
	prevHash  string
}

// NewChain loads (or seeds) the chain state at statePath.
func NewChain(statePath string) *Chain {
	return &Chain{statePath: statePath, prevHash: loadChainState(statePath)}
}

func loadChainState(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return zeroHash
	}
	var st chainState
	if err := json.Unmarshal(data, &st); err != nil || st.PrevHash == "" {
		return zeroHash
	}
	return st.PrevHash
}

func (c *Chain) saveState() error {
	if err := os.MkdirAll(filepath.Dir(c.statePath), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(chainState{PrevHash: c.prevHash})
	if err != nil {
		return err
	}
	return os.WriteFile(c.statePath, data, 0o644)
}

// Append folds payload into the chain and returns the previous and new
// hash. The new hash becomes the chain's head and is persisted before
// Append returns.
func (c *Chain) Append(payload []byte) (prevHash, entryHash string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := sha256.New()
	h.Write([]byte(c.prevHash))
	h.Write(payload)
	sum := hex.EncodeToString(h.Sum(nil))

	prev := c.prevHash
	c.prevHash = sum
	if err := c.saveState(); err != nil {
		return "", "", err
	}
	return prev, sum, nil
}

// Head returns the chain's current hash without mutating it.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevHash
}
