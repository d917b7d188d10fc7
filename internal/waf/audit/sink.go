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

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink is a buffered, hash-chained JSONL writer. One Sink owns one active
// log file and the Chain that seals it; rotation is handled internally.
type Sink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	rot  RotateConfig
	size int64

	chain     *Chain
	lastFlush time.Time
}

// RotateConfig bounds the active log file's size before it is rolled into
// numbered backups.
type RotateConfig struct {
	MaxBytes int64
	Keep     int
}

// NewSink opens (or creates) the log at path in append mode, backed by the
// hash chain state at statePath.
func NewSink(path, statePath string, rot RotateConfig) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Sink{
		f:         f,
		w:         bufio.NewWriterSize(f, 1<<16),
		path:      path,
		rot:       rot,
		size:      info.Size(),
		chain:     NewChain(statePath),
		lastFlush: time.Now(),
	}, nil
}

// Write appends entry to the log: it hashes the entry's canonical payload
// into the chain, stamps prev_hash/entry_hash onto the entry, serializes
// it (again canonically, so the stored line matches what a verifier will
// recompute), and appends the line. The file is flushed before Write
// returns — an audit entry that isn't durable the moment the request is
// decided defeats the point of the log. Concurrent calls are serialized,
// so entries reach the file in the same order they enter the chain.
func (s *Sink) Write(entry map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := canonicalPayload(entry)
	if err != nil {
		return err
	}
	prevHash, entryHash, err := s.chain.Append(payload)
	if err != nil {
		return err
	}
	entry[fieldPrevHash] = prevHash
	entry[fieldEntryHash] = entryHash

	line, err := canonicalSigned(entry)
	if err != nil {
		return err
	}

	n, err := s.w.Write(line)
	if err == nil {
		var nl int
		nl, err = s.w.WriteString("\n")
		n += nl
	}
	if err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.lastFlush = time.Now()
	s.size += int64(n)

	if s.rot.MaxBytes > 0 && s.size >= s.rot.MaxBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

// canonicalSigned serializes entry (including its now-populated chain
// fields) with sorted keys, for storage.
func canonicalSigned(entry map[string]any) ([]byte, error) {
	return json.Marshal(entry)
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
