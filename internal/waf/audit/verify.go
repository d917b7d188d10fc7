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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// VerifyResult reports the outcome of an offline chain verification pass.
type VerifyResult struct {
	OK         bool
	Entries    int
	FailedLine int
	Reason     string
}

// VerifyFile replays every line of the log at path, recomputing each
// entry's hash from the running chain head and comparing it against the
// stored entry_hash. It stops at the first mismatch or malformed line.
func VerifyFile(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyResult{OK: false, Reason: "file not found"}, nil
		}
		return VerifyResult{}, err
	}
	defer f.Close()

	prevHash := zeroHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<26)

	lineNo := 0
	entries := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return VerifyResult{OK: false, Entries: entries, FailedLine: lineNo,
				Reason: fmt.Sprintf("bad json: %v", err)}, nil
		}

		payload, err := canonicalPayload(entry)
		if err != nil {
			return VerifyResult{OK: false, Entries: entries, FailedLine: lineNo,
				Reason: fmt.Sprintf("encode: %v", err)}, nil
		}
		h := sha256.New()
		h.Write([]byte(prevHash))
		h.Write(payload)
		expected := hex.EncodeToString(h.Sum(nil))

		actual, _ := entry[fieldEntryHash].(string)
		if actual != expected {
			return VerifyResult{OK: false, Entries: entries, FailedLine: lineNo,
				Reason: "hash mismatch"}, nil
		}

		prevHash = actual
		entries++
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{OK: true, Entries: entries}, nil
}
