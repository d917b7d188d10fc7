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

import "encoding/json"

// fieldPrevHash and fieldEntryHash are the pair injected into every entry after hashing; it is
// always stripped before recomputing a hash, whether writing or verifying.
const (
	fieldPrevHash  = "prev_hash"
	fieldEntryHash = "entry_hash"
)

// canonicalPayload marshals entry with its chain fields removed, as a
// compact JSON object with lexicographically sorted keys. encoding/json
// sorts map[string]any keys automatically and emits no extraneous
// whitespace, which is exactly the canonical form the hash chain needs —
// the same bytes must be reproducible from a write or a later replay.
func canonicalPayload(entry map[string]any) ([]byte, error) {
	clean := make(map[string]any, len(entry))
	for k, v := range entry {
		if k == fieldPrevHash || k == fieldEntryHash {
			continue
		}
		clean[k] = v
	}
	return json.Marshal(clean)
}
