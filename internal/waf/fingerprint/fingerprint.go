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

// Package fingerprint derives the stable cache key for a normalized
// request.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Build hashes the normalized request's identity fields into the decision
// cache key: METHOD|path|canonical_query|content_type|body, joined by "|".
func Build(method, path, query, contentType, body string) string {
	canonical := strings.Join([]string{strings.ToUpper(method), path, query, contentType, body}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
