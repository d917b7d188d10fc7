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

package fingerprint

import "testing"

func TestBuildIsDeterministic(t *testing.T) {
	a := Build("get", "/x", "q=1", "text/plain", "")
	b := Build("GET", "/x", "q=1", "text/plain", "")
	if a != b {
		t.Fatalf("expected method case to be normalized, got %s != %s", a, b)
	}
}

func TestBuildDiffersOnAnyField(t *testing.T) {
	base := Build("GET", "/x", "q=1", "text/plain", "body")
	variants := []string{
		Build("POST", "/x", "q=1", "text/plain", "body"),
		Build("GET", "/y", "q=1", "text/plain", "body"),
		Build("GET", "/x", "q=2", "text/plain", "body"),
		Build("GET", "/x", "q=1", "application/json", "body"),
		Build("GET", "/x", "q=1", "text/plain", "other"),
	}
	for _, v := range variants {
		if v == base {
			t.Fatalf("expected distinct fingerprint, got collision with base %s", base)
		}
	}
}
