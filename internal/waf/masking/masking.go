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

// Package masking redacts sensitive request data before it is logged.
package masking

import "strings"

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
}

// Headers returns a copy of headers with sensitive values replaced by
// "***", matched case-insensitively by key.
func Headers(headers map[string]string) map[string]string {
	masked := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, sensitive := sensitiveHeaders[strings.ToLower(k)]; sensitive {
			masked[k] = "***"
		} else {
			masked[k] = v
		}
	}
	return masked
}

// Truncate shortens value to maxLen runes, appending "..." if it was cut.
func Truncate(value string, maxLen int) string {
	r := []rune(value)
	if len(r) > maxLen {
		return string(r[:maxLen]) + "..."
	}
	return value
}
