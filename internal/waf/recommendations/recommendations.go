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

// Package recommendations maps detected attack categories to remediation
// guidance IDs, grounded on the OWASP Cheat Sheet Series.
package recommendations

import "sort"

// categoryRecs lists the remediation IDs associated with each attack
// category. A category maps to exactly three IDs.
var categoryRecs = map[string][]string{
	"SQLI":      {"REC_SQL_PARAM", "REC_SQL_ORM", "REC_SQL_WHITELIST"},
	"XSS":       {"REC_XSS_ENCODE", "REC_CSP", "REC_XSS_SANITIZE"},
	"TRAVERSAL": {"REC_PATH_WHITELIST", "REC_PATH_CHROOT", "REC_PATH_CANONICALIZE"},
	"CMD":       {"REC_CMD_AVOID_SHELL", "REC_CMD_WHITELIST", "REC_CMD_ESCAPE"},
	"SSRF":      {"REC_SSRF_ALLOWLIST", "REC_SSRF_VALIDATE", "REC_SSRF_NETWORK_ISOLATION"},
}

// Detail describes a single remediation recommendation.
type Detail struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	OWASPLink   string `json:"owasp_link"`
}

var details = map[string]Detail{
	"REC_SQL_PARAM": {
		Title:       "Use parameterized queries",
		Description: "Use prepared statements with bound parameters instead of string concatenation.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/Query_Parameterization_Cheat_Sheet.html",
	},
	"REC_SQL_ORM": {
		Title:       "Use an ORM",
		Description: "Use an ORM for database access instead of hand-built SQL.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/Injection_Prevention_Cheat_Sheet.html",
	},
	"REC_SQL_WHITELIST": {
		Title:       "Validate input",
		Description: "Apply whitelist validation for expected value shapes (numbers, enums).",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/Input_Validation_Cheat_Sheet.html",
	},
	"REC_XSS_ENCODE": {
		Title:       "Encode output",
		Description: "HTML-encode user-supplied data before rendering it.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/Cross_Site_Scripting_Prevention_Cheat_Sheet.html",
	},
	"REC_XSS_SANITIZE": {
		Title:       "Sanitize HTML",
		Description: "Use an HTML sanitizer library before accepting rich-text input.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/Cross_Site_Scripting_Prevention_Cheat_Sheet.html",
	},
	"REC_CSP": {
		Title:       "Content Security Policy",
		Description: "Set a Content-Security-Policy header to restrict inline script execution.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/Content_Security_Policy_Cheat_Sheet.html",
	},
	"REC_PATH_WHITELIST": {
		Title:       "Whitelist paths",
		Description: "Restrict file access to a whitelist of allowed paths or names.",
		OWASPLink:   "https://owasp.org/www-community/attacks/Path_Traversal",
	},
	"REC_PATH_CHROOT": {
		Title:       "Bound the root directory",
		Description: "Verify the resolved path stays within an allowed base directory.",
		OWASPLink:   "https://owasp.org/www-community/attacks/Path_Traversal",
	},
	"REC_PATH_CANONICALIZE": {
		Title:       "Canonicalize paths",
		Description: "Resolve the canonical path before checking it against an allowlist.",
		OWASPLink:   "https://owasp.org/www-community/attacks/Path_Traversal",
	},
	"REC_CMD_AVOID_SHELL": {
		Title:       "Avoid shell invocation",
		Description: "Invoke subprocesses with an argument list rather than a shell string.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/OS_Command_Injection_Defense_Cheat_Sheet.html",
	},
	"REC_CMD_WHITELIST": {
		Title:       "Whitelist commands",
		Description: "Restrict the set of commands and arguments to an allowlist.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/OS_Command_Injection_Defense_Cheat_Sheet.html",
	},
	"REC_CMD_ESCAPE": {
		Title:       "Escape arguments",
		Description: "Quote/escape arguments properly when a shell cannot be avoided.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/OS_Command_Injection_Defense_Cheat_Sheet.html",
	},
	"REC_SSRF_ALLOWLIST": {
		Title:       "Allowlist destinations",
		Description: "Restrict outbound requests to an allowlist of permitted domains or IPs.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/Server_Side_Request_Forgery_Prevention_Cheat_Sheet.html",
	},
	"REC_SSRF_VALIDATE": {
		Title:       "Validate URLs",
		Description: "Parse and validate URLs before requesting them; block private IP ranges.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/Server_Side_Request_Forgery_Prevention_Cheat_Sheet.html",
	},
	"REC_SSRF_NETWORK_ISOLATION": {
		Title:       "Isolate outbound network access",
		Description: "Use network policy to restrict what the application can reach outbound.",
		OWASPLink:   "https://cheatsheetseries.owasp.org/cheatsheets/Server_Side_Request_Forgery_Prevention_Cheat_Sheet.html",
	},
}

// Map returns the sorted, deduplicated union of every category's three
// recommendation IDs across all given categories — not one ID per
// category, the full set for each.
func Map(categories []string) []string {
	seen := make(map[string]struct{})
	for _, cat := range categories {
		for _, id := range categoryRecs[cat] {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Details returns the full recommendation records for the given IDs, in
// the order given, skipping any ID without a known record.
func Details(ids []string) []Detail {
	out := make([]Detail, 0, len(ids))
	for _, id := range ids {
		if d, ok := details[id]; ok {
			d.ID = id
			out = append(out, d)
		}
	}
	return out
}
