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

package rules

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"wafgate/internal/waf/normalize"
)

// Hit is a single rule match surfaced to the caller and, eventually, the
// audit log.
type Hit struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Target      string `json:"target"`
	Description string `json:"description"`
}

// Analysis is the result of running every loaded rule against a normalized
// request.
type Analysis struct {
	Score           int
	Hits            []Hit
	SuspectedParam  string
	Categories      []string // first-seen order, deduplicated
}

// Engine holds the live rule set. The rule list is append-or-replace only:
// readers always see a complete, consistent snapshot, loaded with a single
// atomic pointer swap rather than a lock held across every match (the
// snapshot is rebuilt, never mutated in place).
type Engine struct {
	rules atomic.Pointer[[]Rule]
}

// NewEngine constructs an engine with no rules loaded; call Load or
// LoadFile before analyzing traffic.
func NewEngine() *Engine {
	e := &Engine{}
	empty := []Rule{}
	e.rules.Store(&empty)
	return e
}

// LoadFile reads a YAML rules file and replaces the rule set atomically.
// A parse or compile failure leaves the previous rule set (if any)
// untouched and returns the error; at startup this is fatal per the error
// table (rule YAML parse / invalid pattern at load → startup fails).
func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	return e.Load(data)
}

// Load parses YAML rule specs and replaces the rule set atomically.
func (e *Engine) Load(yamlDoc []byte) error {
	var specs []RuleSpec
	if err := yaml.Unmarshal(yamlDoc, &specs); err != nil {
		return fmt.Errorf("parse rules yaml: %w", err)
	}
	compiled := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		rule, err := Compile(spec)
		if err != nil {
			return fmt.Errorf("compile rule %q: %w", spec.ID, err)
		}
		compiled = append(compiled, rule)
	}
	e.rules.Store(&compiled)
	return nil
}

// AddRule compiles a single rule and appends it to a fresh snapshot of the
// rule set. Used by the command poller's add_rule handling: a pattern
// compile failure is returned to the caller, who is expected to drop the
// command silently rather than propagate the error (§7).
func (e *Engine) AddRule(spec RuleSpec) error {
	rule, err := Compile(spec)
	if err != nil {
		return err
	}
	current := *e.rules.Load()
	// De-duplicate by rule id: a re-submitted add_rule with the same id
	// replaces the prior compiled rule instead of piling up duplicates
	// (Design Notes, "At-least-once commands").
	next := make([]Rule, 0, len(current)+1)
	replaced := false
	for _, r := range current {
		if r.ID == rule.ID {
			next = append(next, rule)
			replaced = true
			continue
		}
		next = append(next, r)
	}
	if !replaced {
		next = append(next, rule)
	}
	e.rules.Store(&next)
	return nil
}

// Rules returns the current snapshot of loaded rules.
func (e *Engine) Rules() []Rule {
	return *e.rules.Load()
}

// Analyze evaluates every loaded rule against a normalized request,
// following the exact matching order the rules were ported from: for a
// query-target rule, per-parameter "key=value" strings are tried first
// (the first matching key becomes the suspected parameter); only if none
// of them matches is the rule tried against the full re-emitted target
// text. Either path counts as one hit for that rule.
func (e *Engine) Analyze(n normalize.Normalized) Analysis {
	suspectedParam := "unknown"
	score := 0
	var hits []Hit
	var categoryOrder []string
	seenCategory := map[string]bool{}

	for _, rule := range e.Rules() {
		target := selectTarget(rule.Target, n)
		matched, param := matchRule(rule, target, n)
		if !matched {
			continue
		}
		if param != "" {
			suspectedParam = param
		}
		hits = append(hits, Hit{
			ID:          rule.ID,
			Category:    rule.Category,
			Target:      rule.Target,
			Description: rule.Description,
		})
		score += rule.Weight
		if !seenCategory[rule.Category] {
			seenCategory[rule.Category] = true
			categoryOrder = append(categoryOrder, rule.Category)
		}
	}

	if len(categoryOrder) > 1 {
		score += 2
	}
	if strings.Contains(n.Query, "%25") {
		score += 1
	}

	return Analysis{
		Score:          score,
		Hits:           hits,
		SuspectedParam: suspectedParam,
		Categories:     categoryOrder,
	}
}

func selectTarget(target string, n normalize.Normalized) string {
	switch target {
	case TargetPath:
		return n.Path
	case TargetBody:
		return n.Body
	case TargetHeaders:
		var b strings.Builder
		first := true
		for k, v := range n.Header {
			if !first {
				b.WriteByte(' ')
			}
			first = false
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(v)
		}
		return b.String()
	default:
		return n.Query
	}
}

// matchRule mirrors the original engine's two-phase check for query-target
// rules: the per-parameter loop runs first and returns the offending key as
// the suspected parameter; if nothing in that loop matches, the rule is
// still tried against the full target text.
func matchRule(rule Rule, target string, n normalize.Normalized) (bool, string) {
	if rule.Target == TargetQuery {
		// Canonical query params are already key-sorted (normalize.CanonicalQuery);
		// iterate keys in that same order so "first matching key" is deterministic
		// rather than dependent on Go's randomized map iteration.
		keys := make([]string, 0, len(n.Params))
		for k := range n.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			for _, v := range n.Params[key] {
				if matchWithTimeout(rule.Pattern, key+"="+v) {
					return true, key
				}
			}
		}
	}
	if matchWithTimeout(rule.Pattern, target) {
		return true, ""
	}
	return false, ""
}
