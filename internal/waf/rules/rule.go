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

// Package rules implements the regex detection engine: a set of
// immutable-after-load rules matched against a normalized request, with a
// per-match timeout so a hostile operator-submitted pattern can never wedge
// the engine (see Design Notes, "Regex engine choice").
package rules

import (
	"regexp"
	"time"
)

// Target names where a rule's pattern is matched.
const (
	TargetQuery   = "query"
	TargetPath    = "path"
	TargetBody    = "body"
	TargetHeaders = "headers"
)

// matchTimeout bounds a single pattern evaluation. Go's regexp package is
// RE2-based and already immune to catastrophic backtracking, but a rule
// file is operator-editable data (including over the wire via add_rule),
// so every match still runs under this cap rather than trusting the engine
// alone.
const matchTimeout = 10 * time.Millisecond

// Rule is a single compiled detection rule, immutable once constructed.
type Rule struct {
	ID          string
	Category    string
	Description string
	Target      string
	Weight      int
	Pattern     *regexp.Regexp
}

// RuleSpec is the on-disk (YAML) shape of a rule, before compilation.
type RuleSpec struct {
	ID          string `yaml:"id"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
	Target      string `yaml:"target"`
	Pattern     string `yaml:"pattern"`
	IgnoreCase  bool   `yaml:"ignore_case"`
	Weight      int    `yaml:"weight"`
}

// Compile validates and compiles a RuleSpec into a Rule.
func Compile(spec RuleSpec) (Rule, error) {
	pattern := spec.Pattern
	if spec.IgnoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, err
	}
	target := spec.Target
	if target == "" {
		target = TargetQuery
	}
	weight := spec.Weight
	if weight <= 0 {
		weight = 1
	}
	return Rule{
		ID:          spec.ID,
		Category:    spec.Category,
		Description: spec.Description,
		Target:      target,
		Weight:      weight,
		Pattern:     re,
	}, nil
}

// matchWithTimeout runs pattern.MatchString(s) but gives up (treating it as
// a non-match, never an error) if it takes longer than matchTimeout. RE2
// patterns never actually need this in practice; it exists so a
// pathological pattern degrades the request instead of the process.
func matchWithTimeout(re *regexp.Regexp, s string) bool {
	done := make(chan bool, 1)
	go func() {
		done <- re.MatchString(s)
	}()
	select {
	case matched := <-done:
		return matched
	case <-time.After(matchTimeout):
		return false
	}
}
