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

// Package normalize turns a raw inbound HTTP request into the stable,
// structured form every downstream WAF stage reasons about: a canonical
// path, a canonical (key-sorted) query string, lower-cased header names,
// and a truncated, best-effort-decoded body.
//
// Every stage after this one — the regex engine, the fingerprinter, the
// cache — depends on normalize() being idempotent: running it twice must
// be the same as running it once. The tests in this package assert that
// directly.
package normalize

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Request is the raw input to Normalize: the pieces of an inbound HTTP
// request the WAF cares about, already read off the wire.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Normalized is the canonical form described by SPEC_FULL.md §3
// (NormalizedRequest). Header keys are already lower-cased; Params
// preserves multi-value order per key.
type Normalized struct {
	Method      string
	Path        string
	Query       string
	Params      map[string][]string
	Body        string
	BodyLen     int
	Header      map[string]string
	ContentType string
}

// Options configures the decode-round bound and body truncation length.
// Both come from configuration (normalize_decode_rounds, body_truncate);
// the zero value is invalid; callers pass the resolved configuration values.
type Options struct {
	DecodeRounds int
	BodyTruncate int
}

// PercentDecode applies url.QueryUnescape up to rounds times, stopping at
// the first round that leaves the string unchanged (a fixed point). This
// defeats double-encoding such as "%252e" without being fooled by a
// request that was only singly encoded.
func PercentDecode(value string, rounds int) string {
	decoded := value
	for i := 0; i < rounds; i++ {
		next, err := url.QueryUnescape(decoded)
		if err != nil {
			// An undecodable escape is left as-is; the original bytes
			// still flow into matching, which is what a WAF wants.
			break
		}
		if next == decoded {
			break
		}
		decoded = next
	}
	return decoded
}

// NormalizePath percent-decodes and collapses dot-segments: "" and "."
// segments are dropped, ".." pops the last kept segment but never climbs
// above root.
func NormalizePath(rawPath string, decodeRounds int) string {
	decoded := PercentDecode(rawPath, decodeRounds)
	segments := strings.Split(decoded, "/")
	kept := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(kept) > 0 {
				kept = kept[:len(kept)-1]
			}
		default:
			kept = append(kept, seg)
		}
	}
	return "/" + strings.Join(kept, "/")
}

// CanonicalQuery parses a raw query string, percent-decodes every key and
// value up to decodeRounds, sorts pairs by key (stable, so equal keys keep
// their relative value order), and re-encodes. It returns the canonical
// string plus the parsed multi-value parameter map.
func CanonicalQuery(rawQuery string, decodeRounds int) (string, map[string][]string) {
	type pair struct{ k, v string }
	var pairs []pair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		k = PercentDecode(k, decodeRounds)
		v = PercentDecode(v, decodeRounds)
		pairs = append(pairs, pair{k, v})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	params := make(map[string][]string, len(pairs))
	values := make(url.Values, len(pairs))
	for _, p := range pairs {
		params[p.k] = append(params[p.k], p.v)
		values.Add(p.k, p.v)
	}
	// url.Values.Encode sorts by key and is doseq-style for repeated keys,
	// matching the canonical form we already produced; rebuild from pairs
	// directly instead so equal-key value order is preserved exactly as
	// parsed (url.Values.Encode would re-sort by key only, which is fine,
	// but re-derives from a map and loses our stable pair order for ties).
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.v))
	}
	return b.String(), params
}

// Normalize canonicalizes a raw request into its stable form.
func Normalize(req Request, opts Options) Normalized {
	truncated := req.Body
	if len(truncated) > opts.BodyTruncate {
		truncated = truncated[:opts.BodyTruncate]
	}
	body := strings.ToValidUTF8(string(truncated), "�")

	query, params := CanonicalQuery(req.Query, opts.DecodeRounds)

	headers := make(map[string]string, len(req.Header))
	for k, v := range req.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	return Normalized{
		Method:      strings.ToUpper(req.Method),
		Path:        NormalizePath(req.Path, opts.DecodeRounds),
		Query:       query,
		Params:      params,
		Body:        body,
		BodyLen:     len(req.Body),
		Header:      headers,
		ContentType: headers["content-type"],
	}
}
