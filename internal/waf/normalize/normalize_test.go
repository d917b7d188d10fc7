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

package normalize

import (
	"net/http"
	"reflect"
	"testing"
)

func defaultOpts() Options {
	return Options{DecodeRounds: 2, BodyTruncate: 8192}
}

func TestNormalizePathCollapsesDotSegments(t *testing.T) {
	cases := map[string]string{
		"/a/b/c":         "/a/b/c",
		"/a/./b":         "/a/b",
		"/a//b":          "/a/b",
		"/a/../b":        "/b",
		"/../../a":       "/a",
		"/a/b/../../c":   "/c",
		"":               "/",
		"/%2e%2e/%2e%2e": "/",
	}
	for in, want := range cases {
		got := NormalizePath(in, 2)
		if got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPercentDecodeStopsAtFixedPoint(t *testing.T) {
	// %252e decodes once to %2e, twice to '.'; a third round changes nothing.
	got := PercentDecode("%252e", 3)
	if got != "." {
		t.Fatalf("PercentDecode(%%252e, 3) = %q, want \".\"", got)
	}
	if got := PercentDecode("plain", 5); got != "plain" {
		t.Fatalf("PercentDecode(plain) = %q, want unchanged", got)
	}
}

func TestCanonicalQuerySortsByKeyStably(t *testing.T) {
	canon, params := CanonicalQuery("b=2&a=1&a=3&b=1", 2)
	if canon != "a=1&a=3&b=2&b=1" {
		t.Fatalf("canonical query = %q", canon)
	}
	want := map[string][]string{"a": {"1", "3"}, "b": {"2", "1"}}
	if !reflect.DeepEqual(params, want) {
		t.Fatalf("params = %#v, want %#v", params, want)
	}
}

func TestCanonicalQueryDecodesDoubleEncoding(t *testing.T) {
	canon, params := CanonicalQuery("id=1%2520OR%25201%253D1", 2)
	if params["id"][0] != "1 OR 1=1" {
		t.Fatalf("params[id] = %q", params["id"])
	}
	_ = canon
}

func TestNormalizeIsIdempotent(t *testing.T) {
	req := Request{
		Method: "get",
		Path:   "/a/../api/items/",
		Query:  "id=1%20OR%201%3D1&Z=9&a=0",
		Header: http.Header{"Content-Type": {"application/json"}, "X-Foo": {"Bar"}},
		Body:   []byte(`{"x":1}`),
	}
	opts := defaultOpts()
	n1 := Normalize(req, opts)

	req2 := Request{
		Method: n1.Method,
		Path:   n1.Path,
		Query:  n1.Query,
		Header: toHeader(n1.Header),
		Body:   []byte(n1.Body),
	}
	n2 := Normalize(req2, opts)

	if n1.Path != n2.Path {
		t.Fatalf("path not idempotent: %q vs %q", n1.Path, n2.Path)
	}
	if n1.Query != n2.Query {
		t.Fatalf("query not idempotent: %q vs %q", n1.Query, n2.Query)
	}
	if !reflect.DeepEqual(n1.Header, n2.Header) {
		t.Fatalf("headers not idempotent: %#v vs %#v", n1.Header, n2.Header)
	}
}

func TestNormalizeUppercasesMethodAndLowercasesHeaders(t *testing.T) {
	req := Request{
		Method: "post",
		Path:   "/x",
		Header: http.Header{"X-Foo": {"Bar"}, "Content-Type": {"text/plain"}},
	}
	n := Normalize(req, defaultOpts())
	if n.Method != "POST" {
		t.Fatalf("method = %q", n.Method)
	}
	if n.Header["x-foo"] != "Bar" {
		t.Fatalf("header not lowercased: %#v", n.Header)
	}
	if n.ContentType != "text/plain" {
		t.Fatalf("content type = %q", n.ContentType)
	}
}

func TestNormalizeTruncatesBody(t *testing.T) {
	body := make([]byte, 100)
	for i := range body {
		body[i] = 'a'
	}
	n := Normalize(Request{Method: "GET", Path: "/", Body: body}, Options{DecodeRounds: 1, BodyTruncate: 10})
	if len(n.Body) != 10 {
		t.Fatalf("truncated body length = %d, want 10", len(n.Body))
	}
	if n.BodyLen != 100 {
		t.Fatalf("body_len = %d, want 100 (original length)", n.BodyLen)
	}
}

func toHeader(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
