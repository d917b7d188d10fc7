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

// Package proxy forwards admitted requests upstream and turns engine
// decisions into HTTP responses.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wafgate/internal/waf/engine"
	"wafgate/internal/waf/normalize"
	"wafgate/internal/waf/telemetry"
	"wafgate/internal/waf/telemetry/churn"
)

var hopByHop = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"transfer-encoding": {},
	"te":                {},
	"trailers":          {},
	"upgrade":           {},
}

// AuditWriter persists a decided request's log entry.
type AuditWriter interface {
	Write(entry map[string]any) error
}

// Notifier pushes a block event to the control plane. Implementations
// should treat delivery failure as best-effort: the original service
// swallows notify errors so a control-plane outage never blocks traffic.
type Notifier interface {
	Notify(ctx context.Context, event engine.NotifyEvent) error
}

// Proxy composes the decision engine with upstream forwarding.
type Proxy struct {
	Engine       *engine.Engine
	Audit        AuditWriter
	Notify       Notifier
	UpstreamURL  string
	Client       *http.Client
	DecodeRounds int
	BodyTruncate int
	// Metrics is optional; a nil value disables Prometheus recording
	// without affecting request handling.
	Metrics *telemetry.Gateway
	now     func() time.Time
}

// New builds a Proxy with a 10-second upstream timeout, matching the
// original service.
func New(eng *engine.Engine, audit AuditWriter, notifier Notifier, upstreamURL string, decodeRounds, bodyTruncate int) *Proxy {
	return &Proxy{
		Engine:       eng,
		Audit:        audit,
		Notify:       notifier,
		UpstreamURL:  upstreamURL,
		Client:       &http.Client{Timeout: 10 * time.Second},
		DecodeRounds: decodeRounds,
		BodyTruncate: bodyTruncate,
		now:          time.Now,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)
	body, _ := io.ReadAll(r.Body)
	start := p.now()

	req := normalize.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header,
		Body:   body,
	}
	decision, entry, reason := p.Engine.Evaluate(r.Context(), req, clientIP)
	w.Header().Set("X-Request-Id", entry.RequestID)

	if p.Metrics != nil {
		p.Metrics.DecisionsTotal.WithLabelValues(entry.Stage, string(decision)).Inc()
	}
	if churn.Enabled() {
		churn.ObserveRequest(clientIP)
		if entry.RegexScore > 0 {
			churn.ObserveScore(clientIP, entry.RegexScore)
		}
	}

	switch decision {
	case engine.DecisionBlock:
		p.finish(r.Context(), &entry, http.StatusForbidden, start, true)
		writeJSON(w, http.StatusForbidden, map[string]any{
			"request_id": entry.RequestID,
			"decision":   "block",
			"reason":     reason,
		})
		return

	case engine.DecisionRateLimit:
		p.finish(r.Context(), &entry, http.StatusTooManyRequests, start, true)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"request_id": entry.RequestID,
			"decision":   "rate_limit",
		})
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, composeUpstreamURL(p.UpstreamURL, r.URL.Path, r.URL.RawQuery), bytes.NewReader(body))
	if err != nil {
		p.finish(r.Context(), &entry, http.StatusBadGateway, start, false)
		writeJSON(w, http.StatusBadGateway, map[string]any{"request_id": entry.RequestID, "error": "upstream unavailable"})
		return
	}
	for k, values := range r.Header {
		if strings.EqualFold(k, "host") {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(k, v)
		}
	}

	resp, err := p.Client.Do(upstreamReq)
	if err != nil {
		p.finish(r.Context(), &entry, http.StatusBadGateway, start, false)
		writeJSON(w, http.StatusBadGateway, map[string]any{"request_id": entry.RequestID, "error": "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	p.finish(r.Context(), &entry, resp.StatusCode, start, false)

	for k, values := range resp.Header {
		if _, skip := hopByHop[strings.ToLower(k)]; skip {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Request-Id", entry.RequestID)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// finish stamps status/latency onto entry, writes the audit log, and
// notifies (for the block/rate_limit terminal paths only — upstream
// success and 502 never notify, matching the original).
func (p *Proxy) finish(ctx context.Context, entry *engine.LogEntry, status int, start time.Time, notify bool) {
	entry.StatusCode = status
	entry.LatencyMs = p.now().Sub(start).Milliseconds()
	if p.Audit != nil {
		logStart := p.now()
		_ = p.Audit.Write(entry.ToMap())
		if p.Metrics != nil {
			p.Metrics.ObserveLogAppend(p.now().Sub(logStart))
		}
	}
	if p.Metrics != nil {
		p.Metrics.UpstreamStatus.WithLabelValues(strconv.Itoa(status)).Inc()
	}
	if notify && p.Notify != nil {
		if event, ok := engine.BuildNotifyEvent(*entry); ok {
			_ = p.Notify.Notify(ctx, event)
		}
	}
}

func composeUpstreamURL(base, path, query string) string {
	base = strings.TrimRight(base, "/")
	if query != "" {
		return base + path + "?" + query
	}
	return base + path
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if host == "" {
		return "unknown"
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
