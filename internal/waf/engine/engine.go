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

// Package engine wires the detection stages (blocklist, rate limiter,
// regex, cache, ML) into one decision per request.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wafgate/internal/waf/blocklist"
	"wafgate/internal/waf/cache"
	"wafgate/internal/waf/fingerprint"
	"wafgate/internal/waf/masking"
	"wafgate/internal/waf/mlclient"
	"wafgate/internal/waf/normalize"
	"wafgate/internal/waf/ratelimit"
	"wafgate/internal/waf/recommendations"
	"wafgate/internal/waf/rules"
	"wafgate/internal/waf/telemetry"
)

// Decision is the terminal verdict for a request.
type Decision string

const (
	DecisionBlock     Decision = "block"
	DecisionRateLimit Decision = "rate_limit"
	DecisionAllow     Decision = "allow"
)

// LogEntry mirrors the audit log schema. StatusCode/LatencyMs are filled
// in by the caller (the proxy) once the upstream round trip completes;
// the engine leaves them zero.
type LogEntry struct {
	TimestampUTC      string   `json:"timestamp_utc"`
	RequestID         string   `json:"request_id"`
	ClientIP          string   `json:"client_ip"`
	Method            string   `json:"method"`
	Path              string   `json:"path"`
	Query             string   `json:"query"`
	Decision          string   `json:"decision"`
	StatusCode        int      `json:"status_code"`
	LatencyMs         int64    `json:"latency_ms"`
	Stage             string   `json:"stage"`
	Reason            string   `json:"reason"`
	RegexScore        int      `json:"regex_score"`
	RegexHits         []rules.Hit `json:"regex_hits"`
	MLLabel           string   `json:"ml_label,omitempty"`
	MLConfidence      *float64 `json:"ml_confidence,omitempty"`
	SuspectedParam    string   `json:"suspected_param"`
	Endpoint          string   `json:"endpoint"`
	RecommendationIDs []string `json:"recommendation_ids"`
	BodyLen           int      `json:"body_len"`
}

// ToMap converts the entry into the generic shape the audit sink writes,
// so the sink stays agnostic of any particular caller's schema.
func (e LogEntry) ToMap() map[string]any {
	data, _ := json.Marshal(e)
	var m map[string]any
	json.Unmarshal(data, &m)
	return m
}

// cachedDecision is what gets stored in, and retrieved from, the decision
// cache: enough to reconstruct a terminal verdict without re-running
// regex or ML.
type cachedDecision struct {
	Decision Decision
	MLLabel  string
	MLConf   float64
	Stage    string
}

// Config carries every tunable the engine needs, matching the original
// service's settings surface.
type Config struct {
	DecodeRounds        int
	BodyTruncate        int
	CacheMaxSize        int
	CacheTTL            time.Duration
	RateLimitBurst      int
	RateLimitBurstSusp  int
	RateLimitRefillRate float64
	BlockDefaultTTL     time.Duration
	SuspicionThreshold  int // carried, never branched on (matches original)
	MLFailClosed        bool // carried, never branched on (matches original)
}

// Engine orchestrates the detection stages for a single gateway process.
type Engine struct {
	cfg       Config
	Rules     *rules.Engine
	RateLimit *ratelimit.Limiter
	Blocklist *blocklist.Blocklist
	Cache     *cache.DecisionCache
	ML        *mlclient.Client
	// Metrics is optional; a nil value disables Prometheus recording
	// without affecting the decision path.
	Metrics *telemetry.Gateway
	now     func() time.Time
}

// New builds an Engine from already-constructed collaborators.
func New(cfg Config, ruleEngine *rules.Engine, rl *ratelimit.Limiter, bl *blocklist.Blocklist, dc *cache.DecisionCache, ml *mlclient.Client) *Engine {
	return &Engine{cfg: cfg, Rules: ruleEngine, RateLimit: rl, Blocklist: bl, Cache: dc, ML: ml, now: time.Now}
}

func newRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Evaluate runs the full decision path for a normalized request from
// clientIP and returns the terminal decision, the log entry to persist,
// and an optional reason for the caller (proxy) to surface.
func (e *Engine) Evaluate(ctx context.Context, req normalize.Request, clientIP string) (Decision, LogEntry, string) {
	requestID := newRequestID()
	n := normalize.Normalize(req, normalize.Options{DecodeRounds: e.cfg.DecodeRounds, BodyTruncate: e.cfg.BodyTruncate})
	_ = masking.Headers(n.Header) // computed for completeness; not persisted on this LogEntry shape

	base := func(stage, reason string, decision Decision) LogEntry {
		return LogEntry{
			TimestampUTC:      e.now().UTC().Format("2006-01-02T15:04:05Z"),
			RequestID:         requestID,
			ClientIP:          clientIP,
			Method:            n.Method,
			Path:              n.Path,
			Query:             masking.Truncate(n.Query, 256),
			Decision:          string(decision),
			Stage:             stage,
			Reason:            reason,
			RegexHits:         []rules.Hit{},
			Endpoint:          n.Path,
			RecommendationIDs: []string{},
			BodyLen:           n.BodyLen,
		}
	}

	if e.Blocklist.IsBlocked(clientIP) {
		entry := base("blocked", "ip block", DecisionBlock)
		return DecisionBlock, entry, "ip blocked"
	}

	if !e.RateLimit.Allow(clientIP, false) {
		if e.Metrics != nil {
			e.Metrics.RateLimitTotal.WithLabelValues("deny", "normal").Inc()
		}
		entry := base("rate_limit", "rate limit", DecisionRateLimit)
		return DecisionRateLimit, entry, ""
	}
	if e.Metrics != nil {
		e.Metrics.RateLimitTotal.WithLabelValues("admit", "normal").Inc()
	}

	analysis := e.Rules.Analyze(n)
	categories := append([]string(nil), analysis.Categories...)
	recommendationIDs := recommendations.Map(categories)

	fp := fingerprint.Build(n.Method, n.Path, n.Query, n.ContentType, n.Body)

	if cachedAny, ok := e.Cache.Get(fp); ok {
		cached := cachedAny.(cachedDecision)
		entry := base("cache_hit", "cache", cached.Decision)
		entry.RegexScore = analysis.Score
		entry.RegexHits = analysis.Hits
		entry.SuspectedParam = analysis.SuspectedParam
		entry.MLLabel = cached.MLLabel
		if cached.MLLabel != "" {
			entry.MLConfidence = &cached.MLConf
		}
		entry.RecommendationIDs = recommendationIDs
		return cached.Decision, entry, ""
	}

	if analysis.Score > 0 && len(analysis.Hits) > 0 {
		mlReq := mlclient.Request{
			Method:      n.Method,
			Path:        n.Path,
			Query:       n.Query,
			ContentType: n.ContentType,
			Body:        truncateRunes(n.Body, 2048),
		}
		mlStart := e.now()
		result, err := e.ML.Classify(ctx, mlReq)
		if e.Metrics != nil {
			e.Metrics.MLCallDuration.Observe(e.now().Sub(mlStart).Seconds())
			open := 0.0
			if e.ML.CircuitOpen() {
				open = 1.0
			}
			e.Metrics.MLCircuitOpen.Set(open)
			if err != nil {
				e.Metrics.MLCallErrors.WithLabelValues(mlErrorReason(err)).Inc()
			}
		}
		if err == nil {
			decision := DecisionBlock
			stage := "regex+ml"
			var reason string
			if result.Label != "" && result.Label != "BENIGN" {
				categories = appendUnique(categories, result.Label)
				recommendationIDs = recommendations.Map(categories)
				reason = fmt.Sprintf("ml: %s (%.0f%%) + regex: %v", result.Label, result.Confidence*100, categories)
			} else {
				reason = fmt.Sprintf("regex: %v (ml: %s %.0f%%)", categories, result.Label, result.Confidence*100)
			}
			entry := base(stage, reason, decision)
			entry.RegexScore = analysis.Score
			entry.RegexHits = analysis.Hits
			entry.SuspectedParam = analysis.SuspectedParam
			entry.MLLabel = result.Label
			conf := result.Confidence
			entry.MLConfidence = &conf
			entry.RecommendationIDs = recommendationIDs
			e.Cache.Set(fp, cachedDecision{Decision: decision, MLLabel: result.Label, MLConf: result.Confidence, Stage: stage})
			return decision, entry, reason
		}

		if errors.Is(err, mlclient.ErrUnavailable) {
			decision := DecisionBlock
			stage := "regex"
			reason := fmt.Sprintf("regex: %v", categories)
			entry := base(stage, reason, decision)
			entry.RegexScore = analysis.Score
			entry.RegexHits = analysis.Hits
			entry.SuspectedParam = analysis.SuspectedParam
			entry.RecommendationIDs = recommendationIDs
			e.Cache.Set(fp, cachedDecision{Decision: decision, Stage: stage})
			return decision, entry, reason
		}
	}

	decision := DecisionAllow
	entry := base("regex", "ok", decision)
	entry.RegexScore = analysis.Score
	entry.RegexHits = analysis.Hits
	entry.SuspectedParam = analysis.SuspectedParam
	entry.RecommendationIDs = recommendationIDs
	e.Cache.Set(fp, cachedDecision{Decision: decision, Stage: "regex"})
	return decision, entry, ""
}

// mlErrorReason buckets an mlclient error into a small, bounded label for
// the error-reason counter, rather than the raw error string (which would
// carry unbounded cardinality, e.g. a formatted timeout duration).
func mlErrorReason(err error) string {
	if errors.Is(err, mlclient.ErrUnavailable) {
		return "unavailable"
	}
	return "other"
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func appendUnique(categories []string, cat string) []string {
	for _, c := range categories {
		if c == cat {
			return categories
		}
	}
	return append(categories, cat)
}

// NotifyEvent is the control-plane-bound payload for a blocked request.
// Category prefers the ML label (when non-BENIGN) over the first regex
// hit's category, matching the original's override order.
type NotifyEvent struct {
	RequestID         string   `json:"request_id"`
	Decision          string   `json:"decision"`
	SuspectedParam    string   `json:"suspected_param"`
	Category          string   `json:"category"`
	Endpoint          string   `json:"endpoint"`
	ClientIP          string   `json:"client_ip"`
	Reason            string   `json:"reason"`
	RecommendationIDs []string `json:"recommendation_ids"`
	Stage             string   `json:"stage"`
	MLLabel           string   `json:"ml_label,omitempty"`
	MLConfidence      *float64 `json:"ml_confidence,omitempty"`
}

// BuildNotifyEvent returns the event to push to the control plane for
// entry, and false if entry's decision does not warrant notification.
// Only block decisions notify — rate_limit does not, matching the
// original's proxy handler exactly.
func BuildNotifyEvent(entry LogEntry) (NotifyEvent, bool) {
	if entry.Decision != string(DecisionBlock) {
		return NotifyEvent{}, false
	}
	category := ""
	if len(entry.RegexHits) > 0 {
		category = entry.RegexHits[0].Category
	}
	if entry.MLLabel != "" && entry.MLLabel != "BENIGN" {
		category = entry.MLLabel
	}
	return NotifyEvent{
		RequestID:         entry.RequestID,
		Decision:          entry.Decision,
		SuspectedParam:    entry.SuspectedParam,
		Category:          category,
		Endpoint:          entry.Endpoint,
		ClientIP:          entry.ClientIP,
		Reason:            entry.Reason,
		RecommendationIDs: entry.RecommendationIDs,
		Stage:             entry.Stage,
		MLLabel:           entry.MLLabel,
		MLConfidence:      entry.MLConfidence,
	}, true
}
