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

// Package churn provides opt-in, low-overhead per-client-IP telemetry:
// how much suspicious regex score a given IP is accumulating relative
// to its raw request volume, without paying the cost of tracking every
// IP forever. It is safe to call from the request hot path: every
// public function is a no-op unless Enable has been called.
package churn

import (
	"hash/fnv"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the behavior of the churn module.
//
// Notes:
//   - SampleRate is deterministic per IP using a fast FNV-1a 64-bit hash, to
//     avoid RNG cost and to keep a given IP's sampling decision stable.
//   - MetricsAddr, when non-empty, starts a dedicated HTTP server serving
//     /metrics. Leave it empty when the gateway already exposes a /metrics
//     endpoint of its own (see telemetry.Handler).
//   - LogInterval and TopN drive the exporter loop (exporter.go); LogInterval
//     == 0 disables it entirely.
//   - KeyHashLen controls how many hex characters of the IP hash are logged.
type Config struct {
	Enabled     bool
	SampleRate  float64       // 0.0..1.0, probability a given IP is tracked (deterministic)
	MetricsAddr string        // e.g., ":9091". Empty to disable standalone metrics endpoint
	LogInterval time.Duration // e.g., 1*time.Minute; 0 disables exporter logging
	Window      time.Duration // KPI window; defaults to 1m if 0
	TopN        int           // how many top-churn IPs to include in logs
	KeyHashLen  int           // hex chars printed for an anonymized IP hash
}

var (
	modEnabled atomic.Bool

	// samplingThreshold is a fixed cut in the 64-bit hash space representing SampleRate.
	samplingThreshold atomic.Uint64

	// Prometheus metrics — global only (bounded cardinality: no per-IP labels).
	requestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wafgate_churn_requests_total",
		Help: "Total requests reaching a terminal decision (admitted to churn tracking)",
	})
	flaggedScoreTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wafgate_churn_flagged_score_total",
		Help: "Total regex suspicion score observed across sampled IPs",
	})
	scorePerRequest = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wafgate_churn_score_per_request",
		Help:    "Distribution of regex suspicion score per flagged request",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})
	// First-class KPIs (Gauges) over a rolling window.
	benignRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wafgate_churn_benign_ratio",
		Help: "Estimated fraction of sampled requests carrying zero suspicion score over the KPI window",
	})
	churnRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wafgate_churn_ratio",
		Help: "Churn factor (sum(requests) / sum(flagged score)) over the KPI window, per sampled IP population",
	})
	ipsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wafgate_churn_ips_tracked",
		Help: "Number of client IPs currently tracked by the in-process churn aggregator",
	})
	scoreErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wafgate_churn_score_errors_total",
		Help: "Total number of malformed score observations discarded",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, flaggedScoreTotal, scorePerRequest, benignRatio, churnRatio, ipsTracked, scoreErrorsTotal)
}

// Enable configures the module. Safe to call multiple times; later calls
// replace the config.
func Enable(cfg Config) {
	if cfg.SampleRate < 0 {
		cfg.SampleRate = 0
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 50
	}
	if cfg.KeyHashLen <= 0 {
		cfg.KeyHashLen = 8
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	var thr uint64
	switch {
	case cfg.SampleRate <= 0:
		thr = 0
	case cfg.SampleRate >= 1:
		thr = ^uint64(0)
	default:
		max := ^uint64(0)
		f := cfg.SampleRate * (float64(max) + 1.0)
		if f < 1 {
			f = 1
		}
		thr = uint64(f) - 1
	}
	samplingThreshold.Store(thr)

	modEnabled.Store(cfg.Enabled)
	startOrUpdateExporter(cfg)

	if cfg.MetricsAddr != "" {
		startMetricsEndpoint(cfg.MetricsAddr)
	}
}

// Enabled reports whether the churn module is active.
func Enabled() bool { return modEnabled.Load() }

// ObserveRequest records one terminal-decision request for clientIP. Call
// once per request after the engine has produced a decision.
func ObserveRequest(clientIP string) {
	if !modEnabled.Load() {
		return
	}
	requestsTotal.Inc()
	requestsAll.Add(1)
	if clientIP != "" && sampled(clientIP) {
		exporterRecordRequest(hashKey(clientIP))
	}
}

// ObserveScore records the regex suspicion score attributed to clientIP
// for one request. Call once per request that produced a non-zero score.
func ObserveScore(clientIP string, score int) {
	if !modEnabled.Load() || clientIP == "" || score <= 0 {
		return
	}
	scorePerRequest.Observe(float64(score))
	flaggedScoreTotal.Add(float64(score))
	scoreAll.Add(int64(score))
	if sampled(clientIP) {
		exporterRecordScore(hashKey(clientIP), int64(score))
	}
}

// ObserveScoreError increments the malformed-observation counter.
func ObserveScoreError(n int) {
	if !modEnabled.Load() || n <= 0 {
		return
	}
	scoreErrorsTotal.Add(float64(n))
}

// startMetricsEndpoint exposes /metrics on addr in a background goroutine.
func startMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}

// sampled deterministically decides whether clientIP participates.
func sampled(clientIP string) bool {
	thr := samplingThreshold.Load()
	if thr == 0 {
		return false
	}
	return hashKey(clientIP) <= thr
}

// hashKey returns a 64-bit FNV-1a hash of clientIP.
func hashKey(clientIP string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(clientIP))
	return h.Sum64()
}
