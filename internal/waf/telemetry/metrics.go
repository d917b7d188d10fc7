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

// Package telemetry holds the gateway process's Prometheus registry,
// separate from the control plane's (see telemetry/controlplane.go).
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway is the process-wide metrics registry for the reverse-proxy
// gateway: decision outcomes, rate-limiter admits/denies, ML call
// latency and circuit state, proxy upstream status codes, and audit
// log-append latency.
type Gateway struct {
	DecisionsTotal  *prometheus.CounterVec
	RateLimitTotal  *prometheus.CounterVec
	MLCallDuration  prometheus.Histogram
	MLCallErrors    *prometheus.CounterVec
	MLCircuitOpen   prometheus.Gauge
	UpstreamStatus  *prometheus.CounterVec
	LogAppendLatency prometheus.Histogram
}

// NewGateway builds and registers the gateway metric set against a
// private registry, so multiple instances (as in tests) never collide
// on the global default registerer.
func NewGateway() (*Gateway, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	g := &Gateway{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wafgate_decisions_total",
			Help: "Total requests evaluated, by pipeline stage and terminal decision",
		}, []string{"stage", "decision"}),
		RateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wafgate_rate_limit_total",
			Help: "Rate limiter outcomes, by admit/deny and suspicion class",
		}, []string{"outcome", "class"}),
		MLCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wafgate_ml_call_duration_seconds",
			Help:    "Latency of ML classifier calls that were actually dispatched",
			Buckets: prometheus.DefBuckets,
		}),
		MLCallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wafgate_ml_call_errors_total",
			Help: "ML classifier call failures, by reason",
		}, []string{"reason"}),
		MLCircuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wafgate_ml_circuit_open",
			Help: "1 if the ML classifier circuit breaker is currently open, else 0",
		}),
		UpstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wafgate_upstream_status_total",
			Help: "Upstream response status codes forwarded to clients",
		}, []string{"status"}),
		LogAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wafgate_audit_append_duration_seconds",
			Help:    "Latency of appending one entry to the hash-chained audit log",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		g.DecisionsTotal,
		g.RateLimitTotal,
		g.MLCallDuration,
		g.MLCallErrors,
		g.MLCircuitOpen,
		g.UpstreamStatus,
		g.LogAppendLatency,
	)
	return g, reg
}

// ObserveLogAppend records how long one audit entry took to persist.
func (g *Gateway) ObserveLogAppend(d time.Duration) {
	g.LogAppendLatency.Observe(d.Seconds())
}

// Handler returns the process's /metrics HTTP handler bound to reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
