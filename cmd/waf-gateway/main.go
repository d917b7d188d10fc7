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

// Command waf-gateway runs the inline reverse-proxy WAF: it terminates
// client traffic, evaluates each request through the regex+ML decision
// engine, forwards admitted requests upstream, and reports block events
// to a control plane while polling it for operator commands.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wafgate/internal/waf/audit"
	"wafgate/internal/waf/blocklist"
	"wafgate/internal/waf/cache"
	"wafgate/internal/waf/commandpoller"
	"wafgate/internal/waf/config"
	"wafgate/internal/waf/engine"
	"wafgate/internal/waf/eventsender"
	"wafgate/internal/waf/mlclient"
	"wafgate/internal/waf/proxy"
	"wafgate/internal/waf/ratelimit"
	"wafgate/internal/waf/rules"
	"wafgate/internal/waf/telemetry"
	"wafgate/internal/waf/telemetry/churn"
)

// Compiled-in defaults for every tunable the gateway documents with a
// "default" value: used whenever neither a flag nor the config file
// sets the key, so running with bare defaults matches the documented
// behavior instead of silently zeroing out rate limiting, caching,
// normalization, and body capture.
const (
	defaultDecodeRounds       = 2
	defaultBodyTruncate       = 8192
	defaultRateLimitBurst     = 30
	defaultRateLimitRefill    = 10.0
	defaultRateLimitBurstSusp = 10
	defaultBlockTTLSec        = 600
	defaultCacheMaxSize       = 512
	defaultCacheTTLSec        = 300
	defaultSuspicionThresh    = 4
	defaultLogRotateBytes     = 10_000_000
	defaultLogRotateKeep      = 3
)

// intDefault falls back to def when v is the zero value, applied after
// flag/file merging so an all-defaults invocation still matches the
// documented behavior instead of zeroing out the tunable.
func intDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func int64Default(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func floatDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func main() {
	var (
		configPath        = flag.String("config", "", "path to an optional YAML config file")
		listenAddr        = flag.String("listen_addr", "", "address the proxy listens on")
		metricsAddr       = flag.String("metrics_addr", "", "address the /metrics endpoint listens on")
		upstreamURL       = flag.String("upstream_url", "", "upstream application base URL")
		aiURL             = flag.String("ai_url", "", "ML classifier base URL")
		rulesPath         = flag.String("rules_path", "", "path to the YAML regex rules file")
		telegramBackendURL = flag.String("telegram_backend_url", "", "control plane base URL")
		hmacSecret        = flag.String("control_plane_hmac_secret", "", "shared HMAC secret for the control-plane channel")
		licenseKeyHash    = flag.String("license_key_hash", "", "this gateway's license hash")
		mlTimeoutMs       = flag.Int("ml_timeout_ms", 0, "ML call timeout in milliseconds")
		mlQueueLimit      = flag.Int("ml_queue_limit", 0, "ML call queue depth limit")
		mlConcurrency     = flag.Int("ml_concurrency", 0, "ML call concurrency limit")
		circuitFailures   = flag.Int("circuit_failures", 0, "consecutive ML failures before the circuit opens")
		circuitCooldownSec = flag.Int("circuit_cooldown_sec", 0, "ML circuit breaker cooldown in seconds")
		decodeRounds      = flag.Int("normalize_decode_rounds", 0, "percent-decode passes applied during normalization")
		bodyTruncate      = flag.Int("body_truncate", 0, "bytes of request body retained for analysis/logging")
		rateLimitBurst    = flag.Int("rate_limit_burst", 0, "per-IP token bucket burst size")
		rateLimitRefill   = flag.Float64("rate_limit_refill_per_sec", 0, "per-IP token bucket refill rate")
		rateLimitBurstSusp = flag.Int("rate_limit_burst_suspicious", 0, "per-IP burst size for the suspicious class; the engine checks every request as non-suspicious, so this cap is not applied")
		blockTTLSec       = flag.Int("block_ttl_sec", 0, "default blocklist entry TTL in seconds")
		cacheMaxSize      = flag.Int("cache_max_size", 0, "decision cache capacity")
		cacheTTLSec       = flag.Int("cache_ttl_sec", 0, "decision cache entry TTL in seconds")
		suspicionThreshold = flag.Int("suspicion_threshold", 0, "suspicion score threshold; carried in the engine config, not used by the decision path")
		mlFailClosed      = flag.Bool("ml_fail_closed", false, "treat ML unavailability as fail-closed (informational only)")
		logPath           = flag.String("log_path", "waf-audit.jsonl", "audit log path")
		logRotateBytes    = flag.Int64("log_rotate_bytes", 0, "audit log rotation size in bytes")
		logRotateKeep     = flag.Int("log_rotate_keep", 0, "number of rotated audit log backups to keep")
		hashStatePath     = flag.String("hash_state_path", "waf-audit.chain", "audit log hash-chain state path")
		churnEnabled      = flag.Bool("churn_enabled", false, "enable opt-in per-IP request-churn telemetry")
		churnSampleRate   = flag.Float64("churn_sample_rate", 0, "deterministic per-IP sampling rate for churn telemetry")
		churnLogInterval  = flag.Duration("churn_log_interval", 0, "how often the churn exporter logs its top-N table")
		churnTopN         = flag.Int("churn_top_n", 0, "how many top-churn IPs the exporter logs")
		churnKeyHashLen   = flag.Int("churn_key_hash_len", 0, "hex characters of an anonymized IP hash to log")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	file, err := config.Load(*configPath)
	if err != nil {
		sugar.Fatalw("load config file", "err", err)
	}
	gw := file.Gateway
	cp := file.ControlPlane
	tel := file.Telemetry

	reg := config.Default()
	cfg := engine.Config{
		DecodeRounds:        intDefault(config.MergeInt(*decodeRounds, gw.NormalizeDecodeRounds), defaultDecodeRounds),
		BodyTruncate:        intDefault(config.MergeInt(*bodyTruncate, gw.BodyTruncate), defaultBodyTruncate),
		CacheMaxSize:        intDefault(config.MergeInt(*cacheMaxSize, gw.CacheMaxSize), defaultCacheMaxSize),
		CacheTTL:            time.Duration(intDefault(config.MergeInt(*cacheTTLSec, gw.CacheTTLSec), defaultCacheTTLSec)) * time.Second,
		RateLimitBurst:      intDefault(config.MergeInt(*rateLimitBurst, gw.RateLimitBurst), defaultRateLimitBurst),
		RateLimitBurstSusp:  intDefault(config.MergeInt(*rateLimitBurstSusp, gw.RateLimitBurstSuspicious), defaultRateLimitBurstSusp),
		RateLimitRefillRate: floatDefault(config.MergeFloat64(*rateLimitRefill, gw.RateLimitRefillPerSec), defaultRateLimitRefill),
		BlockDefaultTTL:     time.Duration(intDefault(config.MergeInt(*blockTTLSec, gw.BlockTTLSec), defaultBlockTTLSec)) * time.Second,
		SuspicionThreshold:  intDefault(config.MergeInt(*suspicionThreshold, gw.SuspicionThreshold), defaultSuspicionThresh),
		MLFailClosed:        config.MergeBool(*mlFailClosed, gw.MLFailClosed),
	}
	reg.SetThresholdInt64("rate_limit_burst", int64(cfg.RateLimitBurst))
	reg.SetThresholdFloat64("rate_limit_refill_per_sec", cfg.RateLimitRefillRate)
	reg.SetThresholdInt64("cache_max_size", int64(cfg.CacheMaxSize))
	reg.SetThresholdDuration("block_default_ttl", cfg.BlockDefaultTTL)

	resolvedUpstream := config.MergeString(*upstreamURL, gw.UpstreamURL)
	resolvedAIURL := config.MergeString(*aiURL, gw.AIURL)
	resolvedRulesPath := config.MergeString(*rulesPath, gw.RulesPath)
	resolvedBackendURL := config.MergeString(*telegramBackendURL, cp.TelegramBackendURL)
	resolvedHMACSecret := config.MergeString(*hmacSecret, cp.HMACSecret)
	resolvedLicenseHash := config.MergeString(*licenseKeyHash, cp.LicenseKeyHash)
	reg.SetThresholdString("upstream_url", resolvedUpstream)
	reg.SetThresholdString("ai_url", resolvedAIURL)

	ruleEngine := rules.NewEngine()
	if resolvedRulesPath != "" {
		if err := ruleEngine.LoadFile(resolvedRulesPath); err != nil {
			sugar.Fatalw("load rules file", "path", resolvedRulesPath, "err", err)
		}
	}

	rl := ratelimit.NewLimiter(cfg.RateLimitBurst, cfg.RateLimitBurstSusp, cfg.RateLimitRefillRate)
	bl := blocklist.NewBlocklist(cfg.BlockDefaultTTL)
	dc := cache.NewDecisionCache(cfg.CacheMaxSize, cfg.CacheTTL)
	ml := mlclient.New(mlclient.Config{
		URL:             resolvedAIURL,
		Timeout:         time.Duration(config.MergeInt(*mlTimeoutMs, gw.MLTimeoutMs)) * time.Millisecond,
		Concurrency:     config.MergeInt(*mlConcurrency, gw.MLConcurrency),
		QueueLimit:      config.MergeInt(*mlQueueLimit, gw.MLQueueLimit),
		CircuitFailures: config.MergeInt(*circuitFailures, gw.CircuitFailures),
		CircuitCooldown: time.Duration(config.MergeInt(*circuitCooldownSec, gw.CircuitCooldownSec)) * time.Second,
	})

	eng := engine.New(cfg, ruleEngine, rl, bl, dc, ml)

	metrics, promReg := telemetry.NewGateway()
	eng.Metrics = metrics

	if config.MergeBool(*churnEnabled, tel.ChurnEnabled) {
		churn.Enable(churn.Config{
			Enabled:     true,
			SampleRate:  config.MergeFloat64(*churnSampleRate, tel.ChurnSampleRate),
			LogInterval: config.MergeDuration(*churnLogInterval, tel.ChurnLogInterval),
			TopN:        config.MergeInt(*churnTopN, tel.ChurnTopN),
			KeyHashLen:  config.MergeInt(*churnKeyHashLen, tel.ChurnKeyHashLen),
		})
	}

	sink, err := audit.NewSink(*logPath, *hashStatePath, audit.RotateConfig{
		MaxBytes: int64Default(*logRotateBytes, defaultLogRotateBytes),
		Keep:     intDefault(*logRotateKeep, defaultLogRotateKeep),
	})
	if err != nil {
		sugar.Fatalw("open audit sink", "err", err)
	}
	defer sink.Close()

	sender := eventsender.New(resolvedBackendURL, resolvedHMACSecret, resolvedLicenseHash, sugar)

	px := proxy.New(eng, sink, sender, resolvedUpstream, cfg.DecodeRounds, cfg.BodyTruncate)
	px.Metrics = metrics

	poller := commandpoller.New(resolvedBackendURL, resolvedLicenseHash, bl, ruleEngine, sugar)

	reg.Print(func(format string, args ...any) { sugar.Infof(format, args...) })

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go poller.Run(ctx)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: config.MergeString(*metricsAddr, gw.MetricsAddr), Handler: metricsMux}
	go func() {
		if addr := metricsSrv.Addr; addr != "" {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				sugar.Errorw("metrics server stopped", "err", err)
			}
		}
	}()

	srv := &http.Server{Addr: config.MergeString(*listenAddr, gw.ListenAddr), Handler: px}
	go func() {
		sugar.Infow("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("gateway server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Infow("shutting down")
	poller.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
	os.Exit(0)
}
