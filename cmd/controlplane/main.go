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

// Command controlplane runs the control plane: it ingests HMAC-signed
// block events from one or more gateways, routes each to the chat a
// license is bound to, and serves the long-poll command channel
// gateways use to receive operator-issued block/unblock/add-rule
// commands.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"flag"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wafgate/internal/controlplane/ingest"
	"wafgate/internal/controlplane/notifier"
	"wafgate/internal/controlplane/quota"
	"wafgate/internal/controlplane/store"
	"wafgate/internal/waf/config"
	"wafgate/internal/waf/telemetry"
)

func main() {
	var (
		configPath       = flag.String("config", "", "path to an optional YAML config file")
		listenAddr       = flag.String("listen_addr", "", "address the control plane listens on")
		metricsAddr      = flag.String("metrics_addr", "", "address the /metrics endpoint listens on")
		hmacSecret       = flag.String("control_plane_hmac_secret", "", "shared HMAC secret for the control-plane channel")
		timestampSkewSec = flag.Int("timestamp_skew_sec", 300, "max accepted clock skew between gateway and control plane, in seconds")
		maxNonceAgeSec   = flag.Int("max_nonce_age_sec", 300, "how long a nonce is remembered for replay detection, in seconds")
		storageAdapter   = flag.String("storage_adapter", "sqlite", `durable backend: "mock" or "sqlite"`)
		sqlitePath       = flag.String("sqlite_path", "controlplane.db", "path to the control plane's SQLite database")
		redisAddr        = flag.String("redis_addr", "", "optional Redis address; when set, backs nonce-dedup and may back the event-quota counter")
		quotaAdapter     = flag.String("quota_adapter", "", `event-quota counter sink: "mock", "sqlite" (default), or "redis"`)
		quotaPerLicense  = flag.Int64("event_quota_per_license", 600, "events admitted per license per quota window")
		quotaWindowSec   = flag.Int("event_quota_window_sec", 60, "event-quota renewal window, in seconds")
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
	cp := file.ControlPlane
	storageCfg := file.Storage

	reg := config.Default()
	resolvedHMACSecret := config.MergeString(*hmacSecret, cp.HMACSecret)
	resolvedAdapter := config.MergeString(*storageAdapter, storageCfg.Adapter)
	resolvedSQLitePath := config.MergeString(*sqlitePath, storageCfg.SQLitePath)
	resolvedRedisAddr := config.MergeString(*redisAddr, storageCfg.RedisAddr)
	resolvedSkewSec := config.MergeInt(*timestampSkewSec, cp.TimestampSkewSec)
	resolvedNonceAgeSec := config.MergeInt(*maxNonceAgeSec, cp.MaxNonceAgeSec)
	resolvedPerLicense := config.MergeInt64(*quotaPerLicense, cp.EventQuotaPerLicense)
	resolvedWindowSec := config.MergeInt(*quotaWindowSec, cp.EventQuotaWindowSec)
	reg.SetThresholdString("storage_adapter", resolvedAdapter)
	reg.SetThresholdInt64("event_quota_per_license", resolvedPerLicense)
	reg.SetThresholdInt64("timestamp_skew_sec", int64(resolvedSkewSec))
	reg.SetThresholdInt64("max_nonce_age_sec", int64(resolvedNonceAgeSec))

	st, err := store.Build(store.Options{
		Adapter:    resolvedAdapter,
		SQLitePath: resolvedSQLitePath,
		RedisAddr:  resolvedRedisAddr,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("build control-plane store", "err", err)
	}
	defer st.Close()

	sinkAdapter := *quotaAdapter
	if sinkAdapter == "" {
		sinkAdapter = resolvedAdapter
	}
	sinkOpts := quota.SinkOptions{RedisAddr: resolvedRedisAddr}
	if sqliteStore, ok := st.(*store.SQLiteStore); ok {
		sinkOpts.DB = sqliteStore.DB()
	}
	sink, err := quota.BuildSink(sinkAdapter, sinkOpts)
	if err != nil {
		sugar.Fatalw("build quota sink", "err", err)
	}

	acc := quota.New(quota.Config{
		PerLicenseBudget: resolvedPerLicense,
		Window:           time.Duration(resolvedWindowSec) * time.Second,
		CommitThreshold:  resolvedPerLicense / 6,
		CommitInterval:   5 * time.Second,
		IdleEvictAge:     10 * time.Minute,
	}, sink, sugar)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	acc.Start(ctx)

	metrics, promReg := telemetry.NewControlPlane()
	n := notifier.New(sugar)

	srv := ingest.New(st, acc, n, metrics, resolvedHMACSecret, resolvedSkewSec, resolvedNonceAgeSec, sugar)

	mux := http.NewServeMux()
	srv.Routes(mux)
	httpSrv := &http.Server{Addr: config.MergeString(*listenAddr, cp.ListenAddr), Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: config.MergeString(*metricsAddr, cp.MetricsAddr), Handler: metricsMux}
	go func() {
		if addr := metricsSrv.Addr; addr != "" {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				sugar.Errorw("metrics server stopped", "err", err)
			}
		}
	}()

	reg.Print(func(format string, args ...any) { sugar.Infof(format, args...) })

	go func() {
		sugar.Infow("control plane listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("control-plane server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Infow("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	acc.Stop(shutdownCtx)
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
}
