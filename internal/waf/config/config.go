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

// Package config holds the two configuration layers both gateway and
// control-plane entrypoints share: an optional nested YAML file for
// structured settings, and process flags that win over the file for
// whatever key they also set.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewaySection mirrors the gateway process's structured settings.
type GatewaySection struct {
	ListenAddr               string        `yaml:"listen_addr"`
	MetricsAddr              string        `yaml:"metrics_addr"`
	UpstreamURL              string        `yaml:"upstream_url"`
	AIURL                    string        `yaml:"ai_url"`
	RulesPath                string        `yaml:"rules_path"`
	MLTimeoutMs              int           `yaml:"ml_timeout_ms"`
	MLQueueLimit             int           `yaml:"ml_queue_limit"`
	MLConcurrency            int           `yaml:"ml_concurrency"`
	CircuitFailures          int           `yaml:"circuit_failures"`
	CircuitCooldownSec       int           `yaml:"circuit_cooldown_sec"`
	NormalizeDecodeRounds    int           `yaml:"normalize_decode_rounds"`
	BodyTruncate             int           `yaml:"body_truncate"`
	RateLimitBurst           int           `yaml:"rate_limit_burst"`
	RateLimitRefillPerSec    float64       `yaml:"rate_limit_refill_per_sec"`
	RateLimitBurstSuspicious int           `yaml:"rate_limit_burst_suspicious"`
	BlockTTLSec              int           `yaml:"block_ttl_sec"`
	CacheMaxSize             int           `yaml:"cache_max_size"`
	CacheTTLSec              int           `yaml:"cache_ttl_sec"`
	SuspicionThreshold       int           `yaml:"suspicion_threshold"`
	MLFailClosed             bool          `yaml:"ml_fail_closed"`
}

// ControlPlaneSection mirrors the control-plane process's structured
// settings, plus the HMAC/license values the gateway also needs to talk
// to it.
type ControlPlaneSection struct {
	ListenAddr             string `yaml:"listen_addr"`
	MetricsAddr            string `yaml:"metrics_addr"`
	TelegramBackendURL     string `yaml:"telegram_backend_url"`
	HMACSecret             string `yaml:"control_plane_hmac_secret"`
	LicenseKeyHash         string `yaml:"license_key_hash"`
	TimestampSkewSec       int    `yaml:"timestamp_skew_sec"`
	MaxNonceAgeSec         int    `yaml:"max_nonce_age_sec"`
	EventQuotaPerLicense   int64  `yaml:"event_quota_per_license"`
	EventQuotaWindowSec    int    `yaml:"event_quota_window_sec"`
}

// StorageSection selects and configures the control plane's durable
// backend. Adapter is one of "sqlite" (default, durable) or "redis"
// (nonce/quota counters only), matching the reference project's
// "mock"/"redis"/"kafka"/"postgres" adapter-name factory idiom.
type StorageSection struct {
	Adapter  string `yaml:"adapter"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"`
}

// TelemetrySection configures the opt-in per-IP churn exporter.
type TelemetrySection struct {
	ChurnEnabled    bool    `yaml:"churn_enabled"`
	ChurnSampleRate float64 `yaml:"churn_sample_rate"`
	ChurnLogInterval time.Duration `yaml:"churn_log_interval"`
	ChurnTopN       int     `yaml:"churn_top_n"`
	ChurnKeyHashLen int     `yaml:"churn_key_hash_len"`
}

// File is the full nested shape loaded from an optional YAML
// configuration file.
type File struct {
	Gateway      GatewaySection      `yaml:"gateway"`
	ControlPlane ControlPlaneSection `yaml:"control_plane"`
	Storage      StorageSection      `yaml:"storage"`
	Telemetry    TelemetrySection    `yaml:"telemetry"`
}

// Load reads and parses a YAML configuration file. A missing path is not
// an error: callers fall back to flag defaults (matching the original
// service, which runs entirely off environment/flag values when no file
// is supplied).
func Load(path string) (File, error) {
	var f File
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse config file: %w", err)
	}
	return f, nil
}

// MergeString returns the flag value if it differs from its zero value
// (flags win), else the file value. Used at every call site where a
// flag's default is the empty string.
func MergeString(flagValue, fileValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return fileValue
}

// MergeInt returns flagValue unless it is zero and fileValue is not.
func MergeInt(flagValue, fileValue int) int {
	if flagValue != 0 {
		return flagValue
	}
	return fileValue
}

// MergeInt64 returns flagValue unless it is zero and fileValue is not.
func MergeInt64(flagValue, fileValue int64) int64 {
	if flagValue != 0 {
		return flagValue
	}
	return fileValue
}

// MergeFloat64 returns flagValue unless it is zero and fileValue is not.
func MergeFloat64(flagValue, fileValue float64) float64 {
	if flagValue != 0 {
		return flagValue
	}
	return fileValue
}

// MergeBool returns flagValue if true, else fileValue. A flag explicitly
// set to false cannot be distinguished from its unset default with this
// simple scheme; callers for which that distinction matters should read
// the flag's presence directly instead of merging.
func MergeBool(flagValue, fileValue bool) bool {
	return flagValue || fileValue
}

// MergeDuration returns flagValue unless it is zero and fileValue is not.
func MergeDuration(flagValue, fileValue time.Duration) time.Duration {
	if flagValue != 0 {
		return flagValue
	}
	return fileValue
}
