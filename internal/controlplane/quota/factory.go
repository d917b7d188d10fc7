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

package quota

import (
	"database/sql"
	"fmt"
	"time"

	"wafgate/internal/ratelimiter/persistence"
)

// SinkOptions configures BuildSink, mirroring the reference project's
// own DemoOptions used to pick an idempotent persistence adapter.
type SinkOptions struct {
	RedisAddr      string
	RedisMarkerTTL time.Duration
	DB             *sql.DB // required for adapter "sqlite"
}

// BuildSink selects a quota-usage Sink by adapter name, the same
// selector-string factory pattern the reference project uses for its
// rate-limiter persistence adapters, narrowed to the backends
// SPEC_FULL.md names for the control plane's usage counters.
func BuildSink(adapter string, opts SinkOptions) (Sink, error) {
	switch adapter {
	case "", "mock":
		return NewMockSink(), nil
	case "redis":
		ttl := opts.RedisMarkerTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		var evaler persistence.RedisEvaler
		if opts.RedisAddr != "" {
			evaler = persistence.NewGoRedisEvaler(opts.RedisAddr)
		} else {
			evaler = persistence.LoggingRedisEvaler{}
		}
		return persistence.NewRedisPersister(evaler, ttl), nil
	case "sqlite":
		if opts.DB == nil {
			return nil, fmt.Errorf("quota sqlite sink requires a non-nil *sql.DB")
		}
		return NewSQLiteSink(opts.DB)
	default:
		return nil, fmt.Errorf("unknown quota sink adapter: %s", adapter)
	}
}
