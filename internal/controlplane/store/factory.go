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

package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options configures Build. Adapter selects the durable backend;
// RedisAddr, if set, additionally routes nonce-dedup checks to Redis
// instead of the chosen durable backend, independent of Adapter.
type Options struct {
	Adapter    string // "mock" (default) or "sqlite"
	SQLitePath string
	RedisAddr  string
	Logger     *zap.SugaredLogger
}

// Build constructs a Store per Options, matching the reference
// project's own adapter-name persistence factory: an explicit selector
// string rather than build tags, so the choice is a runtime
// configuration value.
func Build(opts Options) (Store, error) {
	var base Store
	var err error
	switch opts.Adapter {
	case "", "mock":
		base = NewMockStore()
	case "sqlite":
		base, err = NewSQLiteStore(opts.SQLitePath, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("build sqlite store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown store adapter: %s", opts.Adapter)
	}

	if opts.RedisAddr == "" {
		return base, nil
	}
	return &compositeStore{Store: base, nonce: NewRedisNonceChecker(opts.RedisAddr)}, nil
}

// compositeStore delegates everything to an underlying Store except
// nonce checks, which go to an independently-selected NonceChecker.
type compositeStore struct {
	Store
	nonce NonceChecker
}

func (c *compositeStore) CheckAndStoreNonce(ctx context.Context, nonce string, createdAt time.Time, maxAge time.Duration) error {
	return c.nonce.CheckAndStoreNonce(ctx, nonce, createdAt, maxAge)
}

var _ Store = (*compositeStore)(nil)
