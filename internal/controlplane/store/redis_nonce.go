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

	"github.com/redis/go-redis/v9"
)

// RedisNonceChecker swaps the nonce-dedup table for a Redis SETNX, an
// alternate backing store for replay protection alongside the default
// SQLite table - the reference project's own adapter-name factory
// selects between backends the same way for its persistence layer.
type RedisNonceChecker struct {
	client *redis.Client
}

// NewRedisNonceChecker dials a Redis server at addr.
func NewRedisNonceChecker(addr string) *RedisNonceChecker {
	return &RedisNonceChecker{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func redisNonceKey(nonce string) string { return "wafcontrol:nonce:" + nonce }

// CheckAndStoreNonce uses SETNX so the check-and-record step is atomic
// without a round-trip lock; the key's own TTL performs the garbage
// collection the SQLite table does with an explicit DELETE.
func (r *RedisNonceChecker) CheckAndStoreNonce(ctx context.Context, nonce string, createdAt time.Time, maxAge time.Duration) error {
	ok, err := r.client.SetNX(ctx, redisNonceKey(nonce), createdAt.Unix(), maxAge).Result()
	if err != nil {
		return fmt.Errorf("redis nonce setnx: %w", err)
	}
	if !ok {
		return ErrReplay
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisNonceChecker) Close() error { return r.client.Close() }

var _ NonceChecker = (*RedisNonceChecker)(nil)
