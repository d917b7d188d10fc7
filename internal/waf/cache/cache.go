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

// Package cache implements the fingerprint-keyed decision cache consulted
// after regex analysis and before any ML call.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	insertedAt time.Time
	value      any
}

// DecisionCache is a TTL-bounded, size-bounded cache of prior decisions
// keyed by request fingerprint. Eviction at capacity drops the entry with
// the oldest insertion timestamp — an approximate LRU, since a cache hit
// does not refresh insertedAt (mirroring the original, which never
// touches the stored timestamp on get).
type DecisionCache struct {
	mu      sync.Mutex
	store   map[string]entry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewDecisionCache builds a cache bounded to maxSize entries, each valid
// for ttl after insertion.
func NewDecisionCache(maxSize int, ttl time.Duration) *DecisionCache {
	return &DecisionCache{
		store:   make(map[string]entry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value for key and true, or false if absent or
// expired. An expired entry is dropped on lookup.
func (c *DecisionCache) Get(key string) (any, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.store[key]
	if !ok {
		return nil, false
	}
	if now.Sub(e.insertedAt) > c.ttl {
		delete(c.store, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, evicting the oldest entry first if the
// cache is already at capacity.
func (c *DecisionCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.store) >= c.maxSize {
		if _, exists := c.store[key]; !exists {
			c.evictOldestLocked()
		}
	}
	c.store[key] = entry{insertedAt: c.now(), value: value}
}

func (c *DecisionCache) evictOldestLocked() {
	var oldestKey string
	var oldestTs time.Time
	first := true
	for k, e := range c.store {
		if first || e.insertedAt.Before(oldestTs) {
			oldestKey = k
			oldestTs = e.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.store, oldestKey)
	}
}

// Len reports the current entry count, for tests and metrics.
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}
