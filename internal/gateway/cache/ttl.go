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

// Package cache provides the freshness tiers the pollers and request surface
// are built on: a TTL cache with singleflight miss coalescing, a
// stale-while-revalidate cache, and a per-key LRU wrapper around the latter.
//
// All three are bound to a single value type and are safe for concurrent use.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"transitgw/internal/gateway/telemetry"
)

// Fetcher produces a fresh value for a cache. It is called outside any cache
// lock and may block on network I/O.
type Fetcher[T any] func(ctx context.Context) (T, error)

// TTL is a single-value cache with deterministic freshness: a value older
// than the TTL is never served. Concurrent misses coalesce onto one in-flight
// fetch; every waiter receives that fetch's result. A failed fetch stores
// nothing, so the next caller retries.
type TTL[T any] struct {
	ttl time.Duration

	mu         sync.Mutex
	value      T
	hasValue   bool
	insertedAt time.Time

	group singleflight.Group
}

// NewTTL returns a TTL cache holding values for the given duration.
func NewTTL[T any](ttl time.Duration) *TTL[T] {
	return &TTL[T]{ttl: ttl}
}

// Get returns the cached value when fresh, otherwise fetches. All concurrent
// callers that miss share a single fetch.
func (c *TTL[T]) Get(ctx context.Context, fetch Fetcher[T]) (T, error) {
	c.mu.Lock()
	if c.hasValue && time.Since(c.insertedAt) < c.ttl {
		v := c.value
		c.mu.Unlock()
		telemetry.CacheReads.WithLabelValues("ttl", "hit").Inc()
		return v, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("fetch", func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have completed a
		// fetch between our freshness check and joining the group.
		c.mu.Lock()
		if c.hasValue && time.Since(c.insertedAt) < c.ttl {
			v := c.value
			c.mu.Unlock()
			return v, nil
		}
		c.mu.Unlock()

		fetched, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.value = fetched
		c.hasValue = true
		c.insertedAt = time.Now()
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		telemetry.CacheReads.WithLabelValues("ttl", "miss_failed").Inc()
		var zero T
		return zero, err
	}
	telemetry.CacheReads.WithLabelValues("ttl", "miss").Inc()
	return v.(T), nil
}
