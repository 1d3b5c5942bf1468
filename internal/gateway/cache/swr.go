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

package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"transitgw/internal/gateway/telemetry"
)

// State describes where a SWR read came from.
type State int

const (
	// StateSeed means the value was produced by the cold-path seeding fetch.
	StateSeed State = iota
	// StateFresh means the cached value was within its TTL.
	StateFresh
	// StateStale means an expired value was served while a background
	// refresh runs (or is about to).
	StateStale
	// StateSeedFailed means the cold-path fetch failed; the returned value
	// is the empty value, never a nil pointer/map.
	StateSeedFailed
)

func (s State) String() string {
	switch s {
	case StateSeed:
		return "seed"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateSeedFailed:
		return "seed_failed"
	default:
		return "unknown"
	}
}

// SWR is a stale-while-revalidate cache. Warm reads never wait: an expired
// value is returned immediately and a single background refresh is kicked
// off. A failed refresh keeps the previous value; callers keep getting stale
// until a refresh succeeds.
type SWR[T any] struct {
	ttl   time.Duration
	empty func() T
	log   *zap.SugaredLogger

	mu         sync.Mutex
	value      T
	hasValue   bool
	insertedAt time.Time
	refreshing bool

	seed singleflight.Group
}

// NewSWR returns a SWR cache. empty constructs the value returned when the
// cold-path seed fails (pass nil to use the zero value); log may be nil.
func NewSWR[T any](ttl time.Duration, empty func() T, log *zap.SugaredLogger) *SWR[T] {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if empty == nil {
		empty = func() T { var zero T; return zero }
	}
	return &SWR[T]{ttl: ttl, empty: empty, log: log}
}

// Get returns the cached value and its freshness state. On a cold cache all
// concurrent callers share one seeding fetch and wait for it; afterwards
// reads are non-blocking.
func (c *SWR[T]) Get(ctx context.Context, fetch Fetcher[T]) (T, State) {
	c.mu.Lock()
	if c.hasValue {
		if time.Since(c.insertedAt) < c.ttl {
			v := c.value
			c.mu.Unlock()
			telemetry.CacheReads.WithLabelValues("swr", "fresh").Inc()
			return v, StateFresh
		}
		v := c.value
		if !c.refreshing {
			c.refreshing = true
			go c.refresh(fetch)
		}
		c.mu.Unlock()
		telemetry.CacheReads.WithLabelValues("swr", "stale").Inc()
		return v, StateStale
	}
	c.mu.Unlock()

	// Cold path: seed once, everyone waits on the same flight.
	v, err, _ := c.seed.Do("seed", func() (interface{}, error) {
		c.mu.Lock()
		if c.hasValue {
			v := c.value
			c.mu.Unlock()
			return v, nil
		}
		c.mu.Unlock()

		fetched, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store(fetched)
		return fetched, nil
	})
	if err != nil {
		c.log.Warnw("swr seed fetch failed", "err", err)
		telemetry.CacheReads.WithLabelValues("swr", "seed_failed").Inc()
		return c.empty(), StateSeedFailed
	}
	telemetry.CacheReads.WithLabelValues("swr", "seed").Inc()
	return v.(T), StateSeed
}

// refresh runs in the background with its own deadline; the triggering
// request has long since returned.
func (c *SWR[T]) refresh(fetch Fetcher[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	v, err := fetch(ctx)
	if err != nil {
		c.log.Warnw("swr refresh failed, serving stale", "err", err)
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
		return
	}
	c.store(v)
}

func (c *SWR[T]) store(v T) {
	c.mu.Lock()
	c.value = v
	c.hasValue = true
	c.insertedAt = time.Now()
	c.refreshing = false
	c.mu.Unlock()
}
