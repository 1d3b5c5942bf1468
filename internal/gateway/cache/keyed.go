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

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

// Keyed scopes a SWR cache per key with LRU eviction of idle keys. The
// per-vehicle stop-estimate fetches use it: a burst of dashboard refreshes
// for the same vehicle collapses onto one upstream call, and vehicles that
// stop being asked about fall off the end.
type Keyed[T any] struct {
	ttl     time.Duration
	maxKeys int
	empty   func() T
	log     *zap.SugaredLogger

	mu  sync.Mutex
	lru *simplelru.LRU[string, *SWR[T]]
}

// NewKeyed returns a per-key SWR cache evicting beyond maxKeys entries.
func NewKeyed[T any](ttl time.Duration, maxKeys int, empty func() T, log *zap.SugaredLogger) *Keyed[T] {
	// simplelru only errors on a non-positive size.
	lru, err := simplelru.NewLRU[string, *SWR[T]](maxKeys, nil)
	if err != nil {
		panic(err)
	}
	return &Keyed[T]{ttl: ttl, maxKeys: maxKeys, empty: empty, log: log, lru: lru}
}

// Get looks up the key's cache, creating it (and evicting the LRU entry if at
// capacity) on first sight, then delegates to SWR.Get. Both hits and misses
// move the key to the MRU position.
func (k *Keyed[T]) Get(ctx context.Context, key string, fetch Fetcher[T]) (T, State) {
	k.mu.Lock()
	entry, ok := k.lru.Get(key)
	if !ok {
		entry = NewSWR[T](k.ttl, k.empty, k.log)
		k.lru.Add(key, entry)
	}
	k.mu.Unlock()
	return entry.Get(ctx, fetch)
}

// Keys returns the resident keys from LRU to MRU order.
func (k *Keyed[T]) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lru.Keys()
}

// Len returns the number of resident keys.
func (k *Keyed[T]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lru.Len()
}
