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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestTTL_Singleflight verifies that ten concurrent misses share exactly one
// fetch and all observe its result.
func TestTTL_Singleflight(t *testing.T) {
	c := NewTTL[string](10 * time.Second)
	var calls atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return "payload", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), fetch)
			if err != nil {
				t.Errorf("get %d: %v", i, err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch, got %d", got)
	}
	for i, v := range results {
		if v != "payload" {
			t.Fatalf("caller %d got %q", i, v)
		}
	}
}

// TestTTL_FailureClearsInflight verifies that after a failed fetch the next
// caller retries rather than receiving a cached error.
func TestTTL_FailureClearsInflight(t *testing.T) {
	c := NewTTL[string](10 * time.Second)
	var calls atomic.Int64
	failing := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("upstream down")
	}
	if _, err := c.Get(context.Background(), failing); err == nil {
		t.Fatalf("expected fetch error")
	}
	ok := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "recovered", nil
	}
	v, err := c.Get(context.Background(), ok)
	if err != nil || v != "recovered" {
		t.Fatalf("expected retry to succeed, got (%q, %v)", v, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected two fetches, got %d", calls.Load())
	}
}

// TestSWR_NeverNil exercises the cold path under concurrency: every caller
// gets a non-nil value whether the seeding fetch succeeds or fails.
func TestSWR_NeverNil(t *testing.T) {
	t.Run("seed succeeds", func(t *testing.T) {
		c := NewSWR[map[string]int](time.Minute, func() map[string]int { return map[string]int{} }, nil)
		fetch := func(ctx context.Context) (map[string]int, error) {
			time.Sleep(50 * time.Millisecond)
			return map[string]int{"a": 1}, nil
		}
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, st := c.Get(context.Background(), fetch)
				if v == nil {
					t.Error("SWR returned nil map")
				}
				if st != StateSeed && st != StateFresh {
					t.Errorf("unexpected state %v", st)
				}
			}()
		}
		wg.Wait()
	})

	t.Run("seed fails", func(t *testing.T) {
		c := NewSWR[map[string]int](time.Minute, func() map[string]int { return map[string]int{} }, nil)
		fetch := func(ctx context.Context) (map[string]int, error) {
			return nil, errors.New("boom")
		}
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, st := c.Get(context.Background(), fetch)
				if v == nil {
					t.Error("SWR returned nil map on seed failure")
				}
				// Racing callers may each run their own seed attempt after a
				// prior failure; every outcome must still be seed_failed.
				if st != StateSeedFailed {
					t.Errorf("expected seed_failed, got %v", st)
				}
			}()
		}
		wg.Wait()
	})
}

// TestSWR_StaleServedImmediately verifies the warm path: expired values are
// returned without waiting and the background refresh replaces them.
func TestSWR_StaleServedImmediately(t *testing.T) {
	c := NewSWR[string](10*time.Millisecond, nil, nil)
	v, st := c.Get(context.Background(), func(ctx context.Context) (string, error) { return "v1", nil })
	if v != "v1" || st != StateSeed {
		t.Fatalf("seed: got (%q,%v)", v, st)
	}
	time.Sleep(20 * time.Millisecond)

	refreshed := make(chan struct{})
	start := time.Now()
	v, st = c.Get(context.Background(), func(ctx context.Context) (string, error) {
		defer close(refreshed)
		time.Sleep(50 * time.Millisecond)
		return "v2", nil
	})
	if elapsed := time.Since(start); elapsed > 25*time.Millisecond {
		t.Fatalf("stale read blocked for %v", elapsed)
	}
	if v != "v1" || st != StateStale {
		t.Fatalf("stale read: got (%q,%v)", v, st)
	}

	<-refreshed
	// Allow the store after the fetch returns.
	deadline := time.Now().Add(time.Second)
	for {
		v, _ = c.Get(context.Background(), func(ctx context.Context) (string, error) { return "v3", nil })
		if v == "v2" || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if v != "v2" {
		t.Fatalf("expected refreshed value v2, got %q", v)
	}
}

// TestSWR_FailedRefreshKeepsValue verifies stale values survive refresh
// failures.
func TestSWR_FailedRefreshKeepsValue(t *testing.T) {
	c := NewSWR[string](time.Nanosecond, nil, nil)
	c.Get(context.Background(), func(ctx context.Context) (string, error) { return "good", nil })
	time.Sleep(time.Millisecond)

	for i := 0; i < 3; i++ {
		v, st := c.Get(context.Background(), func(ctx context.Context) (string, error) {
			return "", errors.New("refresh boom")
		})
		if v != "good" || st != StateStale {
			t.Fatalf("iteration %d: got (%q,%v), want stale good", i, v, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestKeyed_LRUEviction checks capacity-3 eviction order, including the
// effect of touching an older key before inserting a new one.
func TestKeyed_LRUEviction(t *testing.T) {
	ctx := context.Background()
	fetchVal := func(v string) Fetcher[string] {
		return func(ctx context.Context) (string, error) { return v, nil }
	}

	k := NewKeyed[string](time.Minute, 3, nil, nil)
	for _, key := range []string{"a", "b", "c", "d"} {
		k.Get(ctx, key, fetchVal(key))
	}
	if got := keySet(k.Keys()); !got["b"] || !got["c"] || !got["d"] || got["a"] {
		t.Fatalf("after a,b,c,d expected {b,c,d}, got %v", k.Keys())
	}

	k = NewKeyed[string](time.Minute, 3, nil, nil)
	k.Get(ctx, "a", fetchVal("a"))
	k.Get(ctx, "b", fetchVal("b"))
	k.Get(ctx, "c", fetchVal("c"))
	k.Get(ctx, "a", fetchVal("a")) // touch refreshes recency
	k.Get(ctx, "d", fetchVal("d")) // evicts b
	if got := keySet(k.Keys()); !got["a"] || !got["c"] || !got["d"] || got["b"] {
		t.Fatalf("after touching a expected {a,c,d}, got %v", k.Keys())
	}
}

func keySet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}
