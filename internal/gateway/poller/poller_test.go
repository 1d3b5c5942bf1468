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

package poller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"transitgw/internal/gateway/upstream"
)

func TestPoller_RunsAndRecordsErrors(t *testing.T) {
	var calls atomic.Int64
	p := New("test", 10*time.Millisecond, func(ctx context.Context) error {
		n := calls.Add(1)
		if n == 2 {
			return errors.New("upstream down")
		}
		return nil
	}, nil)

	p.Start()
	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if calls.Load() < 3 {
		t.Fatalf("poller stalled after %d calls", calls.Load())
	}
	st := p.Status()
	if st.LastError != "upstream down" || st.LastErrorTS.IsZero() {
		t.Fatalf("error not recorded: %+v", st)
	}
	if st.LastSuccess.IsZero() {
		t.Fatalf("success not recorded: %+v", st)
	}
	if st.Cycles < 3 {
		t.Fatalf("cycle count: %+v", st)
	}
}

func TestPoller_StopCancelsRun(t *testing.T) {
	started := make(chan struct{})
	p := New("cancel", time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	p.Start()
	<-started

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stop must cancel the in-flight run")
	}
	// Stop twice is safe.
	p.Stop()
}

func TestSeed_RetriesUntilSuccess(t *testing.T) {
	var attempts int
	err := Seed(context.Background(), "catalog", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	}, nil)
	if err != nil || attempts != 3 {
		t.Fatalf("seed: attempts=%d err=%v", attempts, err)
	}
}

func TestSeed_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Seed(ctx, "catalog", func(ctx context.Context) error {
		return errors.New("never succeeds")
	}, nil)
	if err == nil {
		t.Fatalf("cancelled seed must return an error")
	}
}

func TestCallLog_BoundedReplay(t *testing.T) {
	l := NewCallLog()
	var notified int
	l.Notify = func(upstream.CallRecord) { notified++ }

	for i := 0; i < CallLogCap+20; i++ {
		l.Add(upstream.CallRecord{URL: fmt.Sprintf("https://avl/%d", i), Status: 200})
	}
	snap := l.Snapshot()
	if len(snap) != CallLogCap {
		t.Fatalf("history must cap at %d, got %d", CallLogCap, len(snap))
	}
	if snap[0].URL != "https://avl/20" || snap[len(snap)-1].URL != fmt.Sprintf("https://avl/%d", CallLogCap+19) {
		t.Fatalf("wrong eviction order: %s .. %s", snap[0].URL, snap[len(snap)-1].URL)
	}
	if notified != CallLogCap+20 {
		t.Fatalf("notify hook fired %d times", notified)
	}
}
