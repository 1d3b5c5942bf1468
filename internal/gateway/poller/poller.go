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

// Package poller runs the fixed-interval upstream refresh loops. Each
// poller is an independent goroutine; a slow or failing upstream only
// delays its own loop and never another poller's.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"transitgw/internal/gateway/telemetry"
)

// minSleep floors the pause between iterations so a run that overshoots
// its interval cannot spin.
const minSleep = 500 * time.Millisecond

// Status is the poller's externally visible health.
type Status struct {
	LastError   string    `json:"last_error,omitempty"`
	LastErrorTS time.Time `json:"last_error_ts,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	Cycles      uint64    `json:"cycles"`
}

// Poller drives one refresh function on a fixed interval.
type Poller struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
	log      *zap.SugaredLogger

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	status  Status
	started bool
}

func New(name string, interval time.Duration, run func(ctx context.Context) error, log *zap.SugaredLogger) *Poller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		name:     name,
		interval: interval,
		run:      run,
		log:      log.With("poller", name),
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
}

// Start launches the loop. Calling Start twice is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
}

// Stop cancels the in-flight run and waits for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	p.cancel()
	close(p.stopChan)
	p.wg.Wait()
}

// Name returns the label the poller was created with.
func (p *Poller) Name() string { return p.name }

// Run invokes the poller's body once with the caller's context, outside the
// scheduled loop. Used for startup seeding.
func (p *Poller) Run(ctx context.Context) error { return p.run(ctx) }

// Status returns a copy of the poller's health record.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) loop() {
	defer p.wg.Done()
	for {
		t0 := time.Now()
		err := p.run(p.ctx)
		telemetry.PollCycles.WithLabelValues(p.name).Inc()

		p.mu.Lock()
		p.status.Cycles++
		if err != nil {
			p.status.LastError = err.Error()
			p.status.LastErrorTS = time.Now().UTC()
		} else {
			p.status.LastSuccess = time.Now().UTC()
		}
		p.mu.Unlock()

		if err != nil {
			telemetry.PollErrors.WithLabelValues(p.name).Inc()
			p.log.Warnw("poll failed", "err", err)
		}

		sleep := p.interval - time.Since(t0)
		if sleep < minSleep {
			sleep = minSleep
		}
		select {
		case <-p.stopChan:
			return
		case <-time.After(sleep):
		}
	}
}

// Seed retries fn with exponential backoff until it succeeds or ctx is
// cancelled. Used for catalog fetches the rest of startup depends on.
func Seed(ctx context.Context, name string, fn func(ctx context.Context) error, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until cancelled
	return backoff.Retry(func() error {
		if err := fn(ctx); err != nil {
			log.Warnw("seed attempt failed", "seed", name, "err", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
