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

// Package telemetry holds the gateway's Prometheus metrics. Labels are
// bounded (source names, event types) — never vehicle or route ids.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PollCycles counts completed poll iterations per upstream source.
	PollCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_poll_cycles_total",
		Help: "Completed poll iterations per upstream source",
	}, []string{"source"})

	// PollErrors counts failed poll iterations per upstream source.
	PollErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_poll_errors_total",
		Help: "Failed poll iterations per upstream source",
	}, []string{"source"})

	// FusionTickSeconds observes the duration of each fusion tick.
	FusionTickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_fusion_tick_seconds",
		Help:    "Wall time of each fusion tick",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// FusionTickErrors counts fusion ticks abandoned by a caught fault.
	FusionTickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_fusion_tick_errors_total",
		Help: "Fusion ticks skipped due to an internal fault",
	})

	// HeadwayEvents counts emitted arrival/departure events.
	HeadwayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_headway_events_total",
		Help: "Headway events emitted, by event type",
	}, []string{"event_type"})

	// SSESubscribers gauges current subscribers per stream.
	SSESubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_sse_subscribers",
		Help: "Currently connected SSE subscribers per stream",
	}, []string{"stream"})

	// SSEDroppedEvents counts events dropped for slow subscribers.
	SSEDroppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_sse_dropped_events_total",
		Help: "Events dropped because a subscriber queue was full",
	}, []string{"stream"})

	// CacheReads counts cache reads by tier and outcome state.
	CacheReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_reads_total",
		Help: "Cache reads by tier and freshness outcome",
	}, []string{"tier", "state"})
)

func init() {
	// Eager registration; harmless if /metrics is never scraped.
	prometheus.MustRegister(
		PollCycles, PollErrors,
		FusionTickSeconds, FusionTickErrors,
		HeadwayEvents,
		SSESubscribers, SSEDroppedEvents,
		CacheReads,
	)
}
