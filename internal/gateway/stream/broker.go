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

// Package stream implements server-sent-event fan-out. Each subscriber owns
// a small bounded queue; a subscriber that stops draining loses events
// instead of stalling the producer or its peers.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"transitgw/internal/gateway/telemetry"
)

// QueueCap bounds each subscriber's pending events.
const QueueCap = 10

// Broker fans encoded SSE frames out to subscribers.
type Broker struct {
	name string

	mu   sync.Mutex
	subs map[uuid.UUID]chan []byte

	// Replay, when set, returns the frames a fresh subscriber receives
	// before entering live mode (last snapshot, call-log history, ...).
	Replay func() [][]byte
}

// NewBroker returns a broker; name labels its metrics.
func NewBroker(name string) *Broker {
	return &Broker{name: name, subs: make(map[uuid.UUID]chan []byte)}
}

// Encode builds the wire frame for one event. Published events are encoded
// exactly once regardless of subscriber count.
func Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// Publish encodes v once and offers it to every subscriber without blocking.
// Full queues drop this event for that subscriber only.
func (b *Broker) Publish(v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}
	b.PublishFrame(frame)
	return nil
}

// PublishFrame fans out an already encoded frame.
func (b *Broker) PublishFrame(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- frame:
		default:
			telemetry.SSEDroppedEvents.WithLabelValues(b.name).Inc()
		}
	}
}

// Subscribe registers a new bounded queue and returns its id and channel.
func (b *Broker) Subscribe() (uuid.UUID, <-chan []byte) {
	id := uuid.New()
	ch := make(chan []byte, QueueCap)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	telemetry.SSESubscribers.WithLabelValues(b.name).Inc()
	return id, ch
}

// Unsubscribe removes a queue; pending frames are discarded.
func (b *Broker) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		telemetry.SSESubscribers.WithLabelValues(b.name).Dec()
	}
}

// SubscriberCount reports the live subscriber total.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// ServeHTTP streams frames to one client until it disconnects: replay
// first (when configured), then live events from the bounded queue.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	if b.Replay != nil {
		for _, frame := range b.Replay() {
			if _, err := w.Write(frame); err != nil {
				return
			}
		}
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
