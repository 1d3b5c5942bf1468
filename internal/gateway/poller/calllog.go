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
	"sync"

	"transitgw/internal/gateway/upstream"
)

// CallLogCap bounds the outbound-request history replayed to new
// api-call stream subscribers.
const CallLogCap = 100

// CallLog is the bounded deque of recent outbound upstream requests.
type CallLog struct {
	mu   sync.Mutex
	recs []upstream.CallRecord

	// Notify, when set, receives every record after it is stored. The SSE
	// broker hangs off this hook.
	Notify func(upstream.CallRecord)
}

func NewCallLog() *CallLog {
	return &CallLog{}
}

// Add stores a record, evicting the oldest past CallLogCap.
func (l *CallLog) Add(rec upstream.CallRecord) {
	l.mu.Lock()
	l.recs = append(l.recs, rec)
	if len(l.recs) > CallLogCap {
		l.recs = l.recs[len(l.recs)-CallLogCap:]
	}
	notify := l.Notify
	l.mu.Unlock()
	if notify != nil {
		notify(rec)
	}
}

// Snapshot returns the history oldest first.
func (l *CallLog) Snapshot() []upstream.CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]upstream.CallRecord(nil), l.recs...)
}
