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

// Package mileage keeps the per-bus, per-service-day odometer. Distances are
// Haversine-integrated over consecutive AVL fixes and persisted atomically
// after every fusion tick; the service crew can reset the display baseline
// per bus.
package mileage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"transitgw/internal/gateway/geo"
	"transitgw/internal/gateway/persist"
)

// FileName is the persisted artifact under each data directory.
const FileName = "mileage.json"

// BusDay is one bus's odometer record for one service date.
type BusDay struct {
	TotalMiles float64  `json:"total_miles"`
	ResetMiles float64  `json:"reset_miles"`
	DayMiles   float64  `json:"day_miles"`
	Blocks     []string `json:"blocks"`
	LastLat    *float64 `json:"last_lat,omitempty"`
	LastLon    *float64 `json:"last_lon,omitempty"`
}

// DisplayMiles is what the service crew sees: total since the last reset.
func (b BusDay) DisplayMiles() float64 { return b.TotalMiles - b.ResetMiles }

// Accumulator owns every BusDay record. All methods are safe for concurrent
// use; the fusion worker is the only writer in practice.
type Accumulator struct {
	dirs []string
	loc  *time.Location
	log  *zap.SugaredLogger

	mu   sync.Mutex
	days map[string]map[string]*BusDay // service date -> bus -> record
}

// Load reads mileage.json from the first readable data directory. A missing
// or unreadable file starts empty (startup is never fatal here).
func Load(dirs []string, loc *time.Location, log *zap.SugaredLogger) *Accumulator {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &Accumulator{dirs: dirs, loc: loc, log: log, days: make(map[string]map[string]*BusDay)}
	var onDisk map[string]map[string]*BusDay
	if err := persist.LoadJSON(dirs, FileName, &onDisk); err != nil {
		if !persist.IsNotExist(err) {
			log.Warnw("mileage state unreadable, starting empty", "err", err)
		}
		return a
	}
	if onDisk != nil {
		a.days = onDisk
	}
	return a
}

// NormalizeBusName reduces a fleet name to its digits; "Bus 42" and "42"
// bucket together. Empty results are not tracked.
func NormalizeBusName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Update advances the odometer for one AVL fix.
func (a *Accumulator) Update(name string, lat, lon float64, now time.Time) {
	bus := NormalizeBusName(name)
	if bus == "" {
		return
	}
	date := geo.ServiceDate(now, a.loc)

	a.mu.Lock()
	defer a.mu.Unlock()
	bd := a.record(date, bus)
	if bd.LastLat != nil && bd.LastLon != nil {
		deltaMi := geo.Haversine(*bd.LastLat, *bd.LastLon, lat, lon) / geo.MetersPerMile
		bd.TotalMiles += deltaMi
		bd.DayMiles += deltaMi
	}
	la, lo := lat, lon
	bd.LastLat, bd.LastLon = &la, &lo
}

// AddBlock records that the bus ran a block today.
func (a *Accumulator) AddBlock(name, blockID string, now time.Time) {
	bus := NormalizeBusName(name)
	if bus == "" || blockID == "" {
		return
	}
	date := geo.ServiceDate(now, a.loc)

	a.mu.Lock()
	defer a.mu.Unlock()
	bd := a.record(date, bus)
	for _, b := range bd.Blocks {
		if b == blockID {
			return
		}
	}
	bd.Blocks = append(bd.Blocks, blockID)
}

// record returns the BusDay for (date, bus), creating it seeded from the
// bus's most recent prior service date so the running total survives the
// 02:30 rollover.
func (a *Accumulator) record(date, bus string) *BusDay {
	byBus, ok := a.days[date]
	if !ok {
		byBus = make(map[string]*BusDay)
		a.days[date] = byBus
	}
	bd, ok := byBus[bus]
	if ok {
		return bd
	}
	bd = &BusDay{}
	if prev := a.latestBefore(date, bus); prev != nil {
		bd.TotalMiles = prev.TotalMiles
		bd.ResetMiles = prev.ResetMiles
		bd.LastLat = prev.LastLat
		bd.LastLon = prev.LastLon
	}
	byBus[bus] = bd
	return bd
}

// latestBefore finds the bus's record on the most recent service date
// strictly before date. Dates sort lexically (YYYY-MM-DD).
func (a *Accumulator) latestBefore(date, bus string) *BusDay {
	var bestDate string
	var best *BusDay
	for d, byBus := range a.days {
		if d >= date {
			continue
		}
		if bd, ok := byBus[bus]; ok && d > bestDate {
			bestDate = d
			best = bd
		}
	}
	return best
}

// Reset sets the display baseline for bus to its current total and reports
// the new baseline. The bool is false when the bus has no record today.
func (a *Accumulator) Reset(name string, now time.Time) (float64, bool) {
	bus := NormalizeBusName(name)
	if bus == "" {
		return 0, false
	}
	date := geo.ServiceDate(now, a.loc)

	a.mu.Lock()
	defer a.mu.Unlock()
	byBus, ok := a.days[date]
	if !ok {
		return 0, false
	}
	bd, ok := byBus[bus]
	if !ok {
		return 0, false
	}
	bd.ResetMiles = bd.TotalMiles
	return bd.ResetMiles, true
}

// Snapshot copies the records for one service date for serving.
func (a *Accumulator) Snapshot(date string) map[string]BusDay {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]BusDay)
	for bus, bd := range a.days[date] {
		cp := *bd
		cp.Blocks = append([]string(nil), bd.Blocks...)
		out[bus] = cp
	}
	return out
}

// Dates lists every service date with records, ascending.
func (a *Accumulator) Dates() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	dates := make([]string, 0, len(a.days))
	for d := range a.days {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// Persist mirrors the full state to every data directory atomically.
func (a *Accumulator) Persist() error {
	a.mu.Lock()
	cp := make(map[string]map[string]BusDay, len(a.days))
	for d, byBus := range a.days {
		inner := make(map[string]BusDay, len(byBus))
		for bus, bd := range byBus {
			inner[bus] = *bd
		}
		cp[d] = inner
	}
	a.mu.Unlock()
	return persist.SaveJSON(a.dirs, FileName, cp, a.log)
}
