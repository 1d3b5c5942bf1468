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

// Package fusion owns the shared fused-vehicle state and the per-tick
// pipeline that derives it from raw AVL fixes: polyline projection, EMA
// speed, direction sign, route activity, and the joined payloads the
// request surface serves.
package fusion

import (
	"encoding/json"
	"sync"
	"time"

	"transitgw/internal/gateway/blocks"
	"transitgw/internal/gateway/geo"
	"transitgw/internal/gateway/upstream"
)

// RouteShape is a decoded route: polyline, cumulative distances, and
// per-segment road metadata.
type RouteShape struct {
	RouteID     int          `json:"route_id"`
	Description string       `json:"description"`
	InfoText    string       `json:"info_text,omitempty"`
	DisplayName string       `json:"display_name"`
	Color       string       `json:"color,omitempty"`
	Encoded     string       `json:"-"`
	Polyline    []geo.LatLon `json:"-"`
	Cumulative  []float64    `json:"-"`
	TotalM      float64      `json:"total_length_m"`
	SegmentCaps []float64    `json:"-"`
	SegmentRoad []string     `json:"-"`
	Stops       []upstream.RouteStop `json:"-"`
}

// Vehicle is a fused vehicle: the raw fix plus derived along-route fields.
type Vehicle struct {
	VehicleID   int     `json:"vehicle_id"`
	Name        string  `json:"name"`
	RouteID     int     `json:"route_id"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	HeadingDeg  float64 `json:"heading_deg"`
	GroundMPS   float64 `json:"ground_speed_mps"`
	AgeS        float64 `json:"report_age_s"`
	ProviderMS  int64   `json:"provider_timestamp_ms,omitempty"`
	ArcLengthM  float64 `json:"arc_length_m"`
	SegmentIdx  int     `json:"segment_index"`
	Direction   int     `json:"direction_sign"`
	EMASpeedMPS float64 `json:"ema_speed_mps"`
	AlongMPS    float64 `json:"along_route_speed_mps"`
	IsStale     bool    `json:"is_stale"`
	IsVeryStale bool    `json:"is_very_stale"`

	// UpdatedAt is the fusion tick start that produced this record.
	UpdatedAt time.Time `json:"updated_at"`
}

// HeadingRecord is the persisted last-known heading for one vehicle.
type HeadingRecord struct {
	Heading   float64 `json:"heading"`
	UpdatedAt int64   `json:"updated_at"`
}

// Health is the fusion side of /v1/health.
type Health struct {
	OK          bool      `json:"ok"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorTS time.Time `json:"last_error_ts,omitempty"`
}

// State is the single shared snapshot. The fusion tick is the only
// writer; request handlers copy out under a read lock. Long work never
// happens while the lock is held.
type State struct {
	mu sync.RWMutex

	routesRaw  []upstream.Route
	catalogRaw []upstream.CatalogRoute
	stopsRaw   []upstream.Stop
	capacities map[int]upstream.Capacity
	estimates  map[int][]json.RawMessage

	blockGroups []upstream.BlockGroup
	shifts      []upstream.AssignedShift
	onDemand    []upstream.OnDemandPosition

	routeIDToName map[int]string
	activeRoutes  map[int]struct{}
	routeLastSeen map[int]time.Time
	routes        map[int]*RouteShape

	vehicles        map[int]*Vehicle
	vehiclesByRoute map[int][]Vehicle

	lastHeadings  map[string]HeadingRecord
	headingsDirty bool

	plainBlocks    []blocks.VehicleDriverEntry
	vehicleToBlock map[int]string

	testmapPayload json.RawMessage

	tickTS      time.Time
	lastError   string
	lastErrorTS time.Time
}

func NewState() *State {
	return &State{
		capacities:      make(map[int]upstream.Capacity),
		estimates:       make(map[int][]json.RawMessage),
		routeIDToName:   make(map[int]string),
		activeRoutes:    make(map[int]struct{}),
		routeLastSeen:   make(map[int]time.Time),
		routes:          make(map[int]*RouteShape),
		vehicles:        make(map[int]*Vehicle),
		vehiclesByRoute: make(map[int][]Vehicle),
		lastHeadings:    make(map[string]HeadingRecord),
		vehicleToBlock:  make(map[int]string),
	}
}

// Poller-side setters. Each replaces a staged raw payload wholesale.

func (s *State) SetRoutesRaw(routes []upstream.Route) {
	s.mu.Lock()
	s.routesRaw = routes
	s.mu.Unlock()
}

// SetCatalogRaw replaces the simple route catalog. It includes inactive
// routes, so the name map covers routes with no live vehicles.
func (s *State) SetCatalogRaw(catalog []upstream.CatalogRoute) {
	s.mu.Lock()
	s.catalogRaw = catalog
	s.mu.Unlock()
}

func (s *State) SetStopsRaw(stops []upstream.Stop) {
	s.mu.Lock()
	s.stopsRaw = stops
	s.mu.Unlock()
}

func (s *State) SetCapacities(caps []upstream.Capacity) {
	m := make(map[int]upstream.Capacity, len(caps))
	for _, c := range caps {
		m[c.VehicleID] = c
	}
	s.mu.Lock()
	s.capacities = m
	s.mu.Unlock()
}

func (s *State) SetEstimates(ests []upstream.VehicleEstimates) {
	m := make(map[int][]json.RawMessage, len(ests))
	for _, e := range ests {
		m[e.VehicleID] = e.Estimates
	}
	s.mu.Lock()
	s.estimates = m
	s.mu.Unlock()
}

func (s *State) SetBlockData(groups []upstream.BlockGroup, shifts []upstream.AssignedShift, onDemand []upstream.OnDemandPosition) {
	s.mu.Lock()
	s.blockGroups = groups
	s.shifts = shifts
	s.onDemand = onDemand
	s.mu.Unlock()
}

// SetError records a tick or poller failure for /v1/health.
func (s *State) SetError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastErrorTS = time.Now().UTC()
	s.mu.Unlock()
}

func (s *State) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Health{OK: s.lastError == "", LastError: s.lastError, LastErrorTS: s.lastErrorTS}
}

// Reader accessors. All copy out under the read lock.

func (s *State) RoutesRaw() []upstream.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]upstream.Route(nil), s.routesRaw...)
}

func (s *State) StopsRaw() []upstream.Stop {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]upstream.Stop(nil), s.stopsRaw...)
}

func (s *State) RouteName(rid int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routeIDToName[rid]
}

func (s *State) RouteNames() map[int]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]string, len(s.routeIDToName))
	for k, v := range s.routeIDToName {
		out[k] = v
	}
	return out
}

// ActiveRoutes returns the shapes of currently active routes.
func (s *State) ActiveRoutes() []RouteShape {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RouteShape, 0, len(s.activeRoutes))
	for rid := range s.activeRoutes {
		if rs, ok := s.routes[rid]; ok {
			out = append(out, *rs)
		}
	}
	return out
}

func (s *State) Route(rid int) (RouteShape, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.routes[rid]
	if !ok {
		return RouteShape{}, false
	}
	return *rs, true
}

func (s *State) Vehicles() []Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, *v)
	}
	return out
}

func (s *State) VehiclesOnRoute(rid int) []Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Vehicle(nil), s.vehiclesByRoute[rid]...)
}

func (s *State) VehicleCount(rid int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehiclesByRoute[rid])
}

func (s *State) Capacity(vid int) (upstream.Capacity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capacities[vid]
	return c, ok
}

func (s *State) Headings() map[string]HeadingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]HeadingRecord, len(s.lastHeadings))
	for k, v := range s.lastHeadings {
		out[k] = v
	}
	return out
}

// SeedHeadings installs headings loaded from disk at startup.
func (s *State) SeedHeadings(h map[string]HeadingRecord) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.lastHeadings = h
	s.mu.Unlock()
}

func (s *State) PlainBlocks() []blocks.VehicleDriverEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]blocks.VehicleDriverEntry(nil), s.plainBlocks...)
}

func (s *State) BlockFor(vid int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vehicleToBlock[vid]
}

// TestmapPayload returns the pre-materialized snapshot JSON, nil before
// the first tick.
func (s *State) TestmapPayload() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.testmapPayload
}

func (s *State) TickTS() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tickTS
}
