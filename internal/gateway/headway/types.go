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

// Package headway tracks bus arrivals and departures through ordered
// geofence corridors ("approach sets") around stops, computes headways
// between consecutive visits, and persists the resulting events to a
// day-partitioned store.
package headway

import "time"

// Bubble is one circular geofence in an approach corridor.
type Bubble struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	RadiusM float64 `json:"radius_m"`
	Order   int     `json:"order"`
}

// ApproachSet is an ordered corridor of bubbles into a stop. A bus must
// traverse the bubbles in order, starting from order 1, to register an
// arrival.
type ApproachSet struct {
	Name    string   `json:"name"`
	Bubbles []Bubble `json:"bubbles"`
}

// MaxOrder returns the order of the final bubble, 0 when empty.
func (s ApproachSet) MaxOrder() int {
	if len(s.Bubbles) == 0 {
		return 0
	}
	max := s.Bubbles[0].Order
	for _, b := range s.Bubbles[1:] {
		if b.Order > max {
			max = b.Order
		}
	}
	return max
}

// FinalBubble returns the bubble with the highest order.
func (s ApproachSet) FinalBubble() (Bubble, bool) {
	if len(s.Bubbles) == 0 {
		return Bubble{}, false
	}
	best := s.Bubbles[0]
	for _, b := range s.Bubbles[1:] {
		if b.Order > best.Order {
			best = b
		}
	}
	return best, true
}

// StopPoint is a tracked stop after address-level merging.
type StopPoint struct {
	StopID         string              `json:"stop_id"`
	AddressID      string              `json:"address_id,omitempty"`
	Name           string              `json:"name"`
	Lat            float64             `json:"lat"`
	Lon            float64             `json:"lon"`
	ServesRouteIDs map[string]struct{} `json:"-"`
	ApproachSets   []ApproachSet       `json:"approach_sets,omitempty"`
}

// MergeStops collapses raw stop entries that share a physical address id
// into one StopPoint: route sets are unioned and approach sets are
// concatenated with name-level dedup. Stops without an address id pass
// through unchanged.
func MergeStops(raw []StopPoint) []StopPoint {
	byAddr := make(map[string]*StopPoint)
	var out []*StopPoint
	for i := range raw {
		sp := raw[i]
		if sp.ServesRouteIDs == nil {
			sp.ServesRouteIDs = make(map[string]struct{})
		}
		if sp.AddressID == "" {
			cp := sp
			out = append(out, &cp)
			continue
		}
		existing, ok := byAddr[sp.AddressID]
		if !ok {
			cp := sp
			byAddr[sp.AddressID] = &cp
			out = append(out, &cp)
			continue
		}
		for rid := range sp.ServesRouteIDs {
			existing.ServesRouteIDs[rid] = struct{}{}
		}
		for _, set := range sp.ApproachSets {
			dup := false
			for _, have := range existing.ApproachSets {
				if have.Name == set.Name {
					dup = true
					break
				}
			}
			if !dup {
				existing.ApproachSets = append(existing.ApproachSets, set)
			}
		}
	}
	merged := make([]StopPoint, len(out))
	for i, sp := range out {
		merged[i] = *sp
	}
	return merged
}

// Snapshot is one vehicle observation handed to the tracker by the fusion
// worker. Timestamp is the fusion tick's start, never an upstream-embedded
// time.
type Snapshot struct {
	VehicleID   string
	VehicleName string
	Lat         float64
	Lon         float64
	RouteID     string
	Block       string
	Timestamp   time.Time
}

// EventType distinguishes the two persisted event kinds.
type EventType string

const (
	EventArrival   EventType = "arrival"
	EventDeparture EventType = "departure"
)

// ArrivalType records whether the bus actually stopped in the final bubble
// or only passed through it.
type ArrivalType string

const (
	ArrivalStopped     ArrivalType = "stopped"
	ArrivalPassthrough ArrivalType = "passthrough"
)

// Event is one immutable arrival or departure record.
type Event struct {
	Timestamp   time.Time   `json:"timestamp"`
	RouteID     string      `json:"route_id"`
	StopID      string      `json:"stop_id"`
	VehicleID   string      `json:"vehicle_id"`
	VehicleName string      `json:"vehicle_name,omitempty"`
	Type        EventType   `json:"event_type"`
	ArrivalType ArrivalType `json:"arrival_type,omitempty"`

	HeadwayArrivalArrivalS   *float64 `json:"headway_arrival_arrival_s,omitempty"`
	HeadwayDepartureArrivalS *float64 `json:"headway_departure_arrival_s,omitempty"`
	DwellS                   *float64 `json:"dwell_s,omitempty"`

	RouteName string `json:"route_name,omitempty"`
	StopName  string `json:"stop_name,omitempty"`
	AddressID string `json:"address_id,omitempty"`
	Block     string `json:"block,omitempty"`
}
