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

package blocks

import (
	"reflect"
	"testing"
	"time"

	"transitgw/internal/gateway/upstream"
)

func TestSplitInterlined(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"[01]/[04]", []string{"01", "04"}},
		{"[21]/[16] AM", []string{"21", "16"}},
		{"[1]/[4]", []string{"01", "04"}},
		{"", nil},
		{"[09]", []string{"09"}},
		{"no brackets", nil},
	}
	for _, c := range cases {
		got := SplitInterlined(c.in)
		if len(got) == 0 && len(c.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("SplitInterlined(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestCanonicalLabel(t *testing.T) {
	if got := CanonicalLabel("[10]"); got != "[20]/[10]" {
		t.Fatalf("alias [10]: got %q", got)
	}
	if got := CanonicalLabel("[16] AM"); got != "[21]/[16] AM" {
		t.Fatalf("alias [16] AM: got %q", got)
	}
	if got := CanonicalLabel("[02]"); got != "[02]" {
		t.Fatalf("non-aliased label must pass through, got %q", got)
	}
}

func TestRouteBlocks(t *testing.T) {
	allowed, preferred := RouteBlocks("Blue Loop")
	if !containsStr(allowed, "26") || !containsStr(preferred, "15") || containsStr(preferred, "20") {
		t.Fatalf("blue: allowed=%v preferred=%v", allowed, preferred)
	}
	allowed, preferred = RouteBlocks("Campus Gold")
	if !reflect.DeepEqual(allowed, []string{"09", "10", "11", "12"}) || preferred != nil {
		t.Fatalf("gold: allowed=%v preferred=%v", allowed, preferred)
	}
	if a, _ := RouteBlocks("unknown route"); a != nil {
		t.Fatalf("unknown route should have no rule, got %v", a)
	}
}

// day builds a UnixMilli timestamp on a fixed test date.
func day(hour, min int) int64 {
	return time.Date(2025, 12, 18, hour, min, 0, 0, time.UTC).UnixMilli()
}

func shift(pos, first, last string, startH, endH int) upstream.AssignedShift {
	return upstream.AssignedShift{
		PositionName: pos,
		FirstName:    first,
		LastName:     last,
		StartMS:      day(startH, 0),
		EndMS:        day(endH, 0),
	}
}

func interlinedFixture() ([]upstream.BlockGroup, []upstream.AssignedShift) {
	groups := []upstream.BlockGroup{{
		BlockID: "[01]/[04]",
		Trips: []upstream.BlockTrip{
			{VehicleID: 7, RouteName: "Green Line", StartMS: day(6, 0), EndMS: day(18, 0)},
			{VehicleID: 7, RouteName: "Night Pilot", StartMS: day(6, 0), EndMS: day(18, 0)},
		},
	}}
	shifts := []upstream.AssignedShift{
		shift("[01]", "Dana", "One", 6, 12),
		shift("[01]", "Devin", "Two", 13, 18),
		shift("[04]", "Drew", "Three", 6, 18),
	}
	return groups, shifts
}

// TestResolver_DriverSelection covers the time-window plus route-preference
// selection across an interlined block.
func TestResolver_DriverSelection(t *testing.T) {
	groups, shifts := interlinedFixture()

	// 10:30, vehicle on a green route: sub-block 01, morning driver.
	r := NewResolver(time.UTC)
	entries := r.Resolve(groups, shifts, map[int]string{7: "Green Line"}, time.UnixMilli(day(10, 30)))
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if len(entries[0].Drivers) != 1 || entries[0].Drivers[0].Name != "Dana One" {
		t.Fatalf("10:30 green: got %+v", entries[0].Drivers)
	}
	if entries[0].Block != "[01]" {
		t.Fatalf("10:30 green: block %q", entries[0].Block)
	}

	// 14:30: same sub-block, afternoon driver.
	r = NewResolver(time.UTC)
	entries = r.Resolve(groups, shifts, map[int]string{7: "Green Line"}, time.UnixMilli(day(14, 30)))
	if len(entries) != 1 || len(entries[0].Drivers) != 1 || entries[0].Drivers[0].Name != "Devin Two" {
		t.Fatalf("14:30 green: got %+v", entries)
	}

	// 10:30 on a route whose allowed set is {03,04}: sub-block 04.
	r = NewResolver(time.UTC)
	entries = r.Resolve(groups, shifts, map[int]string{7: "Night Pilot"}, time.UnixMilli(day(10, 30)))
	if len(entries) != 1 || len(entries[0].Drivers) != 1 || entries[0].Drivers[0].Name != "Drew Three" {
		t.Fatalf("10:30 night pilot: got %+v", entries)
	}
}

// TestResolver_NoShowSkipped verifies color 9 rows never count as active.
func TestResolver_NoShowSkipped(t *testing.T) {
	groups := []upstream.BlockGroup{{
		BlockID: "[02]",
		Trips:   []upstream.BlockTrip{{VehicleID: 3, RouteName: "Green Line", StartMS: day(6, 0), EndMS: day(18, 0)}},
	}}
	noShow := shift("[02]", "Gone", "Missing", 6, 18)
	noShow.ColorID = "9"
	r := NewResolver(time.UTC)
	entries := r.Resolve(groups, []upstream.AssignedShift{noShow}, nil, time.UnixMilli(day(10, 0)))
	if len(entries) != 1 || len(entries[0].Drivers) != 0 {
		t.Fatalf("no-show must leave the block driverless, got %+v", entries)
	}
}

// TestResolver_HandoffOrder verifies overlapping shifts come back in start
// order.
func TestResolver_HandoffOrder(t *testing.T) {
	groups := []upstream.BlockGroup{{
		BlockID: "[02]",
		Trips:   []upstream.BlockTrip{{VehicleID: 3, RouteName: "Green Line", StartMS: day(6, 0), EndMS: day(18, 0)}},
	}}
	shifts := []upstream.AssignedShift{
		shift("[02]", "Second", "Out", 11, 18),
		shift("[02]", "First", "In", 6, 12),
	}
	r := NewResolver(time.UTC)
	entries := r.Resolve(groups, shifts, nil, time.UnixMilli(day(11, 30)))
	if len(entries) != 1 || len(entries[0].Drivers) != 2 {
		t.Fatalf("expected both handoff drivers, got %+v", entries)
	}
	if entries[0].Drivers[0].Name != "First In" || entries[0].Drivers[1].Name != "Second Out" {
		t.Fatalf("handoff order wrong: %+v", entries[0].Drivers)
	}
}

// TestResolver_StagedVehicle verifies a bus outside its trip window still
// resolves when a shift is active on one of its sub-blocks.
func TestResolver_StagedVehicle(t *testing.T) {
	groups := []upstream.BlockGroup{{
		BlockID: "[02]",
		Trips:   []upstream.BlockTrip{{VehicleID: 3, RouteName: "Green Line", StartMS: day(7, 0), EndMS: day(9, 0)}},
	}}
	shifts := []upstream.AssignedShift{shift("[02]", "Early", "Bird", 6, 18)}
	r := NewResolver(time.UTC)
	// 06:30 is before the first trip but within the shift.
	entries := r.Resolve(groups, shifts, nil, time.UnixMilli(day(6, 30)))
	if len(entries) != 1 || len(entries[0].Drivers) != 1 {
		t.Fatalf("staged vehicle should resolve, got %+v", entries)
	}
	// With no active shift either, the vehicle drops.
	r = NewResolver(time.UTC)
	entries = r.Resolve(groups, shifts, nil, time.UnixMilli(day(20, 0)))
	if len(entries) != 0 {
		t.Fatalf("out-of-window vehicle should drop, got %+v", entries)
	}
}

func TestResolveOnDemand(t *testing.T) {
	shifts := []upstream.AssignedShift{
		{PositionName: "OnDemand Driver", FirstName: "Ola", LastName: "Driver", StartMS: day(6, 0), EndMS: day(18, 0)},
		{PositionName: "OnDemand EB", FirstName: "Eve", LastName: "Bee", StartMS: day(6, 0), EndMS: day(18, 0)},
	}
	positions := []upstream.OnDemandPosition{
		{DriverName: "  ola   DRIVER ", VehicleID: 901, CallName: "Van 1"},
		{DriverName: "Eve Bee", VehicleID: 902, CallName: "Van 2"},
		{DriverName: "Nobody Here", VehicleID: 903, CallName: "Van 3"},
	}
	out := ResolveOnDemand(positions, shifts, time.UTC, time.UnixMilli(day(10, 0)))
	if len(out) != 2 {
		t.Fatalf("expected 2 matched entries, got %+v", out)
	}
	if out[0].VehicleID != 901 || out[0].Block != "OnDemand Driver" || out[0].VehicleName != "Van 1" {
		t.Fatalf("first entry wrong: %+v", out[0])
	}
	if out[1].VehicleID != 902 || out[1].Block != "OnDemand EB" {
		t.Fatalf("second entry wrong: %+v", out[1])
	}
}
