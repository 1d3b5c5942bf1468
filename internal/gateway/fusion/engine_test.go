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

package fusion

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"transitgw/internal/gateway/geo"
	"transitgw/internal/gateway/mileage"
	"transitgw/internal/gateway/upstream"
)

// encodePolyline is the inverse of geo.DecodePolyline, used to build
// route fixtures.
func encodePolyline(pts []geo.LatLon) string {
	var b strings.Builder
	writeVal := func(v int) {
		u := v << 1
		if v < 0 {
			u = ^u
		}
		for u >= 0x20 {
			b.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
			u >>= 5
		}
		b.WriteByte(byte(u + 63))
	}
	prevLat, prevLon := 0, 0
	for _, p := range pts {
		lat := int(math.Round(p.Lat * 1e5))
		lon := int(math.Round(p.Lon * 1e5))
		writeVal(lat - prevLat)
		writeVal(lon - prevLon)
		prevLat, prevLon = lat, lon
	}
	return b.String()
}

// Straight route running due north along -75.
var testShapePts = []geo.LatLon{
	{Lat: 40.0000, Lon: -75.0000},
	{Lat: 40.0500, Lon: -75.0000},
	{Lat: 40.1000, Lon: -75.0000},
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st := NewState()
	st.SetRoutesRaw([]upstream.Route{{
		RouteID:         7,
		Description:     "Blue Line",
		InfoText:        "Campus Loop",
		EncodedPolyline: encodePolyline(testShapePts),
	}})
	e := NewEngine(st, nil)
	e.Loc = time.UTC
	return e
}

func rawFix(vid int, rid int, lat, lon, ground, age float64) upstream.Vehicle {
	return upstream.Vehicle{
		VehicleID: vid, Name: "Bus 42", RouteID: rid,
		Latitude: lat, Longitude: lon, GroundSpeed: ground, Seconds: age,
	}
}

func TestEngine_TickFusesVehicles(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2025, 12, 18, 14, 0, 0, 0, time.UTC)

	if err := e.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0050, -75.0000, 10, 2)}, now); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	vs := e.State.Vehicles()
	if len(vs) != 1 {
		t.Fatalf("want one fused vehicle, got %d", len(vs))
	}
	first := vs[0]
	// ~556 m up a straight northbound shape.
	if first.ArcLengthM < 500 || first.ArcLengthM > 620 {
		t.Fatalf("arc length: %v", first.ArcLengthM)
	}
	if first.EMASpeedMPS < e.MinSpeedMPS || first.EMASpeedMPS > e.MaxSpeedMPS {
		t.Fatalf("ema outside clamp: %v", first.EMASpeedMPS)
	}

	// Move ~55 m north over 5 s.
	now2 := now.Add(5 * time.Second)
	if err := e.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0055, -75.0000, 10, 2)}, now2); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	second := e.State.Vehicles()[0]
	if second.ArcLengthM <= first.ArcLengthM {
		t.Fatalf("arc must advance: %v -> %v", first.ArcLengthM, second.ArcLengthM)
	}
	if second.AlongMPS <= 0 || second.Direction != 1 {
		t.Fatalf("northbound bus must move forward: along=%v dir=%d", second.AlongMPS, second.Direction)
	}
	// Due-north displacement puts the heading near 0.
	if diff := geo.HeadingDiff(second.HeadingDeg, 0); diff > 1 {
		t.Fatalf("heading %v, want ~0", second.HeadingDeg)
	}
	if name := e.State.RouteName(7); name != "Blue Line Campus Loop" {
		t.Fatalf("route name: %q", name)
	}
}

func TestEngine_CatalogNamesInactiveRoutes(t *testing.T) {
	e := newTestEngine(t)
	e.State.SetCatalogRaw([]upstream.CatalogRoute{
		{RouteID: 7, Description: "Blue"},
		{RouteID: 9, Description: "Night Owl", InfoText: "Weekends"},
	})
	now := time.Date(2025, 12, 18, 14, 0, 0, 0, time.UTC)

	if err := e.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0050, -75.0000, 10, 2)}, now); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Route 9 has no shape and no vehicles; the catalog still names it.
	if name := e.State.RouteName(9); name != "Night Owl Weekends" {
		t.Fatalf("catalog route name: %q", name)
	}
	// Where both lists carry a route, the shaped list wins.
	if name := e.State.RouteName(7); name != "Blue Line Campus Loop" {
		t.Fatalf("shaped route name: %q", name)
	}
}

func TestEngine_HeadingCarriedUnderJitter(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2025, 12, 18, 14, 0, 0, 0, time.UTC)

	e.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0050, -75.0000, 10, 2)}, now)
	e.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0055, -75.0000, 10, 2)}, now.Add(5*time.Second))
	withHeading := e.State.Vehicles()[0]

	// Sub-jitter wiggle: ~1 m east.
	e.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0055, -74.99999, 10, 2)}, now.Add(10*time.Second))
	after := e.State.Vehicles()[0]
	if after.HeadingDeg != withHeading.HeadingDeg {
		t.Fatalf("heading must be carried under the jitter floor: %v != %v", after.HeadingDeg, withHeading.HeadingDeg)
	}
}

func TestEngine_StaleAndUnroutedFiltering(t *testing.T) {
	e := newTestEngine(t)
	acc := mileage.Load([]string{t.TempDir()}, time.UTC, nil)
	e.Mileage = acc
	now := time.Date(2025, 12, 18, 14, 0, 0, 0, time.UTC)

	err := e.Tick(context.Background(), []upstream.Vehicle{
		rawFix(42, 7, 40.0050, -75.0000, 10, 2),
		rawFix(43, 7, 40.0060, -75.0000, 10, 600),  // stale fix
		rawFix(45, 7, 40.0065, -75.0000, 10, 4000), // very stale fix
		{VehicleID: 44, Name: "Bus 9", RouteID: 0, Latitude: 40.0070, Longitude: -75.0000, Seconds: 2},
	}, now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}

	// The stale routed vehicle stays in the roster, flagged; the very
	// stale one drops entirely.
	byID := make(map[int]Vehicle)
	for _, v := range e.State.Vehicles() {
		byID[v.VehicleID] = v
	}
	if len(byID) != 2 {
		t.Fatalf("want fresh + stale in roster: %+v", byID)
	}
	if byID[42].IsStale {
		t.Fatalf("fresh vehicle flagged stale: %+v", byID[42])
	}
	stale, ok := byID[43]
	if !ok || !stale.IsStale || stale.IsVeryStale {
		t.Fatalf("stale vehicle must be flagged: %+v", stale)
	}
	if _, ok := byID[45]; ok {
		t.Fatalf("very stale vehicle must not fuse")
	}
	// The per-route index carries only fresh vehicles.
	onRoute := e.State.VehiclesOnRoute(7)
	if len(onRoute) != 1 || onRoute[0].VehicleID != 42 {
		t.Fatalf("per-route index must exclude stale: %+v", onRoute)
	}
	// The unrouted fresh vehicle still accrues mileage.
	snap := acc.Snapshot("2025-12-18")
	if _, ok := snap["9"]; !ok {
		t.Fatalf("unrouted vehicle missing from mileage: %v", snap)
	}
	if _, ok := snap["42"]; !ok {
		t.Fatalf("routed vehicle missing from mileage: %v", snap)
	}
}

func TestEngine_RouteGrace(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2025, 12, 18, 14, 0, 0, 0, time.UTC)

	e.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0050, -75.0000, 10, 2)}, now)
	if len(e.State.ActiveRoutes()) != 1 {
		t.Fatalf("route must be active while attested")
	}

	// No vehicles: still active inside the grace window.
	e.Tick(context.Background(), nil, now.Add(30*time.Second))
	if len(e.State.ActiveRoutes()) != 1 {
		t.Fatalf("route must survive the grace window")
	}
	e.Tick(context.Background(), nil, now.Add(3*time.Minute))
	if len(e.State.ActiveRoutes()) != 0 {
		t.Fatalf("route must expire past the grace window")
	}
}

func TestEngine_TestmapPayloadJoins(t *testing.T) {
	e := newTestEngine(t)
	e.State.SetCapacities([]upstream.Capacity{{VehicleID: 42, Capacity: 30, CurrentOccupation: 12, Percentage: 40}})
	now := time.Date(2025, 12, 18, 14, 0, 0, 0, time.UTC)

	e.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0050, -75.0000, 10, 2)}, now)
	raw := e.State.TestmapPayload()
	if raw == nil {
		t.Fatalf("payload must be pre-materialized")
	}
	s := string(raw)
	for _, want := range []string{`"route_name":"Blue Line Campus Loop"`, `"capacity":{`, `"vehicle_id":42`} {
		if !strings.Contains(s, want) {
			t.Fatalf("payload missing %s: %s", want, s)
		}
	}
}

func TestEngine_PersistsHeadings(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t)
	e.Dirs = []string{dir}
	now := time.Date(2025, 12, 18, 14, 0, 0, 0, time.UTC)

	e.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0050, -75.0000, 10, 2)}, now)
	e.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0060, -75.0000, 10, 2)}, now.Add(5*time.Second))

	headings := LoadHeadings([]string{dir}, nil)
	rec, ok := headings["42"]
	if !ok {
		t.Fatalf("heading not persisted: %v", headings)
	}
	if rec.UpdatedAt == 0 {
		t.Fatalf("heading timestamp missing: %+v", rec)
	}

	// A fresh engine seeds from disk and uses the persisted heading for a
	// vehicle with no prior snapshot.
	e2 := newTestEngine(t)
	e2.State.SeedHeadings(headings)
	e2.Tick(context.Background(), []upstream.Vehicle{rawFix(42, 7, 40.0060, -75.0000, 10, 2)}, now.Add(time.Hour))
	v := e2.State.Vehicles()[0]
	if v.HeadingDeg != rec.Heading {
		t.Fatalf("persisted heading must seed: %v != %v", v.HeadingDeg, rec.Heading)
	}
}

func TestProjectOntoRoute_TieBreaksByHeading(t *testing.T) {
	// Out-and-back shape: the same street appears as two opposite-bearing
	// segments.
	pts := []geo.LatLon{
		{Lat: 40.0000, Lon: -75.0000},
		{Lat: 40.0100, Lon: -75.0000},
		{Lat: 40.0000, Lon: -75.0000},
	}
	rs := &RouteShape{Polyline: pts, Cumulative: geo.CumulativeDistances(pts)}
	rs.TotalM = rs.Cumulative[len(rs.Cumulative)-1]

	// Mid-street, heading north: the outbound (northbound) segment wins.
	seg, _ := projectOntoRoute(rs, 40.0050, -75.0000, 0, -1)
	if seg != 0 {
		t.Fatalf("northbound heading must pick the northbound segment, got %d", seg)
	}
	// Heading south: the return segment wins.
	seg, _ = projectOntoRoute(rs, 40.0050, -75.0000, 180, -1)
	if seg != 1 {
		t.Fatalf("southbound heading must pick the southbound segment, got %d", seg)
	}
}

func TestEncodePolylineRoundTrip(t *testing.T) {
	got, err := geo.DecodePolyline(encodePolyline(testShapePts))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(testShapePts) {
		t.Fatalf("point count: %d", len(got))
	}
	for i := range got {
		if math.Abs(got[i].Lat-testShapePts[i].Lat) > 1e-5 || math.Abs(got[i].Lon-testShapePts[i].Lon) > 1e-5 {
			t.Fatalf("point %d: %+v != %+v", i, got[i], testShapePts[i])
		}
	}
}
