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

package geo

import (
	"math"
	"testing"
	"time"
)

func TestDecodePolyline_Reference(t *testing.T) {
	// Canonical example from the polyline algorithm description.
	pts, err := DecodePolyline("_p~iF~ps|U_ulLnnqC_mqNvxq`@")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := []LatLon{{38.5, -120.2}, {40.7, -120.95}, {43.252, -126.453}}
	if len(pts) != len(want) {
		t.Fatalf("expected %d points, got %d", len(want), len(pts))
	}
	for i := range want {
		if math.Abs(pts[i].Lat-want[i].Lat) > 1e-5 || math.Abs(pts[i].Lon-want[i].Lon) > 1e-5 {
			t.Fatalf("point %d: got (%f,%f), want (%f,%f)", i, pts[i].Lat, pts[i].Lon, want[i].Lat, want[i].Lon)
		}
	}
}

func TestDecodePolyline_Truncated(t *testing.T) {
	if _, err := DecodePolyline("_p~iF"); err == nil {
		t.Fatalf("expected error for polyline missing its longitude value")
	}
}

func TestDecodePolyline_Empty(t *testing.T) {
	pts, err := DecodePolyline("")
	if err != nil {
		t.Fatalf("empty input should decode cleanly: %v", err)
	}
	if len(pts) != 0 {
		t.Fatalf("expected no points, got %d", len(pts))
	}
}

func TestHaversine_KnownDistance(t *testing.T) {
	// Statue of Liberty to Empire State Building, roughly 8.4 km.
	d := Haversine(40.6892, -74.0445, 40.7484, -73.9857)
	if d < 8000 || d > 8800 {
		t.Fatalf("expected ~8.4km, got %.0fm", d)
	}
	if Haversine(40.0, -75.0, 40.0, -75.0) != 0 {
		t.Fatalf("zero displacement must be zero distance")
	}
}

func TestHeadingDiff(t *testing.T) {
	cases := []struct{ a, b, want float64 }{
		{0, 0, 0},
		{10, 350, 20},
		{350, 10, 20},
		{90, 270, 180},
		{720, 0, 0},
		{-10, 10, 20},
	}
	for _, c := range cases {
		if got := HeadingDiff(c.a, c.b); math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("HeadingDiff(%v,%v)=%v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestBearing_Cardinal(t *testing.T) {
	if b := Bearing(40, -75, 41, -75); math.Abs(b-0) > 0.5 {
		t.Fatalf("due north bearing: got %v", b)
	}
	if b := Bearing(40, -75, 40, -74); math.Abs(b-90) > 1.0 {
		t.Fatalf("due east bearing: got %v", b)
	}
}

func TestCumulativeDistances(t *testing.T) {
	pts := []LatLon{{40, -75}, {40.01, -75}, {40.02, -75}}
	cum := CumulativeDistances(pts)
	if len(cum) != 3 || cum[0] != 0 {
		t.Fatalf("bad cumulative shape: %v", cum)
	}
	for i := 1; i < len(cum); i++ {
		if cum[i] < cum[i-1] {
			t.Fatalf("cumulative distances must be non-decreasing: %v", cum)
		}
	}
	// Each 0.01 degree of latitude is ~1111m.
	if cum[2] < 2150 || cum[2] > 2300 {
		t.Fatalf("expected ~2223m total, got %.0f", cum[2])
	}
}

func TestProjectOntoSegment_Clamping(t *testing.T) {
	a := LatLon{40, -75}
	b := LatLon{40.01, -75}
	// A point past the segment end clamps to t=1.
	p := ProjectOntoSegment(LatLon{40.02, -75}, a, b)
	if p.T != 1 {
		t.Fatalf("expected clamp to t=1, got %v", p.T)
	}
	// The midpoint projects near t=0.5 with tiny perpendicular error.
	p = ProjectOntoSegment(LatLon{40.005, -75}, a, b)
	if math.Abs(p.T-0.5) > 0.01 {
		t.Fatalf("midpoint should project near t=0.5, got %v", p.T)
	}
	if p.PerpSq > 1 {
		t.Fatalf("midpoint perpendicular distance should be ~0, got %v m^2", p.PerpSq)
	}
}

func TestWrapArcDelta_LoopSeam(t *testing.T) {
	// Crossing the seam of a 1000m loop: 990 -> 10 is +20, not -980.
	if d := WrapArcDelta(990, 10, 1000); math.Abs(d-20) > 1e-9 {
		t.Fatalf("seam crossing: got %v, want 20", d)
	}
	if d := WrapArcDelta(10, 990, 1000); math.Abs(d+20) > 1e-9 {
		t.Fatalf("reverse seam crossing: got %v, want -20", d)
	}
	if d := WrapArcDelta(100, 150, 1000); d != 50 {
		t.Fatalf("plain delta: got %v, want 50", d)
	}
}

func TestServiceDate_Cutover(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	before := time.Date(2025, 12, 18, 2, 29, 59, 0, loc)
	if got := ServiceDate(before, loc); got != "2025-12-17" {
		t.Fatalf("02:29:59 belongs to the prior service day, got %s", got)
	}
	at := time.Date(2025, 12, 18, 2, 30, 0, 0, loc)
	if got := ServiceDate(at, loc); got != "2025-12-18" {
		t.Fatalf("02:30:00 starts the new service day, got %s", got)
	}
	noon := time.Date(2025, 12, 18, 12, 0, 0, 0, loc)
	if got := ServiceDate(noon, loc); got != "2025-12-18" {
		t.Fatalf("noon service date, got %s", got)
	}
}
