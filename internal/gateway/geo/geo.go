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

// Package geo provides the geometric primitives the gateway is built on:
// great-circle distance, bearings, heading arithmetic, encoded-polyline
// decoding, local tangent-plane projection onto route segments, and the
// 02:30-to-02:30 service-day calendar.
//
// All distances are meters, all angles are degrees unless noted.
package geo

import (
	"math"
	"time"
)

// EarthRadiusM is the mean Earth radius used for all great-circle math.
const EarthRadiusM = 6371000.0

// MetersPerMile converts the accumulated odometer to display units.
const MetersPerMile = 1609.34

// LatLon is a WGS84 coordinate pair.
type LatLon struct {
	Lat float64
	Lon float64
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * EarthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Bearing returns the initial great-circle bearing from point 1 to point 2,
// normalized to [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return NormalizeHeading(math.Atan2(y, x) * 180 / math.Pi)
}

// NormalizeHeading maps any angle to [0, 360).
func NormalizeHeading(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// HeadingDiff returns the minimal circular difference between two headings,
// in [0, 180].
func HeadingDiff(a, b float64) float64 {
	d := math.Abs(NormalizeHeading(a) - NormalizeHeading(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// CumulativeDistances returns, for each polyline vertex, the Haversine arc
// length from the first vertex. The result has the same length as pts and is
// non-decreasing; index 0 is always 0.
func CumulativeDistances(pts []LatLon) []float64 {
	if len(pts) == 0 {
		return nil
	}
	out := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		out[i] = out[i-1] + Haversine(pts[i-1].Lat, pts[i-1].Lon, pts[i].Lat, pts[i].Lon)
	}
	return out
}

// SegmentProjection is the result of projecting a point onto one polyline
// segment in a local tangent plane anchored at the segment start.
type SegmentProjection struct {
	// T is the clamped parametric position along the segment in [0, 1].
	T float64
	// PerpSq is the squared perpendicular distance in square meters.
	PerpSq float64
	// AlongM is the distance in meters from the segment start to the
	// projected point.
	AlongM float64
}

// ProjectOntoSegment projects p onto the segment a→b using a local equirect
// tangent plane anchored at a. Good to centimeter scale at route lengths.
func ProjectOntoSegment(p, a, b LatLon) SegmentProjection {
	cosLat := math.Cos(a.Lat * math.Pi / 180)
	// Meters east/north of a.
	px := (p.Lon - a.Lon) * cosLat * math.Pi / 180 * EarthRadiusM
	py := (p.Lat - a.Lat) * math.Pi / 180 * EarthRadiusM
	bx := (b.Lon - a.Lon) * cosLat * math.Pi / 180 * EarthRadiusM
	by := (b.Lat - a.Lat) * math.Pi / 180 * EarthRadiusM

	segLenSq := bx*bx + by*by
	if segLenSq == 0 {
		return SegmentProjection{T: 0, PerpSq: px*px + py*py, AlongM: 0}
	}
	t := (px*bx + py*by) / segLenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	dx := px - t*bx
	dy := py - t*by
	return SegmentProjection{T: t, PerpSq: dx*dx + dy*dy, AlongM: t * math.Sqrt(segLenSq)}
}

// WrapArcDelta returns the along-route displacement s2-s1 wrapped into
// (-total/2, total/2], so that a vehicle crossing the loop seam reads as a
// small positive delta instead of a near-total-length jump.
func WrapArcDelta(s1, s2, total float64) float64 {
	if total <= 0 {
		return s2 - s1
	}
	d := math.Mod(s2-s1, total)
	if d > total/2 {
		d -= total
	} else if d <= -total/2 {
		d += total
	}
	return d
}

// serviceDayCutover is the local time at which one operations day rolls into
// the next. A trip at 01:00 belongs to the previous calendar date.
const (
	serviceDayCutoverHour   = 2
	serviceDayCutoverMinute = 30
)

// ServiceDate returns the operations service date (as a YYYY-MM-DD string in
// loc) for the instant t. The service day runs 02:30-02:30 local.
func ServiceDate(t time.Time, loc *time.Location) string {
	lt := t.In(loc)
	if lt.Hour() < serviceDayCutoverHour ||
		(lt.Hour() == serviceDayCutoverHour && lt.Minute() < serviceDayCutoverMinute) {
		lt = lt.AddDate(0, 0, -1)
	}
	return lt.Format("2006-01-02")
}
