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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"transitgw/internal/gateway/blocks"
	"transitgw/internal/gateway/geo"
	"transitgw/internal/gateway/headway"
	"transitgw/internal/gateway/mileage"
	"transitgw/internal/gateway/persist"
	"transitgw/internal/gateway/stream"
	"transitgw/internal/gateway/telemetry"
	"transitgw/internal/gateway/upstream"
)

const (
	// DirEps is the along-route speed below which the direction sign is
	// carried forward instead of recomputed.
	DirEps = 0.3
	// tieBandM widens segment-projection ties: candidates within this
	// radial distance of the best segment compete on bearing.
	tieBandM = 2.0

	// HeadingsFile persists last-known headings across restarts.
	HeadingsFile = "vehicle_headings.json"
)

// RoadFetcher supplies per-segment speed caps and road names for a
// decoded polyline.
type RoadFetcher interface {
	RoadMetadata(ctx context.Context, pts []geo.LatLon) (upstream.RoadMetadata, error)
}

// Engine runs the fusion tick. All collaborator fields are optional
// except State; a nil collaborator skips its step.
type Engine struct {
	State    *State
	Roads    RoadFetcher
	Tracker  *headway.Tracker
	Mileage  *mileage.Accumulator
	Resolver *blocks.Resolver
	Broker   *stream.Broker
	Dirs     []string
	Loc      *time.Location

	StaleFixS      float64
	VeryStaleS     float64
	RouteGraceS    float64
	EMAAlpha       float64
	MinSpeedMPS    float64
	MaxSpeedMPS    float64
	HeadingJitterM float64

	log *zap.SugaredLogger
}

func NewEngine(st *State, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		State:          st,
		Loc:            time.Local,
		StaleFixS:      90,
		VeryStaleS:     3600,
		RouteGraceS:    60,
		EMAAlpha:       0.40,
		MinSpeedMPS:    1.2,
		MaxSpeedMPS:    22.0,
		HeadingJitterM: 3.0,
		log:            log,
	}
}

// TestmapVehicle joins one fused vehicle with its capacity, estimates,
// route name, and block for the dashboard payload.
type TestmapVehicle struct {
	Vehicle
	RouteName string             `json:"route_name,omitempty"`
	Block     string             `json:"block,omitempty"`
	Capacity  *upstream.Capacity `json:"capacity,omitempty"`
	Estimates []json.RawMessage  `json:"estimates,omitempty"`
}

// TestmapPayload is the pre-materialized snapshot served by the testmap
// endpoints and streamed to SSE subscribers.
type TestmapPayload struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Vehicles    []TestmapVehicle `json:"vehicles"`
}

// Tick runs one fusion pass over a fresh AVL batch. now is the fetch
// start; every derived timestamp in the tick uses it. A failure anywhere
// before the tracker step aborts the tick and records the error; the
// tracker step is best-effort.
func (e *Engine) Tick(ctx context.Context, rawVehicles []upstream.Vehicle, now time.Time) (err error) {
	timer := time.Now()
	defer func() {
		telemetry.FusionTickSeconds.Observe(time.Since(timer).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("fusion tick panic: %v", r)
		}
		if err != nil {
			telemetry.FusionTickErrors.Inc()
			e.State.SetError(err)
			e.log.Errorw("fusion tick failed", "err", err)
		}
	}()
	now = now.UTC()
	st := e.State

	// Copy everything the tick needs out of shared state, then work
	// without the lock.
	st.mu.RLock()
	routesRaw := append([]upstream.Route(nil), st.routesRaw...)
	catalogRaw := append([]upstream.CatalogRoute(nil), st.catalogRaw...)
	groups := append([]upstream.BlockGroup(nil), st.blockGroups...)
	shifts := append([]upstream.AssignedShift(nil), st.shifts...)
	onDemand := append([]upstream.OnDemandPosition(nil), st.onDemand...)
	prior := make(map[int]*Vehicle, len(st.vehicles))
	for vid, v := range st.vehicles {
		cp := *v
		prior[vid] = &cp
	}
	shapes := make(map[int]*RouteShape, len(st.routes))
	for rid, rs := range st.routes {
		shapes[rid] = rs
	}
	lastSeen := make(map[int]time.Time, len(st.routeLastSeen))
	for rid, t := range st.routeLastSeen {
		lastSeen[rid] = t
	}
	headings := make(map[string]HeadingRecord, len(st.lastHeadings))
	for k, v := range st.lastHeadings {
		headings[k] = v
	}
	capacities := make(map[int]upstream.Capacity, len(st.capacities))
	for k, v := range st.capacities {
		capacities[k] = v
	}
	estimates := make(map[int][]json.RawMessage, len(st.estimates))
	for k, v := range st.estimates {
		estimates[k] = v
	}
	st.mu.RUnlock()

	// Catalog names first so inactive routes resolve; the shaped route
	// list overwrites any route it also carries.
	routeNames := make(map[int]string, len(routesRaw)+len(catalogRaw))
	for _, r := range catalogRaw {
		name := r.Description
		if r.InfoText != "" {
			name = r.Description + " " + r.InfoText
		}
		routeNames[r.RouteID] = name
	}
	routesByID := make(map[int]upstream.Route, len(routesRaw))
	for _, r := range routesRaw {
		name := r.Description
		if r.InfoText != "" {
			name = r.Description + " " + r.InfoText
		}
		routeNames[r.RouteID] = name
		routesByID[r.RouteID] = r
	}

	// Routed fixes past the stale threshold stay in the roster with the
	// stale flag set; very stale ones drop entirely.
	var fresh, freshAll, staleRouted []upstream.Vehicle
	for _, v := range rawVehicles {
		if v.Seconds > e.StaleFixS {
			if v.RouteID != 0 && v.Seconds < e.VeryStaleS {
				staleRouted = append(staleRouted, v)
			}
			continue
		}
		freshAll = append(freshAll, v)
		if v.RouteID != 0 {
			fresh = append(fresh, v)
		}
	}

	for _, v := range fresh {
		lastSeen[v.RouteID] = now
	}
	active := make(map[int]struct{})
	for rid, seen := range lastSeen {
		if now.Sub(seen).Seconds() <= e.RouteGraceS {
			active[rid] = struct{}{}
		}
	}

	// Decode and stamp any active route whose shape is new or changed.
	// Network fetches happen here, outside the lock; the results merge in
	// at swap time.
	newShapes := make(map[int]*RouteShape)
	for rid := range active {
		raw, ok := routesByID[rid]
		if !ok {
			continue
		}
		if have, ok := shapes[rid]; ok && have.Encoded == raw.EncodedPolyline {
			continue
		}
		rs, buildErr := e.buildShape(ctx, raw, routeNames[rid])
		if buildErr != nil {
			e.log.Warnw("route shape unusable", "route", rid, "err", buildErr)
			continue
		}
		newShapes[rid] = rs
	}
	for rid, rs := range newShapes {
		shapes[rid] = rs
	}

	// Fuse. Stale vehicles get a record for display but stay out of the
	// per-route index.
	fused := make(map[int]*Vehicle, len(fresh)+len(staleRouted))
	byRoute := make(map[int][]Vehicle)
	headingsDirty := false
	for _, raw := range append(append([]upstream.Vehicle(nil), fresh...), staleRouted...) {
		rs, ok := shapes[raw.RouteID]
		if !ok {
			continue
		}
		p := prior[raw.VehicleID]
		lh, haveLH := headings[strconv.Itoa(raw.VehicleID)]
		v := e.fuse(raw, p, lh, haveLH, rs, now)
		fused[v.VehicleID] = &v
		if v.IsStale {
			continue
		}
		byRoute[v.RouteID] = append(byRoute[v.RouteID], v)

		key := strconv.Itoa(v.VehicleID)
		if rec, ok := headings[key]; !ok || rec.Heading != v.HeadingDeg {
			headings[key] = HeadingRecord{Heading: v.HeadingDeg, UpdatedAt: now.UnixMilli()}
			headingsDirty = true
		}
	}

	// Swap the fused snapshot in.
	st.mu.Lock()
	st.routeIDToName = routeNames
	st.activeRoutes = active
	st.routeLastSeen = lastSeen
	for rid, rs := range newShapes {
		st.routes[rid] = rs
	}
	st.vehicles = fused
	st.vehiclesByRoute = byRoute
	st.lastHeadings = headings
	st.headingsDirty = st.headingsDirty || headingsDirty
	st.tickTS = now
	st.mu.Unlock()

	// Mileage runs on every fresh fix, route-assigned or not.
	if e.Mileage != nil {
		for _, v := range freshAll {
			if v.Latitude == 0 && v.Longitude == 0 {
				continue
			}
			e.Mileage.Update(v.Name, v.Latitude, v.Longitude, now)
		}
		for _, g := range groups {
			for _, trip := range g.Trips {
				e.Mileage.AddBlock(trip.VehicleName, g.BlockID, now)
			}
		}
		if perr := e.Mileage.Persist(); perr != nil {
			e.log.Warnw("mileage persist failed", "err", perr)
		}
	}

	// Resolve blocks and drivers against the current route assignment.
	var vehicleToBlock map[int]string
	if e.Resolver != nil {
		vehicleRoutes := make(map[int]string, len(fused))
		for vid, v := range fused {
			if v.IsStale {
				continue
			}
			vehicleRoutes[vid] = routeNames[v.RouteID]
		}
		entries := e.Resolver.Resolve(groups, shifts, vehicleRoutes, now)
		entries = append(entries, blocks.ResolveOnDemand(onDemand, shifts, e.Loc, now)...)
		vehicleToBlock = make(map[int]string, len(entries))
		for _, entry := range entries {
			vehicleToBlock[entry.VehicleID] = entry.Block
		}
		st.mu.Lock()
		st.plainBlocks = entries
		st.vehicleToBlock = vehicleToBlock
		st.mu.Unlock()
	} else {
		st.mu.RLock()
		vehicleToBlock = st.vehicleToBlock
		st.mu.RUnlock()
	}

	// Pre-materialize the testmap payload and publish it.
	payload := TestmapPayload{GeneratedAt: now}
	for _, v := range fused {
		tv := TestmapVehicle{
			Vehicle:   *v,
			RouteName: routeNames[v.RouteID],
			Block:     vehicleToBlock[v.VehicleID],
			Estimates: estimates[v.VehicleID],
		}
		if c, ok := capacities[v.VehicleID]; ok {
			cp := c
			tv.Capacity = &cp
		}
		payload.Vehicles = append(payload.Vehicles, tv)
	}
	encoded, merr := json.Marshal(payload)
	if merr != nil {
		return fmt.Errorf("testmap payload: %w", merr)
	}
	st.mu.Lock()
	st.testmapPayload = encoded
	st.mu.Unlock()
	if e.Broker != nil {
		frame, ferr := stream.Encode(payload)
		if ferr == nil {
			e.Broker.PublishFrame(frame)
		}
	}

	if headingsDirty && len(e.Dirs) > 0 {
		if perr := persist.SaveJSON(e.Dirs, HeadingsFile, headings, e.log); perr != nil {
			e.log.Warnw("headings persist failed", "err", perr)
		} else {
			st.mu.Lock()
			st.headingsDirty = false
			st.mu.Unlock()
		}
	}

	// Tracker last: its failure never poisons the tick.
	if e.Tracker != nil {
		snaps := make([]headway.Snapshot, 0, len(fused))
		for _, v := range fused {
			if v.IsStale {
				continue
			}
			snaps = append(snaps, headway.Snapshot{
				VehicleID:   strconv.Itoa(v.VehicleID),
				VehicleName: v.Name,
				Lat:         v.Lat,
				Lon:         v.Lon,
				RouteID:     strconv.Itoa(v.RouteID),
				Block:       vehicleToBlock[v.VehicleID],
				Timestamp:   now,
			})
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Errorw("headway tracker panic", "panic", r)
				}
			}()
			e.Tracker.ProcessSnapshots(snaps, now)
		}()
	}
	return nil
}

// buildShape decodes a polyline and stamps per-segment road metadata.
// A road-metadata failure degrades to default caps rather than failing
// the shape.
func (e *Engine) buildShape(ctx context.Context, raw upstream.Route, displayName string) (*RouteShape, error) {
	pts, err := geo.DecodePolyline(raw.EncodedPolyline)
	if err != nil {
		return nil, err
	}
	if len(pts) < 2 {
		return nil, fmt.Errorf("polyline has %d points", len(pts))
	}
	rs := &RouteShape{
		RouteID:     raw.RouteID,
		Description: raw.Description,
		InfoText:    raw.InfoText,
		DisplayName: displayName,
		Color:       raw.MapLineColor,
		Encoded:     raw.EncodedPolyline,
		Polyline:    pts,
		Cumulative:  geo.CumulativeDistances(pts),
		Stops:       raw.Stops,
	}
	rs.TotalM = rs.Cumulative[len(rs.Cumulative)-1]

	if e.Roads != nil {
		meta, rerr := e.Roads.RoadMetadata(ctx, pts)
		if rerr != nil {
			e.log.Warnw("road metadata fetch failed", "route", raw.RouteID, "err", rerr)
		} else {
			rs.SegmentCaps = meta.SegmentCapsMps
			rs.SegmentRoad = meta.SegmentNames
		}
	}
	return rs, nil
}

// fuse derives one vehicle's along-route fields from its raw fix and
// prior fused record.
func (e *Engine) fuse(raw upstream.Vehicle, prior *Vehicle, lastHeading HeadingRecord, haveLast bool, rs *RouteShape, now time.Time) Vehicle {
	v := Vehicle{
		VehicleID:  raw.VehicleID,
		Name:       raw.Name,
		RouteID:    raw.RouteID,
		Lat:        raw.Latitude,
		Lon:        raw.Longitude,
		GroundMPS:  raw.GroundSpeed,
		AgeS:       raw.Seconds,
		ProviderMS: raw.TimestampMS,
		UpdatedAt:  now,
	}
	v.IsStale = raw.Seconds > e.StaleFixS
	v.IsVeryStale = raw.Seconds >= e.VeryStaleS

	heading := 0.0
	switch {
	case prior != nil && geo.Haversine(prior.Lat, prior.Lon, v.Lat, v.Lon) >= e.HeadingJitterM:
		heading = geo.Bearing(prior.Lat, prior.Lon, v.Lat, v.Lon)
	case prior != nil:
		heading = prior.HeadingDeg
	case haveLast:
		heading = lastHeading.Heading
	}
	v.HeadingDeg = geo.NormalizeHeading(heading)

	priorSeg := -1
	if prior != nil {
		priorSeg = prior.SegmentIdx
	}
	seg, along := projectOntoRoute(rs, v.Lat, v.Lon, v.HeadingDeg, priorSeg)
	v.SegmentIdx = seg
	v.ArcLengthM = rs.Cumulative[seg] + along
	if v.ArcLengthM > rs.TotalM {
		v.ArcLengthM = rs.TotalM
	}

	if prior != nil {
		dt := now.Sub(prior.UpdatedAt).Seconds()
		if dt > 0 {
			v.AlongMPS = geo.WrapArcDelta(prior.ArcLengthM, v.ArcLengthM, rs.TotalM) / dt
		}
	}

	switch {
	case v.AlongMPS > DirEps:
		v.Direction = 1
	case v.AlongMPS < -DirEps:
		v.Direction = -1
	case prior != nil:
		v.Direction = prior.Direction
	default:
		if geo.HeadingDiff(v.HeadingDeg, segmentBearing(rs, seg)) <= 90 {
			v.Direction = 1
		} else {
			v.Direction = -1
		}
	}

	measured := math.Abs(v.AlongMPS)
	if raw.GroundSpeed > 0 {
		measured = 0.5*raw.GroundSpeed + 0.5*math.Abs(v.AlongMPS)
	}
	prev := measured
	if prior != nil {
		prev = prior.EMASpeedMPS
	}
	ema := e.EMAAlpha*measured + (1-e.EMAAlpha)*prev
	v.EMASpeedMPS = math.Min(math.Max(ema, e.MinSpeedMPS), e.MaxSpeedMPS)
	return v
}

// projectOntoRoute scores every segment by squared perpendicular
// distance. Candidates within tieBandM of the best compete on bearing
// against the vehicle heading, then on circular closeness to the prior
// segment index.
func projectOntoRoute(rs *RouteShape, lat, lon, heading float64, priorSeg int) (int, float64) {
	p := geo.LatLon{Lat: lat, Lon: lon}
	nSeg := len(rs.Polyline) - 1
	perp := make([]float64, nSeg)
	along := make([]float64, nSeg)

	best := 0
	bestPerp := math.MaxFloat64
	for i := 0; i < nSeg; i++ {
		pr := geo.ProjectOntoSegment(p, rs.Polyline[i], rs.Polyline[i+1])
		perp[i] = pr.PerpSq
		along[i] = pr.AlongM
		if pr.PerpSq < bestPerp {
			bestPerp = pr.PerpSq
			best = i
		}
	}

	bestDist := math.Sqrt(bestPerp)
	var candidates []int
	for i := 0; i < nSeg; i++ {
		if math.Sqrt(perp[i])-bestDist <= tieBandM {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) <= 1 {
		return best, along[best]
	}

	pick := candidates[0]
	bestScore := math.MaxFloat64
	for _, i := range candidates {
		score := geo.HeadingDiff(heading, segmentBearing(rs, i))
		if priorSeg >= 0 {
			score += 0.001 * circularSegDist(i, priorSeg, nSeg)
		}
		if score < bestScore {
			bestScore = score
			pick = i
		}
	}
	return pick, along[pick]
}

func segmentBearing(rs *RouteShape, i int) float64 {
	a, b := rs.Polyline[i], rs.Polyline[i+1]
	return geo.Bearing(a.Lat, a.Lon, b.Lat, b.Lon)
}

func circularSegDist(a, b, n int) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	if n-d < d {
		d = n - d
	}
	return float64(d)
}

// LoadHeadings reads the persisted heading file, empty on any failure.
func LoadHeadings(dirs []string, log *zap.SugaredLogger) map[string]HeadingRecord {
	var out map[string]HeadingRecord
	if err := persist.LoadJSON(dirs, HeadingsFile, &out); err != nil {
		if !persist.IsNotExist(err) && log != nil {
			log.Warnw("headings unreadable, starting empty", "err", err)
		}
		return map[string]HeadingRecord{}
	}
	if out == nil {
		out = map[string]HeadingRecord{}
	}
	return out
}
