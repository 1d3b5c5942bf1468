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

package headway

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"transitgw/internal/gateway/geo"
	"transitgw/internal/gateway/telemetry"
)

const (
	// StopSpeedThresholdMPS separates a stopped arrival from a passthrough.
	StopSpeedThresholdMPS = 0.5
	// ApproachAbandonmentM keeps state alive through brief GPS drift out of
	// the corridor; beyond it a finished state is dropped.
	ApproachAbandonmentM = 400.0
	// StaleAfter drops any state not refreshed by a snapshot.
	StaleAfter = 120 * time.Second

	diagCap = 100
)

// setState is the per-(vehicle, stop, approach-set) progress record.
type setState struct {
	routeID         string
	enteredAt       time.Time
	lastSeen        time.Time
	highestReached  int
	nextExpected    int
	finalLat        float64
	finalLon        float64
	inFinal         bool
	enteredFinalAt  time.Time
	stoppedInFinal  bool
	arrivalLogged   bool
	arrivalTime     time.Time
	departureLogged bool
}

// hwKey addresses the last-arrival and last-departure tables. RouteID ""
// is the route-agnostic entry for a stop.
type hwKey struct {
	routeID string
	stopID  string
}

type vehKey struct {
	vehicleID string
	stopID    string
	routeID   string
}

type prevFix struct {
	lat, lon float64
	ts       time.Time
}

// DiagEntry is one line of the bounded activation/progress log, served to
// dispatchers for corridor debugging.
type DiagEntry struct {
	Time      time.Time `json:"time"`
	VehicleID string    `json:"vehicle_id"`
	StopID    string    `json:"stop_id"`
	SetIndex  int       `json:"set_index"`
	Kind      string    `json:"kind"`
}

// Tracker runs the bubble-progress state machine over fused vehicle
// snapshots. One instance per process; ProcessSnapshots is called by the
// fusion worker once per AVL tick.
type Tracker struct {
	store Store
	log   *zap.SugaredLogger

	// RouteName and BlockFor enrich events at emission; either may be nil.
	RouteName func(routeID string) string
	BlockFor  func(vehicleID string) string

	// TrackedRoutes, when non-empty, restricts processing to these routes.
	TrackedRoutes map[string]struct{}

	mu       sync.Mutex
	stops    []StopPoint
	byStopID map[string]*StopPoint

	states map[string]map[string]map[int]*setState // vehicle -> stop -> set index
	prev   map[string]prevFix

	lastArrival          map[hwKey]time.Time
	lastDeparture        map[hwKey]time.Time
	lastVehicleArrival   map[vehKey]time.Time
	lastVehicleDeparture map[vehKey]time.Time

	diag []DiagEntry
}

func NewTracker(store Store, log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{
		store:                store,
		log:                  log,
		byStopID:             make(map[string]*StopPoint),
		states:               make(map[string]map[string]map[int]*setState),
		prev:                 make(map[string]prevFix),
		lastArrival:          make(map[hwKey]time.Time),
		lastDeparture:        make(map[hwKey]time.Time),
		lastVehicleArrival:   make(map[vehKey]time.Time),
		lastVehicleDeparture: make(map[vehKey]time.Time),
	}
}

// UpdateStops atomically replaces the tracked stop set with an
// address-merged copy and rebuilds the stop-ID index. Address identity
// is resolved by the merge itself, so no address index is kept.
func (t *Tracker) UpdateStops(raw []StopPoint) {
	merged := MergeStops(raw)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops = merged
	t.byStopID = make(map[string]*StopPoint, len(merged))
	for i := range merged {
		sp := &merged[i]
		t.byStopID[sp.StopID] = sp
	}
}

// Stops returns the merged stop set currently tracked.
func (t *Tracker) Stops() []StopPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]StopPoint(nil), t.stops...)
}

// Diagnostics returns the recent activation log, oldest first.
func (t *Tracker) Diagnostics() []DiagEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]DiagEntry(nil), t.diag...)
}

func (t *Tracker) addDiag(e DiagEntry) {
	t.diag = append(t.diag, e)
	if len(t.diag) > diagCap {
		t.diag = t.diag[len(t.diag)-diagCap:]
	}
}

// batch carries per-call working state: the cycle-level stop dedup sets
// and the events accumulated for persistence.
type batch struct {
	now      time.Time
	arrived  map[string]bool
	departed map[string]bool
	events   []Event
}

// ProcessSnapshots runs one tracker cycle. Snapshots are deduplicated by
// vehicle id; timestamps are normalized to UTC. Emitted events are
// appended to the store; a store failure logs and does not abort the
// cycle.
func (t *Tracker) ProcessSnapshots(snaps []Snapshot, now time.Time) []Event {
	t.mu.Lock()

	t.sweepStale(now)

	seen := make(map[string]bool, len(snaps))
	b := &batch{now: now, arrived: make(map[string]bool), departed: make(map[string]bool)}

	for _, snap := range snaps {
		if snap.VehicleID == "" || seen[snap.VehicleID] {
			continue
		}
		seen[snap.VehicleID] = true
		if snap.Lat == 0 && snap.Lon == 0 {
			continue
		}
		if len(t.TrackedRoutes) > 0 {
			if _, ok := t.TrackedRoutes[snap.RouteID]; !ok {
				continue
			}
		}
		snap.Timestamp = snap.Timestamp.UTC()

		speed, speedKnown := t.deriveSpeed(snap)
		for i := range t.stops {
			sp := &t.stops[i]
			if _, serves := sp.ServesRouteIDs[snap.RouteID]; !serves {
				continue
			}
			t.processStop(b, sp, snap, speed, speedKnown)
		}
	}

	events := b.events
	t.mu.Unlock()

	for _, ev := range events {
		telemetry.HeadwayEvents.WithLabelValues(string(ev.Type)).Inc()
		if err := t.store.Append(ev); err != nil {
			t.log.Warnw("headway event not persisted", "stop", ev.StopID, "vehicle", ev.VehicleID, "err", err)
		}
	}
	return events
}

func (t *Tracker) sweepStale(now time.Time) {
	for vid, byStop := range t.states {
		for sid, bySet := range byStop {
			for si, st := range bySet {
				if now.Sub(st.lastSeen) > StaleAfter {
					delete(bySet, si)
				}
			}
			if len(bySet) == 0 {
				delete(byStop, sid)
			}
		}
		if len(byStop) == 0 {
			delete(t.states, vid)
		}
	}
}

// deriveSpeed computes ground speed from the vehicle's previous fix and
// records the current one.
func (t *Tracker) deriveSpeed(snap Snapshot) (float64, bool) {
	p, ok := t.prev[snap.VehicleID]
	t.prev[snap.VehicleID] = prevFix{lat: snap.Lat, lon: snap.Lon, ts: snap.Timestamp}
	if !ok {
		return 0, false
	}
	dt := snap.Timestamp.Sub(p.ts).Seconds()
	if dt <= 0 {
		return 0, false
	}
	return geo.Haversine(p.lat, p.lon, snap.Lat, snap.Lon) / dt, true
}

func (t *Tracker) processStop(b *batch, sp *StopPoint, snap Snapshot, speed float64, speedKnown bool) {
	for si, set := range sp.ApproachSets {
		bubblesIn := make(map[int]bool)
		for _, bb := range set.Bubbles {
			if geo.Haversine(snap.Lat, snap.Lon, bb.Lat, bb.Lon) <= bb.RadiusM {
				bubblesIn[bb.Order] = true
			}
		}
		st := t.state(snap.VehicleID, sp.StopID, si)

		if len(bubblesIn) > 0 {
			if st == nil {
				// Tracking starts only from bubble 1.
				if !bubblesIn[1] {
					continue
				}
				final, _ := set.FinalBubble()
				st = &setState{
					routeID:        snap.RouteID,
					enteredAt:      snap.Timestamp,
					lastSeen:       snap.Timestamp,
					highestReached: 1,
					nextExpected:   2,
					finalLat:       final.Lat,
					finalLon:       final.Lon,
				}
				t.setState(snap.VehicleID, sp.StopID, si, st)
				t.addDiag(DiagEntry{Time: snap.Timestamp, VehicleID: snap.VehicleID, StopID: sp.StopID, SetIndex: si, Kind: "entered"})
			} else {
				st.lastSeen = snap.Timestamp
			}

			maxOrder := set.MaxOrder()
			for bubblesIn[st.nextExpected] && st.nextExpected <= maxOrder {
				st.highestReached = st.nextExpected
				st.nextExpected++
				t.addDiag(DiagEntry{Time: snap.Timestamp, VehicleID: snap.VehicleID, StopID: sp.StopID, SetIndex: si, Kind: "progressed"})
			}

			inFinal := bubblesIn[maxOrder] && st.highestReached == maxOrder
			if inFinal && !st.inFinal {
				st.inFinal = true
				st.enteredFinalAt = snap.Timestamp
				t.addDiag(DiagEntry{Time: snap.Timestamp, VehicleID: snap.VehicleID, StopID: sp.StopID, SetIndex: si, Kind: "entered_final"})
			}
			if st.inFinal && inFinal {
				if speedKnown && speed <= StopSpeedThresholdMPS && !st.stoppedInFinal && !st.arrivalLogged && !b.arrived[sp.StopID] {
					st.stoppedInFinal = true
					t.emitArrival(b, sp, snap, st, snap.Timestamp, ArrivalStopped)
				}
			}
			if st.inFinal && !inFinal {
				// Left the final bubble but still inside the corridor.
				t.closeVisit(b, sp, snap, st, snap.Timestamp)
				st.inFinal = false
			}
			continue
		}

		// Outside every bubble.
		if st == nil {
			continue
		}
		if st.inFinal {
			t.closeVisit(b, sp, snap, st, snap.Timestamp)
			st.inFinal = false
		}
		pending := !st.arrivalLogged || !st.departureLogged
		dist := geo.Haversine(snap.Lat, snap.Lon, st.finalLat, st.finalLon)
		if !pending && dist > ApproachAbandonmentM {
			t.clearState(snap.VehicleID, sp.StopID, si)
			t.addDiag(DiagEntry{Time: snap.Timestamp, VehicleID: snap.VehicleID, StopID: sp.StopID, SetIndex: si, Kind: "abandoned"})
		}
	}
}

// closeVisit emits the remaining events for a bus exiting the final
// bubble: a passthrough arrival when none was logged yet, then the
// departure with its dwell.
func (t *Tracker) closeVisit(b *batch, sp *StopPoint, snap Snapshot, st *setState, ts time.Time) {
	if !st.arrivalLogged && !b.arrived[sp.StopID] {
		t.emitArrival(b, sp, snap, st, ts, ArrivalPassthrough)
	}
	if st.arrivalLogged && !st.departureLogged && !b.departed[sp.StopID] {
		t.emitDeparture(b, sp, snap, st, ts)
	}
}

func (t *Tracker) emitArrival(b *batch, sp *StopPoint, snap Snapshot, st *setState, ts time.Time, at ArrivalType) {
	ev := t.newEvent(sp, snap, ts, EventArrival)
	ev.ArrivalType = at

	k1 := hwKey{routeID: snap.RouteID, stopID: sp.StopID}
	k0 := hwKey{stopID: sp.StopID}
	if prev, ok := t.previousEvent(t.lastArrival, k1, k0, EventArrival, ts); ok {
		h := math.Max(0, ts.Sub(prev).Seconds())
		ev.HeadwayArrivalArrivalS = &h
	}
	if prev, ok := t.previousEvent(t.lastDeparture, k1, k0, EventDeparture, ts); ok {
		h := math.Max(0, ts.Sub(prev).Seconds())
		ev.HeadwayDepartureArrivalS = &h
	}

	t.lastArrival[k1] = ts
	t.lastArrival[k0] = ts
	t.lastVehicleArrival[vehKey{vehicleID: snap.VehicleID, stopID: sp.StopID, routeID: snap.RouteID}] = ts

	st.arrivalLogged = true
	st.arrivalTime = ts
	b.arrived[sp.StopID] = true
	b.events = append(b.events, ev)
	t.addDiag(DiagEntry{Time: ts, VehicleID: snap.VehicleID, StopID: sp.StopID, Kind: "arrival_" + string(at)})
}

func (t *Tracker) emitDeparture(b *batch, sp *StopPoint, snap Snapshot, st *setState, ts time.Time) {
	ev := t.newEvent(sp, snap, ts, EventDeparture)
	dwell := math.Max(0, ts.Sub(st.arrivalTime).Seconds())
	ev.DwellS = &dwell

	k1 := hwKey{routeID: snap.RouteID, stopID: sp.StopID}
	k0 := hwKey{stopID: sp.StopID}
	t.lastDeparture[k1] = ts
	t.lastDeparture[k0] = ts
	// A vehicle-scoped departure only makes sense after its arrival.
	for vk := range t.lastVehicleArrival {
		if vk.vehicleID == snap.VehicleID && vk.stopID == sp.StopID {
			t.lastVehicleDeparture[vk] = ts
		}
	}

	st.departureLogged = true
	b.departed[sp.StopID] = true
	b.events = append(b.events, ev)
	t.addDiag(DiagEntry{Time: ts, VehicleID: snap.VehicleID, StopID: sp.StopID, Kind: "departure"})
}

// previousEvent walks the route-scoped key then the route-agnostic key;
// when both are cold it asks the store for the latest event on this UTC
// day before ts.
func (t *Tracker) previousEvent(table map[hwKey]time.Time, k1, k0 hwKey, typ EventType, ts time.Time) (time.Time, bool) {
	if prev, ok := table[k1]; ok && prev.Before(ts) {
		return prev, true
	}
	if prev, ok := table[k0]; ok && prev.Before(ts) {
		return prev, true
	}
	if prev, ok, err := t.store.LatestBefore(k1.routeID, k1.stopID, typ, ts); err == nil && ok {
		return prev, true
	}
	if prev, ok, err := t.store.LatestBefore("", k0.stopID, typ, ts); err == nil && ok {
		return prev, true
	}
	return time.Time{}, false
}

func (t *Tracker) newEvent(sp *StopPoint, snap Snapshot, ts time.Time, typ EventType) Event {
	ev := Event{
		Timestamp:   ts,
		RouteID:     snap.RouteID,
		StopID:      sp.StopID,
		VehicleID:   snap.VehicleID,
		VehicleName: snap.VehicleName,
		Type:        typ,
		StopName:    sp.Name,
		AddressID:   sp.AddressID,
		Block:       snap.Block,
	}
	if t.RouteName != nil {
		ev.RouteName = t.RouteName(snap.RouteID)
	}
	if ev.Block == "" && t.BlockFor != nil {
		ev.Block = t.BlockFor(snap.VehicleID)
	}
	return ev
}

// Query reads persisted events for [start, end) and re-enriches them with
// the current stop index and route-name lookup. Optional route and stop
// filters are OR within each list, AND across lists.
func (t *Tracker) Query(start, end time.Time, routeIDs, stopIDs []string) ([]Event, error) {
	evs, err := t.store.Range(start, end)
	if err != nil {
		return nil, err
	}
	routeSet := toSet(routeIDs)
	stopSet := toSet(stopIDs)

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, 0, len(evs))
	for _, ev := range evs {
		if len(routeSet) > 0 {
			if _, ok := routeSet[ev.RouteID]; !ok {
				continue
			}
		}
		if len(stopSet) > 0 {
			if _, ok := stopSet[ev.StopID]; !ok {
				continue
			}
		}
		if sp, ok := t.byStopID[ev.StopID]; ok {
			ev.StopName = sp.Name
			ev.AddressID = sp.AddressID
		}
		if t.RouteName != nil && ev.RouteName == "" {
			ev.RouteName = t.RouteName(ev.RouteID)
		}
		out = append(out, ev)
	}
	return out, nil
}

func toSet(vals []string) map[string]struct{} {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		if v != "" {
			m[v] = struct{}{}
		}
	}
	return m
}

func (t *Tracker) state(vid, sid string, si int) *setState {
	return t.states[vid][sid][si]
}

func (t *Tracker) setState(vid, sid string, si int, st *setState) {
	byStop, ok := t.states[vid]
	if !ok {
		byStop = make(map[string]map[int]*setState)
		t.states[vid] = byStop
	}
	bySet, ok := byStop[sid]
	if !ok {
		bySet = make(map[int]*setState)
		byStop[sid] = bySet
	}
	bySet[si] = st
}

func (t *Tracker) clearState(vid, sid string, si int) {
	if bySet, ok := t.states[vid][sid]; ok {
		delete(bySet, si)
		if len(bySet) == 0 {
			delete(t.states[vid], sid)
		}
	}
}
