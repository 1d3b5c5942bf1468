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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"transitgw/internal/gateway/upstream"
)

// Period disambiguates a midday crew change on blocks that run split shifts.
type Period string

const (
	PeriodAM  Period = "am"
	PeriodPM  Period = "pm"
	PeriodAny Period = "any"
)

// noShowColorID marks a scheduling row whose driver did not show; such rows
// never count as active.
const noShowColorID = "9"

// DriverInfo is one active driver on a block.
type DriverInfo struct {
	Name         string `json:"name"`
	StartMS      int64  `json:"start_ts_ms"`
	EndMS        int64  `json:"end_ts_ms"`
	StartLabel   string `json:"start_label"`
	EndLabel     string `json:"end_label"`
	ColorID      string `json:"color_id,omitempty"`
	PositionName string `json:"position_name,omitempty"`
}

// VehicleDriverEntry is the resolver's output row: one vehicle, its block
// display label, and the drivers currently on it.
type VehicleDriverEntry struct {
	VehicleID   int          `json:"vehicle_id"`
	Block       string       `json:"block"`
	Drivers     []DriverInfo `json:"drivers"`
	VehicleName string       `json:"vehicle_name,omitempty"`
}

// shiftEntry is one indexed scheduling row.
type shiftEntry struct {
	driver DriverInfo
	period Period
}

// ShiftIndex is the driver-shift list indexed by 2-digit block number and by
// normalized position name (for the OnDemand special positions).
type ShiftIndex struct {
	byBlock    map[string][]shiftEntry
	byPosition map[string][]shiftEntry
}

// NewShiftIndex builds the index. Period per block number comes from an
// explicit AM/PM suffix on the position name when present, else from the
// shift's start hour for the 20-26 split blocks, else "any".
func NewShiftIndex(shifts []upstream.AssignedShift, loc *time.Location) *ShiftIndex {
	if loc == nil {
		loc = time.Local
	}
	idx := &ShiftIndex{
		byBlock:    make(map[string][]shiftEntry),
		byPosition: make(map[string][]shiftEntry),
	}
	for _, sh := range shifts {
		if sh.StartMS == 0 {
			continue
		}
		d := DriverInfo{
			Name:         sh.DriverName(),
			StartMS:      sh.StartMS,
			EndMS:        sh.EndMS,
			StartLabel:   strings.TrimSpace(sh.StartTime),
			EndLabel:     strings.TrimSpace(sh.EndTime),
			ColorID:      sh.ColorID.String(),
			PositionName: strings.TrimSpace(sh.PositionName),
		}
		explicit := labelPeriod(sh.PositionName)
		for _, block := range SplitInterlined(sh.PositionName) {
			period := explicit
			if period == PeriodAny && needsPeriod(block) {
				if time.UnixMilli(sh.StartMS).In(loc).Hour() < 12 {
					period = PeriodAM
				} else {
					period = PeriodPM
				}
			}
			idx.byBlock[block] = append(idx.byBlock[block], shiftEntry{driver: d, period: period})
		}
		posKey := normalizeName(sh.PositionName)
		idx.byPosition[posKey] = append(idx.byPosition[posKey], shiftEntry{driver: d, period: PeriodAny})
	}
	return idx
}

// ActiveDrivers returns the drivers on a block whose shift window contains
// now, skipping no-shows, deduplicated and sorted by start time. A period of
// "any" (either side) always matches.
func (idx *ShiftIndex) ActiveDrivers(block string, period Period, nowMS int64) []DriverInfo {
	return activeFrom(idx.byBlock[block], period, nowMS)
}

func activeFrom(entries []shiftEntry, period Period, nowMS int64) []DriverInfo {
	var out []DriverInfo
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.driver.ColorID == noShowColorID {
			continue
		}
		if nowMS < e.driver.StartMS || nowMS >= e.driver.EndMS {
			continue
		}
		if period != PeriodAny && e.period != PeriodAny && e.period != period {
			continue
		}
		dedup := dedupKey(e.driver)
		if seen[dedup] {
			continue
		}
		seen[dedup] = true
		out = append(out, e.driver)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMS < out[j].StartMS })
	return out
}

// dedupKey identifies a scheduling row by (name, start, end); the same
// person can appear under several position spellings during a handoff.
func dedupKey(d DriverInfo) string {
	return fmt.Sprintf("%s|%d|%d", d.Name, d.StartMS, d.EndMS)
}

// normalizeName collapses whitespace and lowercases for fuzzy driver/position
// matching across feeds.
func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// blockTuple is one (sub-block, service window) a vehicle is scheduled for.
type blockTuple struct {
	sub     string
	label   string
	period  Period
	startMS int64
	endMS   int64
}

// cachedBlock persists a vehicle's last resolved sub-block across
// out-of-service windows within the same shift.
type cachedBlock struct {
	sub          string
	positionName string
	shiftEndMS   int64
}

// Resolver joins block groups with driver shifts. It keeps a per-vehicle
// cache of the last selected sub-block so an interlined bus keeps its label
// through a mid-day gap.
type Resolver struct {
	loc *time.Location

	mu        sync.Mutex
	lastBlock map[int]cachedBlock
}

// NewResolver returns a Resolver using loc for period inference (nil means
// process-local).
func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{loc: loc, lastBlock: make(map[int]cachedBlock)}
}

// Resolve produces the vehicle-to-block-to-driver map for now.
// vehicleRoutes maps vehicle id to its current route name and drives the
// interlined sub-block disambiguation.
func (r *Resolver) Resolve(groups []upstream.BlockGroup, shifts []upstream.AssignedShift, vehicleRoutes map[int]string, now time.Time) []VehicleDriverEntry {
	idx := NewShiftIndex(shifts, r.loc)
	nowMS := now.UnixMilli()
	tuples := collapseGroups(groups)

	var entries []VehicleDriverEntry
	for vid, vts := range tuples {
		entry, ok := r.resolveVehicle(vid, vts, idx, vehicleRoutes[vid], nowMS)
		if ok {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].VehicleID < entries[j].VehicleID })
	return entries
}

// collapseGroups flattens block groups into per-vehicle block tuples,
// splitting interlined groups into per-sub-block windows by route match with
// a chronological fallback.
func collapseGroups(groups []upstream.BlockGroup) map[int][]blockTuple {
	out := make(map[int][]blockTuple)
	for _, g := range groups {
		label := CanonicalLabel(g.BlockID)
		subs := SplitInterlined(label)
		period := labelPeriod(label)

		byVehicle := make(map[int][]upstream.BlockTrip)
		for _, trip := range g.Trips {
			if trip.VehicleID == 0 {
				continue
			}
			byVehicle[trip.VehicleID] = append(byVehicle[trip.VehicleID], trip)
		}

		for vid, trips := range byVehicle {
			if len(subs) <= 1 {
				sub := ""
				if len(subs) == 1 {
					sub = subs[0]
				}
				start, end := tripWindow(trips)
				out[vid] = append(out[vid], blockTuple{sub: sub, label: label, period: period, startMS: start, endMS: end})
				continue
			}
			out[vid] = append(out[vid], splitTripsBySub(trips, subs, label, period)...)
		}
	}
	return out
}

// splitTripsBySub assigns each trip of an interlined group to a sub-block by
// route-name preference; trips no rule claims are distributed chronologically
// over the sub-blocks that got nothing.
func splitTripsBySub(trips []upstream.BlockTrip, subs []string, label string, period Period) []blockTuple {
	assigned := make(map[string][]upstream.BlockTrip)
	var unmatched []upstream.BlockTrip
	for _, trip := range trips {
		allowed, preferred := RouteBlocks(trip.RouteName)
		sub := firstIn(subs, preferred)
		if sub == "" {
			sub = firstIn(subs, allowed)
		}
		if sub == "" {
			unmatched = append(unmatched, trip)
			continue
		}
		assigned[sub] = append(assigned[sub], trip)
	}
	if len(unmatched) > 0 {
		sort.Slice(unmatched, func(i, j int) bool { return unmatched[i].StartMS < unmatched[j].StartMS })
		var empty []string
		for _, s := range subs {
			if len(assigned[s]) == 0 {
				empty = append(empty, s)
			}
		}
		for i, trip := range unmatched {
			var sub string
			switch {
			case len(empty) == 0:
				sub = subs[0]
			case i < len(empty):
				sub = empty[i]
			default:
				sub = empty[len(empty)-1]
			}
			assigned[sub] = append(assigned[sub], trip)
		}
	}

	var out []blockTuple
	for _, sub := range subs {
		ts := assigned[sub]
		if len(ts) == 0 {
			continue
		}
		start, end := tripWindow(ts)
		out = append(out, blockTuple{sub: sub, label: label, period: period, startMS: start, endMS: end})
	}
	return out
}

func firstIn(subs, set []string) string {
	for _, s := range subs {
		if containsStr(set, s) {
			return s
		}
	}
	return ""
}

func tripWindow(trips []upstream.BlockTrip) (startMS, endMS int64) {
	for i, t := range trips {
		if i == 0 || t.StartMS < startMS {
			startMS = t.StartMS
		}
		if t.EndMS > endMS {
			endMS = t.EndMS
		}
	}
	return
}

// resolveVehicle runs selection steps 2-5 for one vehicle.
func (r *Resolver) resolveVehicle(vid int, vts []blockTuple, idx *ShiftIndex, routeName string, nowMS int64) (VehicleDriverEntry, bool) {
	// Step 2: the tuple whose window contains now; else a tuple whose
	// sub-block has an active shift (bus staged outside revenue service).
	var current *blockTuple
	for i := range vts {
		if nowMS >= vts[i].startMS && nowMS < vts[i].endMS {
			current = &vts[i]
			break
		}
	}
	if current == nil {
		for i := range vts {
			if len(idx.ActiveDrivers(vts[i].sub, vts[i].period, nowMS)) > 0 {
				current = &vts[i]
				break
			}
		}
	}
	if current == nil {
		return VehicleDriverEntry{}, false
	}

	// Candidate sub-blocks are every sub this vehicle is scheduled on under
	// the current label.
	var candidates []blockTuple
	for _, t := range vts {
		if t.label == current.label {
			candidates = append(candidates, t)
		}
	}

	type activeSub struct {
		tuple   blockTuple
		drivers []DriverInfo
	}
	var active []activeSub
	for _, t := range candidates {
		if ds := idx.ActiveDrivers(t.sub, t.period, nowMS); len(ds) > 0 {
			active = append(active, activeSub{tuple: t, drivers: ds})
		}
	}
	if len(active) == 0 {
		return VehicleDriverEntry{VehicleID: vid, Block: current.label}, true
	}

	// Steps 3-4: pick among the live sub-blocks.
	allowed, preferred := RouteBlocks(routeName)
	chosen := -1
	cacheUsed := false
	for i, a := range active {
		if containsStr(preferred, a.tuple.sub) {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		for i, a := range active {
			if containsStr(allowed, a.tuple.sub) {
				chosen = i
				break
			}
		}
	}
	if chosen < 0 {
		r.mu.Lock()
		cached, ok := r.lastBlock[vid]
		r.mu.Unlock()
		if ok && cached.shiftEndMS > nowMS {
			for i, a := range active {
				if a.tuple.sub == cached.sub {
					chosen = i
					cacheUsed = true
					break
				}
			}
		}
	}
	if chosen < 0 {
		latest := int64(-1)
		for i, a := range active {
			if s := a.drivers[len(a.drivers)-1].StartMS; s > latest {
				latest = s
				chosen = i
			}
		}
	}

	sel := active[chosen]
	display := sel.tuple.label
	if pn := sel.drivers[0].PositionName; pn != "" {
		display = pn
	}
	entry := VehicleDriverEntry{VehicleID: vid, Block: display, Drivers: sel.drivers}

	if !cacheUsed {
		maxEnd := int64(0)
		for _, d := range sel.drivers {
			if d.EndMS > maxEnd {
				maxEnd = d.EndMS
			}
		}
		r.mu.Lock()
		r.lastBlock[vid] = cachedBlock{sub: sel.tuple.sub, positionName: display, shiftEndMS: maxEnd}
		r.mu.Unlock()
	}
	return entry, true
}

// onDemandPositions are the special scheduling positions paratransit drivers
// appear under.
var onDemandPositions = []string{"ondemand driver", "ondemand eb"}

// ResolveOnDemand matches live paratransit positions against active OnDemand
// shifts by normalized driver name. Positions without a matching active shift
// are dropped.
func ResolveOnDemand(positions []upstream.OnDemandPosition, shifts []upstream.AssignedShift, loc *time.Location, now time.Time) []VehicleDriverEntry {
	idx := NewShiftIndex(shifts, loc)
	nowMS := now.UnixMilli()

	var out []VehicleDriverEntry
	for _, pos := range positions {
		want := normalizeName(pos.DriverName)
		if want == "" {
			continue
		}
		var match *DriverInfo
		for _, posKey := range onDemandPositions {
			for _, d := range activeFrom(idx.byPosition[posKey], PeriodAny, nowMS) {
				if normalizeName(d.Name) == want {
					dd := d
					match = &dd
					break
				}
			}
			if match != nil {
				break
			}
		}
		if match == nil {
			continue
		}
		out = append(out, VehicleDriverEntry{
			VehicleID:   pos.VehicleID,
			Block:       match.PositionName,
			Drivers:     []DriverInfo{*match},
			VehicleName: pos.CallName,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}
