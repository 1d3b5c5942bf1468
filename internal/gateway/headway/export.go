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
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"time"
)

// HeadwayType selects which headway figure the export's Headway column
// carries.
type HeadwayType string

const (
	HeadwayArrivalArrival   HeadwayType = "arrival_arrival"
	HeadwayDepartureArrival HeadwayType = "departure_arrival"
)

// pairKey groups events that belong to the same physical visit sequence.
// Stops merged by address pair across their raw ids.
type pairKey struct {
	routeID   string
	stopKey   string
	vehicleID string
	block     string
}

func keyOf(ev Event) pairKey {
	stopKey := ev.StopID
	if ev.AddressID != "" {
		stopKey = ev.AddressID
	}
	return pairKey{routeID: ev.RouteID, stopKey: stopKey, vehicleID: ev.VehicleID, block: ev.Block}
}

type exportRow struct {
	arrival   *Event
	departure *Event
}

func (r exportRow) sortTime() time.Time {
	if r.arrival != nil {
		return r.arrival.Timestamp
	}
	return r.departure.Timestamp
}

// WriteExportCSV pairs arrivals with departures FIFO within each
// (route, stop, vehicle, block) group and writes one row per pair.
// Unpaired events still produce a row with the missing side blank.
// Local-time columns use loc.
//
// The departure-to-arrival headway column comes from the in-memory
// enrichment the tracker applies at emission; it is not persisted, so
// events reloaded after a restart render it blank.
func WriteExportCSV(w io.Writer, events []Event, ht HeadwayType, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}

	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	arrivals := make(map[pairKey][]*Event)
	departures := make(map[pairKey][]*Event)
	for i := range sorted {
		ev := &sorted[i]
		switch ev.Type {
		case EventArrival:
			arrivals[keyOf(*ev)] = append(arrivals[keyOf(*ev)], ev)
		case EventDeparture:
			departures[keyOf(*ev)] = append(departures[keyOf(*ev)], ev)
		}
	}

	var rows []exportRow
	for k, arrs := range arrivals {
		deps := departures[k]
		di := 0
		for _, arr := range arrs {
			// Earliest unconsumed departure at or after this arrival.
			for di < len(deps) && deps[di].Timestamp.Before(arr.Timestamp) {
				rows = append(rows, exportRow{departure: deps[di]})
				di++
			}
			if di < len(deps) {
				rows = append(rows, exportRow{arrival: arr, departure: deps[di]})
				di++
			} else {
				rows = append(rows, exportRow{arrival: arr})
			}
		}
		for ; di < len(deps); di++ {
			rows = append(rows, exportRow{departure: deps[di]})
		}
		delete(departures, k)
	}
	for _, deps := range departures {
		for _, dep := range deps {
			rows = append(rows, exportRow{departure: dep})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].sortTime().Before(rows[j].sortTime()) })

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Route", "Arrival Date", "Stop", "Vehicle", "Arrival Time", "Departure Time", "Dwell", "Headway"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(renderRow(row, ht, loc)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func renderRow(row exportRow, ht HeadwayType, loc *time.Location) []string {
	ref := row.arrival
	if ref == nil {
		ref = row.departure
	}
	route := ref.RouteName
	if route == "" {
		route = ref.RouteID
	}
	stop := ref.StopName
	if stop == "" {
		stop = ref.StopID
	}
	vehicle := ref.VehicleName
	if vehicle == "" {
		vehicle = ref.VehicleID
	}

	var date, arrTime, depTime, dwell, headway string
	if row.arrival != nil {
		local := row.arrival.Timestamp.In(loc)
		date = local.Format("01-02-2006")
		arrTime = local.Format("3:04:05 PM")
		switch ht {
		case HeadwayDepartureArrival:
			headway = formatHMS(row.arrival.HeadwayDepartureArrivalS)
		default:
			headway = formatHMS(row.arrival.HeadwayArrivalArrivalS)
		}
	}
	if row.departure != nil {
		local := row.departure.Timestamp.In(loc)
		if date == "" {
			date = local.Format("01-02-2006")
		}
		depTime = local.Format("3:04:05 PM")
		if row.arrival != nil {
			dwell = formatHMS(row.departure.DwellS)
		}
	}
	return []string{route, date, stop, vehicle, arrTime, depTime, dwell, headway}
}

// formatHMS renders a duration in seconds as HH:MM:SS, blank when absent.
func formatHMS(secs *float64) string {
	if secs == nil {
		return ""
	}
	total := int(*secs + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
