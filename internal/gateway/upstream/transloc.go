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

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CallRecord captures one outbound request for the api-call telemetry stream.
type CallRecord struct {
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	Elapsed   float64   `json:"elapsed_s"`
	Err       string    `json:"error,omitempty"`
}

// CallObserver receives a record for every outbound call the client makes.
type CallObserver func(CallRecord)

// Route is a route-with-shape record from the AVL provider.
type Route struct {
	RouteID         int         `json:"RouteID"`
	Description     string      `json:"Description"`
	InfoText        string      `json:"InfoText"`
	MapLineColor    string      `json:"MapLineColor"`
	EncodedPolyline string      `json:"EncodedPolyline"`
	Stops           []RouteStop `json:"Stops"`
}

// RouteStop is the per-route stop listing embedded in the shapes payload.
type RouteStop struct {
	RouteID     int     `json:"RouteID"`
	RouteStopID int     `json:"RouteStopID"`
	Description string  `json:"Description"`
	Latitude    float64 `json:"Latitude"`
	Longitude   float64 `json:"Longitude"`
}

// CatalogRoute is the simpler catalog record used to discover inactive routes.
type CatalogRoute struct {
	RouteID     int    `json:"RouteID"`
	Description string `json:"Description"`
	InfoText    string `json:"InfoText"`
}

// Stop is a system-wide stop record.
type Stop struct {
	StopID    json.Number `json:"StopID"`
	StopName  string      `json:"StopName"`
	Latitude  float64     `json:"Latitude"`
	Longitude float64     `json:"Longitude"`
	AddressID json.Number `json:"AddressID"`
	RouteIDs  []int       `json:"RouteIDs"`
}

// Vehicle is a raw AVL position record. TimeStampUTC arrives in MS-AJAX form
// and is exposed via TimestampMS.
type Vehicle struct {
	VehicleID    int     `json:"VehicleID"`
	Name         string  `json:"Name"`
	RouteID      int     `json:"RouteID"`
	Latitude     float64 `json:"Latitude"`
	Longitude    float64 `json:"Longitude"`
	Heading      float64 `json:"Heading"`
	GroundSpeed  float64 `json:"GroundSpeed"`
	TimeStampUTC string  `json:"TimeStampUTC"`
	Seconds      float64 `json:"Seconds"`

	// TimestampMS is the parsed provider timestamp in epoch milliseconds,
	// zero when the field was absent or malformed.
	TimestampMS int64 `json:"-"`
}

// Capacity is a vehicle occupancy record.
type Capacity struct {
	VehicleID         int     `json:"VehicleID"`
	Capacity          int     `json:"Capacity"`
	CurrentOccupation int     `json:"CurrentOccupation"`
	Percentage        float64 `json:"Percentage"`
}

// VehicleEstimates is the per-vehicle stop-estimate record; estimate entries
// are passed through to clients untouched.
type VehicleEstimates struct {
	VehicleID int               `json:"VehicleID"`
	Estimates []json.RawMessage `json:"Estimates"`
}

// CalendarEntry is a schedule-calendar row for one date.
type CalendarEntry struct {
	ScheduleVehicleCalendarID int64 `json:"ScheduleVehicleCalendarID"`
}

// BlockTrip is one trip inside a dispatch block group.
type BlockTrip struct {
	BlockFarmoutID json.Number `json:"BlockFarmoutID"`
	VehicleID      int         `json:"VehicleID"`
	VehicleName    string      `json:"VehicleName"`
	RouteID        int         `json:"RouteID"`
	RouteName      string      `json:"RouteDescription"`
	RouteColor     string      `json:"MapLineColor"`
	StartTimeUTC   string      `json:"StartTimeUTC"`
	EndTimeUTC     string      `json:"EndTimeUTC"`

	// Parsed from the MS-AJAX start/end fields.
	StartMS int64 `json:"-"`
	EndMS   int64 `json:"-"`
}

// BlockGroup is a dispatch block-group record: a block label and its trips.
type BlockGroup struct {
	BlockGroupID string      `json:"BlockGroupId"`
	BlockID      string      `json:"BlockId"`
	Trips        []BlockTrip `json:"Trips"`
}

// Transloc is the AVL provider client. All methods go through the shared
// pooled HTTP client and report to the configured CallObserver.
type Transloc struct {
	Base    string
	APIKey  string
	HTTP    *http.Client
	Observe CallObserver
}

func (t *Transloc) getJSON(ctx context.Context, source, path string, q url.Values, out any) error {
	if t.Base == "" {
		return &Error{Kind: Transient, Source: source, Err: fmt.Errorf("no base URL configured")}
	}
	if q == nil {
		q = url.Values{}
	}
	if t.APIKey != "" {
		q.Set("APIKey", t.APIKey)
	}
	full := strings.TrimRight(t.Base, "/") + path
	if enc := q.Encode(); enc != "" {
		full += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return &Error{Kind: Transient, Source: source, Err: err}
	}
	start := time.Now()
	resp, err := t.HTTP.Do(req)
	rec := CallRecord{Timestamp: start.UTC(), URL: full}
	if err != nil {
		rec.Elapsed = time.Since(start).Seconds()
		rec.Err = err.Error()
		t.observe(rec)
		return &Error{Kind: Transient, Source: source, Err: err}
	}
	defer resp.Body.Close()
	rec.Status = resp.StatusCode
	rec.Elapsed = time.Since(start).Seconds()
	t.observe(rec)

	if err := classifyStatus(source, resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: BadPayload, Source: source, Err: err}
	}
	return nil
}

func (t *Transloc) observe(rec CallRecord) {
	if t.Observe != nil {
		t.Observe(rec)
	}
}

// RoutesWithShapes fetches the full route catalog with encoded polylines.
func (t *Transloc) RoutesWithShapes(ctx context.Context) ([]Route, error) {
	var out []Route
	if err := t.getJSON(ctx, "routes", "/GetRoutesForMapWithScheduleWithEncodedLine", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RoutesCatalog fetches the simple route listing (includes inactive routes).
func (t *Transloc) RoutesCatalog(ctx context.Context) ([]CatalogRoute, error) {
	var out []CatalogRoute
	if err := t.getJSON(ctx, "routes_catalog", "/GetRoutes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stops fetches the system-wide stop list.
func (t *Transloc) Stops(ctx context.Context) ([]Stop, error) {
	var out []Stop
	if err := t.getJSON(ctx, "stops", "/GetStops", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Vehicles fetches the live AVL snapshot. Records with an unparseable
// provider timestamp keep TimestampMS zero and are otherwise retained.
func (t *Transloc) Vehicles(ctx context.Context) ([]Vehicle, error) {
	var out []Vehicle
	if err := t.getJSON(ctx, "vehicles", "/GetMapVehiclePoints", nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if ms, err := ParseMSAjax(out[i].TimeStampUTC); err == nil {
			out[i].TimestampMS = ms
		}
	}
	return out, nil
}

// Capacities fetches occupancy for the whole fleet.
func (t *Transloc) Capacities(ctx context.Context) ([]Capacity, error) {
	var out []Capacity
	if err := t.getJSON(ctx, "capacities", "/GetVehicleCapacities", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Estimates fetches route-stop arrival estimates for the given vehicles in
// one batched call.
func (t *Transloc) Estimates(ctx context.Context, vehicleIDs []int) ([]VehicleEstimates, error) {
	ids := make([]string, len(vehicleIDs))
	for i, id := range vehicleIDs {
		ids[i] = strconv.Itoa(id)
	}
	q := url.Values{"vehicleIdStrings": {strings.Join(ids, ",")}}
	var out []VehicleEstimates
	if err := t.getJSON(ctx, "estimates", "/GetVehicleRouteStopEstimates", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ScheduleCalendar fetches the schedule calendar ids for a date
// (YYYY-MM-DD), the first half of the block-group chain.
func (t *Transloc) ScheduleCalendar(ctx context.Context, date string) ([]CalendarEntry, error) {
	q := url.Values{"dateString": {date}}
	var out []CalendarEntry
	if err := t.getJSON(ctx, "calendar", "/GetScheduleVehicleCalendarsByDate", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BlockGroups fetches dispatch block-group data for the given calendar ids
// (second half of the chain). Trip start/end MS-AJAX stamps are parsed here.
func (t *Transloc) BlockGroups(ctx context.Context, calendarIDs []int64) ([]BlockGroup, error) {
	ids := make([]string, len(calendarIDs))
	for i, id := range calendarIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	q := url.Values{"scheduleVehicleCalendarIdString": {strings.Join(ids, ",")}}
	var out []BlockGroup
	if err := t.getJSON(ctx, "block_groups", "/GetDispatchBlockGroupData", q, &out); err != nil {
		return nil, err
	}
	for gi := range out {
		for ti := range out[gi].Trips {
			trip := &out[gi].Trips[ti]
			if ms, err := ParseMSAjax(trip.StartTimeUTC); err == nil {
				trip.StartMS = ms
			}
			if ms, err := ParseMSAjax(trip.EndTimeUTC); err == nil {
				trip.EndMS = ms
			}
		}
	}
	return out, nil
}
