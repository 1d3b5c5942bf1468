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
	"net/http"
	"strings"
	"time"
)

// AssignedShift is one driver-scheduling row. Raw columns are kept as the
// provider sends them; StartMS/EndMS are parsed once at ingress.
type AssignedShift struct {
	PositionName string      `json:"POSITION_NAME"`
	FirstName    string      `json:"FIRST_NAME"`
	LastName     string      `json:"LAST_NAME"`
	StartDate    string      `json:"START_DATE"`
	StartTime    string      `json:"START_TIME"`
	EndDate      string      `json:"END_DATE"`
	EndTime      string      `json:"END_TIME"`
	Duration     json.Number `json:"DURATION"`
	ColorID      json.Number `json:"COLOR_ID"`

	StartMS int64 `json:"-"`
	EndMS   int64 `json:"-"`
}

// DriverName joins the name columns, collapsing stray whitespace.
func (s AssignedShift) DriverName() string {
	return strings.Join(strings.Fields(s.FirstName+" "+s.LastName), " ")
}

type shiftsResponse struct {
	AssignedShiftList []AssignedShift `json:"AssignedShiftList"`
}

// Shifts is the driver-scheduling feed client.
type Shifts struct {
	URL     string
	HTTP    *http.Client
	Observe CallObserver
	// Loc resolves the provider's local date+time columns; nil means the
	// process-local zone.
	Loc *time.Location
}

// Fetch returns today's assigned shifts with start/end parsed to epoch ms.
// Rows whose start cannot be parsed are kept with zero times; the resolver
// treats them as never active.
func (s *Shifts) Fetch(ctx context.Context) ([]AssignedShift, error) {
	if s.URL == "" {
		return nil, &Error{Kind: Transient, Source: "shifts", Err: fmt.Errorf("no URL configured")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, &Error{Kind: Transient, Source: "shifts", Err: err}
	}
	start := time.Now()
	resp, err := s.HTTP.Do(req)
	rec := CallRecord{Timestamp: start.UTC(), URL: s.URL}
	if err != nil {
		rec.Elapsed = time.Since(start).Seconds()
		rec.Err = err.Error()
		s.observe(rec)
		return nil, &Error{Kind: Transient, Source: "shifts", Err: err}
	}
	defer resp.Body.Close()
	rec.Status = resp.StatusCode
	rec.Elapsed = time.Since(start).Seconds()
	s.observe(rec)
	if err := classifyStatus("shifts", resp.StatusCode); err != nil {
		return nil, err
	}

	var body shiftsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &Error{Kind: BadPayload, Source: "shifts", Err: err}
	}
	loc := s.Loc
	if loc == nil {
		loc = time.Local
	}
	for i := range body.AssignedShiftList {
		parseShiftWindow(&body.AssignedShiftList[i], loc)
	}
	return body.AssignedShiftList, nil
}

func (s *Shifts) observe(rec CallRecord) {
	if s.Observe != nil {
		s.Observe(rec)
	}
}

// shiftTimeLayouts are tried in order for the provider's date+time columns.
var shiftTimeLayouts = []string{
	"1/2/2006 3:04pm",
	"1/2/2006 3:04 pm",
	"1/2/2006 15:04",
	"2006-01-02 3:04pm",
	"2006-01-02 15:04",
}

func parseShiftTimestamp(date, clock string, loc *time.Location) (int64, bool) {
	date = strings.TrimSpace(date)
	clock = strings.ToLower(strings.TrimSpace(clock))
	if date == "" || clock == "" {
		return 0, false
	}
	for _, layout := range shiftTimeLayouts {
		if t, err := time.ParseInLocation(layout, date+" "+clock, loc); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// parseShiftWindow fills StartMS/EndMS. When the end columns are absent the
// DURATION column (hours) extends the start.
func parseShiftWindow(sh *AssignedShift, loc *time.Location) {
	startMS, ok := parseShiftTimestamp(sh.StartDate, sh.StartTime, loc)
	if !ok {
		return
	}
	sh.StartMS = startMS

	endDate := sh.EndDate
	if endDate == "" {
		endDate = sh.StartDate
	}
	if endMS, ok := parseShiftTimestamp(endDate, sh.EndTime, loc); ok {
		// Overnight shifts with only a time column wrap to the next day.
		if endMS <= startMS && sh.EndDate == "" {
			endMS += 24 * time.Hour.Milliseconds()
		}
		sh.EndMS = endMS
		return
	}
	if hours, err := sh.Duration.Float64(); err == nil && hours > 0 {
		sh.EndMS = startMS + int64(hours*float64(time.Hour.Milliseconds()))
	}
}

// OnDemandPosition is one live paratransit vehicle position.
type OnDemandPosition struct {
	DriverName string `json:"DriverName"`
	VehicleID  int    `json:"VehicleId"`
	CallName   string `json:"CallName"`
}

// OnDemand is the paratransit feed client. The provider authenticates by
// session cookie.
type OnDemand struct {
	PositionsURL string
	Cookie       string
	HTTP         *http.Client
	Observe      CallObserver
}

// Positions fetches the current on-demand vehicle positions.
func (o *OnDemand) Positions(ctx context.Context) ([]OnDemandPosition, error) {
	if o.PositionsURL == "" {
		return nil, &Error{Kind: Transient, Source: "ondemand", Err: fmt.Errorf("no URL configured")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.PositionsURL, nil)
	if err != nil {
		return nil, &Error{Kind: Transient, Source: "ondemand", Err: err}
	}
	if o.Cookie != "" {
		req.Header.Set("Cookie", o.Cookie)
	}
	start := time.Now()
	resp, err := o.HTTP.Do(req)
	rec := CallRecord{Timestamp: start.UTC(), URL: o.PositionsURL}
	if err != nil {
		rec.Elapsed = time.Since(start).Seconds()
		rec.Err = err.Error()
		o.observe(rec)
		return nil, &Error{Kind: Transient, Source: "ondemand", Err: err}
	}
	defer resp.Body.Close()
	rec.Status = resp.StatusCode
	rec.Elapsed = time.Since(start).Seconds()
	o.observe(rec)
	if err := classifyStatus("ondemand", resp.StatusCode); err != nil {
		return nil, err
	}

	var out []OnDemandPosition
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Kind: BadPayload, Source: "ondemand", Err: err}
	}
	return out, nil
}

func (o *OnDemand) observe(rec CallRecord) {
	if o.Observe != nil {
		o.Observe(rec)
	}
}
