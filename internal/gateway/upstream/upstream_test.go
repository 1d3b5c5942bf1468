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
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseMSAjax(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"/Date(0)/", 0, false},
		{"/Date(1700000000000)/", 1700000000000, false},
		{"/Date(1700000000000+0500)/", 1700000000000 + 5*60*60000, false},
		{"/Date(1700000000000-0430)/", 1700000000000 - (4*60+30)*60000, false},
		{"/Date(1700000000000+0000)/", 1700000000000, false},
		{"/Date(1700000000000+1400)/", 1700000000000 + 14*60*60000, false},
		{"Date(1700000000000)", 0, true},
		{"/Date(abc)/", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		got, err := ParseMSAjax(c.in)
		if c.wantErr {
			if err == nil {
				t.Fatalf("ParseMSAjax(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMSAjax(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseMSAjax(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseMaxspeed(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"25 mph", 25 * mphToMps, true},
		{"25mph", 25 * mphToMps, true},
		{"40", 40 * mphToMps, true}, // bare values read as mph
		{"50 km/h", 50 * kmhToMps, true},
		{"", 0, false},
		{"variable", 0, false},
	}
	for _, c := range cases {
		got, ok := parseMaxspeed(c.in)
		if ok != c.ok {
			t.Fatalf("parseMaxspeed(%q): ok=%v, want %v", c.in, ok, c.ok)
		}
		if ok && math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("parseMaxspeed(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseShiftWindow(t *testing.T) {
	loc := time.UTC

	sh := AssignedShift{StartDate: "12/18/2025", StartTime: "6:00am", EndDate: "12/18/2025", EndTime: "2:00pm"}
	parseShiftWindow(&sh, loc)
	wantStart := time.Date(2025, 12, 18, 6, 0, 0, 0, loc).UnixMilli()
	wantEnd := time.Date(2025, 12, 18, 14, 0, 0, 0, loc).UnixMilli()
	if sh.StartMS != wantStart || sh.EndMS != wantEnd {
		t.Fatalf("explicit end: got (%d,%d), want (%d,%d)", sh.StartMS, sh.EndMS, wantStart, wantEnd)
	}

	// Duration fallback when no end columns exist.
	sh = AssignedShift{StartDate: "12/18/2025", StartTime: "6:00am", Duration: "8"}
	parseShiftWindow(&sh, loc)
	if sh.EndMS != wantStart+8*3600*1000 {
		t.Fatalf("duration fallback: got end %d", sh.EndMS)
	}

	// Unparseable start keeps zero times.
	sh = AssignedShift{StartDate: "bogus", StartTime: "6:00am"}
	parseShiftWindow(&sh, loc)
	if sh.StartMS != 0 || sh.EndMS != 0 {
		t.Fatalf("bogus start should stay zero, got (%d,%d)", sh.StartMS, sh.EndMS)
	}
}

func TestAssignedShift_DriverName(t *testing.T) {
	sh := AssignedShift{FirstName: "  Pat ", LastName: " Smith "}
	if got := sh.DriverName(); got != "Pat Smith" {
		t.Fatalf("DriverName = %q", got)
	}
}

func TestTranslocVehicles_DecodeAndObserve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("APIKey") != "k" {
			t.Errorf("missing APIKey, got query %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"VehicleID":12,"Name":"Bus 42","RouteID":3,"Latitude":40.1,"Longitude":-75.2,
			 "Heading":90,"GroundSpeed":8.2,"TimeStampUTC":"/Date(1700000000000-0500)/","Seconds":4},
			{"VehicleID":13,"Name":"Bus 43","RouteID":0,"Latitude":40.2,"Longitude":-75.3,
			 "Heading":0,"GroundSpeed":0,"TimeStampUTC":"garbage","Seconds":9}
		]`))
	}))
	defer srv.Close()

	var observed []CallRecord
	tl := &Transloc{
		Base:    srv.URL,
		APIKey:  "k",
		HTTP:    srv.Client(),
		Observe: func(rec CallRecord) { observed = append(observed, rec) },
	}
	vehicles, err := tl.Vehicles(context.Background())
	if err != nil {
		t.Fatalf("Vehicles: %v", err)
	}
	if len(vehicles) != 2 {
		t.Fatalf("expected 2 vehicles, got %d", len(vehicles))
	}
	if vehicles[0].TimestampMS != 1700000000000-5*3600*1000 {
		t.Fatalf("timestamp not parsed: %d", vehicles[0].TimestampMS)
	}
	if vehicles[1].TimestampMS != 0 {
		t.Fatalf("malformed timestamp should stay zero, got %d", vehicles[1].TimestampMS)
	}
	if len(observed) != 1 || observed[0].Status != 200 {
		t.Fatalf("expected one observed 200 call, got %+v", observed)
	}
}

func TestTransloc_StatusClassification(t *testing.T) {
	for _, c := range []struct {
		status int
		kind   Kind
	}{
		{500, Transient},
		{502, Transient},
		{401, Unauthorized},
		{403, Unauthorized},
		{404, NotFound},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
		}))
		tl := &Transloc{Base: srv.URL, HTTP: srv.Client()}
		_, err := tl.Stops(context.Background())
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", c.status)
		}
		if got := KindOf(err); got != c.kind {
			t.Fatalf("status %d: kind %v, want %v", c.status, got, c.kind)
		}
	}
}

func TestTransloc_BadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"a list"`))
	}))
	defer srv.Close()
	tl := &Transloc{Base: srv.URL, HTTP: srv.Client()}
	if _, err := tl.Capacities(context.Background()); err == nil || KindOf(err) != BadPayload {
		t.Fatalf("expected bad_payload, got %v", err)
	}
}
