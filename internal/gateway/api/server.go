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

// Package api exposes the gateway's HTTP surface. Read endpoints copy
// out of the fused snapshot under a short reader pass and serialize
// outside the lock; hot paths serve the payloads pre-materialized by the
// fusion tick.
package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"transitgw/internal/gateway/auth"
	"transitgw/internal/gateway/fusion"
	"transitgw/internal/gateway/geo"
	"transitgw/internal/gateway/headway"
	"transitgw/internal/gateway/mileage"
	"transitgw/internal/gateway/persist"
	"transitgw/internal/gateway/poller"
	"transitgw/internal/gateway/stream"
	"transitgw/internal/gateway/trail"
)

// Server wires the gateway's collaborators into an http.Handler.
type Server struct {
	Log     *zap.SugaredLogger
	State   *fusion.State
	Tracker *headway.Tracker
	Store   headway.Store
	Mileage *mileage.Accumulator
	Trails  *trail.Logger
	Gate    *auth.Gate
	CallLog *poller.CallLog

	APICallStream *stream.Broker
	TestmapStream *stream.Broker

	Pollers    []*poller.Poller
	PollerName func(p *poller.Poller) string

	SyncSecret string
	Dirs       []string
	Loc        *time.Location
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/routes", s.handleRoutes).Methods(http.MethodGet)
	r.HandleFunc("/v1/routes/{rid}", s.handleRoute).Methods(http.MethodGet)
	r.HandleFunc("/v1/routes/{rid}/shape", s.handleRouteShape).Methods(http.MethodGet)
	r.HandleFunc("/v1/routes/{rid}/vehicles_raw", s.handleRouteVehicles).Methods(http.MethodGet)

	r.HandleFunc("/v1/vehicles", s.handleVehicles).Methods(http.MethodGet)
	r.HandleFunc("/v1/vehicles_dropdown", s.handleVehiclesDropdown).Methods(http.MethodGet)
	r.HandleFunc("/v1/vehicle_headings", s.handleVehicleHeadings).Methods(http.MethodGet)
	if s.Trails != nil {
		r.HandleFunc("/v1/vehicle_trail/{vid}", s.handleVehicleTrail).Methods(http.MethodGet)
	}

	r.HandleFunc("/v1/testmap/transloc", s.handleTestmap).Methods(http.MethodGet)
	r.HandleFunc("/v1/testmap/transloc/vehicles", s.handleTestmapVehicles).Methods(http.MethodGet)
	r.HandleFunc("/v1/testmap/transloc/metadata", s.handleTestmapMetadata).Methods(http.MethodGet)

	if s.APICallStream != nil {
		r.Handle("/v1/stream/api_calls", s.APICallStream).Methods(http.MethodGet)
	}
	if s.TestmapStream != nil {
		r.Handle("/v1/stream/testmap/vehicles", s.TestmapStream).Methods(http.MethodGet)
	}

	r.HandleFunc("/api/headway", s.handleHeadway).Methods(http.MethodGet)
	r.HandleFunc("/api/headway/diagnostics", s.handleHeadwayDiagnostics).Methods(http.MethodGet)
	r.HandleFunc("/api/headway/export", s.handleHeadwayExport).Methods(http.MethodGet)
	r.HandleFunc("/v1/headway/clear", s.requireAPIAuth(s.handleHeadwayClear)).Methods(http.MethodPost)

	r.HandleFunc("/api/dispatcher/auth", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/dispatcher/auth", s.handleWhoAmI).Methods(http.MethodGet)
	r.HandleFunc("/api/dispatcher/logout", s.handleLogout).Methods(http.MethodPost)

	r.HandleFunc("/v1/blocks", s.handleBlocks).Methods(http.MethodGet)
	r.HandleFunc("/v1/mileage", s.handleMileage).Methods(http.MethodGet)
	r.HandleFunc("/v1/servicecrew/reset/{bus}", s.requireAPIAuth(s.handleMileageReset)).Methods(http.MethodPost)

	r.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// requireAPIAuth gates privileged JSON endpoints: anonymous callers get
// a 401 body, never a redirect.
func (s *Server) requireAPIAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Gate == nil || s.Gate.FromRequest(r) == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// RequirePageAuth wraps page handlers: anonymous visitors bounce to the
// login page with a return path.
func (s *Server) RequirePageAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Gate == nil || s.Gate.FromRequest(r) == nil {
			http.Redirect(w, r, "/login?return="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.State.Health()
	resp := map[string]any{
		"ok":            h.OK,
		"last_error":    h.LastError,
		"last_error_ts": h.LastErrorTS,
	}
	if len(s.Pollers) > 0 && s.PollerName != nil {
		pollers := make(map[string]poller.Status, len(s.Pollers))
		for _, p := range s.Pollers {
			pollers[s.PollerName(p)] = p.Status()
		}
		resp["pollers"] = pollers
	}
	streams := make(map[string]int)
	if s.APICallStream != nil {
		streams["api_calls"] = s.APICallStream.SubscriberCount()
	}
	if s.TestmapStream != nil {
		streams["testmap"] = s.TestmapStream.SubscriberCount()
	}
	if len(streams) > 0 {
		resp["stream_subscribers"] = streams
	}
	writeJSON(w, http.StatusOK, resp)
}

type routeSummary struct {
	RouteID      int     `json:"route_id"`
	DisplayName  string  `json:"display_name"`
	Color        string  `json:"color,omitempty"`
	TotalLengthM float64 `json:"total_length_m"`
	VehicleCount int     `json:"vehicle_count"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	shapes := s.State.ActiveRoutes()
	out := make([]routeSummary, 0, len(shapes))
	for _, rs := range shapes {
		out = append(out, routeSummary{
			RouteID:      rs.RouteID,
			DisplayName:  rs.DisplayName,
			Color:        rs.Color,
			TotalLengthM: rs.TotalM,
			VehicleCount: s.State.VehicleCount(rs.RouteID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) routeFromPath(w http.ResponseWriter, r *http.Request) (fusion.RouteShape, bool) {
	rid, err := strconv.Atoi(mux.Vars(r)["rid"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "route id must be an integer")
		return fusion.RouteShape{}, false
	}
	rs, ok := s.State.Route(rid)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown route")
		return fusion.RouteShape{}, false
	}
	return rs, true
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.routeFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleRouteShape(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.routeFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"route_id":         rs.RouteID,
		"encoded_polyline": rs.Encoded,
		"total_length_m":   rs.TotalM,
	})
}

func (s *Server) handleRouteVehicles(w http.ResponseWriter, r *http.Request) {
	rid, err := strconv.Atoi(mux.Vars(r)["rid"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "route id must be an integer")
		return
	}
	writeJSON(w, http.StatusOK, s.State.VehiclesOnRoute(rid))
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	vs := s.State.Vehicles()
	sort.Slice(vs, func(i, j int) bool { return vs[i].VehicleID < vs[j].VehicleID })
	writeJSON(w, http.StatusOK, vs)
}

func (s *Server) handleVehiclesDropdown(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		VehicleID int    `json:"vehicle_id"`
		Name      string `json:"name"`
	}
	vs := s.State.Vehicles()
	out := make([]entry, 0, len(vs))
	for _, v := range vs {
		out = append(out, entry{VehicleID: v.VehicleID, Name: v.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVehicleHeadings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.State.Headings())
}

func (s *Server) handleVehicleTrail(w http.ResponseWriter, r *http.Request) {
	var sinceMS int64
	if raw := r.URL.Query().Get("since_ms"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since_ms")
			return
		}
		sinceMS = v
	}
	writeJSON(w, http.StatusOK, s.Trails.Trail(mux.Vars(r)["vid"], sinceMS))
}

func (s *Server) handleTestmap(w http.ResponseWriter, r *http.Request) {
	payload := s.State.TestmapPayload()
	if payload == nil {
		payload = json.RawMessage(`{"vehicles":[]}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func (s *Server) handleTestmapVehicles(w http.ResponseWriter, r *http.Request) {
	s.handleTestmap(w, r)
}

func (s *Server) handleTestmapMetadata(w http.ResponseWriter, r *http.Request) {
	shapes := s.State.ActiveRoutes()
	sort.Slice(shapes, func(i, j int) bool { return shapes[i].RouteID < shapes[j].RouteID })
	writeJSON(w, http.StatusOK, map[string]any{
		"routes":      shapes,
		"route_names": s.State.RouteNames(),
	})
}

// parseRange reads start/end query params as RFC 3339 or date-only,
// defaulting to today's UTC day.
func parseRange(q url.Values, loc *time.Location) (time.Time, time.Time, error) {
	parse := func(s string) (time.Time, error) {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		return time.ParseInLocation("2006-01-02", s, loc)
	}
	now := time.Now().UTC()
	start := now.Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = parse(v); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = parse(v); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return start.UTC(), end.UTC(), nil
}

func splitParam(q url.Values, key string) []string {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleHeadway(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := parseRange(q, s.loc())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad start/end timestamp")
		return
	}
	events, err := s.Tracker.Query(start, end, splitParam(q, "route_ids"), splitParam(q, "stop_ids"))
	if err != nil {
		s.Log.Errorw("headway query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "headway query failed")
		return
	}
	names := make(map[string]string)
	for _, v := range s.State.Vehicles() {
		names[strconv.Itoa(v.VehicleID)] = v.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":        events,
		"vehicle_names": names,
	})
}

// handleHeadwayDiagnostics exposes the tracker's recent activation log,
// oldest first.
func (s *Server) handleHeadwayDiagnostics(w http.ResponseWriter, r *http.Request) {
	entries := s.Tracker.Diagnostics()
	if entries == nil {
		entries = []headway.DiagEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHeadwayExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := parseRange(q, s.loc())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad start/end timestamp")
		return
	}
	ht := headway.HeadwayType(q.Get("type"))
	if ht == "" {
		ht = headway.HeadwayArrivalArrival
	}
	if ht != headway.HeadwayArrivalArrival && ht != headway.HeadwayDepartureArrival {
		writeError(w, http.StatusBadRequest, "unknown headway type")
		return
	}
	events, err := s.Tracker.Query(start, end, splitParam(q, "route_ids"), splitParam(q, "stop_ids"))
	if err != nil {
		s.Log.Errorw("headway export failed", "err", err)
		writeError(w, http.StatusInternalServerError, "headway export failed")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="headway.csv"`)
	if err := headway.WriteExportCSV(w, events, ht, s.loc()); err != nil {
		s.Log.Errorw("headway export write failed", "err", err)
	}
}

func (s *Server) handleHeadwayClear(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Clear(); err != nil {
		s.Log.Errorw("headway clear failed", "err", err)
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password == "" {
		writeError(w, http.StatusBadRequest, "password required")
		return
	}
	p, ok := s.Gate.Login(body.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !s.Gate.SetCookie(w, p) {
		writeError(w, http.StatusInternalServerError, "session mint failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	p := s.Gate.FromRequest(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Gate.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.State.PlainBlocks())
}

func (s *Server) handleMileage(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = geo.ServiceDate(time.Now(), s.loc())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":  date,
		"buses": s.Mileage.Snapshot(date),
	})
}

func (s *Server) handleMileageReset(w http.ResponseWriter, r *http.Request) {
	bus := mux.Vars(r)["bus"]
	base, ok := s.Mileage.Reset(bus, time.Now())
	if !ok {
		writeError(w, http.StatusNotFound, "no mileage record for bus today")
		return
	}
	if err := s.Mileage.Persist(); err != nil {
		s.Log.Warnw("mileage persist after reset failed", "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"bus": bus, "reset_miles": base})
}

// syncable lists the persisted files a peer may replicate onto this
// instance.
var syncable = map[string]bool{
	"mileage.json":            true,
	"vehicle_headings.json":   true,
	"vehicle_trails.json":     true,
	"sent_alert_ids.json":     true,
	"push_subscriptions.json": true,
	"system_notices.json":     true,
	"tickets.json":            true,
	"eink_block_layout.json":  true,
	"config.json":             true,
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.SyncSecret == "" || r.Header.Get("X-Sync-Secret") != s.SyncSecret {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body struct {
		Name string `json:"name"`
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	if !syncable[body.Name] {
		writeError(w, http.StatusBadRequest, "file not syncable")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "data must be base64")
		return
	}
	if err := persist.Mirror(s.Dirs, body.Name, raw, s.Log); err != nil {
		writeError(w, http.StatusInternalServerError, "write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) loc() *time.Location {
	if s.Loc != nil {
		return s.Loc
	}
	return time.Local
}
