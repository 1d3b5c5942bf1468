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

// Package main is the transit operations gateway entry point.
//
// This file is responsible for orchestrating the whole service:
// 1. Loading configuration and building the shared collaborators.
// 2. Seeding the route/stop catalog before traffic is served.
// 3. Starting the upstream pollers and the fusion pipeline.
// 4. Starting the HTTP request surface.
// 5. Managing graceful shutdown so headway events and mileage survive
//    a restart.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"transitgw/internal/gateway/api"
	"transitgw/internal/gateway/auth"
	"transitgw/internal/gateway/blocks"
	"transitgw/internal/gateway/cache"
	"transitgw/internal/gateway/config"
	"transitgw/internal/gateway/fusion"
	"transitgw/internal/gateway/headway"
	"transitgw/internal/gateway/httpclient"
	"transitgw/internal/gateway/mileage"
	"transitgw/internal/gateway/persist"
	"transitgw/internal/gateway/poller"
	"transitgw/internal/gateway/stream"
	"transitgw/internal/gateway/trail"
	"transitgw/internal/gateway/upstream"
)

// approachSetsFile maps stop ids to configured geofence approach sets. Stops
// without an entry are not headway-tracked.
const approachSetsFile = "approach_sets.json"

// estimateCacheKeys bounds the per-vehicle estimate cache; comfortably above
// any real fleet size.
const estimateCacheKeys = 128

func main() {
	httpAddr := flag.String("http_addr", ":8080", "HTTP listen address (e.g., :8080)")
	devLog := flag.Bool("dev_log", false, "Use the human-readable development logger")
	flag.Parse()

	// 1. Logger and configuration. Everything else reads Config, never the
	// environment directly.
	zl, err := newLogger(*devLog)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()
	slog := zl.Sugar()

	cfg := config.FromEnv()
	loc := time.Local
	slog.Infow("gateway starting",
		"http_addr", *httpAddr,
		"primary_data_dir", cfg.PrimaryDataDir(),
		"data_dirs", len(cfg.DataDirs),
		"headway_store", cfg.HeadwayStore)

	// 2. Outbound plumbing: one pooled HTTP client, a bounded call log, and
	// the SSE broker that replays it to new subscribers.
	hc := httpclient.New()

	apiCalls := stream.NewBroker("api_calls")
	callLog := poller.NewCallLog()
	callLog.Notify = func(rec upstream.CallRecord) {
		if err := apiCalls.Publish(rec); err != nil {
			slog.Warnw("api call publish", "err", err)
		}
	}
	apiCalls.Replay = func() [][]byte {
		recs := callLog.Snapshot()
		frames := make([][]byte, 0, len(recs))
		for _, rec := range recs {
			if frame, err := stream.Encode(rec); err == nil {
				frames = append(frames, frame)
			}
		}
		return frames
	}
	observe := callLog.Add

	transloc := &upstream.Transloc{Base: cfg.TranslocBase, APIKey: cfg.TranslocKey, HTTP: hc, Observe: observe}
	overpass := &upstream.Overpass{Endpoint: cfg.OverpassEP, HTTP: hc, Observe: observe}
	shifts := &upstream.Shifts{URL: cfg.ShiftsURL, HTTP: hc, Observe: observe, Loc: loc}
	onDemand := &upstream.OnDemand{PositionsURL: cfg.OnDemandURL, Cookie: cfg.OnDemandCookie, HTTP: hc, Observe: observe}

	// 3. Durable state: headway event store, mileage odometer, persisted
	// vehicle headings.
	store, err := headway.BuildStore(cfg.HeadwayStore, cfg.DataDirs, cfg.RedisAddr, slog)
	if err != nil {
		slog.Fatalw("headway store", "err", err)
	}
	tracker := headway.NewTracker(store, slog)

	var approachSets map[string][]headway.ApproachSet
	if err := persist.LoadJSON(cfg.DataDirs, approachSetsFile, &approachSets); err != nil && !persist.IsNotExist(err) {
		slog.Warnw("approach sets load", "err", err)
	}

	miles := mileage.Load(cfg.DataDirs, loc, slog)
	trails := trail.NewLogger(cfg.VehLogMinMoveM, cfg.VehLogRetention, cfg.DataDirs, slog)

	state := fusion.NewState()
	state.SeedHeadings(fusion.LoadHeadings(cfg.DataDirs, slog))

	tracker.RouteName = func(routeID string) string {
		rid, err := strconv.Atoi(routeID)
		if err != nil {
			return ""
		}
		return state.RouteName(rid)
	}
	tracker.BlockFor = func(vehicleID string) string {
		vid, err := strconv.Atoi(vehicleID)
		if err != nil {
			return ""
		}
		return state.BlockFor(vid)
	}

	// 4. Fusion engine and the testmap SSE broker. A fresh subscriber gets
	// the last materialized snapshot before live frames.
	testmap := stream.NewBroker("testmap_vehicles")
	testmap.Replay = func() [][]byte {
		payload := state.TestmapPayload()
		if payload == nil {
			return nil
		}
		frame, err := stream.Encode(json.RawMessage(payload))
		if err != nil {
			return nil
		}
		return [][]byte{frame}
	}

	engine := fusion.NewEngine(state, slog)
	engine.Roads = overpass
	engine.Tracker = tracker
	engine.Mileage = miles
	engine.Resolver = blocks.NewResolver(loc)
	engine.Broker = testmap
	engine.Dirs = cfg.DataDirs
	engine.Loc = loc
	engine.StaleFixS = cfg.StaleFix.Seconds()
	engine.VeryStaleS = cfg.VehicleStale.Seconds()
	engine.RouteGraceS = cfg.RouteGrace.Seconds()
	engine.EMAAlpha = cfg.EMAAlpha
	engine.MinSpeedMPS = cfg.MinSpeedFloor
	engine.MaxSpeedMPS = cfg.MaxSpeedCeil
	engine.HeadingJitterM = cfg.HeadingJitterM

	// 5. Freshness caches between the pollers and the upstreams. TTLs sit
	// under the poll interval so every scheduled cycle refetches, while
	// overlapping callers (startup seeding, retries) coalesce onto one
	// in-flight request. Estimates are cached per vehicle with
	// stale-while-revalidate: a burst of dashboard refreshes is absorbed by
	// serving a few seconds stale.
	routesCache := cache.NewTTL[[]upstream.Route](cfg.RouteRefresh / 2)
	catalogCache := cache.NewTTL[[]upstream.CatalogRoute](cfg.RouteRefresh / 2)
	stopsCache := cache.NewTTL[[]upstream.Stop](cfg.RouteRefresh / 2)
	capsCache := cache.NewTTL[[]upstream.Capacity](cfg.VehRefresh / 2)
	estimatesCache := cache.NewKeyed[[]json.RawMessage](2*cfg.VehRefresh, estimateCacheKeys,
		func() []json.RawMessage { return nil }, slog)

	// 6. Pollers. Each owns one upstream concern and publishes into shared
	// state; the vehicle poller drives the fusion tick.
	vehiclesPoller := poller.New("vehicles", cfg.VehRefresh, func(ctx context.Context) error {
		raw, err := transloc.Vehicles(ctx)
		if err != nil {
			state.SetError(err)
			return err
		}
		return engine.Tick(ctx, raw, time.Now())
	}, slog)

	routesPoller := poller.New("routes", cfg.RouteRefresh, func(ctx context.Context) error {
		routes, err := routesCache.Get(ctx, transloc.RoutesWithShapes)
		if err != nil {
			state.SetError(err)
			return err
		}
		state.SetRoutesRaw(routes)
		// Simple catalog alongside the shapes: it carries inactive routes,
		// so names resolve even for routes with no vehicles out. Best
		// effort; the shapes payload already covers everything active.
		if catalog, cerr := catalogCache.Get(ctx, transloc.RoutesCatalog); cerr != nil {
			slog.Warnw("routes catalog fetch failed", "err", cerr)
		} else {
			state.SetCatalogRaw(catalog)
		}
		return nil
	}, slog)

	stopsPoller := poller.New("stops", cfg.RouteRefresh, func(ctx context.Context) error {
		stops, err := stopsCache.Get(ctx, transloc.Stops)
		if err != nil {
			state.SetError(err)
			return err
		}
		state.SetStopsRaw(stops)
		tracker.UpdateStops(stopPoints(stops, approachSets))
		return nil
	}, slog)

	capacitiesPoller := poller.New("capacities", cfg.VehRefresh, func(ctx context.Context) error {
		caps, err := capsCache.Get(ctx, transloc.Capacities)
		if err != nil {
			state.SetError(err)
			return err
		}
		state.SetCapacities(caps)
		return nil
	}, slog)

	estimatesPoller := poller.New("estimates", cfg.VehRefresh, func(ctx context.Context) error {
		var ests []upstream.VehicleEstimates
		for _, v := range state.Vehicles() {
			vid := v.VehicleID
			est, st := estimatesCache.Get(ctx, strconv.Itoa(vid), func(ctx context.Context) ([]json.RawMessage, error) {
				res, err := transloc.Estimates(ctx, []int{vid})
				if err != nil {
					return nil, err
				}
				if len(res) == 0 {
					return nil, nil
				}
				return res[0].Estimates, nil
			})
			if st == cache.StateSeedFailed {
				continue
			}
			ests = append(ests, upstream.VehicleEstimates{VehicleID: vid, Estimates: est})
		}
		state.SetEstimates(ests)
		return nil
	}, slog)

	blocksPoller := poller.New("blocks", cfg.BlockRefresh,
		blocksRun(transloc, shifts, onDemand, state, loc, slog), slog)

	trailPoller := poller.New("vehicle_log", cfg.VehLogInterval, func(ctx context.Context) error {
		vs := state.Vehicles()
		fixes := make([]trail.Fix, 0, len(vs))
		for _, v := range vs {
			if v.IsStale {
				continue
			}
			fixes = append(fixes, trail.Fix{VehicleID: v.VehicleID, Lat: v.Lat, Lon: v.Lon})
		}
		trails.Record(fixes, time.Now())
		return trails.Persist()
	}, slog)

	pollers := []*poller.Poller{
		vehiclesPoller, routesPoller, stopsPoller, capacitiesPoller,
		estimatesPoller, blocksPoller, trailPoller,
	}

	// 7. Seed the catalog before serving: route shapes and stops rarely
	// change, and the request surface is useless without them. Seeding
	// retries with backoff but gives up after two minutes so a dead
	// upstream cannot hold the process down.
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 2*time.Minute)
	if cfg.TranslocBase != "" {
		if err := poller.Seed(seedCtx, "routes", routesPoller.Run, slog); err != nil {
			slog.Warnw("route seed gave up", "err", err)
		}
		if err := poller.Seed(seedCtx, "stops", stopsPoller.Run, slog); err != nil {
			slog.Warnw("stop seed gave up", "err", err)
		}
	}
	cancelSeed()

	for _, p := range pollers {
		p.Start()
	}

	// 8. HTTP request surface.
	gate := auth.NewGate(int(cfg.DispatchCookieMax.Seconds()), cfg.DispatchCookieSafe)
	gate.Refresh()

	srv := &api.Server{
		Log:           slog,
		State:         state,
		Tracker:       tracker,
		Store:         store,
		Mileage:       miles,
		Trails:        trails,
		Gate:          gate,
		CallLog:       callLog,
		APICallStream: apiCalls,
		TestmapStream: testmap,
		Pollers:       pollers,
		PollerName:    func(p *poller.Poller) string { return p.Name() },
		SyncSecret:    cfg.SyncSecret,
		Dirs:          cfg.DataDirs,
		Loc:           loc,
	}
	httpServer := &http.Server{Addr: *httpAddr, Handler: srv.Router()}

	go func() {
		slog.Infow("gateway listening", "addr", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Fatalw("listen", "addr", *httpAddr, "err", err)
		}
	}()

	// 9. Graceful shutdown: stop the pollers first so no tick is mid-flight,
	// flush durable state, then drain the HTTP server.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Infow("shutting down")
	for _, p := range pollers {
		p.Stop()
	}
	if err := miles.Persist(); err != nil {
		slog.Warnw("final mileage persist", "err", err)
	}
	if err := trails.Persist(); err != nil {
		slog.Warnw("final trail persist", "err", err)
	}
	if err := store.Close(); err != nil {
		slog.Warnw("headway store close", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Errorw("server shutdown", "err", err)
	}
	slog.Infow("gateway stopped")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// blocksRun builds the block poller body: calendar -> block groups, driver
// shifts, and OnDemand positions. A failed leg keeps its previous value so a
// flaky shift feed does not wipe the dispatch board.
func blocksRun(transloc *upstream.Transloc, shiftsClient *upstream.Shifts, onDemand *upstream.OnDemand,
	state *fusion.State, loc *time.Location, slog *zap.SugaredLogger) func(ctx context.Context) error {
	var (
		lastGroups    []upstream.BlockGroup
		lastShifts    []upstream.AssignedShift
		lastPositions []upstream.OnDemandPosition
	)
	return func(ctx context.Context) error {
		var firstErr error

		date := time.Now().In(loc).Format("2006-01-02")
		cal, err := transloc.ScheduleCalendar(ctx, date)
		if err == nil {
			ids := make([]int64, len(cal))
			for i, c := range cal {
				ids[i] = c.ScheduleVehicleCalendarID
			}
			var groups []upstream.BlockGroup
			if groups, err = transloc.BlockGroups(ctx, ids); err == nil {
				lastGroups = groups
			}
		}
		if err != nil {
			firstErr = err
		}

		if shiftsClient.URL != "" {
			if sh, err := shiftsClient.Fetch(ctx); err == nil {
				lastShifts = sh
			} else {
				slog.Warnw("shift fetch", "err", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if onDemand.PositionsURL != "" {
			if pos, err := onDemand.Positions(ctx); err == nil {
				lastPositions = pos
			} else {
				slog.Warnw("ondemand fetch", "err", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		state.SetBlockData(lastGroups, lastShifts, lastPositions)
		if firstErr != nil {
			state.SetError(firstErr)
		}
		return firstErr
	}
}

// stopPoints converts raw provider stops into headway stop points, attaching
// any configured approach sets by stop id.
func stopPoints(stops []upstream.Stop, sets map[string][]headway.ApproachSet) []headway.StopPoint {
	out := make([]headway.StopPoint, 0, len(stops))
	for _, s := range stops {
		sp := headway.StopPoint{
			StopID:         s.StopID.String(),
			AddressID:      s.AddressID.String(),
			Name:           s.StopName,
			Lat:            s.Latitude,
			Lon:            s.Longitude,
			ServesRouteIDs: make(map[string]struct{}, len(s.RouteIDs)),
			ApproachSets:   sets[s.StopID.String()],
		}
		for _, rid := range s.RouteIDs {
			sp.ServesRouteIDs[strconv.Itoa(rid)] = struct{}{}
		}
		out = append(out, sp)
	}
	return out
}
