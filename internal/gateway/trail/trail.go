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

// Package trail records sampled vehicle breadcrumbs: one bounded polyline
// per vehicle, thinned by a minimum-movement floor and pruned by a
// retention window.
package trail

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"transitgw/internal/gateway/geo"
	"transitgw/internal/gateway/persist"
)

// TrailsFile is the mirrored on-disk snapshot of all vehicle trails.
const TrailsFile = "vehicle_trails.json"

// Point is one breadcrumb.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	TS  int64   `json:"ts_ms"`
}

// Fix is the subset of a fused vehicle the logger samples.
type Fix struct {
	VehicleID int
	Lat       float64
	Lon       float64
}

// Logger accumulates trails in memory and snapshots them to the data dirs.
// Record is called from its own scheduled task, never from the fusion tick.
type Logger struct {
	MinMoveM  float64
	Retention time.Duration
	Dirs      []string

	mu     sync.Mutex
	trails map[string][]Point
	dirty  bool

	log *zap.SugaredLogger
}

// NewLogger loads any persisted snapshot from the first readable dir.
func NewLogger(minMoveM float64, retention time.Duration, dirs []string, log *zap.SugaredLogger) *Logger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	l := &Logger{
		MinMoveM:  minMoveM,
		Retention: retention,
		Dirs:      dirs,
		trails:    make(map[string][]Point),
		log:       log,
	}
	var saved map[string][]Point
	if err := persist.LoadJSON(dirs, TrailsFile, &saved); err != nil {
		if !persist.IsNotExist(err) {
			log.Warnw("trail snapshot load", "err", err)
		}
	} else if saved != nil {
		l.trails = saved
	}
	return l
}

// Record samples the given fixes at time now. A point is appended only when
// the vehicle moved at least MinMoveM since its last breadcrumb; points
// older than the retention window are pruned on the same pass.
func (l *Logger) Record(fixes []Fix, now time.Time) {
	cutoff := now.Add(-l.Retention).UnixMilli()
	ts := now.UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range fixes {
		if f.Lat == 0 && f.Lon == 0 {
			continue
		}
		key := strconv.Itoa(f.VehicleID)
		pts := l.trails[key]
		if n := len(pts); n > 0 {
			last := pts[n-1]
			if geo.Haversine(last.Lat, last.Lon, f.Lat, f.Lon) < l.MinMoveM {
				continue
			}
		}
		l.trails[key] = append(pts, Point{Lat: f.Lat, Lon: f.Lon, TS: ts})
		l.dirty = true
	}
	for key, pts := range l.trails {
		kept := prune(pts, cutoff)
		if len(kept) != len(pts) {
			l.dirty = true
		}
		if len(kept) == 0 {
			delete(l.trails, key)
			continue
		}
		l.trails[key] = kept
	}
}

func prune(pts []Point, cutoff int64) []Point {
	i := 0
	for i < len(pts) && pts[i].TS < cutoff {
		i++
	}
	return pts[i:]
}

// Trail returns the breadcrumbs for one vehicle with TS >= sinceMS,
// oldest first. A zero sinceMS returns the whole retained trail.
func (l *Logger) Trail(vehicleID string, sinceMS int64) []Point {
	l.mu.Lock()
	defer l.mu.Unlock()
	pts := l.trails[vehicleID]
	i := 0
	for i < len(pts) && pts[i].TS < sinceMS {
		i++
	}
	return append([]Point(nil), pts[i:]...)
}

// VehicleIDs returns the ids with at least one retained breadcrumb.
func (l *Logger) VehicleIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.trails))
	for k := range l.trails {
		out = append(out, k)
	}
	return out
}

// Persist mirrors the current snapshot to every data dir when anything
// changed since the last call.
func (l *Logger) Persist() error {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	snapshot := make(map[string][]Point, len(l.trails))
	for k, v := range l.trails {
		snapshot[k] = append([]Point(nil), v...)
	}
	l.dirty = false
	l.mu.Unlock()

	return persist.SaveJSON(l.Dirs, TrailsFile, snapshot, l.log)
}
