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

// Package config loads the gateway's environment-driven configuration once at
// startup. Every knob has a default; a missing environment is a valid (if
// mostly idle) deployment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized environment knob.
type Config struct {
	// Upstream endpoints.
	TranslocBase   string
	TranslocKey    string
	OverpassEP     string
	ShiftsURL      string
	OnDemandURL    string
	OnDemandCookie string

	// Poll intervals.
	VehRefresh   time.Duration
	RouteRefresh time.Duration
	BlockRefresh time.Duration

	// Freshness and fusion tuning.
	StaleFix       time.Duration
	RouteGrace     time.Duration
	VehicleStale   time.Duration
	EMAAlpha       float64
	MinSpeedFloor  float64
	MaxSpeedCeil   float64
	HeadingJitterM float64

	// Vehicle trail logger.
	VehLogInterval  time.Duration
	VehLogMinMoveM  float64
	VehLogRetention time.Duration

	// Persistence. DataDirs is the colon-separated DATA_DIRS list; the
	// first entry is the primary read path.
	DataDirs []string

	// Headway event store backend: "csv" (default) or "redis".
	HeadwayStore string
	RedisAddr    string

	// Replication and auth.
	SyncSecret         string
	DispatchCookieMax  time.Duration
	DispatchCookieSafe bool
}

// FromEnv reads the process environment and applies defaults.
func FromEnv() Config {
	return Config{
		TranslocBase:   envStr("TRANSLOC_BASE", ""),
		TranslocKey:    envStr("TRANSLOC_KEY", ""),
		OverpassEP:     envStr("OVERPASS_EP", "https://overpass-api.de/api/interpreter"),
		ShiftsURL:      envStr("SHIFTS_URL", ""),
		OnDemandURL:    envStr("ONDEMAND_URL", ""),
		OnDemandCookie: envStr("ONDEMAND_COOKIE", ""),

		VehRefresh:   envSeconds("VEH_REFRESH_S", 5),
		RouteRefresh: envSeconds("ROUTE_REFRESH_S", 60),
		BlockRefresh: envSeconds("BLOCK_REFRESH_S", 30),

		StaleFix:       envSeconds("STALE_FIX_S", 90),
		RouteGrace:     envSeconds("ROUTE_GRACE_S", 60),
		VehicleStale:   envSeconds("VEHICLE_STALE_THRESHOLD_S", 3600),
		EMAAlpha:       envFloat("EMA_ALPHA", 0.40),
		MinSpeedFloor:  envFloat("MIN_SPEED_FLOOR", 1.2),
		MaxSpeedCeil:   envFloat("MAX_SPEED_CEIL", 22.0),
		HeadingJitterM: envFloat("HEADING_JITTER_M", 3.0),

		VehLogInterval:  envSeconds("VEH_LOG_INTERVAL_S", 4),
		VehLogMinMoveM:  envFloat("VEH_LOG_MIN_MOVE_M", 3),
		VehLogRetention: envMillis("VEH_LOG_RETENTION_MS", 7*24*time.Hour),

		DataDirs: splitDirs(envStr("DATA_DIRS", "/data")),

		HeadwayStore: envStr("HEADWAY_STORE", "csv"),
		RedisAddr:    envStr("REDIS_ADDR", ""),

		SyncSecret:         envStr("SYNC_SECRET", ""),
		DispatchCookieMax:  envSeconds("DISPATCH_COOKIE_MAX_AGE", 7*24*3600),
		DispatchCookieSafe: envBool("DISPATCH_COOKIE_SECURE", false),
	}
}

// PrimaryDataDir returns the first configured data directory.
func (c Config) PrimaryDataDir() string {
	if len(c.DataDirs) == 0 {
		return "/data"
	}
	return c.DataDirs[0]
}

func splitDirs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ":") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"/data"}
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envSeconds(key string, defSeconds float64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return time.Duration(defSeconds * float64(time.Second))
}

func envMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
