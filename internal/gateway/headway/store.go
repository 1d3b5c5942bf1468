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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store persists headway events partitioned by the calendar UTC date of
// their timestamp. Rows carry the durable subset of Event fields:
// timestamp, route, stop, vehicle, event type, headway and dwell seconds.
type Store interface {
	Append(ev Event) error
	// Range returns events with start <= timestamp < end, ascending.
	Range(start, end time.Time) ([]Event, error)
	// LatestBefore finds the newest event of the given type at stopID on
	// ts's UTC day strictly before ts. Empty routeID matches any route.
	LatestBefore(routeID, stopID string, typ EventType, ts time.Time) (time.Time, bool, error)
	// Clear deletes every day partition.
	Clear() error
	Close() error
}

// BuildStore constructs a Store from a string selector. Supported kinds:
//   - "csv": append-only files under <data dir>/headway/<YYYY-MM-DD>.csv,
//     mirrored across every data directory (default)
//   - "redis": one list per day at key headway:<YYYY-MM-DD>
func BuildStore(kind string, dirs []string, redisAddr string, log *zap.SugaredLogger) (Store, error) {
	switch kind {
	case "", "csv":
		return NewCSVStore(dirs, log), nil
	case "redis":
		if redisAddr == "" {
			return nil, fmt.Errorf("headway store %q requires REDIS_ADDR", kind)
		}
		return NewRedisStore(redisAddr), nil
	default:
		return nil, fmt.Errorf("unknown headway store kind: %s", kind)
	}
}

const dayLayout = "2006-01-02"

// encodeRow renders the persisted CSV row. No header; fields never contain
// commas so encoding stays a plain join.
func encodeRow(ev Event) string {
	return strings.Join([]string{
		ev.Timestamp.UTC().Format(time.RFC3339),
		ev.RouteID,
		ev.StopID,
		ev.VehicleID,
		string(ev.Type),
		formatOptSeconds(ev.HeadwayArrivalArrivalS),
		formatOptSeconds(ev.DwellS),
	}, ",")
}

func decodeRow(line string) (Event, error) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(parts) != 7 {
		return Event{}, fmt.Errorf("headway row has %d fields", len(parts))
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Event{}, fmt.Errorf("headway row timestamp: %w", err)
	}
	ev := Event{
		Timestamp: ts.UTC(),
		RouteID:   parts[1],
		StopID:    parts[2],
		VehicleID: parts[3],
		Type:      EventType(parts[4]),
	}
	ev.HeadwayArrivalArrivalS = parseOptSeconds(parts[5])
	ev.DwellS = parseOptSeconds(parts[6])
	return ev, nil
}

func formatOptSeconds(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func parseOptSeconds(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// daysBetween lists the UTC day strings touched by [start, end).
func daysBetween(start, end time.Time) []string {
	var days []string
	for d := start.UTC().Truncate(24 * time.Hour); d.Before(end.UTC()); d = d.Add(24 * time.Hour) {
		days = append(days, d.Format(dayLayout))
	}
	if len(days) == 0 {
		days = []string{start.UTC().Format(dayLayout)}
	}
	return days
}

func filterRange(evs []Event, start, end time.Time) []Event {
	out := evs[:0]
	for _, ev := range evs {
		if !ev.Timestamp.Before(start) && ev.Timestamp.Before(end) {
			out = append(out, ev)
		}
	}
	return out
}

func latestBefore(evs []Event, routeID, stopID string, typ EventType, ts time.Time) (time.Time, bool) {
	var best time.Time
	var found bool
	for _, ev := range evs {
		if ev.Type != typ || ev.StopID != stopID {
			continue
		}
		if routeID != "" && ev.RouteID != routeID {
			continue
		}
		if ev.Timestamp.Before(ts) && (!found || ev.Timestamp.After(best)) {
			best = ev.Timestamp
			found = true
		}
	}
	return best, found
}

// CSVStore appends rows to headway/<YYYY-MM-DD>.csv in every configured
// data directory and reads from the first directory that has a given day.
type CSVStore struct {
	dirs []string
	log  *zap.SugaredLogger
}

func NewCSVStore(dirs []string, log *zap.SugaredLogger) *CSVStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CSVStore{dirs: dirs, log: log}
}

func (s *CSVStore) Append(ev Event) error {
	day := ev.Timestamp.UTC().Format(dayLayout)
	line := encodeRow(ev) + "\n"
	var firstErr error
	for _, dir := range s.dirs {
		path := filepath.Join(dir, "headway", day+".csv")
		if err := appendLine(path, line); err != nil {
			s.log.Warnw("headway append failed", "path", path, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

// readDay loads one day partition from the first readable directory.
func (s *CSVStore) readDay(day string) []Event {
	for _, dir := range s.dirs {
		b, err := os.ReadFile(filepath.Join(dir, "headway", day+".csv"))
		if err != nil {
			continue
		}
		var evs []Event
		for _, line := range strings.Split(string(b), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			ev, err := decodeRow(line)
			if err != nil {
				// Skip the damaged row, keep the rest of the day.
				s.log.Warnw("skipping bad headway row", "day", day, "err", err)
				continue
			}
			evs = append(evs, ev)
		}
		return evs
	}
	return nil
}

func (s *CSVStore) Range(start, end time.Time) ([]Event, error) {
	var out []Event
	for _, day := range daysBetween(start, end) {
		out = append(out, filterRange(s.readDay(day), start, end)...)
	}
	return out, nil
}

func (s *CSVStore) LatestBefore(routeID, stopID string, typ EventType, ts time.Time) (time.Time, bool, error) {
	evs := s.readDay(ts.UTC().Format(dayLayout))
	t, ok := latestBefore(evs, routeID, stopID, typ, ts)
	return t, ok, nil
}

func (s *CSVStore) Clear() error {
	var firstErr error
	for _, dir := range s.dirs {
		if err := os.RemoveAll(filepath.Join(dir, "headway")); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *CSVStore) Close() error { return nil }

// RedisStore keeps one list per day at key headway:<YYYY-MM-DD>, each
// element a CSV row in the same format the file store uses.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

const redisOpTimeout = 5 * time.Second

func dayKey(day string) string { return "headway:" + day }

func (s *RedisStore) Append(ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	day := ev.Timestamp.UTC().Format(dayLayout)
	return s.client.RPush(ctx, dayKey(day), encodeRow(ev)).Err()
}

func (s *RedisStore) readDay(ctx context.Context, day string) ([]Event, error) {
	lines, err := s.client.LRange(ctx, dayKey(day), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var evs []Event
	for _, line := range lines {
		ev, err := decodeRow(line)
		if err != nil {
			continue
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

func (s *RedisStore) Range(start, end time.Time) ([]Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	var out []Event
	for _, day := range daysBetween(start, end) {
		evs, err := s.readDay(ctx, day)
		if err != nil {
			return nil, err
		}
		out = append(out, filterRange(evs, start, end)...)
	}
	return out, nil
}

func (s *RedisStore) LatestBefore(routeID, stopID string, typ EventType, ts time.Time) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	evs, err := s.readDay(ctx, ts.UTC().Format(dayLayout))
	if err != nil {
		return time.Time{}, false, err
	}
	t, ok := latestBefore(evs, routeID, stopID, typ, ts)
	return t, ok, nil
}

func (s *RedisStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	iter := s.client.Scan(ctx, 0, dayKey("*"), 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
