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
	"net/url"
	"strconv"
	"strings"
	"time"

	"transitgw/internal/gateway/geo"
)

const (
	// bboxPaddingDeg is ~100m of padding around the route's bounding box.
	bboxPaddingDeg = 0.001
	// nodeMatchRadiusM is the nearest-node cutoff for stamping a segment.
	nodeMatchRadiusM = 50.0
	// defaultCapMph applies when no tagged way is near a segment.
	defaultCapMph = 25.0

	mphToMps = 0.44704
	kmhToMps = 1.0 / 3.6
)

// RoadMetadata carries per-segment speed caps and road names for a polyline.
// Both slices have len(polyline)-1 entries.
type RoadMetadata struct {
	SegmentCapsMps []float64
	SegmentNames   []string
}

// Overpass fetches speed-limit and road-name tags for route shapes.
type Overpass struct {
	Endpoint string
	HTTP     *http.Client
	Observe  CallObserver
}

type overpassElement struct {
	Type  string            `json:"type"`
	ID    int64             `json:"id"`
	Lat   float64           `json:"lat"`
	Lon   float64           `json:"lon"`
	Nodes []int64           `json:"nodes"`
	Tags  map[string]string `json:"tags"`
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

// RoadMetadata queries ways tagged with maxspeed inside the polyline's
// padded bounding box and stamps each segment by its nearest tagged node
// within 50 m. Unmatched segments get the 25 mph default.
func (o *Overpass) RoadMetadata(ctx context.Context, pts []geo.LatLon) (RoadMetadata, error) {
	meta := defaultMetadata(len(pts))
	if len(pts) < 2 || o.Endpoint == "" {
		return meta, nil
	}

	minLat, maxLat := pts[0].Lat, pts[0].Lat
	minLon, maxLon := pts[0].Lon, pts[0].Lon
	for _, p := range pts[1:] {
		if p.Lat < minLat {
			minLat = p.Lat
		}
		if p.Lat > maxLat {
			maxLat = p.Lat
		}
		if p.Lon < minLon {
			minLon = p.Lon
		}
		if p.Lon > maxLon {
			maxLon = p.Lon
		}
	}
	query := fmt.Sprintf(
		`[out:json][timeout:25];way["maxspeed"](%f,%f,%f,%f);(._;>;);out body;`,
		minLat-bboxPaddingDeg, minLon-bboxPaddingDeg, maxLat+bboxPaddingDeg, maxLon+bboxPaddingDeg)

	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return meta, &Error{Kind: Transient, Source: "overpass", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := o.HTTP.Do(req)
	rec := CallRecord{Timestamp: start.UTC(), URL: o.Endpoint}
	if err != nil {
		rec.Elapsed = time.Since(start).Seconds()
		rec.Err = err.Error()
		o.observe(rec)
		return meta, &Error{Kind: Transient, Source: "overpass", Err: err}
	}
	defer resp.Body.Close()
	rec.Status = resp.StatusCode
	rec.Elapsed = time.Since(start).Seconds()
	o.observe(rec)
	if err := classifyStatus("overpass", resp.StatusCode); err != nil {
		return meta, err
	}

	var body overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return meta, &Error{Kind: BadPayload, Source: "overpass", Err: err}
	}
	stampSegments(&meta, pts, body.Elements)
	return meta, nil
}

func (o *Overpass) observe(rec CallRecord) {
	if o.Observe != nil {
		o.Observe(rec)
	}
}

func defaultMetadata(nPts int) RoadMetadata {
	n := nPts - 1
	if n < 0 {
		n = 0
	}
	meta := RoadMetadata{
		SegmentCapsMps: make([]float64, n),
		SegmentNames:   make([]string, n),
	}
	for i := range meta.SegmentCapsMps {
		meta.SegmentCapsMps[i] = defaultCapMph * mphToMps
	}
	return meta
}

// taggedNode is a way node annotated with its way's speed cap and name.
type taggedNode struct {
	pos  geo.LatLon
	cap  float64
	name string
}

func stampSegments(meta *RoadMetadata, pts []geo.LatLon, elements []overpassElement) {
	nodePos := make(map[int64]geo.LatLon)
	for _, el := range elements {
		if el.Type == "node" {
			nodePos[el.ID] = geo.LatLon{Lat: el.Lat, Lon: el.Lon}
		}
	}
	var tagged []taggedNode
	for _, el := range elements {
		if el.Type != "way" {
			continue
		}
		capMps, ok := parseMaxspeed(el.Tags["maxspeed"])
		if !ok {
			continue
		}
		name := el.Tags["name"]
		for _, nid := range el.Nodes {
			if pos, ok := nodePos[nid]; ok {
				tagged = append(tagged, taggedNode{pos: pos, cap: capMps, name: name})
			}
		}
	}
	if len(tagged) == 0 {
		return
	}

	for i := 0; i < len(pts)-1; i++ {
		mid := geo.LatLon{
			Lat: (pts[i].Lat + pts[i+1].Lat) / 2,
			Lon: (pts[i].Lon + pts[i+1].Lon) / 2,
		}
		best := -1
		bestDist := nodeMatchRadiusM
		for j, tn := range tagged {
			d := geo.Haversine(mid.Lat, mid.Lon, tn.pos.Lat, tn.pos.Lon)
			if d <= bestDist {
				best = j
				bestDist = d
			}
		}
		if best >= 0 {
			meta.SegmentCapsMps[i] = tagged[best].cap
			meta.SegmentNames[i] = tagged[best].name
		}
	}
}

// parseMaxspeed reads an OSM maxspeed tag as mph, converting when the value
// carries a km/h suffix. Unparseable tags are skipped.
func parseMaxspeed(tag string) (float64, bool) {
	tag = strings.TrimSpace(strings.ToLower(tag))
	if tag == "" {
		return 0, false
	}
	kmh := false
	switch {
	case strings.HasSuffix(tag, "mph"):
		tag = strings.TrimSpace(strings.TrimSuffix(tag, "mph"))
	case strings.HasSuffix(tag, "km/h"):
		tag = strings.TrimSpace(strings.TrimSuffix(tag, "km/h"))
		kmh = true
	case strings.HasSuffix(tag, "kmh"):
		tag = strings.TrimSpace(strings.TrimSuffix(tag, "kmh"))
		kmh = true
	}
	v, err := strconv.ParseFloat(tag, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	if kmh {
		return v * kmhToMps, true
	}
	return v * mphToMps, true
}
