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

package geo

import "errors"

// ErrTruncatedPolyline reports an encoded polyline that ends mid-value.
var ErrTruncatedPolyline = errors.New("geo: truncated encoded polyline")

// DecodePolyline decodes a Google-encoded polyline string into coordinates.
//
// The encoding packs signed lat/lon deltas at 1e-5 precision: each value is
// zig-zag encoded, split into 5-bit chunks low-to-high, each chunk offset by
// 63, with bit 0x20 marking continuation.
func DecodePolyline(enc string) ([]LatLon, error) {
	var pts []LatLon
	var lat, lon int64
	i := 0
	readValue := func() (int64, error) {
		var result int64
		var shift uint
		for {
			if i >= len(enc) {
				return 0, ErrTruncatedPolyline
			}
			b := int64(enc[i]) - 63
			i++
			result |= (b & 0x1f) << shift
			shift += 5
			if b < 0x20 {
				break
			}
		}
		// Undo zig-zag.
		if result&1 != 0 {
			return ^(result >> 1), nil
		}
		return result >> 1, nil
	}
	for i < len(enc) {
		dLat, err := readValue()
		if err != nil {
			return nil, err
		}
		dLon, err := readValue()
		if err != nil {
			return nil, err
		}
		lat += dLat
		lon += dLon
		pts = append(pts, LatLon{Lat: float64(lat) / 1e5, Lon: float64(lon) / 1e5})
	}
	return pts, nil
}
