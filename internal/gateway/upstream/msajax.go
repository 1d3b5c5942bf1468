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
	"fmt"
	"regexp"
	"strconv"
)

// msajaxRe matches the Microsoft-AJAX date form /Date(<ms>[±HHMM])/.
var msajaxRe = regexp.MustCompile(`^/Date\((-?\d+)(?:([+-])(\d{2})(\d{2}))?\)/$`)

// ParseMSAjax extracts epoch milliseconds from a Microsoft-AJAX date string,
// applying the signed HHMM offset as minutes: ms + sign*(HH*60+MM)*60000.
// A missing offset yields the base milliseconds unchanged.
func ParseMSAjax(s string) (int64, error) {
	m := msajaxRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("not an MS-AJAX date: %q", s)
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("MS-AJAX milliseconds overflow: %q", s)
	}
	if m[2] == "" {
		return ms, nil
	}
	hh, _ := strconv.ParseInt(m[3], 10, 64)
	mm, _ := strconv.ParseInt(m[4], 10, 64)
	offset := (hh*60 + mm) * 60000
	if m[2] == "-" {
		offset = -offset
	}
	return ms + offset, nil
}
