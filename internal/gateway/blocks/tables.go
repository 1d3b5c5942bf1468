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

// Package blocks resolves which driver is on which vehicle right now. It
// joins the dispatch block-group schedule against the driver-shift feed,
// splitting interlined blocks (one crew covering two blocks, "[20]/[10]")
// into their constituents and picking the sub-block that matches the
// vehicle's current route.
package blocks

import (
	"regexp"
	"strings"
)

// routeBlockRule maps a route-name keyword to the blocks that may serve it.
// Preferred lists the dedicated subset checked before the shared pool.
type routeBlockRule struct {
	keyword   string
	allowed   []string
	preferred []string
}

// routeBlockRules is authoritative; order matters because route names are
// matched by substring and "gold" must not fall through to another rule.
var routeBlockRules = []routeBlockRule{
	{keyword: "green", allowed: []string{"01", "02"}},
	{keyword: "night pilot", allowed: []string{"03", "04"}},
	{keyword: "orange", allowed: []string{"05", "06", "07", "08"}},
	{keyword: "gold", allowed: []string{"09", "10", "11", "12"}},
	{keyword: "yellow", allowed: []string{"09", "10", "11", "12"}},
	{keyword: "silver", allowed: []string{"13", "14"}},
	{keyword: "blue",
		allowed:   []string{"15", "16", "17", "18", "20", "21", "22", "23", "24", "25", "26"},
		preferred: []string{"15", "16", "17", "18"}},
	{keyword: "red", allowed: []string{"20", "21", "22", "23", "24", "25", "26"}},
}

// RouteBlocks returns the allowed and preferred block numbers for a route
// name, or nils when no rule matches.
func RouteBlocks(routeName string) (allowed, preferred []string) {
	name := strings.ToLower(routeName)
	for _, rule := range routeBlockRules {
		if strings.Contains(name, rule.keyword) {
			return rule.allowed, rule.preferred
		}
	}
	return nil, nil
}

// interlinedAliases converts raw single-block labels the dispatch feed still
// uses to their canonical interlined forms.
var interlinedAliases = map[string]string{
	"[01]":    "[01]/[04]",
	"[03]":    "[05]/[03]",
	"[04]":    "[01]/[04]",
	"[05]":    "[05]/[03]",
	"[06]":    "[22]/[06]",
	"[10]":    "[20]/[10]",
	"[15]":    "[26]/[15]",
	"[16] AM": "[21]/[16] AM",
	"[17]":    "[23]/[17]",
	"[18] AM": "[24]/[18] AM",
	"[20] AM": "[20]/[10]",
	"[21] AM": "[21]/[16] AM",
	"[22] AM": "[22]/[06]",
	"[23]":    "[23]/[17]",
	"[24] AM": "[24]/[18] AM",
	"[26] AM": "[26]/[15]",
}

// CanonicalLabel resolves a raw dispatch block label through the alias table.
func CanonicalLabel(raw string) string {
	raw = strings.TrimSpace(raw)
	if canon, ok := interlinedAliases[raw]; ok {
		return canon
	}
	return raw
}

var bracketNumRe = regexp.MustCompile(`\[(\d+)\]`)

// SplitInterlined extracts the constituent block numbers of a label,
// zero-padded to two digits: "[21]/[16] AM" -> ["21","16"], "" -> [].
func SplitInterlined(label string) []string {
	matches := bracketNumRe.FindAllStringSubmatch(label, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		n := m[1]
		if len(n) == 1 {
			n = "0" + n
		}
		out = append(out, n)
	}
	return out
}

// ampmBlocks are the block numbers requiring am/pm disambiguation; a crew
// change at midday reuses the same number.
func needsPeriod(block string) bool {
	return block >= "20" && block <= "26"
}

// labelPeriod reads an explicit " AM"/" PM" suffix off a block label.
func labelPeriod(label string) Period {
	upper := strings.ToUpper(strings.TrimSpace(label))
	switch {
	case strings.HasSuffix(upper, " AM"):
		return PeriodAM
	case strings.HasSuffix(upper, " PM"):
		return PeriodPM
	default:
		return PeriodAny
	}
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
