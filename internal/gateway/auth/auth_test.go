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

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func gateWithEnv(env ...string) *Gate {
	g := NewGate(3600, false)
	g.environ = func() []string { return env }
	g.Refresh()
	return g
}

func TestLogin_RoleResolution(t *testing.T) {
	g := gateWithEnv("NORTH_PASS=alpha", "NORTH_CAT_PASS=beta", "SOUTH_PASS=gamma")

	p, ok := g.Login("alpha")
	if !ok || p.Label != "NORTH" || p.AccessType != AccessPrimary {
		t.Fatalf("primary login: %+v %v", p, ok)
	}
	p, ok = g.Login("beta")
	if !ok || p.Label != "NORTH" || p.AccessType != AccessSecondary {
		t.Fatalf("secondary login: %+v %v", p, ok)
	}
	if _, ok := g.Login("nope"); ok {
		t.Fatalf("unknown password must fail")
	}
}

// The same secret under both roles resolves to the primary role.
func TestLogin_PrimaryWinsOnSharedSecret(t *testing.T) {
	g := gateWithEnv("A_CAT_PASS=shared", "B_PASS=shared")
	p, ok := g.Login("shared")
	if !ok || p.AccessType != AccessPrimary || p.Label != "B" {
		t.Fatalf("shared secret must resolve primary: %+v %v", p, ok)
	}
}

func TestMintVerify_RoundTrip(t *testing.T) {
	g := gateWithEnv("NORTH_PASS=alpha")
	value, ok := g.Mint(Principal{Label: "NORTH", AccessType: AccessPrimary})
	if !ok {
		t.Fatalf("mint failed")
	}
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 || parts[0] != "NORTH" || parts[1] != "primary" || len(parts[2]) != 64 {
		t.Fatalf("cookie shape: %q", value)
	}
	p := g.Verify(value)
	if p == nil || p.Label != "NORTH" || p.AccessType != AccessPrimary {
		t.Fatalf("verify: %+v", p)
	}
}

func TestVerify_RejectsTampering(t *testing.T) {
	g := gateWithEnv("NORTH_PASS=alpha", "NORTH_CAT_PASS=beta")
	value, _ := g.Mint(Principal{Label: "NORTH", AccessType: AccessPrimary})

	// Flip one byte of the hash suffix.
	tampered := []byte(value)
	last := len(tampered) - 1
	if tampered[last] == 'a' {
		tampered[last] = 'b'
	} else {
		tampered[last] = 'a'
	}
	if g.Verify(string(tampered)) != nil {
		t.Fatalf("tampered hash must not verify")
	}

	// Swap the access type while keeping the primary hash.
	parts := strings.SplitN(value, ":", 3)
	swapped := parts[0] + ":secondary:" + parts[2]
	if g.Verify(swapped) != nil {
		t.Fatalf("swapped access type must not verify")
	}

	if g.Verify("garbage") != nil {
		t.Fatalf("malformed value must not verify")
	}
}

// Legacy two-part cookies verify as the primary role.
func TestVerify_LegacyForm(t *testing.T) {
	g := gateWithEnv("NORTH_PASS=alpha")
	value, _ := g.Mint(Principal{Label: "NORTH", AccessType: AccessPrimary})
	parts := strings.SplitN(value, ":", 3)
	legacy := parts[0] + ":" + parts[2]
	p := g.Verify(legacy)
	if p == nil || p.AccessType != AccessPrimary {
		t.Fatalf("legacy cookie: %+v", p)
	}
}

// A rotated secret invalidates old cookies on the next check without a
// table rebuild call from the caller.
func TestVerify_PicksUpRotation(t *testing.T) {
	env := []string{"NORTH_PASS=alpha"}
	g := NewGate(3600, false)
	g.environ = func() []string { return env }
	g.Refresh()

	value, _ := g.Mint(Principal{Label: "NORTH", AccessType: AccessPrimary})
	if g.Verify(value) == nil {
		t.Fatalf("fresh cookie must verify")
	}
	env = []string{"NORTH_PASS=rotated"}
	if g.Verify(value) != nil {
		t.Fatalf("cookie minted from the old secret must die on rotation")
	}
}

func TestCookieLifecycle(t *testing.T) {
	g := gateWithEnv("NORTH_PASS=alpha")

	rec := httptest.NewRecorder()
	if !g.SetCookie(rec, Principal{Label: "NORTH", AccessType: AccessPrimary}) {
		t.Fatalf("set cookie failed")
	}
	res := rec.Result()
	cookies := res.Cookies()
	if len(cookies) != 1 || cookies[0].Name != CookieName || !cookies[0].HttpOnly {
		t.Fatalf("cookie attributes: %+v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	if p := g.FromRequest(req); p == nil || p.Label != "NORTH" {
		t.Fatalf("request principal: %+v", p)
	}

	rec = httptest.NewRecorder()
	g.ClearCookie(rec)
	if c := rec.Result().Cookies(); len(c) != 1 || c[0].MaxAge != -1 {
		t.Fatalf("clear cookie: %+v", c)
	}

	if g.FromRequest(httptest.NewRequest(http.MethodGet, "/", nil)) != nil {
		t.Fatalf("anonymous request must have no principal")
	}
}
