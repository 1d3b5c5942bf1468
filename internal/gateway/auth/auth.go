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

// Package auth implements the dispatcher credential gate. Credentials live
// in the process environment as <LABEL>_PASS (primary role) and
// <LABEL>_CAT_PASS (secondary role); the table is rebuilt from the
// environment before every check so rotated secrets take effect without a
// restart.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
)

// AccessType is the role class a credential grants.
type AccessType string

const (
	AccessPrimary   AccessType = "primary"
	AccessSecondary AccessType = "secondary"
)

// Principal identifies an authenticated dispatcher session.
type Principal struct {
	Label      string     `json:"label"`
	AccessType AccessType `json:"access_type"`
}

// CookieName carries the minted session value.
const CookieName = "dispatcher_auth"

const (
	passSuffix    = "_PASS"
	catPassSuffix = "_CAT_PASS"
)

type credential struct {
	label  string
	access AccessType
	secret string
}

// Gate holds the credential table and cookie policy.
type Gate struct {
	// CookieMaxAge and CookieSecure come from configuration.
	CookieMaxAge int
	CookieSecure bool

	mu    sync.Mutex
	creds []credential

	// environ is swappable for tests; defaults to os.Environ.
	environ func() []string
}

func NewGate(maxAge int, secure bool) *Gate {
	return &Gate{CookieMaxAge: maxAge, CookieSecure: secure, environ: os.Environ}
}

// Refresh rebuilds the credential table from the environment. Primary
// credentials sort ahead of secondary ones so a secret present under both
// roles resolves to the primary.
func (g *Gate) Refresh() {
	env := g.environ()
	var creds []credential
	for _, kv := range env {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, secret := kv[:eq], kv[eq+1:]
		if secret == "" {
			continue
		}
		switch {
		case strings.HasSuffix(key, catPassSuffix):
			label := strings.TrimSuffix(key, catPassSuffix)
			if label != "" {
				creds = append(creds, credential{label: label, access: AccessSecondary, secret: secret})
			}
		case strings.HasSuffix(key, passSuffix):
			label := strings.TrimSuffix(key, passSuffix)
			if label != "" {
				creds = append(creds, credential{label: label, access: AccessPrimary, secret: secret})
			}
		}
	}
	sort.SliceStable(creds, func(i, j int) bool {
		if creds[i].access != creds[j].access {
			return creds[i].access == AccessPrimary
		}
		return creds[i].label < creds[j].label
	})

	g.mu.Lock()
	g.creds = creds
	g.mu.Unlock()
}

// Login checks password against every known secret in constant time per
// candidate and returns the matched principal. Primary matches win over
// secondary ones for the same secret.
func (g *Gate) Login(password string) (Principal, bool) {
	g.Refresh()
	g.mu.Lock()
	creds := g.creds
	g.mu.Unlock()

	want := sha256.Sum256([]byte(password))
	for _, c := range creds {
		have := sha256.Sum256([]byte(c.secret))
		if subtle.ConstantTimeCompare(want[:], have[:]) == 1 {
			return Principal{Label: c.label, AccessType: c.access}, true
		}
	}
	return Principal{}, false
}

// cookieHash derives the verifier for one (label, access) pair.
func cookieHash(label string, access AccessType, secret string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("dispatcher::%s:%s:%s", label, access, secret)))
	return hex.EncodeToString(sum[:])
}

// Mint builds the cookie value for a principal: "label:type:hash".
func (g *Gate) Mint(p Principal) (string, bool) {
	g.mu.Lock()
	creds := g.creds
	g.mu.Unlock()
	for _, c := range creds {
		if c.label == p.Label && c.access == p.AccessType {
			return fmt.Sprintf("%s:%s:%s", p.Label, p.AccessType, cookieHash(p.Label, p.AccessType, c.secret)), true
		}
	}
	return "", false
}

// Verify parses and checks a cookie value. Three-part values name their
// access type; two-part values are the legacy primary-only form.
func (g *Gate) Verify(value string) *Principal {
	g.Refresh()
	g.mu.Lock()
	creds := g.creds
	g.mu.Unlock()

	parts := strings.SplitN(value, ":", 3)
	var label, hash string
	var access AccessType
	switch len(parts) {
	case 3:
		label, access, hash = parts[0], AccessType(parts[1]), parts[2]
		if access != AccessPrimary && access != AccessSecondary {
			return nil
		}
	case 2:
		label, access, hash = parts[0], AccessPrimary, parts[1]
	default:
		return nil
	}

	for _, c := range creds {
		if c.label != label || c.access != access {
			continue
		}
		expected := cookieHash(label, access, c.secret)
		if subtle.ConstantTimeCompare([]byte(hash), []byte(expected)) == 1 {
			return &Principal{Label: label, AccessType: access}
		}
	}
	return nil
}

// SetCookie mints and attaches the session cookie for p.
func (g *Gate) SetCookie(w http.ResponseWriter, p Principal) bool {
	value, ok := g.Mint(p)
	if !ok {
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   g.CookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   g.CookieSecure,
	})
	return true
}

// ClearCookie expires the session cookie.
func (g *Gate) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   g.CookieSecure,
	})
}

// FromRequest resolves the request's principal, nil when anonymous.
func (g *Gate) FromRequest(r *http.Request) *Principal {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	return g.Verify(c.Value)
}
