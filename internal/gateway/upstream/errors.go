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

// Package upstream talks to every data provider the gateway polls: the
// AVL/TransLoc feed, the Overpass road-metadata endpoint, the
// driver-scheduling feed, and the on-demand paratransit feed. Each endpoint
// has one parser entry returning strongly-typed records; unknown fields are
// dropped at decode time.
package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an upstream failure for policy decisions at the call site.
type Kind int

const (
	// Transient covers timeouts, connect errors, and 5xx responses. The
	// cached value is kept and the poller retries on its next interval.
	Transient Kind = iota
	// BadPayload covers schema or type mismatches. The offending record is
	// skipped; the batch continues.
	BadPayload
	// Unauthorized covers 401/403 from a provider, usually a key problem.
	Unauthorized
	// NotFound covers 404s and other 4xx.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case BadPayload:
		return "bad_payload"
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the tagged error every fetcher returns.
type Error struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, defaulting to Transient for anything
// unclassified (network-level failures arrive as plain errors).
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return Transient
}

func classifyStatus(source string, status int) error {
	switch {
	case status >= 500:
		return &Error{Kind: Transient, Source: source, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: Unauthorized, Source: source, Err: fmt.Errorf("status %d", status)}
	case status >= 400:
		return &Error{Kind: NotFound, Source: source, Err: fmt.Errorf("status %d", status)}
	default:
		return nil
	}
}
