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

// Package httpclient owns the single long-lived outbound HTTP client shared
// by every poller. Connections are pooled and bounded; per-call deadlines
// come from the request context, so no upstream can hang a poller forever.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const (
	connectTimeout = 5 * time.Second
	readTimeout    = 20 * time.Second

	maxConns          = 200
	maxIdleConns      = 20
	idleConnKeepAlive = 90 * time.Second
)

// New returns the pooled outbound client. Callers must still bound each call
// with a context deadline; ReadTimeout is the hard per-call ceiling.
func New() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       maxConns,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnKeepAlive,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   readTimeout,
	}
}

// Close releases idle pooled connections. Called once at shutdown.
func Close(c *http.Client) {
	if t, ok := c.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
