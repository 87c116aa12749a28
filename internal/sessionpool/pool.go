// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package sessionpool maintains one persistent HTTP client per upstream
// base URL.
//
// Upstreams of interest sit behind challenge layers that issue a clearance
// cookie after the first request from a fresh cookie jar. A new client per
// request would re-trigger the challenge every time, so sessions are shared
// process-wide: the jar, the keep-alive connections and the TLS state all
// accumulate on the one client for each upstream.
package sessionpool

import (
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Session is the persistent outbound client for one upstream base URL.
// Cookie state is owned by the session and shared by every request routed
// through it; the http.Client's own synchronization makes that safe.
type Session struct {
	baseURL string
	client  *http.Client
}

// BaseURL returns the upstream base URL the session is keyed by.
func (s *Session) BaseURL() string { return s.baseURL }

// Do issues the request on the persistent client. Transport errors surface
// here, not at the pool.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	return s.client.Do(req)
}

// Pool owns all sessions for the process lifetime. Safe for concurrent use.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	responseTimeout time.Duration
}

// NewPool creates an empty pool. responseTimeout bounds a full upstream
// exchange including body read; zero means routeapi.DefaultResponseTimeout
// should have been applied by the caller, so it is used verbatim here.
func NewPool(responseTimeout time.Duration) *Pool {
	return &Pool{
		sessions:        make(map[string]*Session),
		responseTimeout: responseTimeout,
	}
}

// Get returns the one session for the given base URL, creating it on first
// use. Concurrent first calls for the same URL create exactly one session.
func (p *Pool) Get(baseURL string) (*Session, error) {
	p.mu.RLock()
	s, ok := p.sessions[baseURL]
	p.mu.RUnlock()
	if ok {
		return s, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check: another caller may have created the session while we waited
	// for the write lock.
	if s, ok = p.sessions[baseURL]; ok {
		return s, nil
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 32
	transport.IdleConnTimeout = 90 * time.Second

	s = &Session{
		baseURL: baseURL,
		client: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   p.responseTimeout,
		},
	}
	p.sessions[baseURL] = s
	return s, nil
}

// Shutdown drains every session, releasing idle connections. Cookie state
// is discarded with the process.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.client.CloseIdleConnections()
	}
	p.sessions = make(map[string]*Session)
}
