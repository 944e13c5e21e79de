// Copyright 2025 The Tempesta-Fwd Authors.
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

package frang

import (
	"sync"
	"sync/atomic"
	"time"
)

// Client is the per-source-IP classifier state: its ring buffer and a
// reference to the shared blocklist its Sessions consult/populate.
type Client struct {
	ip        string
	cfg       Config
	ring      Ring
	blocklist Blocklist

	openConns atomic.Int64
}

// NewSession starts classifying a new request from this client.
func (c *Client) NewSession(now time.Time) *Session {
	return newSession(c, now)
}

// Blocked reports whether this client's IP is currently blocklisted.
func (c *Client) Blocked() bool { return c.blocklist.Blocked(c.ip) }

// OnConnect records one newly opened connection from this client and
// returns the resulting count of connections currently open (§6
// "concurrent_connections"). Call once per accepted connection, before its
// first request's Session.Start.
func (c *Client) OnConnect() int64 { return c.openConns.Add(1) }

// OnDisconnect records one of this client's connections closing. Wire it
// to the owning CliConn's destroy hook so the count stays accurate across
// the connection's lifetime.
func (c *Client) OnDisconnect() { c.openConns.Add(-1) }

// OpenConnections reports this client's current open-connection count.
func (c *Client) OpenConnections() int64 { return c.openConns.Load() }

// Limiter is the process-wide (or per-vhost) registry of per-client Frang
// state, keyed by source IP (§4.F: "per-client accounting"). A single
// Limiter instance is typically shared by one ServerGroup or vhost;
// multiple Limiters may share one Blocklist.
type Limiter struct {
	cfg       Config
	blocklist Blocklist

	mu      sync.Mutex
	clients map[string]*Client
}

// NewLimiter constructs a Limiter applying cfg to every client, using
// blocklist for ip_block (pass a *LocalBlocklist if no shared store is
// configured).
func NewLimiter(cfg Config, blocklist Blocklist) *Limiter {
	if blocklist == nil {
		blocklist = NewLocalBlocklist(0)
	}
	return &Limiter{cfg: cfg, blocklist: blocklist, clients: make(map[string]*Client)}
}

// ClientFor returns this IP's Client, creating it on first sight.
func (l *Limiter) ClientFor(ip string) *Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[ip]
	if !ok {
		c = &Client{ip: ip, cfg: l.cfg, blocklist: l.blocklist}
		l.clients[ip] = c
	}
	return c
}

// Blocked is a convenience that skips Client creation for a lookup-only
// check (e.g. at connection accept time, before any Frang session runs).
func (l *Limiter) Blocked(ip string) bool {
	return l.blocklist.Blocked(ip)
}
