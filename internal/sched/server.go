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

// Package sched resolves an outgoing request to a (server, connection)
// pair using round-robin or rendezvous-hash (HRW) (§4.D); the HTTP
// rule-table lives in internal/rules and is evaluated by internal/engine
// before a group is picked. It never parses bytes or owns transport state; it
// only holds *conn.SrvConn references handed to it by configuration.
package sched

import (
	"sync"
	"sync/atomic"

	"github.com/tempesta/tempesta-fwd/internal/conn"
	"github.com/tempesta/tempesta-fwd/internal/msg"
)

// SchedKind selects the connection-selecting policy bound to a ServerGroup.
type SchedKind int

const (
	SchedRoundRobin SchedKind = iota
	SchedHash
)

// StickyMode is the ServerGroup's sticky-session policy (§3).
type StickyMode int

const (
	StickyOff StickyMode = iota
	StickyOn
	StickyOnFailover
)

// Server is one upstream peer: its address, its connections, and the
// scheduler-private counters used to pick among them (§3 "Server").
type Server struct {
	Addr  string
	Group *ServerGroup

	mu          sync.Mutex
	conns       []*conn.SrvConn
	connHashes  []uint64 // parallel to conns; precomputed conn_hash (§4.D hash)
	rrCounter   atomic.Uint64
}

// NewServer constructs a Server bound to addr within group.
func NewServer(addr string, group *ServerGroup) *Server {
	return &Server{Addr: addr, Group: group}
}

// AddConn registers c as one of this server's connections, precomputing its
// conn_hash from the peer address and connection index (§4.D "Hash").
func (s *Server) AddConn(c *conn.SrvConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.conns)
	s.conns = append(s.conns, c)
	s.connHashes = append(s.connHashes, msg.HashString(s.Addr)^uint64(idx))
}

func (s *Server) snapshot() ([]*conn.SrvConn, []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*conn.SrvConn, len(s.conns))
	hashes := make([]uint64, len(s.connHashes))
	copy(conns, s.conns)
	copy(hashes, s.connHashes)
	return conns, hashes
}

// ServerGroup is a named pool of servers sharing a scheduling policy and
// forwarding policy (§3 "ServerGroup").
type ServerGroup struct {
	Name           string
	Policy         conn.Policy
	Sched          SchedKind
	StickySessions StickyMode

	mu         sync.Mutex
	servers    []*Server
	srvCounter atomic.Uint64
}

// NewServerGroup constructs an empty group with the given policy.
func NewServerGroup(name string, policy conn.Policy, sched SchedKind) *ServerGroup {
	return &ServerGroup{Name: name, Policy: policy, Sched: sched}
}

// AddServer registers srv in the group.
func (g *ServerGroup) AddServer(srv *Server) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.servers = append(g.servers, srv)
}

func (g *ServerGroup) snapshot() []*Server {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Server, len(g.servers))
	copy(out, g.servers)
	return out
}

// msgHash computes §4.D's msg_hash = H(uri) XOR method XOR H(host), the
// stable per-request key the hash scheduler's per-connection HRW pass
// scores connections with.
func msgHash(req *msg.Request) uint64 {
	return msg.Hash(req.URI) ^ uint64(req.Method) ^ msg.Hash(req.Host)
}
