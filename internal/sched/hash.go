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

package sched

import (
	"fmt"
	"sync"

	"github.com/dgryski/go-rendezvous"

	"github.com/tempesta/tempesta-fwd/internal/conn"
	"github.com/tempesta/tempesta-fwd/internal/msg"
)

// HashScheduler is the §4.D "hash" / rendezvous scheduler. It is two
// layers: go-rendezvous picks a stable *server* for a request key (the
// library's HRW ring is a natural fit for "which upstream owns this key"
// and keeps membership changes cheap — P6), and a second, purely local
// HRW pass picks the connection within that server using the spec's own
// comparator (msg_hash XOR conn_hash, ties broken toward the higher
// index) so the documented tie-break rule is never delegated to the
// library's internal scoring.
type HashScheduler struct {
	group *ServerGroup

	mu      sync.Mutex
	ring    *rendezvous.Rendezvous
	byAddr  map[string]*Server
	servers []*Server
}

// NewHashScheduler builds a HashScheduler over group's current server
// list. Servers added later must go through refreshServer (wired
// automatically by Registry.AddConn).
func NewHashScheduler(group *ServerGroup) *HashScheduler {
	hs := &HashScheduler{group: group, byAddr: make(map[string]*Server)}
	hs.rebuild()
	return hs
}

func (hs *HashScheduler) rebuild() {
	servers := hs.group.snapshot()
	addrs := make([]string, 0, len(servers))
	byAddr := make(map[string]*Server, len(servers))
	for _, srv := range servers {
		addrs = append(addrs, srv.Addr)
		byAddr[srv.Addr] = srv
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.servers = servers
	hs.byAddr = byAddr
	hs.ring = rendezvous.New(addrs, msg.HashString)
}

// refreshServer is called whenever a connection (and therefore possibly a
// brand new server) is added to the group; it is cheap to just rebuild
// the whole ring rather than try to diff it.
func (hs *HashScheduler) refreshServer(_ *Server) {
	hs.rebuild()
}

// requestKey is the rendezvous lookup key: host plus URI, the same
// identity a sticky cache would partition on.
func requestKey(req *msg.Request) string {
	return fmt.Sprintf("%s%s", req.Host.Bytes(), req.URI.Bytes())
}

// Pick implements ConnScheduler: resolve the owning server via the
// rendezvous ring, then the connection within it via HRW (§4.D "hash").
func (hs *HashScheduler) Pick(req *msg.Request) (*conn.SrvConn, bool) {
	hs.mu.Lock()
	ring := hs.ring
	byAddr := hs.byAddr
	hs.mu.Unlock()
	if ring == nil || len(byAddr) == 0 {
		return nil, false
	}

	addr := ring.Lookup(requestKey(req))
	srv, ok := byAddr[addr]
	if !ok {
		return nil, false
	}
	if c, ok := pickConnHRW(srv, req); ok {
		return c, true
	}
	// The owning server has no eligible connection (e.g. all faulty);
	// fall back to scanning the remaining servers in group order rather
	// than failing the request outright.
	hs.mu.Lock()
	servers := hs.servers
	hs.mu.Unlock()
	for _, alt := range servers {
		if alt == srv {
			continue
		}
		if c, ok := pickConnHRW(alt, req); ok {
			return c, true
		}
	}
	return nil, false
}

// pickConnHRW chooses the connection within srv maximizing
// msg_hash XOR conn_hash, breaking ties toward the higher connection
// index (§4.D "hash": "ties are broken toward the higher index so the
// choice stays deterministic under a fixed connection set"). This is the
// literal spec comparator, independent of go-rendezvous's own internal
// scoring, since the library is only used one layer up for server
// selection.
func pickConnHRW(srv *Server, req *msg.Request) (*conn.SrvConn, bool) {
	conns, hashes := srv.snapshot()
	key := msgHash(req)

	var (
		best      *conn.SrvConn
		bestScore uint64
		bestIdx   = -1
		found     bool
	)
	for i, c := range conns {
		if !c.Live() || c.Faulty() || c.Restricted() {
			continue
		}
		if srv.Group.Policy.MaxQSize > 0 && c.QSize() >= srv.Group.Policy.MaxQSize {
			continue
		}
		score := key ^ hashes[i]
		if !found || score > bestScore || (score == bestScore && i >= bestIdx) {
			best, bestScore, bestIdx, found = c, score, i, true
		}
	}
	return best, found
}
