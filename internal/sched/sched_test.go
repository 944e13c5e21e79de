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
	"testing"

	"github.com/tempesta/tempesta-fwd/internal/conn"
	"github.com/tempesta/tempesta-fwd/internal/msg"
)

type noopTransport struct{}

func (noopTransport) SendRequest(*msg.Request) error   { return nil }
func (noopTransport) SendResponse(*msg.Response) error { return nil }
func (noopTransport) CloseSync()                       {}

func newTestGroup(t *testing.T, kind SchedKind, serverCount, connsPerServer int) (*ServerGroup, []*Server) {
	t.Helper()
	g := NewServerGroup("test", conn.Policy{}, kind)
	servers := make([]*Server, serverCount)
	for i := 0; i < serverCount; i++ {
		srv := NewServer(addrFor(i), g)
		for j := 0; j < connsPerServer; j++ {
			srv.AddConn(conn.NewSrvConn(noopTransport{}, conn.Policy{}))
		}
		g.AddServer(srv)
		servers[i] = srv
	}
	return g, servers
}

func addrFor(i int) string {
	return string(rune('a' + i))
}

func reqWithURI(uri string) *msg.Request {
	r := &msg.Request{}
	r.URI = msg.Chunks{{Data: []byte(uri), Flags: msg.FlagComplete}}
	r.Host = msg.Chunks{{Data: []byte("example.com"), Flags: msg.FlagComplete}}
	return r
}

func TestRoundRobinSpreadsAcrossServers(t *testing.T) {
	g, servers := newTestGroup(t, SchedRoundRobin, 3, 1)
	rr := NewRoundRobin(g)

	seen := make(map[*conn.SrvConn]bool)
	for i := 0; i < 9; i++ {
		c, ok := rr.Pick(reqWithURI("/x"))
		if !ok {
			t.Fatalf("expected a pick on iteration %d", i)
		}
		seen[c] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 servers' connections visited over 9 picks, saw %d", len(seen))
	}
	_ = servers
}

func TestRoundRobinSkipsNonIdempotentInFlightFirstPass(t *testing.T) {
	g, servers := newTestGroup(t, SchedRoundRobin, 1, 2)
	rr := NewRoundRobin(g)

	conns, _ := servers[0].snapshot()
	nip := reqWithURI("/post")
	nip.SetFlag(msg.FlagNonIdempotent)
	conns[0].Enqueue(nip)
	if !conns[0].HasNipInFlight() {
		t.Fatalf("precondition: expected conns[0] on hold")
	}

	// The server's round-robin counter starts at 0, so the first candidate
	// examined is conns[0]; the first pass must still return conns[1].
	c, ok := rr.Pick(reqWithURI("/get"))
	if !ok {
		t.Fatalf("expected a pick")
	}
	if c == conns[0] {
		t.Fatalf("expected the held connection skipped on the first pass")
	}
}

func TestRoundRobinSecondPassWhenAllHeld(t *testing.T) {
	g, servers := newTestGroup(t, SchedRoundRobin, 1, 1)
	rr := NewRoundRobin(g)

	conns, _ := servers[0].snapshot()
	nip := reqWithURI("/post")
	nip.SetFlag(msg.FlagNonIdempotent)
	conns[0].Enqueue(nip)

	c, ok := rr.Pick(reqWithURI("/get"))
	if !ok || c != conns[0] {
		t.Fatalf("expected second pass to still return the only (held) connection, got %v ok=%v", c, ok)
	}
}

// TestHashSchedulerStableUnderUnrelatedRemoval is spec §8 scenario 4:
// removing a server that a given key never resolved to must not change
// that key's pick (P6).
func TestHashSchedulerStableUnderUnrelatedRemoval(t *testing.T) {
	g, servers := newTestGroup(t, SchedHash, 4, 2)
	hs := NewHashScheduler(g)

	req := reqWithURI("/stable-key")
	first, ok := hs.Pick(req)
	if !ok {
		t.Fatalf("expected initial pick to succeed")
	}

	// Find a server NOT hosting the chosen connection and mark it dead,
	// simulating removal without touching the chosen server's ring entry.
	for _, srv := range servers {
		conns, _ := srv.snapshot()
		hosts := false
		for _, c := range conns {
			if c == first {
				hosts = true
			}
		}
		if !hosts {
			for _, c := range conns {
				c.TransportDropped()
				c.ScheduleReconnect() // arms backoff; irrelevant to this assertion
			}
			break
		}
	}

	second, ok := hs.Pick(req)
	if !ok {
		t.Fatalf("expected pick to still succeed")
	}
	if second != first {
		t.Fatalf("expected stable pick after an unrelated server's connections dropped")
	}
}

func TestRoundRobinSkipsRestrictedConnection(t *testing.T) {
	g, servers := newTestGroup(t, SchedRoundRobin, 1, 2)
	rr := NewRoundRobin(g)

	conns, _ := servers[0].snapshot()
	conns[0].SetRestricted(true)
	if !conns[0].Live() {
		t.Fatalf("precondition: expected the restricted connection to still be live")
	}

	for i := 0; i < 4; i++ {
		c, ok := rr.Pick(reqWithURI("/get"))
		if !ok {
			t.Fatalf("expected a pick on iteration %d", i)
		}
		if c == conns[0] {
			t.Fatalf("expected the restricted connection never picked")
		}
	}
}

func TestHashSchedulerSkipsRestrictedConnection(t *testing.T) {
	g := NewServerGroup("test", conn.Policy{}, SchedHash)
	srv := NewServer("fixed-addr", g)
	c0 := conn.NewSrvConn(noopTransport{}, conn.Policy{})
	c1 := conn.NewSrvConn(noopTransport{}, conn.Policy{})
	srv.AddConn(c0)
	srv.AddConn(c1)
	g.AddServer(srv)

	c0.SetRestricted(true)
	if !c0.Live() {
		t.Fatalf("precondition: expected the restricted connection to still be live")
	}

	c, ok := pickConnHRW(srv, reqWithURI("/anything"))
	if !ok || c != c1 {
		t.Fatalf("expected the restricted connection skipped in favor of conn 1, got %v", c)
	}
}

func TestPickConnHRWTieBreaksTowardHigherIndex(t *testing.T) {
	g := NewServerGroup("test", conn.Policy{}, SchedHash)
	srv := NewServer("fixed-addr", g)
	c0 := conn.NewSrvConn(noopTransport{}, conn.Policy{})
	c1 := conn.NewSrvConn(noopTransport{}, conn.Policy{})
	srv.AddConn(c0)
	srv.AddConn(c1)
	g.AddServer(srv)

	// Force both conn_hashes to the same value so the comparator must
	// fall back to the tie-break rule.
	srv.mu.Lock()
	srv.connHashes[0] = 42
	srv.connHashes[1] = 42
	srv.mu.Unlock()

	c, ok := pickConnHRW(srv, reqWithURI("/anything"))
	if !ok || c != c1 {
		t.Fatalf("expected tie broken toward the higher index (conn 1), got %v", c)
	}
}
