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
	"github.com/tempesta/tempesta-fwd/internal/conn"
	"github.com/tempesta/tempesta-fwd/internal/msg"
)

// RoundRobin is the weight-free round-robin ConnScheduler (§4.D
// "round-robin"): an atomic counter picks the next server, and a second
// atomic counter picks the next connection within it. Eligibility is a
// two-pass scan — non-idempotent-in-flight connections are skipped on the
// first pass so a slow POST doesn't steal a slot that could serve an
// idempotent request immediately; the second pass retries without that
// skip only if the first pass found nothing at all, so new work is never
// rejected just because every live connection happens to be on hold.
type RoundRobin struct {
	group *ServerGroup
}

// NewRoundRobin constructs a RoundRobin scheduler over group.
func NewRoundRobin(group *ServerGroup) *RoundRobin {
	return &RoundRobin{group: group}
}

// Pick selects the next eligible SrvConn in the group (§4.D
// "sched_sg_conn" for round-robin groups).
func (rr *RoundRobin) Pick(req *msg.Request) (*conn.SrvConn, bool) {
	servers := rr.group.snapshot()
	if len(servers) == 0 {
		return nil, false
	}

	if c, ok := rr.scan(servers, req, true); ok {
		return c, true
	}
	return rr.scan(servers, req, false)
}

// scan walks the servers starting from the group's shared counter,
// then within the chosen server walks its connections starting from that
// server's own counter, in both cases advancing the counter by one per
// call so load spreads evenly across repeated picks (§4.D).
func (rr *RoundRobin) scan(servers []*Server, req *msg.Request, skipNip bool) (*conn.SrvConn, bool) {
	n := len(servers)
	start := int(rr.group.srvCounter.Add(1)-1) % n
	for i := 0; i < n; i++ {
		srv := servers[(start+i)%n]
		if c, ok := pickConnRoundRobin(srv, skipNip); ok {
			return c, true
		}
	}
	return nil, false
}

func pickConnRoundRobin(srv *Server, skipNip bool) (*conn.SrvConn, bool) {
	conns, _ := srv.snapshot()
	n := len(conns)
	if n == 0 {
		return nil, false
	}
	start := int(srv.rrCounter.Add(1)-1) % n
	for i := 0; i < n; i++ {
		c := conns[(start+i)%n]
		if !c.Live() || c.Faulty() || c.Restricted() {
			continue
		}
		if skipNip && c.HasNipInFlight() {
			continue
		}
		if srv.Group.Policy.MaxQSize > 0 && c.QSize() >= srv.Group.Policy.MaxQSize {
			continue
		}
		return c, true
	}
	return nil, false
}
