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
	"errors"
	"sync"

	"github.com/tempesta/tempesta-fwd/internal/conn"
	"github.com/tempesta/tempesta-fwd/internal/msg"
)

// ErrNoServerGroup is returned when a pick is requested for a group name
// that was never registered.
var ErrNoServerGroup = errors.New("sched: no such server group")

// ConnScheduler picks a SrvConn to forward req on, within one group. The
// round-robin and hash implementations both satisfy this; the engine only
// ever talks to a ServerGroup through it.
type ConnScheduler interface {
	Pick(req *msg.Request) (*conn.SrvConn, bool)
}

// Registry is the process-wide table of server groups (§4.D
// "add_group/del_group/add_conn"). It is the engine's single entry point
// for "give me a connection to forward this request on" and also
// implements conn.Rescheduler for the reschedule-on-drop path, so a group
// can route a request that lost its SrvConn onto a sibling connection
// without the conn package ever importing sched.
type Registry struct {
	mu         sync.RWMutex
	groups     map[string]*ServerGroup
	schedulers map[string]ConnScheduler
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		groups:     make(map[string]*ServerGroup),
		schedulers: make(map[string]ConnScheduler),
	}
}

// AddGroup registers g, constructing its connection scheduler from its
// configured SchedKind.
func (r *Registry) AddGroup(g *ServerGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[g.Name] = g
	switch g.Sched {
	case SchedHash:
		r.schedulers[g.Name] = NewHashScheduler(g)
	default:
		r.schedulers[g.Name] = NewRoundRobin(g)
	}
}

// DelGroup removes a server group from the registry (§4.D "del_group").
// In-flight SrvConns already handed out are unaffected; only future picks
// stop considering the group.
func (r *Registry) DelGroup(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, name)
	delete(r.schedulers, name)
}

// AddConn registers c as a connection of srv within group (§4.D
// "add_conn"), and keeps the hash scheduler's rendezvous ring over the
// group's servers in sync if the group uses hash scheduling.
func (r *Registry) AddConn(groupName string, srv *Server, c *conn.SrvConn) {
	srv.AddConn(c)
	r.mu.RLock()
	s := r.schedulers[groupName]
	r.mu.RUnlock()
	if hs, ok := s.(*HashScheduler); ok {
		hs.refreshServer(srv)
	}
}

// Group returns the named group, or nil if not registered.
func (r *Registry) Group(name string) *ServerGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[name]
}

// SchedSGConn picks a connection within the named server group (§4.D
// "sched_sg_conn") — the engine's normal forwarding-decision entry point.
func (r *Registry) SchedSGConn(groupName string, req *msg.Request) (*conn.SrvConn, bool, error) {
	r.mu.RLock()
	s, ok := r.schedulers[groupName]
	r.mu.RUnlock()
	if !ok {
		return nil, false, ErrNoServerGroup
	}
	c, ok := s.Pick(req)
	return c, ok, nil
}

// SchedSrvConn picks among a single server's connections directly (§4.D
// "sched_srv_conn"), bypassing group-level server selection — used when a
// rule or sticky-session handle has already pinned the server.
func SchedSrvConn(srv *Server, req *msg.Request) (*conn.SrvConn, bool) {
	return pickConnHRW(srv, req)
}

// Reschedule implements conn.Rescheduler: when failed's owning SrvConn has
// become FAULTY, ask its group for a fresh connection on a different (or
// the same, if it recovered) server (§4.C "reschedule_all").
func (r *Registry) Reschedule(req *msg.Request, failed *conn.SrvConn) (*conn.SrvConn, bool) {
	groupName, ok := req.Session.(string)
	if !ok || groupName == "" {
		return r.rescheduleAnyGroup(req, failed)
	}
	c, ok, err := r.SchedSGConn(groupName, req)
	if err != nil {
		return nil, false
	}
	return c, ok
}

// rescheduleAnyGroup is the fallback when the request carries no group
// hint (Session is not a group name): every registered group is offered
// the request, first success wins. Groups are visited in map iteration
// order, so which group is tried first is not defined.
func (r *Registry) rescheduleAnyGroup(req *msg.Request, failed *conn.SrvConn) (*conn.SrvConn, bool) {
	r.mu.RLock()
	schedulers := make([]ConnScheduler, 0, len(r.schedulers))
	for _, s := range r.schedulers {
		schedulers = append(schedulers, s)
	}
	r.mu.RUnlock()
	for _, s := range schedulers {
		if c, ok := s.Pick(req); ok && c != failed {
			return c, true
		}
	}
	return nil, false
}
