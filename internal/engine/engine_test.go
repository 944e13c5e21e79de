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

package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/tempesta/tempesta-fwd/internal/conn"
	"github.com/tempesta/tempesta-fwd/internal/msg"
	"github.com/tempesta/tempesta-fwd/internal/rules"
	"github.com/tempesta/tempesta-fwd/internal/sched"
	"github.com/tempesta/tempesta-fwd/internal/transport"
)

// fakeTransport is a minimal transport.Conn double recording everything
// sent through it.
type fakeTransport struct {
	mu       sync.Mutex
	sentReq  []*msg.Request
	sentResp []*msg.Response
	closed   bool
	sendErr  error
}

func (f *fakeTransport) SendRequest(r *msg.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentReq = append(f.sentReq, r)
	return nil
}

func (f *fakeTransport) SendResponse(r *msg.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentResp = append(f.sentResp, r)
	return nil
}

func (f *fakeTransport) CloseSync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// fakeCache is a synchronous transport.Cache double: Lookup always
// invokes its callback immediately (a miss unless primed), Store always
// invokes its callback immediately.
type fakeCache struct {
	hit *msg.Response
}

func (c *fakeCache) Lookup(req *msg.Request, cb transport.CacheLookupFunc) {
	cb(req, c.hit)
}

func (c *fakeCache) Store(req *msg.Request, resp *msg.Response, cb transport.CacheStoreFunc) {
	cb(req, resp)
}

func reqGET(uri string) *msg.Request {
	r := &msg.Request{}
	r.Method = msg.MethodGET
	r.Version = msg.Version11
	r.URI = msg.Chunks{{Data: []byte(uri), Flags: msg.FlagComplete}}
	r.Host = msg.Chunks{{Data: []byte("example.com"), Flags: msg.FlagComplete}}
	return r
}

func reqPOST(uri string) *msg.Request {
	r := reqGET(uri)
	r.Method = msg.MethodPOST
	return r
}

// singleVHostTable builds a one-chain table whose entry unconditionally
// routes to vhost name vh.
func singleVHostTable(t *testing.T, vh string) *rules.Table {
	t.Helper()
	tbl := rules.NewTable()
	entry := &rules.Chain{Name: "", MatchRules: []rules.Rule{
		{Field: rules.FieldWildcard, Action: rules.Action{Kind: rules.ActionVHost, VHost: vh}},
	}}
	if err := tbl.AddChain(entry); err != nil {
		t.Fatalf("AddChain: %v", err)
	}
	if err := tbl.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return tbl
}

func blockingTable(t *testing.T) *rules.Table {
	t.Helper()
	tbl := rules.NewTable()
	entry := &rules.Chain{Name: "", MatchRules: []rules.Rule{
		{Field: rules.FieldWildcard, Action: rules.Action{Kind: rules.ActionBlock}},
	}}
	if err := tbl.AddChain(entry); err != nil {
		t.Fatalf("AddChain: %v", err)
	}
	return tbl
}

func newTestEngine(t *testing.T, tbl *rules.Table, cache transport.Cache, group string, sc *conn.SrvConn) *Engine {
	t.Helper()
	reg := sched.NewRegistry()
	g := sched.NewServerGroup(group, conn.Policy{}, sched.SchedRoundRobin)
	reg.AddGroup(g)
	srv := sched.NewServer("10.0.0.1:80", g)
	g.AddServer(srv)
	reg.AddConn(group, srv, sc)

	e := &Engine{
		Registry:    reg,
		Rules:       tbl,
		Cache:       cache,
		VHostGroups: map[string]string{"v1": group},
		ServerName:  "tempesta-fwd",
		Now:         func() time.Time { return time.Unix(1700000000, 0) },
	}
	sc.Errors = e
	sc.Rescheduler = reg
	return e
}

func TestRequestPathCacheHitAdjustsAndPairs(t *testing.T) {
	hit := &msg.Response{}
	hit.Headers.Set(msg.HdrContentType, chunksOf("text/plain"))
	cache := &fakeCache{hit: hit}

	ft := &fakeTransport{}
	sc := conn.NewSrvConn(ft, conn.Policy{})
	e := newTestEngine(t, singleVHostTable(t, "v1"), cache, "g1", sc)

	cliT := &fakeTransport{}
	cli := conn.NewCliConn(cliT)

	req := reqGET("/a")
	e.HandleRequest(req, cli, true)

	if len(cliT.sentResp) != 1 {
		t.Fatalf("expected the cached response to be sent to the client, got %d", len(cliT.sentResp))
	}
	if len(ft.sentReq) != 0 {
		t.Fatalf("expected no upstream forward on a cache hit, got %d", len(ft.sentReq))
	}
	if !cliT.sentResp[0].Headers.Present(msg.HdrServer) {
		t.Fatalf("expected Server header to be stamped by adjustResponseForClient")
	}
}

func TestRequestPathCacheMissForwardsUpstream(t *testing.T) {
	cache := &fakeCache{hit: nil}
	ft := &fakeTransport{}
	sc := conn.NewSrvConn(ft, conn.Policy{})
	e := newTestEngine(t, singleVHostTable(t, "v1"), cache, "g1", sc)

	cliT := &fakeTransport{}
	cli := conn.NewCliConn(cliT)

	req := reqGET("/a")
	req.ClientAddr = "203.0.113.9"
	e.HandleRequest(req, cli, true)

	if len(ft.sentReq) != 1 {
		t.Fatalf("expected the request to be forwarded upstream on a miss, got %d", len(ft.sentReq))
	}
	xff, ok := ft.sentReq[0].Headers.GetString(msg.HdrXForwardedFor)
	if !ok || xff != "203.0.113.9" {
		t.Fatalf("expected X-Forwarded-For to carry the client address, got %q ok=%v", xff, ok)
	}
}

func TestRequestPathBlockedByRuleReturns403InOrder(t *testing.T) {
	cache := &fakeCache{}
	ft := &fakeTransport{}
	sc := conn.NewSrvConn(ft, conn.Policy{})
	e := newTestEngine(t, blockingTable(t), cache, "g1", sc)

	cliT := &fakeTransport{}
	cli := conn.NewCliConn(cliT)

	req := reqGET("/blocked")
	e.HandleRequest(req, cli, true)

	if len(cliT.sentResp) != 1 {
		t.Fatalf("expected a synthesized response, got %d", len(cliT.sentResp))
	}
	if cliT.sentResp[0].StatusCode != 403 {
		t.Fatalf("expected 403, got %d", cliT.sentResp[0].StatusCode)
	}
}

func TestRequestPathNoRuleMatchReturns502(t *testing.T) {
	cache := &fakeCache{}
	ft := &fakeTransport{}
	sc := conn.NewSrvConn(ft, conn.Policy{})
	emptyTable := rules.NewTable()
	if err := emptyTable.AddChain(&rules.Chain{Name: ""}); err != nil {
		t.Fatalf("AddChain: %v", err)
	}
	e := newTestEngine(t, emptyTable, cache, "g1", sc)

	cliT := &fakeTransport{}
	cli := conn.NewCliConn(cliT)

	req := reqGET("/nowhere")
	e.HandleRequest(req, cli, true)

	if len(cliT.sentResp) != 1 || cliT.sentResp[0].StatusCode != 502 {
		t.Fatalf("expected a synthesized 502, got %+v", cliT.sentResp)
	}
}

func TestIdempotencyClassificationDefaultAndOverride(t *testing.T) {
	cache := &fakeCache{}
	ft := &fakeTransport{}
	sc := conn.NewSrvConn(ft, conn.Policy{})
	e := newTestEngine(t, singleVHostTable(t, "v1"), cache, "g1", sc)

	cliT := &fakeTransport{}
	cli := conn.NewCliConn(cliT)

	post := reqPOST("/submit")
	e.HandleRequest(post, cli, true)
	if !post.HasFlag(msg.FlagNonIdempotent) {
		t.Fatalf("expected POST to default to non-idempotent")
	}

	e.IdempotencyOverrides = []IdempotencyOverride{
		{Rule: rules.Rule{Field: rules.FieldURI, Op: rules.OpPrefix, Arg: "/submit"}, Idempotent: true},
	}
	post2 := reqPOST("/submit")
	cli2 := conn.NewCliConn(&fakeTransport{})
	e.HandleRequest(post2, cli2, true)
	if post2.HasFlag(msg.FlagNonIdempotent) {
		t.Fatalf("expected the override rule to mark /submit idempotent")
	}
}

func TestResponsePathStampsDateAndPairs(t *testing.T) {
	cache := &fakeCache{}
	ft := &fakeTransport{}
	sc := conn.NewSrvConn(ft, conn.Policy{})
	e := newTestEngine(t, singleVHostTable(t, "v1"), cache, "g1", sc)

	cliT := &fakeTransport{}
	cli := conn.NewCliConn(cliT)

	req := reqGET("/a")
	e.HandleRequest(req, cli, true) // forwards upstream (cache miss)

	resp := &msg.Response{}
	e.HandleResponse(resp, sc, "g1", "10.0.0.1:80")

	if len(cliT.sentResp) != 1 {
		t.Fatalf("expected the response to flush to the client, got %d", len(cliT.sentResp))
	}
	if !cliT.sentResp[0].Headers.Present(msg.HdrDate) {
		t.Fatalf("expected Date header to have been stamped")
	}
}
