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

// Package engine is the forwarding-engine orchestrator (§4.G): it drives
// the CliConn/SrvConn queues (internal/conn), the scheduler registry
// (internal/sched), the rule table (internal/rules) and the Frang
// classifier (internal/frang) through one end-to-end request, response,
// and error/retry path. It is the only package that holds a reference to
// both a CliConn and a SrvConn at once.
package engine

import (
	"strings"
	"time"

	"github.com/tempesta/tempesta-fwd/internal/audit"
	"github.com/tempesta/tempesta-fwd/internal/conn"
	"github.com/tempesta/tempesta-fwd/internal/frang"
	"github.com/tempesta/tempesta-fwd/internal/msg"
	"github.com/tempesta/tempesta-fwd/internal/rules"
	"github.com/tempesta/tempesta-fwd/internal/sched"
	"github.com/tempesta/tempesta-fwd/internal/telemetry"
	"github.com/tempesta/tempesta-fwd/internal/transport"
)

// IdempotencyOverride is a location rule that forces a request's
// idempotency classification regardless of its method's default safety
// (§4.G step 2: "non-idempotent ... unless a matching non-idempotent-
// override location rule declares it idempotent, and conversely"). It
// reuses rules.Rule's predicate machinery rather than introducing a
// parallel grammar, since the predicate half ("does this request match")
// is identical to a routing rule's — only the effect differs.
type IdempotencyOverride struct {
	Rule       rules.Rule
	Idempotent bool
}

// RoundTripRecorder receives the tx→rx latency for a response, standing
// in for the external APM handle spec.md §3 attaches to a Server
// ("APM handle (external)"); nil means no APM wiring is configured.
type RoundTripRecorder func(group, serverAddr string, rtt time.Duration)

// Engine wires the orchestrated components together (§2 "data flow").
// One Engine instance corresponds to one listening vhost set; a process
// serving multiple independent rule tables runs one Engine per table.
type Engine struct {
	Registry *sched.Registry
	Rules    *rules.Table
	Cache    transport.Cache

	// Frang is keyed by virtual host name (res.VHost from a Rules.Eval
	// pass); the "" entry is the fallback for a vhost without its own
	// limiter. Requests blocked or unmatched by Rules never reach Frang.
	Frang map[string]*frang.Limiter

	// VHostGroups maps a rule table's resolved vhost name to the server
	// group name the scheduler registry knows it by.
	VHostGroups map[string]string

	// IdempotencyOverrides is consulted in order; the first matching rule
	// decides, otherwise the method's RFC 7231 §4.2.1 safety applies.
	IdempotencyOverrides []IdempotencyOverride

	// ServerName is stamped into the Server response header and the Via
	// pseudonym (§4.G "adjust response ... set ... Server").
	ServerName string

	// Now is the injectable clock; nil means time.Now.
	Now func() time.Time

	// RoundTrip is called once per response with its tx→rx latency.
	RoundTrip RoundTripRecorder

	// Audit, if set, receives one entry per evicted request (§7). Nil
	// means evictions are not logged beyond the synthesized response
	// itself.
	Audit audit.Sink

	// Metrics, if set, receives operational counters. A nil Metrics is
	// valid and every observe call becomes a no-op.
	Metrics *telemetry.Metrics
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) frangFor(vhost, clientAddr string) *frang.Client {
	lim, ok := e.Frang[vhost]
	if !ok {
		lim, ok = e.Frang[""]
	}
	if !ok || lim == nil {
		return nil
	}
	return lim.ClientFor(clientAddr)
}

// HandleRequest runs the full request path (§4.G steps 1-6) for a request
// the parser just completed on cli. isNewConnection indicates whether
// this is the first request frang has seen on this transport connection,
// for connection-rate/burst accounting (§4.F).
func (e *Engine) HandleRequest(req *msg.Request, cli *conn.CliConn, isNewConnection bool) {
	now := e.now()
	req.ReceivedAt = now
	req.CliConn = cli

	// Step 1: CONN_CLOSE for HTTP/0.9 always, HTTP/1.0 unless an explicit
	// keep-alive was signalled.
	switch req.Version {
	case msg.Version09:
		req.SetFlag(msg.FlagConnClose)
	case msg.Version10:
		if !requestedKeepAlive(req) {
			req.SetFlag(msg.FlagConnClose)
		} else {
			req.SetFlag(msg.FlagConnKeepAlive)
		}
	}

	res := e.evalRules(req)
	if res.Block {
		e.Evict(req, msg.ErrStatus{Code: 403, Reason: "blocked by rule"})
		return
	}
	if !res.Matched {
		e.Evict(req, msg.ErrStatus{Code: 502, Reason: "no rule matched"})
		return
	}
	groupName, ok := e.VHostGroups[res.VHost]
	if !ok {
		e.Evict(req, msg.ErrStatus{Code: 502, Reason: "vhost " + res.VHost + " has no server group"})
		return
	}

	if fc := e.frangFor(res.VHost, req.ClientAddr); fc != nil {
		if isNewConnection {
			cli.OnDestroy = chainOnDestroy(cli.OnDestroy, fc.OnDisconnect)
		}
		session := fc.NewSession(now)
		v := e.runFrangChecks(session, req, now, isNewConnection)
		e.recordFrangVerdict(v)
		if v == frang.VerdictBlock {
			e.Evict(req, msg.ErrStatus{Code: 403, Reason: "rejected by frang limiter"})
			return
		}
	}

	// Step 2: idempotency classification.
	if e.nonIdempotent(req, res.Mark) {
		req.SetFlag(msg.FlagNonIdempotent)
	} else {
		req.ClearFlag(msg.FlagNonIdempotent)
	}

	// Step 3: append to the CliConn sequence-queue.
	cli.Enqueue(req)

	req.Session = groupName

	// Step 4: ask the cache.
	if e.Cache != nil {
		e.Cache.Lookup(req, func(req *msg.Request, resp *msg.Response) {
			e.onCacheLookup(req, resp, groupName)
		})
		return
	}
	e.dispatch(req, groupName)
}

// runFrangChecks applies the coarse-grained subset of the Frang FSM this
// engine can evaluate against a single, already-complete msg.Request:
// since the external parser hands the engine whole messages rather than
// a chunk stream, the header-chunk/body-chunk/timeout states of §4.F are
// exercised by internal/frang's own tests directly against Session, not
// reachable from here. Start/Method/URI/HeadersComplete are the states
// meaningful at request-complete granularity.
func (e *Engine) runFrangChecks(s *frang.Session, req *msg.Request, now time.Time, isNewConnection bool) frang.Verdict {
	if v := s.Start(now, isNewConnection); v == frang.VerdictBlock {
		return v
	}
	if v := s.Method(req.Method); v == frang.VerdictBlock {
		return v
	}
	if v := s.URI(req.URI.Len()); v == frang.VerdictBlock {
		return v
	}
	_, hostSeen := req.Headers.Get(msg.HdrHost)
	ct, ctSeen := req.Headers.GetString(msg.HdrContentType)
	if v := s.HeadersComplete(hostSeen, ctSeen, ct); v == frang.VerdictBlock {
		return v
	}
	return frang.VerdictPass
}

// chainOnDestroy composes prev (a CliConn's existing OnDestroy hook, if
// any was already set) with next so neither is lost; used to wire a
// frang.Client's open-connection decrement onto a connection's destroy
// path without clobbering whatever the caller had already attached.
func chainOnDestroy(prev, next func()) func() {
	if prev == nil {
		return next
	}
	return func() {
		prev()
		next()
	}
}

func (e *Engine) recordFrangVerdict(v frang.Verdict) {
	if e.Metrics == nil {
		return
	}
	if v == frang.VerdictBlock {
		e.Metrics.ObserveFrangVerdict("block")
	} else {
		e.Metrics.ObserveFrangVerdict("pass")
	}
}

func (e *Engine) evalRules(req *msg.Request) rules.Result {
	if e.Rules == nil {
		return rules.Result{Matched: true, VHost: ""}
	}
	return e.Rules.Eval(req)
}

// nonIdempotent implements §4.G step 2.
func (e *Engine) nonIdempotent(req *msg.Request, mark uint32) bool {
	def := !req.Method.Safe()
	for _, o := range e.IdempotencyOverrides {
		if o.Rule.Eval(req, mark) {
			return !o.Idempotent
		}
	}
	return def
}

// requestedKeepAlive reports whether the client explicitly asked to keep
// the connection open via the Connection header (HTTP/1.0 default is
// close, so this is an opt-in check, not the HTTP/1.1 opt-out one).
func requestedKeepAlive(req *msg.Request) bool {
	v, ok := req.Headers.Get(msg.HdrConnection)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(string(v.Bytes())), "keep-alive")
}

// onCacheLookup is the cache's lookup callback (§4.G step 4): resp is nil
// on a miss.
func (e *Engine) onCacheLookup(req *msg.Request, resp *msg.Response, groupName string) {
	if resp != nil {
		adjustResponseForClient(req, resp, e.ServerName, e.now())
		e.pair(req, resp)
		return
	}
	e.dispatch(req, groupName)
}

// dispatch is §4.G step 6: obtain a SrvConn via the scheduler, adjust the
// request for the upstream, and forward it.
func (e *Engine) dispatch(req *msg.Request, groupName string) {
	sc, ok, err := e.Registry.SchedSGConn(groupName, req)
	if err != nil || !ok {
		e.Evict(req, msg.ErrStatus{Code: 502, Reason: "no upstream connection available"})
		return
	}
	if e.Metrics != nil {
		e.Metrics.ObserveSchedulerPick(groupName)
	}
	adjustRequestForUpstream(req, e.ServerName)
	req.SrvConn = sc
	sc.Enqueue(req)
}

// HandleResponse runs the response path (§4.G): stamps receipt/Date,
// records round-trip, pops the paired request from srv, and hands the
// pair to the cache for storage (whose callback adjusts and pairs).
// group/serverAddr are only used for the RoundTrip recorder.
func (e *Engine) HandleResponse(resp *msg.Response, srv *conn.SrvConn, group, serverAddr string) {
	now := e.now()
	resp.ReceivedAt = now
	if !resp.Headers.Present(msg.HdrDate) {
		resp.Headers.Set(msg.HdrDate, chunksOf(now.UTC().Format(http1Date)))
		resp.SetFlag(msg.FlagHasDate)
	}

	req, ok := srv.ResponseArrived()
	if !ok {
		// P3: an empty forwarding-queue on response arrival means the
		// transport paired a response with no outstanding request; the
		// caller owning the transport connection is responsible for
		// dropping it, since this package never reaches into transport.
		return
	}

	if !req.TransmitAt.IsZero() {
		rtt := now.Sub(req.TransmitAt)
		if e.RoundTrip != nil {
			e.RoundTrip(group, serverAddr, rtt)
		}
		if e.Metrics != nil {
			e.Metrics.ObserveRoundTripMillis(float64(rtt.Milliseconds()))
		}
	}

	if e.Cache != nil {
		e.Cache.Store(req, resp, e.onCacheStored)
		return
	}
	adjustResponseForClient(req, resp, e.ServerName, now)
	e.pair(req, resp)
}

// onCacheStored is the cache's store callback (§4.G response-path step
// 3): it performs the response adjustment and pairs, per spec.md's
// "adjust-and-pair callback".
func (e *Engine) onCacheStored(req *msg.Request, resp *msg.Response) {
	adjustResponseForClient(req, resp, e.ServerName, e.now())
	e.pair(req, resp)
}

func (e *Engine) pair(req *msg.Request, resp *msg.Response) {
	cli, ok := req.CliConn.(*conn.CliConn)
	if !ok || cli == nil {
		return
	}
	cli.Pair(req, resp)
}

// Evict implements conn.ErrorSink (§7 "Request eviction"): synthesize an
// error response and route it through the CliConn sequence-queue so the
// client sees errors in the original request order.
func (e *Engine) Evict(req *msg.Request, status msg.ErrStatus) {
	req.Err = status
	now := e.now()
	resp := synthesizeErrorResponse(status, req.HasFlag(msg.FlagConnClose), now)
	e.pair(req, resp)

	if e.Metrics != nil {
		e.Metrics.ObserveEviction(status.Code)
	}

	if e.Audit != nil {
		vhost, _ := req.Session.(string)
		entry := audit.NewEntry(now, req.ClientAddr, req.Method.String(), string(req.URI.Bytes()), vhost, status.Code, status.Reason)
		_ = e.Audit.Record(entry)
	}
}

var _ conn.ErrorSink = (*Engine)(nil)
