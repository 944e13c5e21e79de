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

// Package conn implements the two connection objects the forwarding engine
// pairs requests and responses across: CliConn (§4.B) and SrvConn (§4.C).
// Each owns its own lock(s) and never reaches into the other's state
// directly — the engine is the only thing that holds a reference to both.
package conn

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/tempesta/tempesta-fwd/internal/msg"
	"github.com/tempesta/tempesta-fwd/internal/transport"
)

// CliConn owns a per-client ordered sequence-queue of in-flight requests
// and serializes response emission in request arrival order (§4.B, §3).
//
// Two-lock discipline (§5, §9 "Per-object locks with two-lock traversal"):
// seqLock is short and protects only sequence-queue topology; retLock is
// held across the synchronous flush of a batch of paired responses so that
// pairing can keep progressing on other workers while a large flush is in
// flight. The two must never be coalesced into one lock — doing so would
// serialize unrelated connections and defeat the design.
type CliConn struct {
	Transport transport.Conn

	seqLock  sync.Mutex
	seqQueue *list.List // of *msg.Request, ordered oldest-first

	retLock sync.Mutex

	refCount  atomic.Int32
	dropped   atomic.Bool
	destroyed atomic.Bool

	// OnDestroy is invoked exactly once, when the transport has reported a
	// drop and the refcount has reached zero (§3 CliConn lifecycle).
	OnDestroy func()
}

// NewCliConn constructs a CliConn bound to the given transport connection.
func NewCliConn(t transport.Conn) *CliConn {
	return &CliConn{
		Transport: t,
		seqQueue:  list.New(),
	}
}

// Acquire increments the connection's refcount. Call before handing a
// reference to a SrvConn or other long-lived owner.
func (c *CliConn) Acquire() { c.refCount.Add(1) }

// Release decrements the refcount and destroys the connection if the
// transport has already reported a drop (§3 lifecycle).
func (c *CliConn) Release() {
	if c.refCount.Add(-1) == 0 && c.dropped.Load() {
		c.maybeDestroy()
	}
}

// MarkTransportDropped records that the transport reported the connection
// dropped; combined with a zero refcount this destroys the CliConn.
func (c *CliConn) MarkTransportDropped() {
	c.dropped.Store(true)
	if c.refCount.Load() == 0 {
		c.maybeDestroy()
	}
}

func (c *CliConn) maybeDestroy() {
	if c.destroyed.CompareAndSwap(false, true) && c.OnDestroy != nil {
		c.OnDestroy()
	}
}

// Enqueue appends req to the sequence-queue under seqLock. If the
// preceding entry is marked non-idempotent, that mark is cleared: the
// arrival of a new request from the same client makes pipelining safe
// again (RFC 7230 §6.3.2; §4.B, §9 "Non-idempotent downgrading"). Because
// a request is shared between its CliConn sequence-queue slot and its
// SrvConn forwarding-queue slot (§5 "Shared resource policy"), clearing the
// flag here is visible to the SrvConn's hold check (S2) without any
// cross-lock coordination.
func (c *CliConn) Enqueue(req *msg.Request) {
	c.seqLock.Lock()
	defer c.seqLock.Unlock()

	if back := c.seqQueue.Back(); back != nil {
		prior := back.Value.(*msg.Request)
		if prior.HasFlag(msg.FlagNonIdempotent) {
			prior.ClearFlag(msg.FlagNonIdempotent)
		}
	}
	elem := c.seqQueue.PushBack(req)
	req.ListLinks.SeqElem = elem
}

// Pair records resp as req's paired response, then flushes the longest
// prefix of the sequence-queue whose requests now all have a paired
// response, in order, under retLock (§4.B "pair"). If transmission fails
// partway through the batch, the transport is closed synchronously to
// preserve ordering (§4.B "Failure semantics", §7): a client must never
// see responses out of order, so once send fails we stop rather than skip
// ahead.
func (c *CliConn) Pair(req *msg.Request, resp *msg.Response) {
	req.Resp = resp

	c.seqLock.Lock()
	var ready []*msg.Request
	for e := c.seqQueue.Front(); e != nil; {
		r := e.Value.(*msg.Request)
		if r.Resp == nil {
			break
		}
		next := e.Next()
		c.seqQueue.Remove(e)
		r.ListLinks.SeqElem = nil
		ready = append(ready, r)
		e = next
	}
	c.seqLock.Unlock()

	if len(ready) == 0 {
		return
	}

	c.retLock.Lock()
	defer c.retLock.Unlock()
	for _, r := range ready {
		if err := c.Transport.SendResponse(r.Resp); err != nil {
			// Ordering integrity is at risk: stop flushing and force-close
			// rather than attempt to skip the failed pair and continue.
			c.Transport.CloseSync()
			return
		}
		// Successfully transmitted; the pair is now free.
		r.Resp = nil
	}
}

// Drop partitions the sequence-queue: requests with a paired response are
// returned for freeing; requests without one are unlinked from the
// sequence-queue but are left alive, still owned by their SrvConn until
// the response arrives or the SrvConn drops them (§4.B "drop", §5 "Shared
// resource policy").
func (c *CliConn) Drop() (freed []*msg.Request) {
	c.seqLock.Lock()
	defer c.seqLock.Unlock()

	for e := c.seqQueue.Front(); e != nil; {
		r := e.Value.(*msg.Request)
		next := e.Next()
		c.seqQueue.Remove(e)
		r.ListLinks.SeqElem = nil
		if r.Resp != nil {
			freed = append(freed, r)
		}
		e = next
	}
	return freed
}

// Len reports the current sequence-queue depth (telemetry / tests only).
func (c *CliConn) Len() int {
	c.seqLock.Lock()
	defer c.seqLock.Unlock()
	return c.seqQueue.Len()
}
