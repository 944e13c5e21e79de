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

package conn

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tempesta/tempesta-fwd/internal/msg"
	"github.com/tempesta/tempesta-fwd/internal/transport"
)

// Flag bits compose orthogonally on a SrvConn (§4.C "States of a SrvConn").
type Flag uint32

const (
	// FlagHasNip is set iff the nip-sublist is non-empty (S3).
	FlagHasNip Flag = 1 << iota
	// FlagResend marks the post-drop single-probe repair in progress.
	FlagResend
	// FlagQForwd marks that the [head, msg_sent] replay has already run
	// during the current repair pass.
	FlagQForwd
	// FlagFaulty is set once reconnect attempts are exhausted; requests
	// become eligible for reschedule to other servers.
	FlagFaulty
)

// reconnectDelays is the saturating backoff table from §4.C "reconnect".
var reconnectDelays = []time.Duration{
	1 * time.Millisecond,
	10 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
}

func reconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(reconnectDelays) {
		return reconnectDelays[len(reconnectDelays)-1]
	}
	return reconnectDelays[attempt]
}

// Policy is the per-ServerGroup policy bound to every SrvConn in the group
// (§3 "ServerGroup"): queue size, queue age, retry/reconnect ceilings, and
// whether non-idempotent requests may be retried at all.
type Policy struct {
	MaxQSize           int
	MaxJQAge           time.Duration
	MaxRefwd           int // max re-forwards (retries) per request
	MaxRecns           int // max reconnect attempts before FAULTY
	RetryNonIdempotent bool
}

// Rescheduler asks the scheduler registry for an alternative SrvConn for a
// request whose original SrvConn has failed (§4.C "reschedule_all").
// Implemented by internal/sched; conn never imports sched to avoid a cycle.
type Rescheduler interface {
	Reschedule(req *msg.Request, failed *SrvConn) (alt *SrvConn, ok bool)
}

// Reconnector attempts to re-establish the transport connection. Actual
// socket/TLS mechanics are out of scope (§1); this is a narrow callback.
type Reconnector interface {
	Reconnect() error
}

// ErrorSink routes a request to the synthesized-error path (§7). The
// caller must not hold fwdLock when invoking it (§5 "Cancellation").
type ErrorSink interface {
	Evict(req *msg.Request, status msg.ErrStatus)
}

// SrvConn owns a per-upstream forwarding-queue, a non-idempotent sub-list,
// the sent/unsent cursor, and retry/reconnect state (§4.C, §3).
type SrvConn struct {
	Transport   transport.Conn
	Policy      Policy
	Rescheduler Rescheduler
	Reconnector Reconnector
	Errors      ErrorSink
	Now         func() time.Time

	fwdLock    sync.Mutex
	fwdQueue   *list.List // of *msg.Request, ordered oldest-first
	nipSublist *list.List // subset of fwdQueue entries currently non-idempotent
	msgSent    *list.Element
	qsize      int
	flags      Flag

	recns int
	live  atomic.Bool
}

// NewSrvConn constructs a live SrvConn bound to the given transport and
// group policy.
func NewSrvConn(t transport.Conn, policy Policy) *SrvConn {
	sc := &SrvConn{
		Transport:  t,
		Policy:     policy,
		Now:        time.Now,
		fwdQueue:   list.New(),
		nipSublist: list.New(),
	}
	sc.live.Store(true)
	return sc
}

func (sc *SrvConn) Live() bool   { return sc.live.Load() }
func (sc *SrvConn) QSize() int   { sc.fwdLock.Lock(); defer sc.fwdLock.Unlock(); return sc.qsize }
func (sc *SrvConn) Faulty() bool { sc.fwdLock.Lock(); defer sc.fwdLock.Unlock(); return sc.flags&FlagFaulty != 0 }
func (sc *SrvConn) Restricted() bool {
	sc.fwdLock.Lock()
	defer sc.fwdLock.Unlock()
	return sc.flags&(FlagResend|FlagQForwd) != 0
}

// SetRestricted forces the RESEND/QFORWD restricted state on or off
// without touching liveness, for a scheduler's eligibility tests that
// need a connection restricted mid-repair independently of whether its
// transport is currently considered live.
func (sc *SrvConn) SetRestricted(v bool) {
	sc.fwdLock.Lock()
	defer sc.fwdLock.Unlock()
	if v {
		sc.flags |= FlagQForwd
	} else {
		sc.flags &^= (FlagResend | FlagQForwd)
	}
}

// onHoldLocked reports whether the queue is "on hold" per S2: msg_sent
// references a request that is still non-idempotent (it has not yet been
// downgraded by a later client request arriving, nor answered — an
// answered request is popped from the queue by responseArrived, so
// msg_sent can never point at an answered entry).
func (sc *SrvConn) onHoldLocked() bool {
	if sc.msgSent == nil {
		return false
	}
	r := sc.msgSent.Value.(*msg.Request)
	return r.HasFlag(msg.FlagNonIdempotent)
}

// HasNipInFlight reports whether the request currently at msg_sent is
// non-idempotent and unanswered — used by the round-robin scheduler's
// first-pass skip (§4.D).
func (sc *SrvConn) HasNipInFlight() bool {
	sc.fwdLock.Lock()
	defer sc.fwdLock.Unlock()
	return sc.onHoldLocked()
}

type pendingEviction struct {
	req    *msg.Request
	status msg.ErrStatus
}

// Enqueue appends req to the forwarding-queue, tracks it in the
// nip-sublist if non-idempotent, and flushes unsent entries unless the
// queue is on hold (§4.C "enqueue").
func (sc *SrvConn) Enqueue(req *msg.Request) {
	sc.fwdLock.Lock()
	elem := sc.fwdQueue.PushBack(req)
	req.ListLinks.FwdElem = elem
	sc.qsize++
	if req.HasFlag(msg.FlagNonIdempotent) {
		nipElem := sc.nipSublist.PushBack(req)
		req.ListLinks.NipElem = nipElem
		sc.flags |= FlagHasNip
	}
	onHold := sc.onHoldLocked()
	sc.fwdLock.Unlock()

	if !onHold {
		sc.flushUnsent()
	}
}

// flushUnsent walks entries after msg_sent (or from the head), evicting
// aged-out entries (504) and forwarding-error entries (500), advancing
// msg_sent on success, and stopping after the first transmitted
// non-idempotent request — the queue becomes "on hold" (§4.C).
func (sc *SrvConn) flushUnsent() {
	sc.fwdLock.Lock()
	var evicted []pendingEviction
	now := sc.now()

	cur := sc.fwdQueue.Front()
	if sc.msgSent != nil {
		cur = sc.msgSent.Next()
	}
	for cur != nil {
		next := cur.Next()
		r := cur.Value.(*msg.Request)

		if sc.Policy.MaxJQAge > 0 && now.Sub(r.ReceivedAt) > sc.Policy.MaxJQAge {
			evicted = append(evicted, pendingEviction{r, msg.ErrStatus{Code: 504, Reason: "request exceeded forward queue age limit"}})
			sc.removeLocked(cur)
			cur = next
			continue
		}

		if err := sc.Transport.SendRequest(r); err != nil {
			evicted = append(evicted, pendingEviction{r, msg.ErrStatus{Code: 500, Reason: "forwarding error: " + err.Error()}})
			sc.removeLocked(cur)
			cur = next
			continue
		}
		r.TransmitAt = now
		sc.msgSent = cur
		if r.HasFlag(msg.FlagNonIdempotent) {
			break // on hold from here
		}
		cur = next
	}
	sc.fwdLock.Unlock()

	sc.drainEvictions(evicted)
}

// removeLocked unlinks elem from the forwarding-queue (and nip-sublist, if
// present), adjusting qsize and HASNIP. Callers hold fwdLock. msg_sent is
// not touched here: a caller removing the entry msg_sent points at resets
// the cursor itself.
func (sc *SrvConn) removeLocked(elem *list.Element) {
	r := elem.Value.(*msg.Request)
	sc.fwdQueue.Remove(elem)
	r.ListLinks.FwdElem = nil
	sc.qsize--
	if nipElem, ok := r.ListLinks.NipElem.(*list.Element); ok && nipElem != nil {
		sc.nipSublist.Remove(nipElem)
		r.ListLinks.NipElem = nil
	}
	if sc.nipSublist.Len() == 0 {
		sc.flags &^= FlagHasNip
	}
}

func (sc *SrvConn) pruneNipLocked() {
	for e := sc.nipSublist.Front(); e != nil; {
		next := e.Next()
		r := e.Value.(*msg.Request)
		if !r.HasFlag(msg.FlagNonIdempotent) {
			sc.nipSublist.Remove(e)
			r.ListLinks.NipElem = nil
		}
		e = next
	}
	if sc.nipSublist.Len() == 0 {
		sc.flags &^= FlagHasNip
	}
}

func (sc *SrvConn) drainEvictions(evicted []pendingEviction) {
	if sc.Errors == nil {
		return
	}
	for _, e := range evicted {
		sc.Errors.Evict(e.req, e.status)
	}
}

// ResponseArrived pops the head of the forwarding-queue — the request
// paired with the response that just arrived — adjusts msg_sent if it
// pointed at the popped entry, prunes the nip-sublist, and either runs
// repair (if RESTRICTED) or resumes flushing (§4.C "response_arrived").
// ok is false if the forwarding-queue was empty (P3: the SrvConn must then
// be dropped by the caller).
func (sc *SrvConn) ResponseArrived() (req *msg.Request, ok bool) {
	sc.fwdLock.Lock()
	front := sc.fwdQueue.Front()
	if front == nil {
		sc.fwdLock.Unlock()
		return nil, false
	}
	req = front.Value.(*msg.Request)
	sc.fwdQueue.Remove(front)
	req.ListLinks.FwdElem = nil
	sc.qsize--
	if sc.msgSent == front {
		sc.msgSent = nil
	}
	if nipElem, ok2 := req.ListLinks.NipElem.(*list.Element); ok2 && nipElem != nil {
		sc.nipSublist.Remove(nipElem)
		req.ListLinks.NipElem = nil
	}
	sc.pruneNipLocked()
	restricted := sc.flags&(FlagResend|FlagQForwd) != 0
	drainedOrHeld := sc.fwdQueue.Len() == 0 || sc.onHoldLocked()
	sc.fwdLock.Unlock()

	if restricted {
		sc.repairAfterResponse()
	} else if !drainedOrHeld {
		sc.flushUnsent()
	}
	return req, true
}

// repairAfterResponse replays [head, msg_sent] once per repair pass (guarded
// by QFORWD) after a response arrives while the connection is restricted,
// then resumes normal flushing (§4.C "repair_after_response").
func (sc *SrvConn) repairAfterResponse() {
	sc.fwdLock.Lock()
	if sc.fwdQueue.Len() == 0 {
		sc.flags &^= (FlagResend | FlagQForwd | FlagFaulty)
		sc.fwdLock.Unlock()
		return
	}

	var evicted []pendingEviction
	if sc.flags&FlagQForwd == 0 {
		now := sc.now()
		cur := sc.fwdQueue.Front()
		for cur != nil {
			r := cur.Value.(*msg.Request)
			next := cur.Next()
			isSentCursor := cur == sc.msgSent

			if sc.Policy.MaxJQAge > 0 && now.Sub(r.ReceivedAt) > sc.Policy.MaxJQAge {
				evicted = append(evicted, pendingEviction{r, msg.ErrStatus{Code: 504, Reason: "request exceeded forward queue age limit"}})
				sc.removeLocked(cur)
				if isSentCursor {
					sc.msgSent = nil
					cur = nil
					break
				}
				cur = next
				continue
			}
			if sc.Policy.MaxRefwd > 0 && r.RetryCount >= sc.Policy.MaxRefwd {
				evicted = append(evicted, pendingEviction{r, msg.ErrStatus{Code: 504, Reason: "retries exceeded"}})
				sc.removeLocked(cur)
				if isSentCursor {
					sc.msgSent = nil
					cur = nil
					break
				}
				cur = next
				continue
			}

			r.RetryCount++
			if err := sc.Transport.SendRequest(r); err != nil {
				evicted = append(evicted, pendingEviction{r, msg.ErrStatus{Code: 500, Reason: "forwarding error: " + err.Error()}})
				sc.removeLocked(cur)
				if isSentCursor {
					sc.msgSent = nil
					cur = nil
					break
				}
				cur = next
				continue
			}

			if isSentCursor {
				break
			}
			cur = next
		}
		sc.flags |= FlagQForwd
	}
	sc.fwdLock.Unlock()

	sc.drainEvictions(evicted)
	sc.flushUnsent()
}

// TransportDropped runs the post-drop repair decision (§4.C
// "transport_dropped (repair path)"): it marks the connection not live,
// evicts timed-out entries, then either reschedules everything (FAULTY or
// reconnect-attempts exhausted) or looks at the head request: a
// non-idempotent head is evicted with 504 unless RetryNonIdempotent is set,
// otherwise RESEND is set. No request is retransmitted here; RESEND only
// makes the next ResponseArrived run repairAfterResponse.
func (sc *SrvConn) TransportDropped() {
	sc.live.Store(false)

	sc.evictTimeouts()

	sc.fwdLock.Lock()
	faulty := sc.flags&FlagFaulty != 0 || (sc.Policy.MaxRecns > 0 && sc.recns >= sc.Policy.MaxRecns)
	sc.fwdLock.Unlock()

	if faulty {
		sc.rescheduleAllLocked()
		return
	}

	sc.fwdLock.Lock()
	front := sc.fwdQueue.Front()
	if front == nil {
		sc.fwdLock.Unlock()
		return
	}
	r := front.Value.(*msg.Request)
	var evicted []pendingEviction
	if r.HasFlag(msg.FlagNonIdempotent) && !sc.Policy.RetryNonIdempotent {
		evicted = append(evicted, pendingEviction{r, msg.ErrStatus{Code: 504, Reason: "request dropped: non-idempotent requests are not re-forwarded"}})
		sc.removeLocked(front)
		if sc.msgSent == front {
			sc.msgSent = nil
		}
	} else {
		sc.flags |= FlagResend
	}
	sc.fwdLock.Unlock()

	sc.drainEvictions(evicted)
}

// evictTimeouts removes every entry (anywhere in the queue, sent or not)
// whose age exceeds the group's max_jqage, per §4.C
// "transport_dropped ... run evict_timeouts over the entire queue".
func (sc *SrvConn) evictTimeouts() {
	if sc.Policy.MaxJQAge <= 0 {
		return
	}
	sc.fwdLock.Lock()
	now := sc.now()
	var evicted []pendingEviction
	for e := sc.fwdQueue.Front(); e != nil; {
		next := e.Next()
		r := e.Value.(*msg.Request)
		if now.Sub(r.ReceivedAt) > sc.Policy.MaxJQAge {
			evicted = append(evicted, pendingEviction{r, msg.ErrStatus{Code: 504, Reason: "request exceeded forward queue age limit"}})
			if e == sc.msgSent {
				sc.msgSent = nil
			}
			sc.removeLocked(e)
		}
		e = next
	}
	sc.fwdLock.Unlock()
	sc.drainEvictions(evicted)
}

// rescheduleAllLocked asks the scheduler for an alternative SrvConn for
// every queued request; requests that cannot be rescheduled are evicted
// with 502 (§4.C "reschedule_all"). After the pass the forwarding-queue is
// empty and msg_sent is nil.
func (sc *SrvConn) rescheduleAllLocked() {
	sc.fwdLock.Lock()
	var toMove []*msg.Request
	for e := sc.fwdQueue.Front(); e != nil; e = e.Next() {
		toMove = append(toMove, e.Value.(*msg.Request))
	}
	sc.fwdQueue.Init()
	sc.nipSublist.Init()
	sc.flags &^= FlagHasNip
	sc.msgSent = nil
	sc.qsize = 0
	sc.fwdLock.Unlock()

	for _, r := range toMove {
		r.ListLinks.FwdElem = nil
		r.ListLinks.NipElem = nil
		if sc.Rescheduler == nil {
			sc.evictOne(r, msg.ErrStatus{Code: 502, Reason: "no scheduler configured for reschedule"})
			continue
		}
		alt, ok := sc.Rescheduler.Reschedule(r, sc)
		if !ok {
			sc.evictOne(r, msg.ErrStatus{Code: 502, Reason: "no alternative upstream available"})
			continue
		}
		alt.Enqueue(r)
	}
}

func (sc *SrvConn) evictOne(r *msg.Request, status msg.ErrStatus) {
	if sc.Errors != nil {
		sc.Errors.Evict(r, status)
	}
}

// ScheduleReconnect arms a reconnect attempt after the backoff delay for
// the current attempt count, saturating at 1000ms, setting FAULTY once
// max_recns attempts have been made (§4.C "reconnect").
func (sc *SrvConn) ScheduleReconnect() {
	delay := reconnectDelay(sc.recns)
	sc.recns++
	if sc.Policy.MaxRecns > 0 && sc.recns > sc.Policy.MaxRecns {
		sc.fwdLock.Lock()
		sc.flags |= FlagFaulty
		sc.fwdLock.Unlock()
	}
	time.AfterFunc(delay, sc.attemptReconnect)
}

func (sc *SrvConn) attemptReconnect() {
	if sc.Reconnector == nil {
		return
	}
	if err := sc.Reconnector.Reconnect(); err != nil {
		sc.ScheduleReconnect()
		return
	}
	sc.live.Store(true)
	sc.recns = 0
	sc.fwdLock.Lock()
	sc.flags &^= (FlagFaulty | FlagResend | FlagQForwd)
	sc.fwdLock.Unlock()
}

func (sc *SrvConn) now() time.Time {
	if sc.Now != nil {
		return sc.Now()
	}
	return time.Now()
}
