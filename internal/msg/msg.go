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

package msg

import "time"

// Method is the HTTP request method, as a small closed enum rather than a
// free-form string so scheduling and idempotency checks stay branch-free.
type Method int

const (
	MethodGET Method = iota
	MethodHEAD
	MethodPOST
	MethodPUT
	MethodDELETE
	MethodCONNECT
	MethodOPTIONS
	MethodTRACE
	MethodPATCH
	MethodUnknown
)

// Safe reports whether the method is safe per RFC 7231 §4.2.1 (GET/HEAD),
// i.e. whether a request using it is idempotent by default (4.G step 2).
func (m Method) Safe() bool { return m == MethodGET || m == MethodHEAD }

func (m Method) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodHEAD:
		return "HEAD"
	case MethodPOST:
		return "POST"
	case MethodPUT:
		return "PUT"
	case MethodDELETE:
		return "DELETE"
	case MethodCONNECT:
		return "CONNECT"
	case MethodOPTIONS:
		return "OPTIONS"
	case MethodTRACE:
		return "TRACE"
	case MethodPATCH:
		return "PATCH"
	default:
		return "UNKNOWN"
	}
}

// Version is the HTTP protocol version.
type Version int

const (
	Version09 Version = iota
	Version10
	Version11
	Version20
)

// Flag holds the per-message boolean envelope bits the engine mutates.
type Flag uint32

const (
	FlagConnClose Flag = 1 << iota
	FlagConnKeepAlive
	FlagNonIdempotent
	FlagDuplicateHeaderSeen
	FlagFullURI
	FlagVoidBody
	FlagStale
	FlagHasDate
)

// Msg is the shared envelope for a parsed request or response: append-only
// chunk/header data from the parser, plus engine-owned mutable state
// (flags, timestamps, retry count). 4.A / §3.
type Msg struct {
	Method  Method
	Version Version

	URI  Chunks
	Host Chunks

	Headers HeaderTable
	Body    Chunks

	Chunked       bool
	ContentLength int64

	ReceivedAt  time.Time
	TransmitAt  time.Time
	RetryCount  int
	Flags       Flag
}

func (m *Msg) SetFlag(f Flag)      { m.Flags |= f }
func (m *Msg) ClearFlag(f Flag)    { m.Flags &^= f }
func (m *Msg) HasFlag(f Flag) bool { return m.Flags&f != 0 }

// Request is a parsed request message plus the forwarding-engine's
// bookkeeping: owning CliConn, paired response slot, queue memberships, and
// the transient error slot used when the request is diverted to the error
// path (§3).
type Request struct {
	Msg

	// CliConn is an opaque back-reference to the owning client connection;
	// it is a weak reference in the sense described by §5 "Shared resource
	// policy" — this package does not dereference it.
	CliConn any

	// SrvConn is an opaque back-reference to the SrvConn currently holding
	// this request in its forwarding-queue, or nil if not yet dispatched.
	SrvConn any

	// Resp is set exactly once, by the engine, when a response has been
	// paired with this request (real, cached, or synthesized error).
	Resp *Response

	// Session holds the name (a string) of the server group the engine
	// dispatched this request to; sched.Registry.Reschedule reads it to
	// stay within that group. nil until the engine has routed the request.
	Session any

	// ClientAddr is the originating connection's peer address (host[:port]
	// or bare IP), used for X-Forwarded-For and per-client Frang
	// accounting. It is stamped once, by the engine, at request receipt.
	ClientAddr string

	// Err holds a transient (status, reason) pair when this request has
	// been diverted to the error path (§7); zero value means "no error".
	Err ErrStatus

	// ListLinks holds the intrusive list handles managed by internal/conn;
	// this package never inspects them. They exist here (rather than in a
	// side-table) because a request is a member of at most one
	// sequence-queue and at most one forwarding-queue at a time
	// (Invariant M1), so one embedded element per list is exact, not an
	// approximation.
	ListLinks ListLinks
}

// ErrStatus is the synthesized HTTP status + short reason used on the error
// path (§7): 400/403 classifier, 404 policy, 500 internal, 502 no upstream,
// 504 timeout/retries.
type ErrStatus struct {
	Code   int
	Reason string
}

func (e ErrStatus) IsZero() bool { return e.Code == 0 }

// ListLinks groups the three list-membership handles a Request can hold at
// once: sequence-queue (CliConn), forwarding-queue and nip-sublist
// (SrvConn). SeqElem and FwdElem are both set while a forwarded request
// awaits its response; M1 limits each to a single queue. NipElem is only
// ever set while FwdElem is also set.
type ListLinks struct {
	SeqElem      any
	FwdElem      any
	NipElem      any
}

// Response is a parsed response message plus its forwarding-engine
// metadata: owning SrvConn (or none if served from cache), receipt
// timestamp, Date, stale flag (§3).
type Response struct {
	Msg

	// StatusCode and Reason are the response's status line; for a real
	// upstream response these are filled in by the parser, for a
	// synthesized error response (§7) the engine sets them directly.
	StatusCode int
	Reason     string

	// SrvConn is the opaque back-reference to the upstream connection this
	// response arrived on, or nil if the response was served from cache.
	SrvConn any

	Stale bool
}
