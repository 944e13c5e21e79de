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

package frang

import (
	"time"

	"github.com/tempesta/tempesta-fwd/internal/msg"
)

// Session walks one request through the classifier's states (§4.F). It is
// created per request by a Client and discarded once Done (or blocked).
// Timeouts are cross-cuts rather than states: CheckHeaderTimeout can be
// called from any header-phase state, and BodyChunk checks the body timeout
// on every chunk.
type Session struct {
	client *Client
	cfg    *Config

	state State

	uriLen       int
	headerCnt    int
	headerChunks int
	bodyLen      int64
	bodyChunks   int

	hdrStart  time.Time
	lastChunk time.Time
}

func newSession(c *Client, now time.Time) *Session {
	return &Session{client: c, cfg: &c.cfg, state: StateReqStart, hdrStart: now, lastChunk: now}
}

// Start marks the beginning of a request's header phase (Req_Start ->
// Req_Hdr_Start) and, if this is also a new connection (callers pass
// isNewConn=false for subsequent requests on an already-open connection),
// records a connection-level rate/burst event and this client's updated
// open-connection count against concurrent_connections (§6).
func (s *Session) Start(now time.Time, isNewConn bool) Verdict {
	s.state = StateReqHdrStart
	if isNewConn {
		burst, rate := s.client.ring.RecordConnection(now)
		if s.cfg.ConnectionBurst > 0 && burst > s.cfg.ConnectionBurst {
			return s.block()
		}
		if s.cfg.ConnectionRate > 0 && rate > s.cfg.ConnectionRate {
			return s.block()
		}
		if open := s.client.OnConnect(); s.cfg.ConcurrentConnections > 0 && open > int64(s.cfg.ConcurrentConnections) {
			return s.block()
		}
	}
	burst, rate := s.client.ring.RecordRequest(now)
	if s.cfg.RequestBurst > 0 && burst > s.cfg.RequestBurst {
		return s.block()
	}
	if s.cfg.RequestRate > 0 && rate > s.cfg.RequestRate {
		return s.block()
	}
	return VerdictPass
}

// Method advances Req_Hdr_Start -> Method, checking the allowed-methods
// bitmask (§6 "http_methods").
func (s *Session) Method(m msg.Method) Verdict {
	s.state = StateMethod
	if !s.cfg.HTTPMethods.Allows(m) {
		return s.block()
	}
	return VerdictPass
}

// URI advances Method -> UriLen, checking http_uri_len.
func (s *Session) URI(length int) Verdict {
	s.state = StateURILen
	s.uriLen = length
	if s.cfg.HTTPURILen > 0 && s.uriLen > s.cfg.HTTPURILen {
		return s.block()
	}
	return VerdictPass
}

// Header advances through FieldDup/FieldLen/Crlf for one header line,
// checking single-header length, total header count, and header-chunk
// count (§6 "http_field_len", "http_header_cnt", "http_header_chunk_cnt").
// chunkCount is how many parser chunks this header's value was split
// across; isDup marks a header already seen (the FieldDup leg of the FSM
// picture) — duplicates are not blocked here, only counted, since
// duplicate-handling proper belongs to internal/msg's HeaderTable.
func (s *Session) Header(now time.Time, nameLen, valueLen, chunkCount int, isDup bool) Verdict {
	s.state = StateFieldLen
	_ = isDup
	s.headerCnt++
	s.headerChunks += chunkCount
	s.lastChunk = now

	if s.cfg.HTTPFieldLen > 0 && nameLen+valueLen > s.cfg.HTTPFieldLen {
		return s.block()
	}
	if s.cfg.HTTPHeaderCnt > 0 && s.headerCnt > s.cfg.HTTPHeaderCnt {
		return s.block()
	}
	if s.cfg.HTTPHeaderChunkCnt > 0 && s.headerChunks > s.cfg.HTTPHeaderChunkCnt {
		return s.block()
	}
	s.state = StateCrlf
	return VerdictPass
}

// CheckHeaderTimeout is the header-phase timeout cross-cut (§4.F
// "header-receive timeout"): call on every chunk while still in a
// header-phase state.
func (s *Session) CheckHeaderTimeout(now time.Time) Verdict {
	if s.cfg.ClientHeaderTimeout > 0 && now.Sub(s.hdrStart) > s.cfg.ClientHeaderTimeout {
		return s.block()
	}
	return VerdictPass
}

// HeadersComplete advances Crlf -> FieldLenFinal -> Host -> ContentType,
// checking required headers and the content-type allow-list (§6
// "http_host_required", "http_ct_required", "http_ct_vals").
func (s *Session) HeadersComplete(hostSeen, ctSeen bool, contentType string) Verdict {
	s.state = StateFieldLenFinal
	if s.cfg.HTTPHostRequired && !hostSeen {
		return s.block()
	}
	s.state = StateHost
	if s.cfg.HTTPCTRequired && !ctSeen {
		return s.block()
	}
	s.state = StateContentType
	if ctSeen && !s.cfg.allowedContentType(contentType) {
		return s.block()
	}
	s.state = StateBodyStart
	return VerdictPass
}

// BodyChunk advances Body_Start -> Body_Timeout -> Body_ChunkCnt ->
// Body_Len, checking body length, body-chunk count, and the inter-chunk
// timeout (§6 "http_body_len", "http_body_chunk_cnt",
// "client_body_timeout"; §4.F "body-inter-chunk timeout").
func (s *Session) BodyChunk(now time.Time, n int) Verdict {
	if s.cfg.ClientBodyTimeout > 0 && now.Sub(s.lastChunk) > s.cfg.ClientBodyTimeout {
		return s.block()
	}
	s.state = StateBodyChunkCnt
	s.bodyChunks++
	s.bodyLen += int64(n)
	s.lastChunk = now

	if s.cfg.HTTPBodyChunkCnt > 0 && s.bodyChunks > s.cfg.HTTPBodyChunkCnt {
		return s.block()
	}
	s.state = StateBodyLen
	if s.cfg.HTTPBodyLen > 0 && s.bodyLen > s.cfg.HTTPBodyLen {
		return s.block()
	}
	return VerdictPass
}

// Done marks the request fully classified and passed.
func (s *Session) Done() {
	s.state = StateDone
}

// State returns the session's current FSM stage (tests/telemetry).
func (s *Session) State() State { return s.state }

func (s *Session) block() Verdict {
	if s.cfg.IPBlock {
		s.client.blocklist.Block(s.client.ip)
	}
	return VerdictBlock
}
