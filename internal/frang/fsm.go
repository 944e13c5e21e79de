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

// Package frang implements the per-client request classifier (§4.F): a
// staged state machine driven per parsed chunk, backed by an 8-slot ring
// buffer of rate/burst counters, that either passes a request through or
// blocks it (and optionally adds its source IP to a blocklist).
package frang

// State is one stage of the per-request classification walk (§4.F):
//
//	Req_Start -> Req_Hdr_Start -> Method -> UriLen -> FieldDup -> FieldLen
//	-> Crlf (loops back to FieldDup until end-of-headers)
//	-> FieldLenFinal -> Host -> ContentType
//	-> Body_Start -> Body_Timeout -> Body_ChunkCnt -> Body_Len (loops) -> Done
type State int

const (
	StateReqStart State = iota
	StateReqHdrStart
	StateMethod
	StateURILen
	StateFieldDup
	StateFieldLen
	StateCrlf
	StateFieldLenFinal
	StateHost
	StateContentType
	StateBodyStart
	StateBodyTimeout
	StateBodyChunkCnt
	StateBodyLen
	StateDone
)

// Verdict is the classifier's outcome at a given state transition.
type Verdict int

const (
	// VerdictPass lets the chunk/request continue.
	VerdictPass Verdict = iota
	// VerdictBlock rejects the request (400/403, §7); if the session's
	// limiter has ip_block set, the source IP is also blocklisted.
	VerdictBlock
)
