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
	"time"

	"github.com/tempesta/tempesta-fwd/internal/msg"
)

func chunksOf(s string) msg.Chunks {
	if s == "" {
		return nil
	}
	return msg.Chunks{{Data: []byte(s), Flags: msg.FlagComplete}}
}

// adjustRequestForUpstream prepares a request to leave toward a SrvConn
// (§4.G request path step 6): append to X-Forwarded-For, stamp Via, drop
// hop-by-hop headers, and force Connection: keep-alive toward the
// upstream regardless of what the client asked for — the engine manages
// its own upstream connection lifecycle independent of the client's.
func adjustRequestForUpstream(req *msg.Request, serverName string) {
	if req.ClientAddr != "" {
		if prior, ok := req.Headers.Get(msg.HdrXForwardedFor); ok && prior.Len() > 0 {
			combined := string(prior.Bytes()) + ", " + req.ClientAddr
			req.Headers.Set(msg.HdrXForwardedFor, chunksOf(combined))
		} else {
			req.Headers.Set(msg.HdrXForwardedFor, chunksOf(req.ClientAddr))
		}
	}

	if via, ok := req.Headers.Get(msg.HdrVia); ok && via.Len() > 0 {
		req.Headers.Set(msg.HdrVia, chunksOf(string(via.Bytes())+", "+viaToken(req.Version, serverName)))
	} else {
		req.Headers.Set(msg.HdrVia, chunksOf(viaToken(req.Version, serverName)))
	}

	dropHopByHop(&req.Msg)
	req.Headers.Set(msg.HdrConnection, chunksOf("keep-alive"))
}

// adjustResponseForClient prepares a response to leave toward the CliConn
// (§4.G request path step 5, response path step 3): drop hop-by-hop
// headers, stamp Date/Server, set Connection to match the client's
// original intent, and set FlagStale if the cache served it stale. No
// Warning header is added for a stale response.
func adjustResponseForClient(req *msg.Request, resp *msg.Response, serverName string, now time.Time) {
	dropHopByHop(&resp.Msg)

	if !resp.Headers.Present(msg.HdrDate) {
		resp.Headers.Set(msg.HdrDate, chunksOf(now.UTC().Format(http1Date)))
	}
	resp.Headers.Set(msg.HdrServer, chunksOf(serverName))

	if req.HasFlag(msg.FlagConnClose) {
		resp.SetFlag(msg.FlagConnClose)
		resp.Headers.Set(msg.HdrConnection, chunksOf("close"))
	} else {
		resp.Headers.Set(msg.HdrConnection, chunksOf("keep-alive"))
	}

	if resp.Stale {
		resp.SetFlag(msg.FlagStale)
	}
}

// dropHopByHop clears the hop-by-hop headers this module can address
// (§4.G "drop hop-by-hop headers"); Connection and Transfer-Encoding are
// the two hop-by-hop headers tracked in HeaderTable's well-known slots.
func dropHopByHop(m *msg.Msg) {
	m.Headers.Clear(msg.HdrConnection)
	m.Headers.Clear(msg.HdrTransferEncoding)
}

// viaToken builds the Via header's protocol-version/pseudonym pair (RFC
// 7230 §5.7.1).
func viaToken(v msg.Version, pseudonym string) string {
	var proto string
	switch v {
	case msg.Version09:
		proto = "0.9"
	case msg.Version10:
		proto = "1.0"
	case msg.Version20:
		proto = "2.0"
	default:
		proto = "1.1"
	}
	return "HTTP/" + proto + " " + pseudonym
}

// http1Date is the IMF-fixdate layout §6's error envelopes and Date
// headers use.
const http1Date = "Mon, 02 Jan 2006 15:04:05 GMT"
