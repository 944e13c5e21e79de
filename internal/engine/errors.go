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

// reasonPhrase gives the canonical reason phrase for the handful of
// statuses the error & retry path (§4.G, §7) ever synthesizes.
func reasonPhrase(code int) string {
	switch code {
	case 200:
		return "OK"
	case 302:
		return "Found"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Error"
	}
}

// synthesizeErrorResponse builds the literal HTTP error envelope for
// status (§6 "literal HTTP error envelopes for {200,302,403,404,500,502,
// 504}"). Content-Length is always 0: these are header-only envelopes, no
// body is synthesized. A 302's Location/Set-Cookie pair is not produced
// here — no rule action in this engine emits a redirect target, so the
// 302 template exists for completeness against §6 but is currently
// unreachable from request handling.
func synthesizeErrorResponse(status msg.ErrStatus, connClose bool, now time.Time) *msg.Response {
	resp := &msg.Response{}
	resp.Version = msg.Version11
	resp.ReceivedAt = now
	resp.StatusCode = status.Code
	resp.Reason = status.Reason
	if resp.Reason == "" {
		resp.Reason = reasonPhrase(status.Code)
	}

	resp.Headers.Set(msg.HdrDate, chunksOf(now.UTC().Format(http1Date)))
	resp.Headers.Set(msg.HdrContentLength, chunksOf("0"))
	resp.SetFlag(msg.FlagHasDate)

	if connClose {
		resp.Headers.Set(msg.HdrConnection, chunksOf("close"))
		resp.SetFlag(msg.FlagConnClose)
	} else {
		resp.Headers.Set(msg.HdrConnection, chunksOf("keep-alive"))
	}

	return resp
}
