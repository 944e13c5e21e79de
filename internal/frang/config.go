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
	"strings"
	"time"

	"github.com/tempesta/tempesta-fwd/internal/msg"
)

// MethodMask is a bitmask of allowed msg.Method values (§6 "http_methods").
type MethodMask uint16

func MethodBit(m msg.Method) MethodMask { return 1 << MethodMask(m) }

func (m MethodMask) Allows(method msg.Method) bool {
	return m == 0 || m&MethodBit(method) != 0
}

// Config is the per-client-classifier section of the configuration
// surface (§6 "Per Frang section"). Zero means unlimited for count/length
// limits, matching the spec's stated default.
type Config struct {
	RequestRate           uint32
	RequestBurst          uint32
	ConnectionRate        uint32
	ConnectionBurst       uint32
	ConcurrentConnections uint32

	ClientHeaderTimeout time.Duration
	ClientBodyTimeout   time.Duration

	HTTPURILen         int
	HTTPFieldLen       int
	HTTPBodyLen        int64
	HTTPHeaderCnt      int
	HTTPHeaderChunkCnt int
	HTTPBodyChunkCnt   int

	HTTPHostRequired bool
	HTTPCTRequired   bool

	HTTPMethods MethodMask
	HTTPCTVals  []string // allowed Content-Type prefixes; empty means unrestricted

	IPBlock bool
}

// allowedContentType reports whether ct matches one of the configured
// allowed prefixes, case-insensitively. An empty allow-list permits
// anything (§6: the list constrains only when non-empty).
func (c Config) allowedContentType(ct string) bool {
	if len(c.HTTPCTVals) == 0 {
		return true
	}
	for _, prefix := range c.HTTPCTVals {
		if len(ct) >= len(prefix) && strings.EqualFold(ct[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}
