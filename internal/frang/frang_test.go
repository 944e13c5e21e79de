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
	"testing"
	"time"

	"github.com/tempesta/tempesta-fwd/internal/msg"
)

// TestFrangBurstBlock is spec §8 scenario 6: with request_burst=3, a
// client sending 4 requests within one 1/8-second slot sees the 4th
// rejected.
func TestFrangBurstBlock(t *testing.T) {
	lim := NewLimiter(Config{RequestBurst: 3}, nil)
	client := lim.ClientFor("203.0.113.1")

	now := time.Now()
	var verdicts []Verdict
	for i := 0; i < 4; i++ {
		s := client.NewSession(now)
		verdicts = append(verdicts, s.Start(now, false))
	}

	for i := 0; i < 3; i++ {
		if verdicts[i] != VerdictPass {
			t.Fatalf("expected request %d to pass, got %v", i, verdicts[i])
		}
	}
	if verdicts[3] != VerdictBlock {
		t.Fatalf("expected the 4th request in the same slot to be blocked")
	}
}

func TestFrangBurstBlockWithIPBlockSetsBlocklist(t *testing.T) {
	lim := NewLimiter(Config{RequestBurst: 1, IPBlock: true}, nil)
	client := lim.ClientFor("203.0.113.2")
	now := time.Now()

	client.NewSession(now).Start(now, false)
	s2 := client.NewSession(now)
	if v := s2.Start(now, false); v != VerdictBlock {
		t.Fatalf("expected second request to be blocked")
	}
	if !client.Blocked() {
		t.Fatalf("expected ip_block to have blocklisted the client")
	}
}

// TestFrangRequestRateWindow is P9: the observed rate over any one-second
// window never exceeds request_rate + request_burst for a single client.
func TestFrangRequestRateWindow(t *testing.T) {
	lim := NewLimiter(Config{RequestRate: 5}, nil)
	client := lim.ClientFor("203.0.113.3")

	base := time.Now()
	passed := 0
	for i := 0; i < 10; i++ {
		now := base.Add(time.Duration(i) * 100 * time.Millisecond) // spread across ~1s, distinct slots
		s := client.NewSession(now)
		if s.Start(now, false) == VerdictPass {
			passed++
		}
	}
	if passed > 5 {
		t.Fatalf("expected at most request_rate=5 passes within one second, got %d", passed)
	}
}

func TestFrangRateWindowResetsAfterOneSecond(t *testing.T) {
	lim := NewLimiter(Config{RequestRate: 2}, nil)
	client := lim.ClientFor("203.0.113.4")

	now := time.Now()
	client.NewSession(now).Start(now, false)
	client.NewSession(now).Start(now, false)
	if v := client.NewSession(now).Start(now, false); v != VerdictBlock {
		t.Fatalf("expected third request in the same window to be blocked")
	}

	later := now.Add(2 * time.Second)
	if v := client.NewSession(later).Start(later, false); v != VerdictPass {
		t.Fatalf("expected rate window to have rolled over after 2s, got %v", v)
	}
}

func TestFrangURILenAndMethodMask(t *testing.T) {
	cfg := Config{HTTPURILen: 10, HTTPMethods: MethodBit(msg.MethodGET) | MethodBit(msg.MethodHEAD)}
	lim := NewLimiter(cfg, nil)
	client := lim.ClientFor("203.0.113.5")
	now := time.Now()

	s := client.NewSession(now)
	if v := s.Method(msg.MethodPOST); v != VerdictBlock {
		t.Fatalf("expected POST to be blocked by http_methods mask")
	}

	s2 := client.NewSession(now)
	if v := s2.Method(msg.MethodGET); v != VerdictPass {
		t.Fatalf("expected GET to pass the method mask")
	}
	if v := s2.URI(20); v != VerdictBlock {
		t.Fatalf("expected over-length URI to be blocked")
	}
}

func TestFrangRequiredHeadersAndContentType(t *testing.T) {
	cfg := Config{HTTPHostRequired: true, HTTPCTRequired: true, HTTPCTVals: []string{"application/json"}}
	lim := NewLimiter(cfg, nil)
	client := lim.ClientFor("203.0.113.6")
	now := time.Now()

	s := client.NewSession(now)
	if v := s.HeadersComplete(false, true, "application/json"); v != VerdictBlock {
		t.Fatalf("expected missing Host to be blocked")
	}

	s2 := client.NewSession(now)
	if v := s2.HeadersComplete(true, true, "text/plain"); v != VerdictBlock {
		t.Fatalf("expected disallowed content-type to be blocked")
	}

	s3 := client.NewSession(now)
	if v := s3.HeadersComplete(true, true, "application/json"); v != VerdictPass {
		t.Fatalf("expected allowed content-type to pass")
	}
}

func TestFrangBodyLenAndChunkCnt(t *testing.T) {
	cfg := Config{HTTPBodyLen: 100, HTTPBodyChunkCnt: 2}
	lim := NewLimiter(cfg, nil)
	client := lim.ClientFor("203.0.113.7")
	now := time.Now()

	s := client.NewSession(now)
	if v := s.BodyChunk(now, 50); v != VerdictPass {
		t.Fatalf("expected first chunk to pass")
	}
	if v := s.BodyChunk(now, 60); v != VerdictBlock {
		t.Fatalf("expected total body length over http_body_len to block")
	}

	s2 := client.NewSession(now)
	s2.BodyChunk(now, 1)
	s2.BodyChunk(now, 1)
	if v := s2.BodyChunk(now, 1); v != VerdictBlock {
		t.Fatalf("expected chunk count over http_body_chunk_cnt to block")
	}
}

// TestFrangConcurrentConnectionsBlock is spec §8's concurrent_connections
// case: with concurrent_connections=2, a client's 3rd simultaneously open
// connection is rejected (but still counted until it closes), and once the
// rejected connection and one other have closed, a slot is free for the next.
func TestFrangConcurrentConnectionsBlock(t *testing.T) {
	lim := NewLimiter(Config{ConcurrentConnections: 2}, nil)
	client := lim.ClientFor("203.0.113.9")
	now := time.Now()

	if v := client.NewSession(now).Start(now, true); v != VerdictPass {
		t.Fatalf("expected 1st connection to pass")
	}
	if v := client.NewSession(now).Start(now, true); v != VerdictPass {
		t.Fatalf("expected 2nd connection to pass")
	}
	if v := client.NewSession(now).Start(now, true); v != VerdictBlock {
		t.Fatalf("expected 3rd simultaneous connection to be blocked")
	}
	if got := client.OpenConnections(); got != 3 {
		t.Fatalf("expected OnConnect to still count the rejected connection as open, got %d", got)
	}

	client.OnDisconnect()
	if got := client.OpenConnections(); got != 2 {
		t.Fatalf("expected open count to drop to 2 after a disconnect, got %d", got)
	}
	// The rejected connection closes as well, leaving one open below the limit.
	client.OnDisconnect()
	if v := client.NewSession(now).Start(now, true); v != VerdictPass {
		t.Fatalf("expected a new connection to pass once a slot freed up")
	}
}

func TestFrangHeaderTimeout(t *testing.T) {
	cfg := Config{ClientHeaderTimeout: 50 * time.Millisecond}
	lim := NewLimiter(cfg, nil)
	client := lim.ClientFor("203.0.113.8")
	now := time.Now()
	s := client.NewSession(now)

	if v := s.CheckHeaderTimeout(now.Add(10 * time.Millisecond)); v != VerdictPass {
		t.Fatalf("expected within-timeout check to pass")
	}
	if v := s.CheckHeaderTimeout(now.Add(100 * time.Millisecond)); v != VerdictBlock {
		t.Fatalf("expected over-timeout check to block")
	}
}
