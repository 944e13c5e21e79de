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
	"errors"
	"sync"
	"testing"

	"github.com/tempesta/tempesta-fwd/internal/msg"
)

// fakeTransport is a minimal transport.Conn double recording sent
// responses/requests in order, optionally failing on a configured index.
type fakeTransport struct {
	mu          sync.Mutex
	sentResp    []*msg.Response
	sentReq     []*msg.Request
	failAt      int // -1 disables
	closed      bool
	sendErr     error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{failAt: -1} }

func (f *fakeTransport) SendResponse(r *msg.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt >= 0 && len(f.sentResp) == f.failAt {
		return f.errOrDefault()
	}
	f.sentResp = append(f.sentResp, r)
	return nil
}

func (f *fakeTransport) SendRequest(r *msg.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt >= 0 && len(f.sentReq) == f.failAt {
		return f.errOrDefault()
	}
	f.sentReq = append(f.sentReq, r)
	return nil
}

func (f *fakeTransport) errOrDefault() error {
	if f.sendErr != nil {
		return f.sendErr
	}
	return errors.New("send failed")
}

func (f *fakeTransport) CloseSync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newReq() *msg.Request { return &msg.Request{} }

// TestCliConnPipelinedOrdering is scenario 1 from spec §8: three requests
// enqueued in order, paired out of order, must be delivered to the client
// in request order (P1).
func TestCliConnPipelinedOrdering(t *testing.T) {
	ft := newFakeTransport()
	c := NewCliConn(ft)

	a, b, cc := newReq(), newReq(), newReq()
	c.Enqueue(a)
	c.Enqueue(b)
	c.Enqueue(cc)

	respB := &msg.Response{}
	respA := &msg.Response{}
	respC := &msg.Response{}

	// Upstream answers b first: nothing flushes yet (a is still unanswered).
	c.Pair(b, respB)
	if len(ft.sentResp) != 0 {
		t.Fatalf("expected no flush until a is answered, got %d", len(ft.sentResp))
	}

	// Then a: flushes a and b together, in order.
	c.Pair(a, respA)
	if len(ft.sentResp) != 2 || ft.sentResp[0] != respA || ft.sentResp[1] != respB {
		t.Fatalf("expected [a,b] flushed in order, got %v", ft.sentResp)
	}

	// Then c: flushes immediately since it is now the head.
	c.Pair(cc, respC)
	if len(ft.sentResp) != 3 || ft.sentResp[2] != respC {
		t.Fatalf("expected c flushed third, got %v", ft.sentResp)
	}
}

func TestCliConnFlushFailureClosesTransport(t *testing.T) {
	ft := newFakeTransport()
	ft.failAt = 1 // second response in a batch fails to send
	c := NewCliConn(ft)

	a, b := newReq(), newReq()
	c.Enqueue(a)
	c.Enqueue(b)
	c.Pair(b, &msg.Response{})
	c.Pair(a, &msg.Response{})

	if !ft.isClosed() {
		t.Fatalf("expected transport to be closed synchronously on flush failure")
	}
	if len(ft.sentResp) != 1 {
		t.Fatalf("expected exactly one response sent before failure, got %d", len(ft.sentResp))
	}
}

// TestCliConnDrop verifies §4.B drop semantics: answered requests are
// freed, unanswered ones are detached but left alive for their SrvConn.
func TestCliConnDrop(t *testing.T) {
	c := NewCliConn(newFakeTransport())
	answered, unanswered := newReq(), newReq()
	c.Enqueue(answered)
	c.Enqueue(unanswered)
	answered.Resp = &msg.Response{}

	freed := c.Drop()
	if len(freed) != 1 || freed[0] != answered {
		t.Fatalf("expected only the answered request to be freed, got %v", freed)
	}
	if c.Len() != 0 {
		t.Fatalf("expected sequence-queue empty after drop, got %d", c.Len())
	}
	if unanswered.ListLinks.SeqElem != nil {
		t.Fatalf("expected unanswered request detached from sequence-queue")
	}
}

// TestCliConnNonIdempotentDowngrade mirrors §4.B/§9: enqueuing a new
// request clears FlagNonIdempotent on the prior tail.
func TestCliConnNonIdempotentDowngrade(t *testing.T) {
	c := NewCliConn(newFakeTransport())
	first := newReq()
	first.SetFlag(msg.FlagNonIdempotent)
	c.Enqueue(first)
	if !first.HasFlag(msg.FlagNonIdempotent) {
		t.Fatalf("precondition: first must start non-idempotent")
	}

	second := newReq()
	c.Enqueue(second)
	if first.HasFlag(msg.FlagNonIdempotent) {
		t.Fatalf("expected prior tail downgraded to idempotent on new arrival")
	}
}
