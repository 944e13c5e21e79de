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

// Package transport defines the narrow interfaces the forwarding engine
// uses to reach its external collaborators: the byte-level transport, the
// HTTP parser, and the response cache (spec §6, §1 "explicitly out of
// scope"). The engine never touches sockets or TLS records directly; it
// only calls these interfaces and reacts to the events they push back.
package transport

import "github.com/tempesta/tempesta-fwd/internal/msg"

// Conn is an ordered, reliable byte-stream connection with per-connection
// backpressure (§5 "Scheduling model"). Both CliConn and SrvConn hold one.
type Conn interface {
	// SendRequest transmits a request to an upstream peer. Only meaningful
	// for a SrvConn's transport.
	SendRequest(req *msg.Request) error

	// SendResponse transmits a response to a client peer. Only meaningful
	// for a CliConn's transport.
	SendResponse(resp *msg.Response) error

	// CloseSync closes the connection synchronously, used on any
	// unrecoverable per-connection condition (§7 "Unrecoverable conditions
	// for a connection").
	CloseSync()
}

// ConnEvents are the callbacks a Conn implementation pushes back to its
// owner (§6 "events pushed back as on_drop / on_error / on_established").
type ConnEvents interface {
	OnDrop()
	OnError(err error)
	OnEstablished()
}

// ParseResult is the outcome of feeding bytes to the parser (§6
// "parser_push(bytes)").
type ParseResult int

const (
	ParseNeedMore ParseResult = iota
	ParseBlock
	ParseComplete
	ParsePostpone
)

// Parser is the external HTTP byte-level parser. It may split a message
// across invocations and must honor chunk boundaries (§6).
type Parser interface {
	// PushRequest feeds bytes belonging to a client stream. On
	// ParseComplete, req is the fully parsed request.
	PushRequest(data []byte) (result ParseResult, req *msg.Request, err error)

	// PushResponse feeds bytes belonging to an upstream stream. On
	// ParseComplete, resp is the fully parsed response.
	PushResponse(data []byte) (result ParseResult, resp *msg.Response, err error)
}

// CacheLookupFunc is invoked by the cache once a lookup resolves: resp is
// nil on a miss (§6 "cache_lookup(req, cb) schedules cb(req, resp_or_none)
// eventually").
type CacheLookupFunc func(req *msg.Request, resp *msg.Response)

// CacheStoreFunc is invoked once a store completes, after the cache has
// applied its own adjustment to resp (§6 "cache_store schedules cb(req,
// resp) after adjustment").
type CacheStoreFunc func(req *msg.Request, resp *msg.Response)

// Cache is the external response cache. Both methods are asynchronous from
// the engine's standpoint and must be safe to call without holding any
// engine lock (§5 "Suspension points": "The cache callback executes without
// any connection lock held").
type Cache interface {
	Lookup(req *msg.Request, cb CacheLookupFunc)
	Store(req *msg.Request, resp *msg.Response, cb CacheStoreFunc)
}
