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

// Package rules implements the chained rule-matching table (§4.E): a rule
// evaluates one field of a request against a literal argument and either
// routes to a virtual host, jumps to another chain, stamps a mark, or
// blocks the request outright.
package rules

import (
	"strings"

	"github.com/tempesta/tempesta-fwd/internal/msg"
)

// Field selects which part of the request a Rule inspects.
type Field int

const (
	FieldURI Field = iota
	FieldHost
	FieldHdrHost
	FieldHdrConn
	FieldHdrReferer
	FieldHdrRaw
	FieldMark
	FieldMethod
	FieldWildcard
)

// Op is the comparison a Rule performs against its Arg.
type Op int

const (
	OpEQ Op = iota
	OpPrefix
	OpWildcard
)

// ActionKind is the effect a matching Rule has on evaluation.
type ActionKind int

const (
	ActionVHost ActionKind = iota
	ActionChain
	ActionMark
	ActionBlock
)

// Action is what happens when a Rule matches: route to a vhost, jump to
// another chain (subject to the T1 acyclicity check at load time), stamp a
// mark and keep evaluating, or block outright.
type Action struct {
	Kind  ActionKind
	VHost string
	Chain string
	Mark  uint32
}

// Rule is one predicate-action pair: `field op "arg" -> action` (§4.E
// grammar). Inv flips the predicate's result before Action applies.
type Rule struct {
	Field Field
	Op    Op
	Inv   bool
	Arg   string
	HdrName string // only meaningful when Field == FieldHdrRaw
	Action  Action
}

// hdrRawSlot maps the small set of raw header names this module can address
// to their HeaderTable slot; HDR_RAW rules against any other header name
// never match, since the table only tracks well-known slots (§4.A).
var hdrRawSlot = map[string]msg.HdrSlot{
	"host":            msg.HdrHost,
	"connection":      msg.HdrConnection,
	"content-length":  msg.HdrContentLength,
	"content-type":    msg.HdrContentType,
	"transfer-encoding": msg.HdrTransferEncoding,
	"date":            msg.HdrDate,
	"referer":         msg.HdrReferer,
	"x-forwarded-for": msg.HdrXForwardedFor,
	"via":             msg.HdrVia,
	"cookie":          msg.HdrCookie,
	"set-cookie":      msg.HdrSetCookie,
	"server":          msg.HdrServer,
}

// matches reports whether r's predicate holds for req, before Inv is
// applied (mark is the request's current accumulated mark, since FieldMark
// rules compare against marks stamped earlier in the same chain walk).
func (r Rule) matches(req *msg.Request, mark uint32) bool {
	switch r.Field {
	case FieldWildcard:
		return true
	case FieldMethod:
		return compareString(r.Op, req.Method.String(), r.Arg)
	case FieldMark:
		return compareUint32(r.Op, mark, r.Arg)
	case FieldURI:
		return compareChunks(r.Op, req.URI, r.Arg)
	case FieldHost:
		return compareChunks(r.Op, req.Host, r.Arg)
	case FieldHdrHost:
		v, ok := req.Headers.Get(msg.HdrHost)
		return ok && compareChunks(r.Op, v, r.Arg)
	case FieldHdrConn:
		v, ok := req.Headers.Get(msg.HdrConnection)
		return ok && compareChunks(r.Op, v, r.Arg)
	case FieldHdrReferer:
		v, ok := req.Headers.Get(msg.HdrReferer)
		return ok && compareChunks(r.Op, v, r.Arg)
	case FieldHdrRaw:
		return r.matchesRaw(req)
	default:
		return false
	}
}

// matchesRaw compares against the "name: value" form (§4.E), tolerating
// the whitespace the grammar allows around the colon.
func (r Rule) matchesRaw(req *msg.Request) bool {
	slot, ok := hdrRawSlot[strings.ToLower(r.HdrName)]
	if !ok {
		return false
	}
	v, ok := req.Headers.Get(slot)
	if !ok {
		return false
	}
	raw := r.HdrName + ": " + string(v.Bytes())
	arg := r.Arg
	if i := strings.IndexByte(arg, ':'); i >= 0 {
		arg = strings.TrimRight(arg[:i], " \t") + ": " + strings.TrimLeft(arg[i+1:], " \t")
	}
	return compareString(r.Op, raw, arg)
}

// Eval applies Inv to matches and returns the final predicate result.
func (r Rule) Eval(req *msg.Request, mark uint32) bool {
	result := r.matches(req, mark)
	if r.Inv {
		return !result
	}
	return result
}

func compareChunks(op Op, cs msg.Chunks, arg string) bool {
	switch op {
	case OpWildcard:
		return true
	case OpPrefix:
		return msg.HasPrefixFold(cs, arg)
	default:
		return msg.EqualFoldString(cs, arg)
	}
}

func compareString(op Op, s, arg string) bool {
	switch op {
	case OpWildcard:
		return true
	case OpPrefix:
		return len(s) >= len(arg) && strings.EqualFold(s[:len(arg)], arg)
	default:
		return strings.EqualFold(s, arg)
	}
}

func compareUint32(op Op, mark uint32, arg string) bool {
	if op == OpWildcard {
		return true
	}
	var want uint32
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		if c < '0' || c > '9' {
			return false
		}
		want = want*10 + uint32(c-'0')
	}
	return mark == want
}
