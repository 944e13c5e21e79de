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

package config

import (
	"fmt"
	"strings"

	"github.com/tempesta/tempesta-fwd/internal/conn"
	"github.com/tempesta/tempesta-fwd/internal/frang"
	"github.com/tempesta/tempesta-fwd/internal/msg"
	"github.com/tempesta/tempesta-fwd/internal/rules"
	"github.com/tempesta/tempesta-fwd/internal/sched"
)

// BuildRuleTable constructs a single-chain rules.Table routing by exact
// Host header match, one rule per configured vhost in order, per
// Config.VHosts. This is the literal-host-match reading of §6's vhost
// configuration surface; richer per-location rule grammars are loaded
// from a Store (internal/rules.Store) instead of this YAML document.
func (c Config) BuildRuleTable() (*rules.Table, error) {
	tbl := rules.NewTable()
	chain := &rules.Chain{Name: ""}
	for _, v := range c.VHosts {
		chain.MatchRules = append(chain.MatchRules, rules.Rule{
			Field:  rules.FieldHdrHost,
			Op:     rules.OpEQ,
			Arg:    v.Name,
			Action: rules.Action{Kind: rules.ActionVHost, VHost: v.Name},
		})
	}
	if err := tbl.AddChain(chain); err != nil {
		return nil, err
	}
	if err := tbl.Validate(); err != nil {
		return nil, err
	}
	return tbl, nil
}

// VHostGroups builds the VHost-name -> server-group-name map Engine
// needs to resolve a matched vhost to its upstream pool.
func (c Config) VHostGroups() map[string]string {
	m := make(map[string]string, len(c.VHosts))
	for _, v := range c.VHosts {
		m[v.Name] = v.ServerGroup
	}
	return m
}

// Policy converts a ServerGroupConfig's queue/retry fields into a
// conn.Policy.
func (g ServerGroupConfig) Policy() conn.Policy {
	return conn.Policy{
		MaxQSize:           g.ServerQueueSize,
		MaxJQAge:           g.ServerForwardTimeout,
		MaxRefwd:           g.ServerForwardRetries,
		MaxRecns:           g.ServerConnectRetries,
		RetryNonIdempotent: g.ServerRetryNonidempotent,
	}
}

// SchedKind maps the configured scheduling algorithm name to its
// sched.SchedKind, defaulting to round robin on an empty or unknown
// value.
func (g ServerGroupConfig) SchedKind() sched.SchedKind {
	switch strings.ToLower(g.Sched) {
	case "hash":
		return sched.SchedHash
	default:
		return sched.SchedRoundRobin
	}
}

// StickyMode maps the configured sticky_sessions name to its
// sched.StickyMode, defaulting to off.
func (g ServerGroupConfig) StickyMode() sched.StickyMode {
	switch strings.ToLower(g.StickySessions) {
	case "on":
		return sched.StickyOn
	case "on_failover":
		return sched.StickyOnFailover
	default:
		return sched.StickyOff
	}
}

// BuildGroup constructs a *sched.ServerGroup from this config entry. It
// does not dial or register transport connections: the caller supplies
// those per server address via sched.Registry.AddConn.
func (g ServerGroupConfig) BuildGroup() *sched.ServerGroup {
	group := sched.NewServerGroup(g.Name, g.Policy(), g.SchedKind())
	group.StickySessions = g.StickyMode()
	return group
}

var methodNames = map[string]msg.Method{
	"GET":     msg.MethodGET,
	"HEAD":    msg.MethodHEAD,
	"POST":    msg.MethodPOST,
	"PUT":     msg.MethodPUT,
	"DELETE":  msg.MethodDELETE,
	"CONNECT": msg.MethodCONNECT,
	"OPTIONS": msg.MethodOPTIONS,
	"TRACE":   msg.MethodTRACE,
	"PATCH":   msg.MethodPATCH,
}

// Frang converts the YAML-friendly FrangConfig into internal/frang's
// runtime Config, including the http_methods allow-list's
// string-to-bitmask conversion.
func (f FrangConfig) Frang() (frang.Config, error) {
	var mask frang.MethodMask
	for _, name := range f.HTTPMethods {
		m, ok := methodNames[strings.ToUpper(name)]
		if !ok {
			return frang.Config{}, fmt.Errorf("config: unknown http_methods entry %q", name)
		}
		mask |= frang.MethodBit(m)
	}

	return frang.Config{
		RequestRate:           f.RequestRate,
		RequestBurst:          f.RequestBurst,
		ConnectionRate:        f.ConnectionRate,
		ConnectionBurst:       f.ConnectionBurst,
		ConcurrentConnections: f.ConcurrentConnections,
		ClientHeaderTimeout:   f.ClientHeaderTimeout,
		ClientBodyTimeout:     f.ClientBodyTimeout,
		HTTPURILen:            f.HTTPURILen,
		HTTPFieldLen:          f.HTTPFieldLen,
		HTTPBodyLen:           f.HTTPBodyLen,
		HTTPHeaderCnt:         f.HTTPHeaderCnt,
		HTTPHeaderChunkCnt:    f.HTTPHeaderChunkCnt,
		HTTPBodyChunkCnt:      f.HTTPBodyChunkCnt,
		HTTPHostRequired:      f.HTTPHostRequired,
		HTTPCTRequired:        f.HTTPCTRequired,
		HTTPMethods:           mask,
		HTTPCTVals:            f.HTTPCTVals,
		IPBlock:               f.IPBlock,
	}, nil
}

// BuildLimiter converts and constructs a ready-to-use *frang.Limiter,
// sharing blocklist across vhosts when non-nil.
func (f FrangConfig) BuildLimiter(blocklist frang.Blocklist) (*frang.Limiter, error) {
	cfg, err := f.Frang()
	if err != nil {
		return nil, err
	}
	return frang.NewLimiter(cfg, blocklist), nil
}
