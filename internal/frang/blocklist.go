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
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blocklist records IPs blocked by ip_block (§4.F "if ip_block is set, the
// source IP is additionally added to a blocklist"). A single process can
// run many frang instances (one per vhost/location); sharing a Blocklist
// across them makes a block on one effective everywhere.
type Blocklist interface {
	Block(ip string)
	Blocked(ip string) bool
}

// LocalBlocklist is the in-process fallback: a sync.Map keyed by IP,
// values are the block's expiry time. Used when no shared backing store
// is configured, or as the always-available tier under RedisBlocklist.
type LocalBlocklist struct {
	entries sync.Map // string -> time.Time
	ttl     time.Duration
}

// NewLocalBlocklist constructs a process-local blocklist; ttl <= 0 means
// blocks never expire.
func NewLocalBlocklist(ttl time.Duration) *LocalBlocklist {
	return &LocalBlocklist{ttl: ttl}
}

func (l *LocalBlocklist) Block(ip string) {
	var expiry time.Time
	if l.ttl > 0 {
		expiry = time.Now().Add(l.ttl)
	}
	l.entries.Store(ip, expiry)
}

func (l *LocalBlocklist) Blocked(ip string) bool {
	v, ok := l.entries.Load(ip)
	if !ok {
		return false
	}
	expiry := v.(time.Time)
	if expiry.IsZero() {
		return true
	}
	if time.Now().After(expiry) {
		l.entries.Delete(ip)
		return false
	}
	return true
}

// RedisBlocklist shares block state across a fleet of proxy instances
// via a Redis SET with a TTL (§6 "ip_block"). Reads fall back to Local on
// any Redis error, so a transient Redis outage degrades to per-instance
// blocking rather than admitting previously-blocked clients.
type RedisBlocklist struct {
	client *redis.Client
	ttl    time.Duration
	keyFn  func(ip string) string
	local  *LocalBlocklist
}

// NewRedisBlocklist wraps an existing go-redis client; ttl <= 0 defaults
// to 24 hours to bound unbounded key growth.
func NewRedisBlocklist(client *redis.Client, ttl time.Duration) *RedisBlocklist {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisBlocklist{
		client: client,
		ttl:    ttl,
		keyFn:  func(ip string) string { return "frang:block:" + ip },
		local:  NewLocalBlocklist(ttl),
	}
}

func (r *RedisBlocklist) Block(ip string) {
	r.local.Block(ip)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.client.Set(ctx, r.keyFn(ip), 1, r.ttl)
}

func (r *RedisBlocklist) Blocked(ip string) bool {
	if r.local.Blocked(ip) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n, err := r.client.Exists(ctx, r.keyFn(ip)).Result()
	if err != nil {
		return false
	}
	return n > 0
}
