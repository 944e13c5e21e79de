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

// Package audit records every request the forwarding engine diverts to
// the error path (§7 "Request eviction") as a durable, idempotent log
// entry, so an operator can answer "why was this client's request
// refused" after the fact without reconstructing it from raw access
// logs.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one evicted-request record. ID is generated once, at the
// point of eviction, and used as the dedup key by every Sink — a sink
// that retries a failed write must not double-count the eviction.
type Entry struct {
	ID         string
	Timestamp  time.Time
	ClientAddr string
	Method     string
	URI        string
	VHost      string
	StatusCode int
	Reason     string
}

// NewEntry stamps a fresh ID and timestamp.
func NewEntry(now time.Time, clientAddr, method, uri, vhost string, statusCode int, reason string) Entry {
	return Entry{
		ID:         uuid.NewString(),
		Timestamp:  now,
		ClientAddr: clientAddr,
		Method:     method,
		URI:        uri,
		VHost:      vhost,
		StatusCode: statusCode,
		Reason:     reason,
	}
}

// Sink persists one Entry. Implementations must be safe to retry: the
// same Entry (same ID) may be offered twice after a transient failure.
type Sink interface {
	Record(e Entry) error
}

// MultiSink fans an Entry out to every underlying sink, continuing past
// individual failures and returning the first error seen (if any) once
// every sink has been tried.
type MultiSink []Sink

func (m MultiSink) Record(e Entry) error {
	var first error
	for _, s := range m {
		if err := s.Record(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
