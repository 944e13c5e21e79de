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

package msg

// HdrSlot is a well-known header index into HeaderTable, giving O(1) lookup
// for the headers the engine actually inspects (4.A contract (a)). Headers
// outside this set still round-trip through the message but are not
// individually addressable — the engine never needs to.
type HdrSlot int

const (
	HdrHost HdrSlot = iota
	HdrConnection
	HdrContentLength
	HdrContentType
	HdrTransferEncoding
	HdrDate
	HdrReferer
	HdrXForwardedFor
	HdrVia
	HdrCookie
	HdrSetCookie
	HdrServer
	hdrSlotCount
)

// slotEntry is either empty, a single chunk value, or a duplicate list.
// Most headers appear at most once; duplicates are rare enough that an
// append-only slice is the right tradeoff over a more elaborate structure.
type slotEntry struct {
	present bool
	values  []Chunks // len 1 for the common case, >1 for duplicates
}

// HeaderTable maps well-known header slots to either an empty marker, a
// single chunk, or a duplicate-list of chunks, per 4.A. Lookup of a known
// slot is O(1); walking duplicates is O(k).
type HeaderTable struct {
	slots [hdrSlotCount]slotEntry
}

// Set records value as the header's sole value, replacing any prior value.
// Use Add to append a duplicate occurrence instead.
func (t *HeaderTable) Set(slot HdrSlot, value Chunks) {
	t.slots[slot] = slotEntry{present: true, values: []Chunks{value}}
}

// Add appends value to the slot's duplicate list, marking DuplicateHeaderSeen
// territory for the caller (the Msg flag itself is set by the parser/engine,
// not here — this package only stores the table).
func (t *HeaderTable) Add(slot HdrSlot, value Chunks) {
	e := &t.slots[slot]
	e.present = true
	e.values = append(e.values, value)
}

// Get returns the single value for slot and whether it is present. If the
// slot has duplicates, Get returns the first one; callers that must see all
// duplicates should use Values.
func (t *HeaderTable) Get(slot HdrSlot) (Chunks, bool) {
	e := &t.slots[slot]
	if !e.present || len(e.values) == 0 {
		return nil, false
	}
	return e.values[0], true
}

// Values returns every recorded value for slot, in arrival order. The
// returned slice must not be mutated by the caller.
func (t *HeaderTable) Values(slot HdrSlot) []Chunks {
	return t.slots[slot].values
}

// Present reports whether slot has at least one recorded value.
func (t *HeaderTable) Present(slot HdrSlot) bool {
	return t.slots[slot].present
}

// Duplicated reports whether slot was seen more than once.
func (t *HeaderTable) Duplicated(slot HdrSlot) bool {
	return len(t.slots[slot].values) > 1
}

// Clear removes any value recorded for slot.
func (t *HeaderTable) Clear(slot HdrSlot) {
	t.slots[slot] = slotEntry{}
}

// GetString is a convenience for slots the engine treats as plain strings
// (e.g. Host for rule matching); it materializes the chunked value.
func (t *HeaderTable) GetString(slot HdrSlot) (string, bool) {
	v, ok := t.Get(slot)
	if !ok {
		return "", false
	}
	return string(v.Bytes()), true
}
