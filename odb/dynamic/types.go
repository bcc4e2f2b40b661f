// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package dynamic implements the object database's multi-backend lookup
// layer: a snapshot of loose storage plus every pack in the pack directory,
// refreshed atomically so concurrent readers never observe a torn view.
package dynamic

import "fmt"

// PackID identifies a pack slot within a Store snapshot. Refresh only
// appends standalone slots and never reassigns an existing slot index, so
// a standalone pack's id stays valid across refreshes; a multi-pack id
// indexes the pack-names list of the multi-pack-index loaded at the time.
//
// Encoded in 32 bits per spec.md §4.5's "intrinsic pack ids": bit 15
// distinguishes single- vs. multi-pack; bits 0..14 carry the slot index
// (up to 2^15-1 slots); bits 16..31 (MIDX case only) carry the pack-local
// index into the multi-pack index's pack-names list (up to 2^16-1 packs
// per MIDX). This keeps a pack-entry's location travelling through caches
// and pack-gen as a single comparable integer instead of an object id.
type PackID uint32

const (
	packIDSlotMask     PackID = 1<<15 - 1
	multiPackBit       PackID = 1 << 15
	packLocalIndexBits        = 16
)

// NewPackID returns the id for the slot at index within the standalone
// pack list, or within the multi-pack index's bundle slot if multiPack is
// true. Use NewMidxPackID instead when index also needs to carry which
// pack within the multi-pack index's names list it refers to.
func NewPackID(index int, multiPack bool) PackID {
	id := PackID(index) & packIDSlotMask
	if multiPack {
		id |= multiPackBit
	}
	return id
}

// NewMidxPackID returns the id for the pack at packLocalIndex within the
// multi-pack index loaded at slotIndex.
func NewMidxPackID(slotIndex, packLocalIndex int) PackID {
	return (PackID(slotIndex) & packIDSlotMask) | multiPackBit | (PackID(packLocalIndex) << packLocalIndexBits)
}

// IsMultiPack reports whether id names a slot resolved through the
// multi-pack index rather than a standalone pack.
func (id PackID) IsMultiPack() bool {
	return id&multiPackBit != 0
}

// Index returns id's position within its slot list (the standalone pack
// list, or the slot holding the multi-pack index bundle, per IsMultiPack).
func (id PackID) Index() int {
	return int(id & packIDSlotMask)
}

// PackLocalIndex returns id's position within the multi-pack index's
// pack-names list. Only meaningful when IsMultiPack is true.
func (id PackID) PackLocalIndex() int {
	return int(id >> packLocalIndexBits)
}

func (id PackID) String() string {
	if id.IsMultiPack() {
		return fmt.Sprintf("midx#%d/pack#%d", id.Index(), id.PackLocalIndex())
	}
	return fmt.Sprintf("pack#%d", id.Index())
}

// OnDiskState describes the lifecycle of a pack slot's backing file.
type OnDiskState int8

const (
	// StateUnloaded means the index has been parsed but the pack data file
	// has not yet been opened.
	StateUnloaded OnDiskState = iota
	// StateLoaded means the pack data file is open and ready for reads.
	StateLoaded
	// StateMissing means the index (or pack data) file has never
	// successfully opened: either it failed to parse, or its data file
	// has disappeared before ever being memory-mapped. There is no open
	// handle to reclaim.
	StateMissing
	// StateGarbage means the slot was Loaded — its pack data file is
	// memory-mapped and live — but the underlying file has since
	// disappeared from the pack directory. The mapping is kept open
	// rather than closed, because an intrinsic pack id obtained before
	// the disappearance may still be used to resolve objects from it;
	// Refresh stops trying to re-verify or reopen a Garbage slot.
	StateGarbage
)

func (s OnDiskState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateMissing:
		return "missing"
	case StateGarbage:
		return "garbage"
	default:
		return fmt.Sprintf("OnDiskState(%d)", int8(s))
	}
}

// SlotIndexMarker is the generation/state pair a Handle caches between
// calls. A mismatch against the Store's current marker means the slot map
// has changed (a Refresh ran) since the handle last consulted it.
type SlotIndexMarker struct {
	Generation int64
	StateID    uint64
}

// RefreshPolicy controls whether a Handle's ReadObject and HasObject
// automatically rescan the
// pack directory after failing to locate an object, per spec.md §4.5 step
// 4.
type RefreshPolicy int8

const (
	// RefreshAfterSingleFailedLookup rescans once per miss: each time a
	// lookup fails to resolve an id against the handle's current view, it
	// triggers exactly one Refresh and retries before giving up. This is
	// the default: it matches plain git's own behavior of re-scanning
	// objects/pack after a single failed object lookup.
	RefreshAfterSingleFailedLookup RefreshPolicy = iota
	// RefreshAfterAllIndicesLoaded also rescans on miss, but only when
	// every slot the handle currently knows about has a parsed index or
	// is StateMissing. Refresh parses a standalone pack's index when it
	// creates the slot, so a StateUnloaded slot already counts as loaded.
	RefreshAfterAllIndicesLoaded
	// RefreshNever never rescans automatically; the caller is responsible
	// for calling Store.Refresh itself.
	RefreshNever
)

func (p RefreshPolicy) String() string {
	switch p {
	case RefreshAfterSingleFailedLookup:
		return "after-single-failed-lookup"
	case RefreshAfterAllIndicesLoaded:
		return "after-all-indices-loaded"
	case RefreshNever:
		return "never"
	default:
		return fmt.Sprintf("RefreshPolicy(%d)", int8(p))
	}
}

// Metrics accumulates lifetime counters for a Store, safe for concurrent
// reads while a Refresh is in progress.
type Metrics struct {
	Refreshes   int64
	PacksOpened int64
	// PacksClosed is reserved for a future reconciliation pass that
	// compacts Garbage slots once no handle can still reference them;
	// nothing currently closes a mapped pack file out from under a
	// handle, so this stays zero.
	PacksClosed int64
	LooseHits   int64
	PackedHits  int64
	Misses      int64
}
