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

package dynamic

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"source.toolsmiths.dev/gitcore/githash"
	"source.toolsmiths.dev/gitcore/object"
	"source.toolsmiths.dev/gitcore/odb/loose"
	"source.toolsmiths.dev/gitcore/pack"
)

// packSlot is one standalone pack within a snapshot: its parsed index and,
// once a read demands it, its memory-mapped pack data file. Slots are
// never removed from a Store's slot map once allocated — only ever
// appended or transitioned between states — so a PackID naming a slot's
// index stays valid for the process's lifetime, per spec.md §4.5's
// "Intrinsic pack ids remain valid for the lifetime of any handle that
// observed them."
type packSlot struct {
	// path identifies the slot for reuse across Refresh calls: a
	// standalone slot's .idx path, or a midx member's .pack path (midx
	// member packs share a separate namespace from standalone slots, so
	// the two never collide).
	path string
	// dataPath is the .pack file ensureOpen actually memory-maps.
	dataPath string

	// mu guards state, index, and file: Refresh and ensureOpen both mutate
	// them, and ensureOpen's mmap.Open may run concurrently with another
	// reader's ensureOpen on the same slot.
	mu    sync.Mutex
	index *pack.Index
	state OnDiskState
	file  *mmap.ReaderAt
}

// midxBundle is the Store's optional multi-pack-index slot: one on-disk
// multi-pack-index file plus one packSlot per pack it covers, opened
// lazily and independently of the standalone pack list, per spec.md
// §4.5's "multi-pack bundle (midx, data[])".
type midxBundle struct {
	path  string
	index *pack.MultiPackIndex
	// packs is parallel to index.PackNames: packs[i] is the lazy mmap
	// slot for index.PackNames[i].
	packs []*packSlot
}

// snapshot is an immutable view of the slot map, swapped in whole by
// Refresh so readers never observe a torn directory listing. packs only
// ever grows across snapshots (see packSlot); generation and stateID are
// the pair a Handle's SlotIndexMarker compares against.
type snapshot struct {
	packs      []*packSlot
	midx       *midxBundle
	generation int64
	stateID    uint64
}

func (snap *snapshot) marker() SlotIndexMarker {
	return SlotIndexMarker{Generation: snap.generation, StateID: snap.stateID}
}

// Store is the dynamic, multi-backend object database: one loose.ObjectDir
// plus every pack under a packs directory, refreshed on demand and read
// through a lock-free snapshot pointer.
type Store struct {
	loose   loose.ObjectDir
	packDir string

	refreshMu sync.Mutex // serializes Refresh: "only one thread performs a rescan at a time"
	current   atomic.Pointer[snapshot]
	metrics   Metrics

	refreshPolicy RefreshPolicy
}

// NewStore returns a Store reading loose objects from looseDir and packs
// from packDir. The caller must call Refresh once before any read. The
// default refresh-on-miss policy is RefreshAfterSingleFailedLookup; use
// SetRefreshPolicy to change it.
func NewStore(looseDir, packDir string) *Store {
	s := &Store{loose: loose.ObjectDir(looseDir), packDir: packDir}
	s.current.Store(&snapshot{})
	return s
}

// SetRefreshPolicy changes the policy a Handle's lookups use to decide
// whether a failed lookup should trigger an automatic Refresh and retry.
func (s *Store) SetRefreshPolicy(p RefreshPolicy) {
	s.refreshPolicy = p
}

// Metrics returns a copy of the store's lifetime counters.
func (s *Store) Metrics() Metrics {
	return s.metrics
}

// multiPackIndexName is the fixed filename git uses for a pack directory's
// multi-pack index, per spec.md §6.
const multiPackIndexName = "multi-pack-index"

// Refresh rescans the pack directory and atomically publishes a new
// snapshot. Pack slots whose file is unchanged keep their already-open
// file handle and their slot index; slots whose file has disappeared are
// never closed out from under a concurrent reader — a slot that was
// StateLoaded moves to StateGarbage instead, keeping its mapping open for
// any in-flight or already-obtained intrinsic pack id. New files always
// get a brand new slot appended to the end of the map, so existing slot
// indices never shift. If the pack directory has a multi-pack-index file,
// it is parsed and its covered packs are merged into the snapshot as a
// midxBundle alongside any standalone packs.
func (s *Store) Refresh() error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	entries, err := os.ReadDir(s.packDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("odb: refresh: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	haveMidx := false
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if ent.Name() == multiPackIndexName {
			haveMidx = true
			continue
		}
		if filepath.Ext(ent.Name()) != ".idx" {
			continue
		}
		seen[filepath.Join(s.packDir, ent.Name())] = true
	}

	old := s.current.Load()
	byPath := make(map[string]*packSlot, len(old.packs))
	slots := make([]*packSlot, len(old.packs))
	copy(slots, old.packs)
	for _, sl := range slots {
		byPath[sl.path] = sl
	}

	for _, sl := range slots {
		if seen[sl.path] {
			continue
		}
		sl.mu.Lock()
		if sl.state == StateLoaded {
			sl.state = StateGarbage
		}
		sl.mu.Unlock()
	}

	var newPaths []string
	for path := range seen {
		if _, ok := byPath[path]; !ok {
			newPaths = append(newPaths, path)
		}
	}
	sort.Strings(newPaths)
	for _, idxPath := range newPaths {
		idx, err := readIndexFile(idxPath)
		if err != nil {
			// A pack that failed to parse is treated as missing rather than
			// aborting the refresh of every other pack.
			slots = append(slots, &packSlot{path: idxPath, dataPath: packPath(idxPath), state: StateMissing})
			continue
		}
		slots = append(slots, &packSlot{path: idxPath, dataPath: packPath(idxPath), index: idx, state: StateUnloaded})
	}

	var midx *midxBundle
	if haveMidx {
		midx, err = loadMidxBundle(filepath.Join(s.packDir, multiPackIndexName), s.packDir, old.midx)
		if err != nil {
			// A multi-pack-index that fails to parse is simply dropped for
			// this snapshot; standalone packs (and any previously-loaded
			// midx member slots still reachable from an older snapshot)
			// are unaffected.
			midx = nil
		}
	}

	next := &snapshot{
		packs:      slots,
		midx:       midx,
		generation: old.generation + 1,
		stateID:    slotSetHash(slots, midx),
	}
	s.publish(next)
	atomic.AddInt64(&s.metrics.Refreshes, 1)
	return nil
}

// loadMidxBundle parses the multi-pack-index file at path and builds its
// member pack slots, reusing slots from old (by pack name) so an
// already-mapped pack keeps its open file handle across refreshes.
func loadMidxBundle(path, packDir string, old *midxBundle) (*midxBundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("odb: open multi-pack-index: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("odb: stat multi-pack-index: %w", err)
	}
	midx, err := pack.ReadMultiPackIndex(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("odb: parse multi-pack-index: %w", err)
	}

	var oldByName map[string]*packSlot
	if old != nil {
		oldByName = make(map[string]*packSlot, len(old.packs))
		for i, name := range old.index.PackNames {
			if i < len(old.packs) {
				oldByName[name] = old.packs[i]
			}
		}
	}

	packs := make([]*packSlot, len(midx.PackNames))
	for i, name := range midx.PackNames {
		if sl, ok := oldByName[name]; ok {
			packs[i] = sl
			continue
		}
		dataPath := filepath.Join(packDir, name)
		// Member packs are typically also covered by their own standalone
		// .idx file on disk; load it if present so ref-deltas within the
		// pack can still be resolved by base object id. Its absence isn't
		// fatal: the slot is still usable for any entry whose delta chain
		// (if any) resolves by offset.
		idxPath := dataPath[:len(dataPath)-len(".pack")] + ".idx"
		idx, _ := readIndexFile(idxPath)
		packs[i] = &packSlot{path: dataPath, dataPath: dataPath, index: idx, state: StateUnloaded}
	}
	return &midxBundle{path: path, index: midx, packs: packs}, nil
}

// slotSetHash summarizes the reachable slot set's paths and states (plus
// the midx bundle's path and pack count, if present) so a Handle can
// cheaply tell whether anything about the slot map it last saw has
// changed, without comparing the full slice.
func slotSetHash(slots []*packSlot, midx *midxBundle) uint64 {
	h := fnv.New64a()
	for _, sl := range slots {
		sl.mu.Lock()
		fmt.Fprintf(h, "%s\x00%d\x00", sl.path, sl.state)
		sl.mu.Unlock()
	}
	if midx != nil {
		fmt.Fprintf(h, "midx\x00%s\x00%d\x00", midx.path, len(midx.index.PackNames))
	}
	return h.Sum64()
}

func (s *Store) publish(next *snapshot) {
	s.current.Store(next)
}

func readIndexFile(path string) (*pack.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return pack.ReadIndex(f)
}

// packPath returns the .pack sibling of a slot's .idx path.
func packPath(idxPath string) string {
	return idxPath[:len(idxPath)-len(".idx")] + ".pack"
}

func (sl *packSlot) ensureOpen(m *Metrics) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.state == StateLoaded || sl.state == StateGarbage {
		return nil
	}
	if sl.state == StateMissing {
		return fmt.Errorf("odb: pack %s is missing", sl.path)
	}
	f, err := mmap.Open(sl.dataPath)
	if err != nil {
		sl.state = StateMissing
		return fmt.Errorf("odb: open pack data for %s: %w", sl.path, err)
	}
	sl.file = f
	sl.state = StateLoaded
	atomic.AddInt64(&m.PacksOpened, 1)
	return nil
}

// snapshotForID resolves id against snap's standalone packs, then its
// multi-pack index (if any), returning the matching slot and the byte
// offset of the object's header within it, or ok=false if nothing in
// snap's view contains id.
func snapshotForID(snap *snapshot, id githash.SHA1) (sl *packSlot, offset int64, ok bool) {
	for _, sl := range snap.packs {
		if sl.index == nil {
			continue
		}
		if i := sl.index.FindID(id); i != -1 {
			return sl, sl.index.Offsets[i], true
		}
	}
	if snap.midx != nil {
		if packLocal, off, ok := snap.midx.index.Resolve(id); ok && packLocal >= 0 && packLocal < len(snap.midx.packs) {
			return snap.midx.packs[packLocal], off, true
		}
	}
	return nil, 0, false
}

// ReadObject resolves id to its type and fully inflated, undeltified
// content, checking loose storage first and then every pack in the current
// snapshot. It is equivalent to opening a Handle and calling ReadObject
// once; either way the refresh-on-miss policy rescans at most once per
// call.
func (s *Store) ReadObject(id githash.SHA1) (object.Prefix, io.ReadCloser, error) {
	return s.OpenHandle().ReadObject(id)
}

// HasObject reports whether id is present in loose storage or any pack in
// the current snapshot.
func (s *Store) HasObject(id githash.SHA1) bool {
	return s.OpenHandle().HasObject(id)
}

// Handle is a cached view of a Store's slot map: a SlotIndexMarker plus
// the snapshot it was obtained from. Each lookup compares the marker with
// the store's current snapshot and moves to the newer snapshot if a
// Refresh has run since.
type Handle struct {
	store  *Store
	snap   *snapshot
	marker SlotIndexMarker
}

// OpenHandle returns a new Handle over the store's current snapshot.
func (s *Store) OpenHandle() *Handle {
	snap := s.current.Load()
	return &Handle{store: s, snap: snap, marker: snap.marker()}
}

// sync brings h's cached snapshot up to date if the store has refreshed
// since h last looked, per spec.md §4.5 step 1: "If the handle's marker
// matches, proceed; otherwise re-read the slot map and update the marker."
func (h *Handle) sync() {
	snap := h.store.current.Load()
	marker := snap.marker()
	if marker == h.marker {
		return
	}
	h.snap = snap
	h.marker = marker
}

// allIndicesLoaded reports whether every slot in h's current snapshot has
// a parsed index already (none are still waiting on their first Refresh to
// populate it), the condition RefreshAfterAllIndicesLoaded gates on.
func (h *Handle) allIndicesLoaded() bool {
	for _, sl := range h.snap.packs {
		sl.mu.Lock()
		missingIndex := sl.index == nil && sl.state != StateMissing
		sl.mu.Unlock()
		if missingIndex {
			return false
		}
	}
	return true
}

// refreshOnMiss implements spec.md §4.5 step 4: after a failed lookup, if
// the handle's refresh policy permits, rescan the pack directory — up to
// one refresh per call, never a loop — so a caller can retry the lookup
// exactly once against the freshened view.
func (h *Handle) refreshOnMiss() {
	switch h.store.refreshPolicy {
	case RefreshNever:
		return
	case RefreshAfterAllIndicesLoaded:
		if !h.allIndicesLoaded() {
			return
		}
	case RefreshAfterSingleFailedLookup:
		// Always worth one rescan on a miss.
	}
	if err := h.store.Refresh(); err != nil {
		return
	}
	h.sync()
}

// Marker returns the SlotIndexMarker h is currently positioned at.
func (h *Handle) Marker() SlotIndexMarker {
	return h.marker
}

// Locate resolves id to the intrinsic PackID and byte offset of its
// packed entry, without reading or undeltifying it. This is the glue
// point for a packgen/count.Locator adapter: that package cannot import
// dynamic (dynamic.PackID already flows the other way, into
// packgen/count.Location), so a small wrapper type there is expected to
// call Locate and translate the result into a count.Location. Locate does
// not consult loose storage (pack-gen location resolution is only
// meaningful for packed objects) and does not trigger refresh-on-miss —
// callers doing a full pack-gen run should Refresh once up front.
func (h *Handle) Locate(id githash.SHA1) (PackID, int64, bool) {
	h.sync()
	for i, sl := range h.snap.packs {
		if sl.index == nil {
			continue
		}
		if j := sl.index.FindID(id); j != -1 {
			return NewPackID(i, false), sl.index.Offsets[j], true
		}
	}
	if h.snap.midx != nil {
		if packLocal, off, ok := h.snap.midx.index.Resolve(id); ok {
			return NewMidxPackID(0, packLocal), off, true
		}
	}
	return 0, 0, false
}

// ReadObject resolves id to its type and fully inflated, undeltified
// content, checking loose storage first and then every pack reachable from
// h's view of the slot map, refreshing that view per the store's
// RefreshPolicy if the first pass comes up empty.
func (h *Handle) ReadObject(id githash.SHA1) (object.Prefix, io.ReadCloser, error) {
	if prefix, rc, err := h.store.loose.ReadSHA1Object(id); err == nil {
		atomic.AddInt64(&h.store.metrics.LooseHits, 1)
		return prefix, rc, nil
	} else if !os.IsNotExist(err) {
		return object.Prefix{}, nil, err
	}

	h.sync()
	sl, offset, ok := snapshotForID(h.snap, id)
	if !ok {
		h.refreshOnMiss()
		sl, offset, ok = snapshotForID(h.snap, id)
	}
	if ok {
		if err := sl.ensureOpen(&h.store.metrics); err != nil {
			return object.Prefix{}, nil, err
		}
		sr := pack.NewBufferedReadSeeker(io.NewSectionReader(sl.file, 0, int64(sl.file.Len())))
		var u pack.Undeltifier
		prefix, r, err := u.Undeltify(sr, offset, &pack.UndeltifyOptions{Index: sl.index})
		if err != nil {
			return object.Prefix{}, nil, fmt.Errorf("odb: read %v from %s: %w", id, sl.path, err)
		}
		atomic.AddInt64(&h.store.metrics.PackedHits, 1)
		return prefix, io.NopCloser(r), nil
	}
	atomic.AddInt64(&h.store.metrics.Misses, 1)
	return object.Prefix{}, nil, fmt.Errorf("odb: object %v: %w", id, os.ErrNotExist)
}

// HasObject reports whether id is present in loose storage or any pack
// reachable from h's view of the slot map, per the same refresh-on-miss
// policy as ReadObject.
func (h *Handle) HasObject(id githash.SHA1) bool {
	if _, rc, err := h.store.loose.ReadSHA1Object(id); err == nil {
		rc.Close()
		return true
	}
	h.sync()
	if _, _, ok := snapshotForID(h.snap, id); ok {
		return true
	}
	h.refreshOnMiss()
	_, _, ok := snapshotForID(h.snap, id)
	return ok
}
