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

// Package count computes the set of objects that must be packed for a
// fetch or push: starting from a set of tip ids, it expands them according
// to an ObjectExpansion mode, deduplicates concurrently, and resolves each
// surviving id's pack location.
package count

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"source.toolsmiths.dev/gitcore/object"

	"source.toolsmiths.dev/gitcore/githash"
	"source.toolsmiths.dev/gitcore/odb/dynamic"
)

// ObjectExpansion selects how tip object ids are expanded into the full set
// to be packed.
type ObjectExpansion int

const (
	// AsIs packs exactly the given tips, with no expansion.
	AsIs ObjectExpansion = iota
	// TreeContents expands each commit tip to its tree and every object
	// reachable from that tree; tags are followed to their targets.
	TreeContents
	// TreeAdditionsComparedToAncestor expands each commit tip to the
	// commit, its tree, its parents' trees, and the objects that differ
	// between the tip's tree and each parent's tree.
	TreeAdditionsComparedToAncestor
)

// Location names where an object already lives in a pack, so emit can
// consider reusing its compressed bytes instead of re-deflating.
type Location struct {
	Pack       dynamic.PackID
	Offset     int64
	EntrySize  int64
	HeaderSize int
}

// Count is one object slated for packing, plus its pack location if known.
// A nil Location means the object lives in loose storage, or location
// resolution was not requested.
type Count struct {
	ID       githash.SHA1
	Location *Location
}

// Source reads object bytes by id, as the dynamic object store does.
type Source interface {
	ReadObject(id githash.SHA1) (object.Prefix, io.ReadCloser, error)
}

// Locator resolves an object id to its pack location, if it has one.
type Locator interface {
	Locate(id githash.SHA1) (Location, bool)
}

// Options configures a counting run.
type Options struct {
	Expansion ObjectExpansion
	// Workers bounds the number of goroutines processing tip chunks and
	// resolving locations. Zero means runtime.GOMAXPROCS(0).
	Workers int
	// KeepGoing makes a tip of an unhandled object kind be skipped instead
	// of failing the run with InvalidEntryKind. The skip is not recorded,
	// and an InvalidEntryKind from reading a commit's tree or a nested tree
	// still aborts the run.
	KeepGoing bool
	// ShouldInterrupt, if non-nil, is consulted between objects; when it
	// reports true, workers finish their current object and return.
	ShouldInterrupt *atomic.Bool
}

// InvalidEntryKind reports that an object's kind did not fit the
// assumptions of the requested ObjectExpansion mode (e.g. a tip named for
// TreeContents that is neither a commit, tag, nor tree/blob).
type InvalidEntryKind struct {
	ID   githash.SHA1
	Kind object.Type
}

func (e *InvalidEntryKind) Error() string {
	return fmt.Sprintf("count: object %v has unexpected kind %q", e.ID, e.Kind)
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (o Options) interrupted() bool {
	return o.ShouldInterrupt != nil && o.ShouldInterrupt.Load()
}

// Run computes Count records for tips under opts.Expansion, chunking tips
// across opts.Workers() goroutines. If loc is non-nil, every surviving id
// is resolved to its pack Location as a second parallel pass, and the
// result is stably sorted so records sharing a pack appear in offset
// order.
func Run(ctx context.Context, source Source, loc Locator, tips []githash.SHA1, opts Options) ([]Count, error) {
	w := &walker{source: source, opts: opts, dedup: newDedupSet()}
	if err := w.expandAll(ctx, tips); err != nil {
		return nil, err
	}

	counts := make([]Count, len(w.results))
	copy(counts, w.results)

	if loc != nil {
		if err := resolveLocations(ctx, counts, loc, opts); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(counts, func(i, j int) bool {
		li, lj := counts[i].Location, counts[j].Location
		if li == nil || lj == nil {
			return li != nil // located entries sort before unlocated ones
		}
		if li.Pack != lj.Pack {
			return li.Pack < lj.Pack
		}
		return li.Offset < lj.Offset
	})
	return counts, nil
}

type walker struct {
	source Source
	opts   Options

	dedup *dedupSet

	mu      sync.Mutex
	results []Count
}

func (w *walker) add(id githash.SHA1) bool {
	if !w.dedup.addIfNew(id) {
		return false
	}
	w.mu.Lock()
	w.results = append(w.results, Count{ID: id})
	w.mu.Unlock()
	return true
}

func (w *walker) expandAll(ctx context.Context, tips []githash.SHA1) error {
	chunks := chunk(tips, w.opts.workers())
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		c := c
		g.Go(func() error {
			for _, id := range c {
				if w.opts.interrupted() {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if err := w.expandOne(id); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *walker) expandOne(id githash.SHA1) error {
	if w.opts.Expansion == AsIs {
		w.add(id)
		return nil
	}
	if !w.add(id) {
		return nil
	}
	prefix, rc, err := w.source.ReadObject(id)
	if err != nil {
		return fmt.Errorf("count: read %v: %w", id, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("count: read %v: %w", id, err)
	}

	switch prefix.Type {
	case object.TypeCommit:
		c, err := object.ParseCommit(data)
		if err != nil {
			return fmt.Errorf("count: parse commit %v: %w", id, err)
		}
		switch w.opts.Expansion {
		case TreeContents:
			if err := w.expandTree(c.Tree); err != nil {
				return err
			}
		case TreeAdditionsComparedToAncestor:
			w.add(c.Tree)
			for _, p := range c.Parents {
				parentTree, err := w.readCommitTree(p)
				if err != nil {
					return err
				}
				w.add(parentTree)
				if err := w.diffTrees(c.Tree, parentTree); err != nil {
					return err
				}
			}
		}
	case object.TypeTag:
		t, err := object.ParseTag(data)
		if err != nil {
			return fmt.Errorf("count: parse tag %v: %w", id, err)
		}
		return w.expandOne(t.ObjectID)
	case object.TypeTree:
		return w.expandTreeContents(data)
	case object.TypeBlob:
		// Blobs are leaves; already added above.
	default:
		if w.opts.KeepGoing {
			return nil
		}
		return &InvalidEntryKind{ID: id, Kind: prefix.Type}
	}
	return nil
}

func (w *walker) readCommitTree(id githash.SHA1) (githash.SHA1, error) {
	prefix, rc, err := w.source.ReadObject(id)
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("count: read %v: %w", id, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("count: read %v: %w", id, err)
	}
	if prefix.Type != object.TypeCommit {
		return githash.SHA1{}, &InvalidEntryKind{ID: id, Kind: prefix.Type}
	}
	c, err := object.ParseCommit(data)
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("count: parse commit %v: %w", id, err)
	}
	return c.Tree, nil
}

// expandTree adds id (a tree) and everything reachable from it.
func (w *walker) expandTree(id githash.SHA1) error {
	if !w.add(id) {
		return nil
	}
	prefix, rc, err := w.source.ReadObject(id)
	if err != nil {
		return fmt.Errorf("count: read tree %v: %w", id, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("count: read tree %v: %w", id, err)
	}
	if prefix.Type != object.TypeTree {
		return &InvalidEntryKind{ID: id, Kind: prefix.Type}
	}
	return w.expandTreeContents(data)
}

func (w *walker) expandTreeContents(data []byte) error {
	tree, err := object.ParseTree(data)
	if err != nil {
		return fmt.Errorf("count: parse tree: %w", err)
	}
	for _, ent := range tree {
		if ent.Mode.IsDir() {
			if err := w.expandTree(ent.ObjectID); err != nil {
				return err
			}
			continue
		}
		w.add(ent.ObjectID)
	}
	return nil
}

// diffTrees adds tree and blob objects present in tip's tree that are
// absent or different in ancestor's tree (additions and modifications;
// deletions contribute nothing).
func (w *walker) diffTrees(tip, ancestor githash.SHA1) error {
	if tip == ancestor {
		return nil
	}
	tipEntries, err := w.readTree(tip)
	if err != nil {
		return err
	}
	ancestorEntries, err := w.readTree(ancestor)
	if err != nil {
		return err
	}
	byName := make(map[string]*object.TreeEntry, len(ancestorEntries))
	for _, e := range ancestorEntries {
		byName[e.Name] = e
	}
	for _, e := range tipEntries {
		prev, ok := byName[e.Name]
		if ok && prev.ObjectID == e.ObjectID && prev.Mode == e.Mode {
			continue
		}
		if e.Mode.IsDir() {
			if ok && prev.Mode.IsDir() {
				if err := w.diffTrees(e.ObjectID, prev.ObjectID); err != nil {
					return err
				}
			} else {
				if err := w.expandTree(e.ObjectID); err != nil {
					return err
				}
			}
			continue
		}
		w.add(e.ObjectID)
	}
	return nil
}

func (w *walker) readTree(id githash.SHA1) (object.Tree, error) {
	prefix, rc, err := w.source.ReadObject(id)
	if err != nil {
		return nil, fmt.Errorf("count: read tree %v: %w", id, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("count: read tree %v: %w", id, err)
	}
	if prefix.Type != object.TypeTree {
		return nil, &InvalidEntryKind{ID: id, Kind: prefix.Type}
	}
	return object.ParseTree(data)
}

func resolveLocations(ctx context.Context, counts []Count, loc Locator, opts Options) error {
	g, ctx := errgroup.WithContext(ctx)
	n := opts.workers()
	chunkSize := (len(counts) + n - 1) / n
	if chunkSize == 0 {
		return nil
	}
	for start := 0; start < len(counts); start += chunkSize {
		end := start + chunkSize
		if end > len(counts) {
			end = len(counts)
		}
		start, end := start, end
		g.Go(func() error {
			for i := start; i < end; i++ {
				if opts.interrupted() {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if l, ok := loc.Locate(counts[i].ID); ok {
					l := l
					counts[i].Location = &l
				}
			}
			return nil
		})
	}
	return g.Wait()
}

type dedupSet struct {
	mu   sync.Mutex
	seen map[githash.SHA1]bool
}

func newDedupSet() *dedupSet {
	return &dedupSet{seen: make(map[githash.SHA1]bool)}
}

func (s *dedupSet) addIfNew(id githash.SHA1) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[id] {
		return false
	}
	s.seen[id] = true
	return true
}

func chunk(ids []githash.SHA1, n int) [][]githash.SHA1 {
	if n < 1 {
		n = 1
	}
	if len(ids) == 0 {
		return nil
	}
	size := (len(ids) + n - 1) / n
	var chunks [][]githash.SHA1
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
