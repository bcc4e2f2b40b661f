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

// Package revwalk walks commit ancestry in commit-time order, the same
// traversal shape spec.md's negotiation and pack counting components both
// need: newest-first, lazily expanding parents only as the walk demands
// them.
package revwalk

import (
	"container/heap"
	"fmt"
	"time"

	"source.toolsmiths.dev/gitcore/githash"
	"source.toolsmiths.dev/gitcore/object"
)

// CommitReader loads commit objects by id. Implementations are typically
// backed by the dynamic object store.
type CommitReader interface {
	ReadCommit(id githash.SHA1) (*object.Commit, error)
	HasObject(id githash.SHA1) bool
}

// Walker produces commits reachable from a set of starting points in
// descending commit-time order, visiting each commit at most once.
type Walker struct {
	reader CommitReader
	queue  commitQueue
	seen   map[githash.SHA1]bool
}

// New returns a Walker over reader with no starting points. Call Push to
// add tips before calling Next.
func New(reader CommitReader) *Walker {
	return &Walker{reader: reader, seen: make(map[githash.SHA1]bool)}
}

// Push adds id as a starting point for the walk, loading its commit object
// immediately so its timestamp can order it against other pending commits.
func (w *Walker) Push(id githash.SHA1) error {
	if w.seen[id] {
		return nil
	}
	w.seen[id] = true
	c, err := w.reader.ReadCommit(id)
	if err != nil {
		return fmt.Errorf("revwalk: push %v: %w", id, err)
	}
	heap.Push(&w.queue, queueItem{id: id, time: c.CommitTime})
	return nil
}

// Next pops the newest unvisited commit from the walk and enqueues its
// parents. It returns ok=false once every reachable commit has been
// visited.
func (w *Walker) Next() (id githash.SHA1, ok bool, err error) {
	if w.queue.Len() == 0 {
		return githash.SHA1{}, false, nil
	}
	item := heap.Pop(&w.queue).(queueItem)
	c, err := w.reader.ReadCommit(item.id)
	if err != nil {
		return githash.SHA1{}, false, fmt.Errorf("revwalk: next %v: %w", item.id, err)
	}
	for _, p := range c.Parents {
		if w.seen[p] {
			continue
		}
		w.seen[p] = true
		pc, err := w.reader.ReadCommit(p)
		if err != nil {
			return githash.SHA1{}, false, fmt.Errorf("revwalk: next %v: parent %v: %w", item.id, p, err)
		}
		heap.Push(&w.queue, queueItem{id: p, time: pc.CommitTime})
	}
	return item.id, true, nil
}

// Since returns every commit reachable from the pushed tips whose commit
// time is at or after cutoff. Parents of commits older than cutoff are not
// expanded further, matching the shallow-since boundary in spec.md's
// negotiation component.
func (w *Walker) Since(cutoff time.Time) ([]githash.SHA1, error) {
	var ids []githash.SHA1
	for {
		id, ok, err := w.nextSince(cutoff)
		if err != nil {
			return nil, err
		}
		if !ok {
			return ids, nil
		}
		ids = append(ids, id)
	}
}

func (w *Walker) nextSince(cutoff time.Time) (githash.SHA1, bool, error) {
	if w.queue.Len() == 0 {
		return githash.SHA1{}, false, nil
	}
	item := w.queue[0]
	if item.time.Before(cutoff) {
		return githash.SHA1{}, false, nil
	}
	heap.Pop(&w.queue)
	c, err := w.reader.ReadCommit(item.id)
	if err != nil {
		return githash.SHA1{}, false, fmt.Errorf("revwalk: since %v: %w", item.id, err)
	}
	for _, p := range c.Parents {
		if w.seen[p] {
			continue
		}
		w.seen[p] = true
		pc, err := w.reader.ReadCommit(p)
		if err != nil {
			return githash.SHA1{}, false, fmt.Errorf("revwalk: since %v: parent %v: %w", item.id, p, err)
		}
		heap.Push(&w.queue, queueItem{id: p, time: pc.CommitTime})
	}
	return item.id, true, nil
}

type queueItem struct {
	id   githash.SHA1
	time time.Time
}

// commitQueue is a max-heap ordered by commit time, newest first: the same
// shape as negotiate's internal commitQueue, since both walk commit
// ancestry by recency.
type commitQueue []queueItem

func (q commitQueue) Len() int            { return len(q) }
func (q commitQueue) Less(i, j int) bool  { return q[i].time.After(q[j].time) }
func (q commitQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *commitQueue) Push(x interface{}) { *q = append(*q, x.(queueItem)) }
func (q *commitQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
