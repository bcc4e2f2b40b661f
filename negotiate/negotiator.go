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

package negotiate

import (
	"container/heap"
	"time"

	"source.toolsmiths.dev/gitcore/githash"
)

// Negotiator abstracts over the two haves-selection algorithms in spec.md
// §4.8: Consecutive (send every locally-reachable ancestor, in commit-time
// order) and Skipping (grow a skip stride across the queue once the remote
// stops acknowledging commonality, trading round-trip precision for fewer
// haves on large histories).
type Negotiator interface {
	// AddTip marks id as a candidate have: a local ref tip or an ancestor
	// discovered while walking toward the cutoff.
	AddTip(id githash.SHA1)
	// KnownCommon marks id as already known to be in common with the
	// remote (its parents are not enqueued as haves; they're implied).
	KnownCommon(id githash.SHA1)
	// InCommonWithRemote records that the remote acknowledged id.
	InCommonWithRemote(id githash.SHA1)
	// NextHave produces the next have to send, or ok=false when the
	// negotiator has exhausted its candidates.
	NextHave() (id githash.SHA1, ok bool)
}

// commitQueue is a max-heap ordered by commit time (newest first), the
// same priority queue negotiate.rs walks in mark_complete_and_common_ref
// and that both negotiator algorithms draw "next have" candidates from.
type commitQueue struct {
	items []queueItem
}

type queueItem struct {
	id   githash.SHA1
	time time.Time
}

func (q *commitQueue) Len() int { return len(q.items) }
func (q *commitQueue) Less(i, j int) bool {
	return q.items[i].time.After(q.items[j].time)
}
func (q *commitQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *commitQueue) Push(x any)    { q.items = append(q.items, x.(queueItem)) }
func (q *commitQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

func (q *commitQueue) push(id githash.SHA1, t time.Time) {
	heap.Push(q, queueItem{id: id, time: t})
}

func (q *commitQueue) pop() (githash.SHA1, time.Time, bool) {
	if q.Len() == 0 {
		return githash.SHA1{}, time.Time{}, false
	}
	it := heap.Pop(q).(queueItem)
	return it.id, it.time, true
}

// base implements the shared queue-walking mechanics both Consecutive and
// Skipping build on: a date-ordered queue seeded by AddTip, walked one
// parent-expansion at a time via source.
type base struct {
	source  CommitSource
	flags   map[githash.SHA1]Flags
	queue   commitQueue
	inVain  int
	commons int
}

func newBase(source CommitSource, flags map[githash.SHA1]Flags) base {
	return base{source: source, flags: flags}
}

func (b *base) flagsOf(id githash.SHA1) Flags { return b.flags[id] }

func (b *base) setFlags(id githash.SHA1, f Flags) { b.flags[id] |= f }

func (b *base) enqueue(id githash.SHA1) {
	if b.flagsOf(id).Has(Added) {
		return
	}
	b.setFlags(id, Added|Seen)
	t, err := b.source.CommitTime(id)
	if err != nil {
		return
	}
	b.queue.push(id, t)
}

func (b *base) addTip(id githash.SHA1) {
	b.enqueue(id)
}

func (b *base) knownCommon(id githash.SHA1) {
	b.setFlags(id, Complete|Seen)
	b.markParentsComplete(id)
}

func (b *base) markParentsComplete(id githash.SHA1) {
	parents, err := b.source.CommitParents(id)
	if err != nil {
		return
	}
	for _, p := range parents {
		if !b.flagsOf(p).Has(Complete) {
			b.setFlags(p, Complete)
			b.markParentsComplete(p)
		}
	}
}

func (b *base) inCommonWithRemote(id githash.SHA1) {
	b.commons++
	b.inVain = 0
	b.knownCommon(id)
}

// expandOnce pops the next unexplored candidate, marks it Explored and
// enqueues its parents, returning the popped id, or false once the queue
// is dry. The returned id may already be Complete; callers skip such ids
// and loop.
func (b *base) expandOnce() (githash.SHA1, bool) {
	for {
		id, _, ok := b.queue.pop()
		if !ok {
			return githash.SHA1{}, false
		}
		if b.flagsOf(id).Has(Explored) {
			continue
		}
		b.setFlags(id, Explored)
		parents, err := b.source.CommitParents(id)
		if err == nil {
			for _, p := range parents {
				b.enqueue(p)
			}
		}
		b.inVain++
		return id, true
	}
}

// Consecutive sends every locally-known ancestor in commit-time order,
// newest first, stopping only when the queue is exhausted or the remote
// has acknowledged commonality.
type Consecutive struct{ base }

// NewConsecutive returns a Negotiator implementing the "consecutive"
// algorithm: every candidate have is sent, in descending commit-time
// order, without skipping.
func NewConsecutive(source CommitSource) *Consecutive {
	return &Consecutive{base: newBase(source, make(map[githash.SHA1]Flags))}
}

func (c *Consecutive) AddTip(id githash.SHA1)            { c.addTip(id) }
func (c *Consecutive) KnownCommon(id githash.SHA1)       { c.knownCommon(id) }
func (c *Consecutive) InCommonWithRemote(id githash.SHA1) { c.inCommonWithRemote(id) }

func (c *Consecutive) NextHave() (githash.SHA1, bool) {
	for {
		id, ok := c.expandOnce()
		if !ok {
			return githash.SHA1{}, false
		}
		if c.flagsOf(id).Has(Complete) {
			continue
		}
		return id, true
	}
}

// Skipping behaves like Consecutive but skips candidates with a
// geometrically growing stride (git's fetch-pack "skipping" algorithm):
// after each have it sends, it passes over the next 1, 2, 4, 8, ...
// candidates, and an acknowledgement from the remote resets the stride.
// This trades a little precision for far fewer haves on deep histories.
type Skipping struct {
	base
	skip       int
	skipStep   int
	sinceLast  int
}

// NewSkipping returns a Negotiator implementing the "skipping" algorithm.
func NewSkipping(source CommitSource) *Skipping {
	return &Skipping{base: newBase(source, make(map[githash.SHA1]Flags)), skipStep: 1}
}

func (s *Skipping) AddTip(id githash.SHA1)            { s.addTip(id) }
func (s *Skipping) KnownCommon(id githash.SHA1)       { s.knownCommon(id) }

func (s *Skipping) InCommonWithRemote(id githash.SHA1) {
	s.inCommonWithRemote(id)
	// A fresh ack resets the skip stride: the remote is still finding
	// commonality, so go back to dense probing near the frontier.
	s.skip = 0
	s.skipStep = 1
}

func (s *Skipping) NextHave() (githash.SHA1, bool) {
	for {
		if s.skip > 0 {
			// Burn through skip candidates without sending them, but
			// still expand their parents so the walk keeps progressing.
			if _, ok := s.expandOnce(); !ok {
				return githash.SHA1{}, false
			}
			s.skip--
			continue
		}
		id, ok := s.expandOnce()
		if !ok {
			return githash.SHA1{}, false
		}
		if s.flagsOf(id).Has(Complete) {
			continue
		}
		// Grow the stride geometrically: successive haves are followed by
		// 1, 2, 4, 8, ... skipped candidates until the next ack.
		s.skip = s.skipStep
		s.skipStep *= 2
		return id, true
	}
}

var (
	_ Negotiator = (*Consecutive)(nil)
	_ Negotiator = (*Skipping)(nil)
)
