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
	"testing"
	"time"

	"source.toolsmiths.dev/gitcore/githash"
)

// fakeHistory is a tiny in-memory commit graph for testing: a linear chain
// id(0) -> id(1) -> ... -> id(n-1), newest first.
type fakeHistory struct {
	parents map[githash.SHA1][]githash.SHA1
	times   map[githash.SHA1]time.Time
	present map[githash.SHA1]bool
}

func newLinearHistory(n int) (*fakeHistory, []githash.SHA1) {
	h := &fakeHistory{
		parents: make(map[githash.SHA1][]githash.SHA1),
		times:   make(map[githash.SHA1]time.Time),
		present: make(map[githash.SHA1]bool),
	}
	ids := make([]githash.SHA1, n)
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ids[i][0] = byte(i + 1)
		h.times[ids[i]] = base.Add(time.Duration(i) * time.Hour)
		h.present[ids[i]] = true
		if i > 0 {
			h.parents[ids[i]] = []githash.SHA1{ids[i-1]}
		}
	}
	return h, ids
}

func (h *fakeHistory) CommitParents(id githash.SHA1) ([]githash.SHA1, error) {
	return h.parents[id], nil
}

func (h *fakeHistory) CommitTime(id githash.SHA1) (time.Time, error) {
	return h.times[id], nil
}

func (h *fakeHistory) HasObject(id githash.SHA1) bool {
	return h.present[id]
}

func TestConsecutiveSendsNewestFirst(t *testing.T) {
	h, ids := newLinearHistory(4)
	n := NewConsecutive(h)
	n.AddTip(ids[3])

	var got []githash.SHA1
	for {
		id, ok := n.NextHave()
		if !ok {
			break
		}
		got = append(got, id)
	}
	want := []githash.SHA1{ids[3], ids[2], ids[1], ids[0]}
	if len(got) != len(want) {
		t.Fatalf("NextHave sequence length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NextHave()[%d] = %x, want %x", i, got[i], want[i])
		}
	}
}

func TestKnownCommonStopsAncestorTraversal(t *testing.T) {
	h, ids := newLinearHistory(4)
	n := NewConsecutive(h)
	n.AddTip(ids[3])
	n.KnownCommon(ids[1])

	var got []githash.SHA1
	for {
		id, ok := n.NextHave()
		if !ok {
			break
		}
		got = append(got, id)
	}
	for _, id := range got {
		if id == ids[1] || id == ids[0] {
			t.Errorf("NextHave() emitted %x, which is an ancestor of a KnownCommon commit", id)
		}
	}
}

func TestWindowSizeDoublesAndCaps(t *testing.T) {
	cases := []struct {
		round int
		want  int
	}{
		{0, 16},
		{1, 32},
		{2, 64},
		{10, 1024},
	}
	for _, c := range cases {
		if got := WindowSize(c.round); got != c.want {
			t.Errorf("WindowSize(%d) = %d, want %d", c.round, got, c.want)
		}
	}
}

func TestPrepareNoChange(t *testing.T) {
	h, ids := newLinearHistory(2)
	m := []Mapping{{RemoteRef: "refs/heads/main", LocalRef: "refs/remotes/origin/main", RemoteID: ids[1]}}
	local := fakeLocalRefs{refs: map[githash.Ref]githash.SHA1{"refs/remotes/origin/main": ids[1]}}
	n := NewConsecutive(h)
	action, err := Prepare(h, local, m, Mode{}, n)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if action != ActionNoChange {
		t.Errorf("Prepare() action = %v, want ActionNoChange", action)
	}
}

type fakeLocalRefs struct {
	refs map[githash.Ref]githash.SHA1
}

func (f fakeLocalRefs) Refs() (map[githash.Ref]githash.SHA1, error) { return f.refs, nil }
func (f fakeLocalRefs) AlternateRefs() (map[githash.Ref]githash.SHA1, error) {
	return nil, nil
}
