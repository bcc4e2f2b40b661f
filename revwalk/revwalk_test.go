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

package revwalk

import (
	"testing"
	"time"

	"source.toolsmiths.dev/gitcore/githash"
	"source.toolsmiths.dev/gitcore/object"
)

type fakeReader struct {
	commits map[githash.SHA1]*object.Commit
}

func (f *fakeReader) ReadCommit(id githash.SHA1) (*object.Commit, error) {
	return f.commits[id], nil
}

func (f *fakeReader) HasObject(id githash.SHA1) bool {
	_, ok := f.commits[id]
	return ok
}

func newChain(n int) (*fakeReader, []githash.SHA1) {
	f := &fakeReader{commits: make(map[githash.SHA1]*object.Commit)}
	ids := make([]githash.SHA1, n)
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ids[i][0] = byte(i + 1)
		c := &object.Commit{CommitTime: base.Add(time.Duration(i) * time.Hour)}
		if i > 0 {
			c.Parents = []githash.SHA1{ids[i-1]}
		}
		f.commits[ids[i]] = c
	}
	return f, ids
}

func TestWalkerVisitsNewestFirst(t *testing.T) {
	f, ids := newChain(4)
	w := New(f)
	if err := w.Push(ids[3]); err != nil {
		t.Fatal(err)
	}
	var got []githash.SHA1
	for {
		id, ok, err := w.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, id)
	}
	want := []githash.SHA1{ids[3], ids[2], ids[1], ids[0]}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %x, want %x", i, got[i], want[i])
		}
	}
}

func TestWalkerSinceStopsAtCutoff(t *testing.T) {
	f, ids := newChain(4)
	w := New(f)
	if err := w.Push(ids[3]); err != nil {
		t.Fatal(err)
	}
	cutoff := f.commits[ids[2]].CommitTime
	got, err := w.Since(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range got {
		if id == ids[0] {
			t.Errorf("Since(%v) visited %x, which predates the cutoff", cutoff, id)
		}
	}
	if len(got) != 2 {
		t.Errorf("len(got) = %d, want 2 (ids[3], ids[2])", len(got))
	}
}
