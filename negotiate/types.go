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

// Package negotiate implements the stateful haves/wants dialog a fetch
// performs against a remote peer to minimize the set of objects
// transferred, including shallow-clone semantics. It is grounded on
// gitoxide's gix/src/remote/connection/fetch/negotiate.rs, restated over
// this module's object store and transport types.
package negotiate

import (
	"time"

	"source.toolsmiths.dev/gitcore/githash"
)

// Flags records what has been learned about a commit visited during
// negotiation. A single id-keyed map of Flags replaces the per-commit
// bitfield gitoxide keeps in its commit-graph nodes.
type Flags uint8

const (
	// Seen marks a commit as having been enqueued at least once.
	Seen Flags = 1 << iota
	// Complete marks a commit (and transitively, by construction, all of
	// its ancestors) as already present in the local object store.
	Complete
	// InDegree marks a commit that was reached directly from a local ref
	// tip, as opposed to being discovered by walking parent edges.
	InDegree
	// Explored marks a commit whose parents have already been walked.
	Explored
	// Uninteresting marks a commit the negotiator has decided not to
	// send as a have (it's implied by a more recent have already sent).
	Uninteresting
	// Bottom marks a shallow boundary commit: present locally, but its
	// parents intentionally are not.
	Bottom
	// Added marks a commit already added to the negotiator's internal
	// queue, preventing duplicate enqueueing.
	Added
	// Alternate marks a commit reached via an alternate object directory
	// rather than the primary repository.
	Alternate
)

// Has reports whether all of want is set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// CommitSource answers the two questions negotiation needs about a local
// commit: its parents and its committer timestamp. revwalk.Source
// satisfies this; it is abstracted here so
// negotiate has no import-time dependency on odb/dynamic.
type CommitSource interface {
	// CommitParents returns id's parent ids, or giterror.NotFound if id
	// is not a commit present in the local store.
	CommitParents(id githash.SHA1) ([]githash.SHA1, error)
	// CommitTime returns id's committer timestamp.
	CommitTime(id githash.SHA1) (time.Time, error)
	// HasObject reports whether id is present in the local store,
	// without attempting to parse it as any particular kind.
	HasObject(id githash.SHA1) bool
}

// Mode selects the shallow-clone dimension of a fetch. The zero value is
// NoChange: the local shallow boundary, if any, is left untouched.
type Mode struct {
	Kind ModeKind

	// DepthAtRemote is used by DepthAtRemote: the exact depth to request
	// the remote compute from its own tips.
	DepthAtRemote int
	// Deepen is used by Deepen: the number of additional commits to
	// reveal past the current shallow boundary.
	Deepen int
	// DeepenRelative, when true and Kind is Deepen, requests the n
	// commits be counted from the current shallow boundary rather than
	// from the tip. Supplemented from gitoxide; see SPEC_FULL.md.
	DeepenRelative bool
	// Since is used by Since: reveal commits committed after this
	// time.
	Since time.Time
	// ExcludeRefs and ExcludeSince are used by Exclude: the shallow
	// boundary is computed up to the given refs/time, combined, matching
	// gitoxide's Exclude{refs, since} variant (see SPEC_FULL.md SUPPLEMENTED
	// FEATURES).
	ExcludeRefs  []githash.Ref
	ExcludeSince time.Time
}

// ModeKind enumerates the Shallow variants from spec.md §4.8.
type ModeKind int

const (
	NoChange ModeKind = iota
	DepthAtRemote
	Deepen
	Since
	Exclude
)

func (m Mode) isShallow() bool { return m.Kind != NoChange }

// Action is the outcome of Prepare: whether a negotiation round loop is
// even needed.
type Action int

const (
	// ActionMustNegotiate means the round loop (Round) must run.
	ActionMustNegotiate Action = iota
	// ActionNoChange means every mapping is already satisfied locally and
	// the shallow boundary is unaffected; no fetch is needed at all.
	ActionNoChange
	// ActionSkipToRefUpdate means every remote id is already present
	// locally, so no objects need transferring, but refs may still need
	// updating to point at them.
	ActionSkipToRefUpdate
)
