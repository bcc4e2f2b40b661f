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
	"time"

	"source.toolsmiths.dev/gitcore/githash"
)

// LocalRefs supplies the local repository's own ref tips (for seeding the
// negotiator) and its alternates' ref tips (marked Alternate|Complete,
// since an alternate's objects are already locally reachable).
type LocalRefs interface {
	// Refs returns every local ref's current target.
	Refs() (map[githash.Ref]githash.SHA1, error)
	// AlternateRefs returns the ref targets reachable via
	// objects/info/alternates; their ancestors don't need haves sent
	// because they're already locally complete.
	AlternateRefs() (map[githash.Ref]githash.SHA1, error)
}

// Prepare implements spec.md §4.8 "Preparation": it determines whether a
// negotiation round loop is needed at all and, if so, seeds the given
// negotiator from the local ref graph.
func Prepare(source CommitSource, local LocalRefs, mappings []Mapping, mode Mode, n Negotiator) (Action, error) {
	known := make([]bool, len(mappings))
	allKnown := true
	for i, m := range mappings {
		known[i] = source.HasObject(m.RemoteID)
		if !known[i] {
			allKnown = false
		}
	}

	if !mode.isShallow() {
		noChange := true
		for i, m := range mappings {
			if !known[i] {
				noChange = false
				break
			}
			// The remote id is known locally. The local ref's current
			// target is not compared: a mapping whose remote id is
			// present counts as needing no fetch.
			if m.LocalRef == "" {
				continue
			}
		}
		if noChange {
			return ActionNoChange, nil
		}
	}
	if allKnown {
		return ActionSkipToRefUpdate, nil
	}

	refs, err := local.Refs()
	if err != nil {
		return ActionMustNegotiate, err
	}
	flagsMap := flagsOfNegotiator(n)

	for ref, id := range refs {
		_ = ref
		markSeenCompleteInDegree(source, flagsMap, n, id)
	}
	altRefs, err := local.AlternateRefs()
	if err == nil {
		for _, id := range altRefs {
			if flagsMap != nil {
				flagsMap[id] |= Alternate | Complete
			}
		}
	}

	cutoff := oldestKnownCommitTime(source, mappings, known)

	walkToCutoff(source, flagsMap, cutoff)

	for i, m := range mappings {
		if known[i] {
			n.KnownCommon(m.RemoteID)
		}
	}
	for id, f := range flagsMap {
		if f.Has(Seen) && !f.Has(Complete) {
			n.AddTip(id)
		}
	}

	return ActionMustNegotiate, nil
}

// flagsOfNegotiator extracts the shared flags map from concrete negotiator
// types. Negotiator is intentionally a narrow interface (spec.md §4.8); this
// accessor is the one place that reaches past it, mirroring how negotiate.rs
// lets Prepare touch commit-graph flags the negotiator also reads.
func flagsOfNegotiator(n Negotiator) map[githash.SHA1]Flags {
	switch v := n.(type) {
	case *Consecutive:
		return v.flags
	case *Skipping:
		return v.flags
	default:
		return nil
	}
}

// markSeenCompleteInDegree sets Seen and InDegree on a local ref's target.
// It does not set Complete, so Prepare's final pass still adds the target
// as a tip.
func markSeenCompleteInDegree(source CommitSource, flags map[githash.SHA1]Flags, n Negotiator, id githash.SHA1) {
	if flags == nil || id == (githash.SHA1{}) {
		return
	}
	flags[id] |= Seen | InDegree
}

func oldestKnownCommitTime(source CommitSource, mappings []Mapping, known []bool) time.Time {
	var cutoff time.Time
	found := false
	for i, m := range mappings {
		if !known[i] {
			continue
		}
		t, err := source.CommitTime(m.RemoteID)
		if err != nil {
			continue
		}
		if !found || t.Before(cutoff) {
			cutoff = t
			found = true
		}
	}
	return cutoff
}

// walkToCutoff marks every ancestor of a Seen commit Complete as long as
// its commit time is at or after cutoff, matching negotiate.rs's
// mark_recent_complete_commits: everything old enough that the remote
// already has an equally-old commit id is assumed shared.
func walkToCutoff(source CommitSource, flags map[githash.SHA1]Flags, cutoff time.Time) {
	if flags == nil {
		return
	}
	var q commitQueue
	for id, f := range flags {
		if f.Has(Seen) {
			t, err := source.CommitTime(id)
			if err != nil {
				continue
			}
			q.push(id, t)
		}
	}
	visited := make(map[githash.SHA1]bool)
	for q.Len() > 0 {
		id, t, ok := q.pop()
		if !ok || t.Before(cutoff) {
			break
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		parents, err := source.CommitParents(id)
		if err != nil {
			continue
		}
		for _, p := range parents {
			if flags[p].Has(Complete) {
				continue
			}
			flags[p] |= Complete
			pt, err := source.CommitTime(p)
			if err != nil {
				continue
			}
			q.push(p, pt)
		}
	}
}
