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

import "source.toolsmiths.dev/gitcore/githash"

// TagPeeler resolves an annotated tag object id to the id of the object it
// points at ("peeling" it), so Wants can preempt the server from sending
// tag targets the client already has. Supplied by the object layer.
type TagPeeler interface {
	// PeelTag returns the target id of the annotated tag id, or ok=false
	// if id is not a tag (or is not locally present).
	PeelTag(id githash.SHA1) (target githash.SHA1, ok bool)
}

// Wants computes the want lines (spec.md §4.8 "Wants") and any
// preemptive haves derived from annotated tags already present locally.
//
// In any non-NoChange shallow Mode, every mapping's remote id is resent as
// a want regardless of local knowledge, so the remote can recompute the
// shallow boundary (spec.md §4.8 "Shallow semantics").
func Wants(mappings []Mapping, source CommitSource, peeler TagPeeler, mode Mode) (wants []githash.SHA1, preemptiveHaves []githash.SHA1) {
	seen := make(map[githash.SHA1]bool)
	for _, m := range mappings {
		known := source.HasObject(m.RemoteID)
		if mode.isShallow() || !known {
			if !seen[m.RemoteID] {
				wants = append(wants, m.RemoteID)
				seen[m.RemoteID] = true
			}
		}
		if known {
			if target, ok := peeler.PeelTag(m.RemoteID); ok && source.HasObject(target) {
				preemptiveHaves = append(preemptiveHaves, target)
			}
		}
	}
	return wants, preemptiveHaves
}
