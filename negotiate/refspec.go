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
	"strings"

	"source.toolsmiths.dev/gitcore/githash"
)

// Refspec specifies a mapping from remote refs to local refs, the same
// syntax git's "refs/heads/*:refs/remotes/origin/*" configuration uses.
// Mapping.LocalRef is computed from a Refspec, not carried as free-standing
// state, so a caller updating its remote configuration never leaves a
// Mapping pointing at a stale local ref.
type Refspec string

// Parse splits the refspec into its source pattern, destination pattern,
// and the force-update ('+' prefix) flag.
func (spec Refspec) Parse() (src, dst RefPattern, plus bool) {
	s := string(spec)
	plus = strings.HasPrefix(s, "+")
	if plus {
		s = s[1:]
	}
	if i := strings.IndexByte(s, ':'); i != -1 {
		return RefPattern(s[:i]), RefPattern(s[i+1:]), plus
	}
	if strings.HasPrefix(s, "tag ") {
		name := s[len("tag "):]
		return RefPattern("refs/tags/" + name), RefPattern("refs/tags/" + name), plus
	}
	return RefPattern(s), "", plus
}

// Map maps a remote ref into a local ref. It returns "" if spec does not
// match remote.
func (spec Refspec) Map(remote githash.Ref) githash.Ref {
	srcPattern, dstPattern, _ := spec.Parse()
	suffix, ok := srcPattern.Match(remote)
	if !ok {
		return ""
	}
	if prefix, ok := dstPattern.Prefix(); ok {
		return githash.Ref(prefix + suffix)
	}
	return githash.Ref(dstPattern)
}

// RefPattern is one side of a Refspec: either a literal suffix match (e.g.
// "main" matches "refs/heads/main") or, if the last path component is "*",
// a prefix match.
type RefPattern string

// Prefix returns the text before the wildcard, if pat ends in "/*" or is
// exactly "*".
func (pat RefPattern) Prefix() (_ string, ok bool) {
	if pat == "*" {
		return "", true
	}
	const wildcard = "/*"
	if strings.HasSuffix(string(pat), wildcard) && len(pat) > len(wildcard) {
		return string(pat[:len(pat)-1]), true
	}
	return "", false
}

// Match reports whether ref matches pat. When pat is a wildcard pattern,
// suffix is the text the wildcard matched.
func (pat RefPattern) Match(ref githash.Ref) (suffix string, ok bool) {
	prefix, ok := pat.Prefix()
	if ok {
		if !strings.HasPrefix(string(ref), prefix) {
			return "", false
		}
		return string(ref[len(prefix):]), true
	}
	return "", string(ref) == string(pat) || strings.HasSuffix(string(ref), "/"+string(pat))
}

// Mapping pairs a remote ref with the local ref it maps to (via a
// Refspec) and the object id the remote currently advertises for it.
// This is the unit fed to Prepare and to the negotiator's seeding pass
// (spec.md §4.8).
type Mapping struct {
	RemoteRef githash.Ref
	LocalRef  githash.Ref
	RemoteID  githash.SHA1
}

// Map builds the Mappings for a set of remote-advertised refs, using specs
// in priority order (first match wins, mirroring git's own refspec
// resolution).
func Map(remoteRefs map[githash.Ref]githash.SHA1, specs []Refspec) []Mapping {
	mappings := make([]Mapping, 0, len(remoteRefs))
	for remoteRef, id := range remoteRefs {
		var local githash.Ref
		for _, spec := range specs {
			if m := spec.Map(remoteRef); m != "" {
				local = m
				break
			}
		}
		mappings = append(mappings, Mapping{RemoteRef: remoteRef, LocalRef: local, RemoteID: id})
	}
	return mappings
}
