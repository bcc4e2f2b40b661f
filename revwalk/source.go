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
	"time"

	"source.toolsmiths.dev/gitcore/githash"
)

// Source adapts a CommitReader to negotiate.CommitSource, so the same
// backing store drives both ancestry walks and fetch negotiation.
type Source struct {
	Reader CommitReader
}

// CommitParents returns the parent ids of id, or an error if id cannot be
// read as a commit.
func (s Source) CommitParents(id githash.SHA1) ([]githash.SHA1, error) {
	c, err := s.Reader.ReadCommit(id)
	if err != nil {
		return nil, err
	}
	return c.Parents, nil
}

// CommitTime returns the commit time of id.
func (s Source) CommitTime(id githash.SHA1) (time.Time, error) {
	c, err := s.Reader.ReadCommit(id)
	if err != nil {
		return time.Time{}, err
	}
	return c.CommitTime, nil
}

// HasObject reports whether id is present in the backing store.
func (s Source) HasObject(id githash.SHA1) bool {
	return s.Reader.HasObject(id)
}
