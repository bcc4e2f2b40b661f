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

package pack

import (
	"hash/maphash"

	"github.com/dgraph-io/ristretto/v2"
	"source.toolsmiths.dev/gitcore/githash"
	"source.toolsmiths.dev/gitcore/object"
)

// CachedObject is a previously decoded base object, kept around so a later
// delta in the same chain (or a sibling delta with the same base) does not
// have to re-walk and re-apply the whole chain from scratch.
type CachedObject struct {
	Kind object.Type
	Data []byte
}

func (o CachedObject) cost() int64 {
	return int64(len(o.Data)) + 16
}

// DeltaKey identifies one decoded entry within a specific pack, the unit
// DeltaCache is keyed by.
type DeltaKey struct {
	Pack   uint16
	Offset int64
}

var deltaKeySeed = maphash.MakeSeed()

func hashDeltaKey(k DeltaKey) (uint64, uint64) {
	var h maphash.Hash
	h.SetSeed(deltaKeySeed)
	var buf [10]byte
	buf[0] = byte(k.Pack)
	buf[1] = byte(k.Pack >> 8)
	for i := 0; i < 8; i++ {
		buf[2+i] = byte(k.Offset >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64(), uint64(k.Pack)<<32 | uint64(uint32(k.Offset))
}

// DeltaCache is a bounded-by-bytes cache of decoded pack entries, keyed by
// (pack id, pack offset). Undeltifier neither consults nor populates it;
// a caller that wants cached bases calls Get and Set itself.
//
// A nil *DeltaCache is valid and always misses.
type DeltaCache struct {
	cache *ristretto.Cache[DeltaKey, CachedObject]
}

// NewDeltaCache returns a DeltaCache that admits entries up to maxBytes
// total, evicting least-recently/frequently-used entries to make room for
// new ones, the way ristretto's TinyLFU admission policy does for any
// cost-bounded cache.
func NewDeltaCache(maxBytes int64) (*DeltaCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[DeltaKey, CachedObject]{
		NumCounters: counterEstimate(maxBytes),
		MaxCost:     maxBytes,
		BufferItems: 64,
		KeyToHash:   hashDeltaKey,
	})
	if err != nil {
		return nil, err
	}
	return &DeltaCache{cache: c}, nil
}

// Get reports a previously cached decode of the entry at key.
func (c *DeltaCache) Get(key DeltaKey) (CachedObject, bool) {
	if c == nil {
		return CachedObject{}, false
	}
	return c.cache.Get(key)
}

// Set records a decode of the entry at key for future reuse. Data is
// retained as-is: callers must not mutate it after calling Set.
func (c *DeltaCache) Set(key DeltaKey, obj CachedObject) {
	if c == nil {
		return
	}
	c.cache.Set(key, obj, obj.cost())
}

// Close releases the cache's background goroutines. Safe to call on a nil
// *DeltaCache.
func (c *DeltaCache) Close() {
	if c == nil {
		return
	}
	c.cache.Close()
}

func hashSHA1(id githash.SHA1) (uint64, uint64) {
	var h maphash.Hash
	h.SetSeed(deltaKeySeed)
	h.Write(id[:])
	return h.Sum64(), uint64(id[0])<<56 | uint64(id[1])<<48 | uint64(id[2])<<40 | uint64(id[3])<<32 | uint64(id[4])<<24
}

// ObjectCache is a bounded-by-bytes cache of fully reconstructed objects,
// keyed by object id rather than pack location. No lookup path in this
// module consults it; a caller uses Get and Set directly.
type ObjectCache struct {
	cache *ristretto.Cache[githash.SHA1, CachedObject]
}

// NewObjectCache returns an ObjectCache that admits entries up to maxBytes
// total.
func NewObjectCache(maxBytes int64) (*ObjectCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[githash.SHA1, CachedObject]{
		NumCounters: counterEstimate(maxBytes),
		MaxCost:     maxBytes,
		BufferItems: 64,
		KeyToHash:   hashSHA1,
	})
	if err != nil {
		return nil, err
	}
	return &ObjectCache{cache: c}, nil
}

// Get reports a previously cached object for id.
func (c *ObjectCache) Get(id githash.SHA1) (CachedObject, bool) {
	if c == nil {
		return CachedObject{}, false
	}
	return c.cache.Get(id)
}

// Set records obj as the reconstructed contents of id.
func (c *ObjectCache) Set(id githash.SHA1, obj CachedObject) {
	if c == nil {
		return
	}
	c.cache.Set(id, obj, obj.cost())
}

// Close releases the cache's background goroutines. Safe to call on a nil
// *ObjectCache.
func (c *ObjectCache) Close() {
	if c == nil {
		return
	}
	c.cache.Close()
}

// counterEstimate follows ristretto's own sizing guidance of roughly 10x
// the number of items the cache is expected to hold; since items here vary
// widely in size, it ballparks from maxBytes assuming a modest average
// object size rather than requiring every caller to supply an item count.
func counterEstimate(maxBytes int64) int64 {
	const assumedAvgObjectBytes = 2048
	n := (maxBytes / assumedAvgObjectBytes) * 10
	if n < 1000 {
		n = 1000
	}
	return n
}
