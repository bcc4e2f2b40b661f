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
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"sort"

	"source.toolsmiths.dev/gitcore/githash"
)

// MultiPackIndex is an in-memory mapping of object IDs to a pack-local
// index and offset across several packfiles sharing one on-disk index,
// matching git's objects/pack/multi-pack-index format (MIDX version 1).
type MultiPackIndex struct {
	// PackNames lists the pack files this index covers, sorted
	// lexicographically (as git itself requires); PackIndexes refers to
	// entries in this slice by position.
	PackNames []string
	// ObjectIDs is a sorted list of every object id covered by PackNames.
	ObjectIDs []githash.SHA1
	// PackIndexes holds, for each ObjectIDs entry, the index into
	// PackNames of the pack it lives in.
	PackIndexes []int
	// Offsets holds, for each ObjectIDs entry, the byte offset of the
	// object's header within its pack.
	Offsets []int64
}

var midxMagic = [4]byte{'M', 'I', 'D', 'X'}

const (
	midxVersion         = 1
	midxHashVersionSHA1 = 1
	midxHeaderSize      = 12
	midxChunkTableEntry = 12 // 4-byte chunk id + 8-byte offset
)

var (
	midxChunkPackNames     = [4]byte{'P', 'N', 'A', 'M'}
	midxChunkFanout        = [4]byte{'O', 'I', 'D', 'F'}
	midxChunkObjectIDs     = [4]byte{'O', 'I', 'D', 'L'}
	midxChunkObjectOffsets = [4]byte{'O', 'O', 'F', 'F'}
	midxChunkLargeOffsets  = [4]byte{'L', 'O', 'F', 'F'}
)

// ReadMultiPackIndex parses a multi-pack-index file from r, which must
// provide access to exactly size bytes starting at offset 0.
func ReadMultiPackIndex(r io.ReaderAt, size int64) (*MultiPackIndex, error) {
	if size < midxHeaderSize+midxChunkTableEntry {
		return nil, fmt.Errorf("read multi-pack-index: file too small")
	}
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read multi-pack-index: %w", err)
	}

	if !bytes.Equal(buf[:4], midxMagic[:]) {
		return nil, fmt.Errorf("read multi-pack-index: bad magic")
	}
	if version := buf[4]; version != midxVersion {
		return nil, fmt.Errorf("read multi-pack-index: unsupported version %d", version)
	}
	if hashVersion := buf[5]; hashVersion != midxHashVersionSHA1 {
		return nil, fmt.Errorf("read multi-pack-index: unsupported object id version %d", hashVersion)
	}
	numChunks := int(buf[6])
	// buf[7] is the base-midx-files count; chained (incremental) multi-pack
	// indexes are not supported, so this implementation requires it be 0.
	if buf[7] != 0 {
		return nil, fmt.Errorf("read multi-pack-index: chained multi-pack-index files are not supported")
	}

	type chunkRange struct {
		id         [4]byte
		start, end int64
	}
	if midxHeaderSize+(numChunks+1)*midxChunkTableEntry > len(buf) {
		return nil, fmt.Errorf("read multi-pack-index: truncated chunk table")
	}
	chunks := make([]chunkRange, numChunks)
	offsets := make([]int64, numChunks+1)
	for i := range offsets {
		off := midxHeaderSize + i*midxChunkTableEntry
		offsets[i] = int64(ntohll(buf[off+4 : off+midxChunkTableEntry]))
	}
	for i := 0; i < numChunks; i++ {
		off := midxHeaderSize + i*midxChunkTableEntry
		var id [4]byte
		copy(id[:], buf[off:off+4])
		chunks[i] = chunkRange{id: id, start: offsets[i], end: offsets[i+1]}
	}

	find := func(want [4]byte) ([]byte, bool) {
		for _, c := range chunks {
			if c.id != want {
				continue
			}
			if c.start < 0 || c.end > int64(len(buf)) || c.start > c.end {
				return nil, false
			}
			return buf[c.start:c.end], true
		}
		return nil, false
	}

	namesRaw, ok := find(midxChunkPackNames)
	if !ok {
		return nil, fmt.Errorf("read multi-pack-index: missing pack names chunk")
	}
	var names []string
	for _, part := range bytes.Split(bytes.TrimRight(namesRaw, "\x00"), []byte{0}) {
		if len(part) == 0 {
			continue
		}
		names = append(names, string(part))
	}

	fanoutRaw, ok := find(midxChunkFanout)
	if !ok || len(fanoutRaw) != fanOutEntryCount*4 {
		return nil, fmt.Errorf("read multi-pack-index: missing or malformed fanout chunk")
	}
	nobjs := int(ntohl(fanoutRaw[(fanOutEntryCount-1)*4:]))

	idsRaw, ok := find(midxChunkObjectIDs)
	if !ok || len(idsRaw) != nobjs*githash.SHA1Size {
		return nil, fmt.Errorf("read multi-pack-index: missing or malformed object id chunk")
	}
	ids := make([]githash.SHA1, nobjs)
	for i := range ids {
		copy(ids[i][:], idsRaw[i*githash.SHA1Size:(i+1)*githash.SHA1Size])
	}

	offsetsRaw, ok := find(midxChunkObjectOffsets)
	if !ok || len(offsetsRaw) != nobjs*8 {
		return nil, fmt.Errorf("read multi-pack-index: missing or malformed offsets chunk")
	}
	largeRaw, _ := find(midxChunkLargeOffsets)

	packIdx := make([]int, nobjs)
	offs := make([]int64, nobjs)
	for i := 0; i < nobjs; i++ {
		ent := offsetsRaw[i*8 : i*8+8]
		packIdx[i] = int(ntohl(ent[:4]))
		off := ntohl(ent[4:8])
		if off&largeOffsetEntryMask != 0 {
			li := int(off &^ largeOffsetEntryMask)
			if largeRaw == nil || (li+1)*8 > len(largeRaw) {
				return nil, fmt.Errorf("read multi-pack-index: large offset index out of range")
			}
			offs[i] = int64(ntohll(largeRaw[li*8 : li*8+8]))
		} else {
			offs[i] = int64(off)
		}
	}

	return &MultiPackIndex{
		PackNames:   names,
		ObjectIDs:   ids,
		PackIndexes: packIdx,
		Offsets:     offs,
	}, nil
}

// NewMultiPackIndex builds a MultiPackIndex by merging one Index per pack
// name. When more than one pack claims the same object id, the first pack
// in packNames order wins, matching git's own multi-pack-index write rule.
func NewMultiPackIndex(packNames []string, indexes []*Index) (*MultiPackIndex, error) {
	if len(packNames) != len(indexes) {
		return nil, fmt.Errorf("multi-pack-index: %d pack names but %d indexes", len(packNames), len(indexes))
	}
	type entry struct {
		id     githash.SHA1
		pack   int
		offset int64
	}
	byID := make(map[githash.SHA1]entry)
	for pi, idx := range indexes {
		for i, id := range idx.ObjectIDs {
			if _, dup := byID[id]; dup {
				continue
			}
			byID[id] = entry{id: id, pack: pi, offset: idx.Offsets[i]}
		}
	}
	entries := make([]entry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].id[:], entries[j].id[:]) < 0
	})

	m := &MultiPackIndex{PackNames: packNames}
	for _, e := range entries {
		m.ObjectIDs = append(m.ObjectIDs, e.id)
		m.PackIndexes = append(m.PackIndexes, e.pack)
		m.Offsets = append(m.Offsets, e.offset)
	}
	return m, nil
}

// MarshalBinary encodes m in git's multi-pack-index version 1 format.
func (m *MultiPackIndex) MarshalBinary() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("write multi-pack-index: %w", err)
	}

	var namesBuf bytes.Buffer
	for _, name := range m.PackNames {
		namesBuf.WriteString(name)
		namesBuf.WriteByte(0)
	}
	for namesBuf.Len()%4 != 0 {
		namesBuf.WriteByte(0)
	}

	var fanoutBuf bytes.Buffer
	if err := encodeFanOutIDs(&fanoutBuf, m.ObjectIDs); err != nil {
		return nil, fmt.Errorf("write multi-pack-index: %w", err)
	}

	var idsBuf bytes.Buffer
	for _, id := range m.ObjectIDs {
		idsBuf.Write(id[:])
	}

	const largeOffsetMin = 1 << 31
	var largeOffsets []int64
	var offsetsBuf bytes.Buffer
	var ent [8]byte
	for i, off := range m.Offsets {
		htonl(ent[:4], uint32(m.PackIndexes[i]))
		if off >= largeOffsetMin {
			htonl(ent[4:], largeOffsetEntryMask|uint32(len(largeOffsets)))
			largeOffsets = append(largeOffsets, off)
		} else {
			htonl(ent[4:], uint32(off))
		}
		offsetsBuf.Write(ent[:])
	}

	var largeBuf bytes.Buffer
	for _, off := range largeOffsets {
		var b [8]byte
		htonll(b[:], uint64(off))
		largeBuf.Write(b[:])
	}

	type chunk struct {
		id   [4]byte
		data []byte
	}
	chunkList := []chunk{
		{midxChunkPackNames, namesBuf.Bytes()},
		{midxChunkFanout, fanoutBuf.Bytes()},
		{midxChunkObjectIDs, idsBuf.Bytes()},
		{midxChunkObjectOffsets, offsetsBuf.Bytes()},
	}
	if largeBuf.Len() > 0 {
		chunkList = append(chunkList, chunk{midxChunkLargeOffsets, largeBuf.Bytes()})
	}

	header := make([]byte, midxHeaderSize)
	copy(header[:4], midxMagic[:])
	header[4] = midxVersion
	header[5] = midxHashVersionSHA1
	header[6] = byte(len(chunkList))
	header[7] = 0
	htonl(header[8:], uint32(len(m.PackNames)))

	table := make([]byte, (len(chunkList)+1)*midxChunkTableEntry)
	offset := int64(len(header) + len(table))
	for i, c := range chunkList {
		off := i * midxChunkTableEntry
		copy(table[off:off+4], c.id[:])
		htonll(table[off+4:off+midxChunkTableEntry], uint64(offset))
		offset += int64(len(c.data))
	}
	lastOff := len(chunkList) * midxChunkTableEntry
	htonll(table[lastOff+4:lastOff+midxChunkTableEntry], uint64(offset))

	h := sha1.New()
	out := new(bytes.Buffer)
	mw := io.MultiWriter(out, h)
	if _, err := mw.Write(header); err != nil {
		return nil, fmt.Errorf("write multi-pack-index: %w", err)
	}
	if _, err := mw.Write(table); err != nil {
		return nil, fmt.Errorf("write multi-pack-index: %w", err)
	}
	for _, c := range chunkList {
		if _, err := mw.Write(c.data); err != nil {
			return nil, fmt.Errorf("write multi-pack-index: %w", err)
		}
	}
	out.Write(h.Sum(nil))
	return out.Bytes(), nil
}

func (m *MultiPackIndex) validate() error {
	if len(m.ObjectIDs) != len(m.PackIndexes) || len(m.ObjectIDs) != len(m.Offsets) {
		return fmt.Errorf("object id, pack index, and offset counts differ")
	}
	for i := 1; i < len(m.ObjectIDs); i++ {
		if bytes.Compare(m.ObjectIDs[i-1][:], m.ObjectIDs[i][:]) >= 0 {
			return fmt.Errorf("object ids not strictly sorted")
		}
	}
	for _, pi := range m.PackIndexes {
		if pi < 0 || pi >= len(m.PackNames) {
			return fmt.Errorf("pack index %d out of range", pi)
		}
	}
	return nil
}

func (m *MultiPackIndex) findID(id githash.SHA1) int {
	return sort.Search(len(m.ObjectIDs), func(i int) bool {
		return bytes.Compare(m.ObjectIDs[i][:], id[:]) >= 0
	})
}

// FindID finds the position of id in m.ObjectIDs or -1 if the id is not
// covered by this index.
func (m *MultiPackIndex) FindID(id githash.SHA1) int {
	i := m.findID(id)
	if i >= len(m.ObjectIDs) || m.ObjectIDs[i] != id {
		return -1
	}
	return i
}

// Resolve maps id to the pack-local index (a position in PackNames) and
// byte offset of its packed entry, per the multi-pack-index lookup
// contract: Same plus resolve(id) -> Option<(pack_local_index, pack_offset)>.
func (m *MultiPackIndex) Resolve(id githash.SHA1) (packLocalIndex int, offset int64, ok bool) {
	i := m.FindID(id)
	if i < 0 {
		return 0, 0, false
	}
	return m.PackIndexes[i], m.Offsets[i], true
}
