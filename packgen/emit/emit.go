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

// Package emit turns a sorted set of count.Count records into pack entries,
// preferring to copy an object's already-compressed bytes verbatim from a
// source pack over re-deflating it from scratch.
package emit

import (
	"fmt"
	"hash/crc32"
	"io"

	"source.toolsmiths.dev/gitcore/githash"
	"source.toolsmiths.dev/gitcore/object"
	"source.toolsmiths.dev/gitcore/odb/dynamic"
	"source.toolsmiths.dev/gitcore/pack"
	"source.toolsmiths.dev/gitcore/packgen/count"
)

// PackProvider gives emit read access to the source packs named by the
// Count records' Locations.
type PackProvider interface {
	// RawEntry returns the verbatim header and compressed bytes for the
	// entry at offset within the named pack.
	RawEntry(id dynamic.PackID, offset int64) (*pack.RawEntry, error)
	// IndexOf returns the parsed index for the named pack, used to resolve
	// an OfsDelta entry's base object id and to translate offsets.
	IndexOf(id dynamic.PackID) (*pack.Index, bool)
}

// PackToPackCopyCrc32Mismatch reports that a reused entry's bytes no
// longer match the crc32 recorded in its source pack's index, so it was
// not safe to copy verbatim.
type PackToPackCopyCrc32Mismatch struct {
	ID   githash.SHA1
	Pack dynamic.PackID
	Want uint32
	Got  uint32
}

func (e *PackToPackCopyCrc32Mismatch) Error() string {
	return fmt.Sprintf("emit: %v: pack-to-pack copy crc32 mismatch in %v: want %08x, got %08x", e.ID, e.Pack, e.Want, e.Got)
}

// Options configures an emission run.
type Options struct {
	// TargetPackVersion is the pack.Writer version this batch is being
	// prepared for. Run does not consult it: a source entry is reused
	// verbatim whatever version its own pack was written at.
	TargetPackVersion uint32
	// ThinPacksAllowed permits emitting a RefDelta whose base is not
	// itself part of this batch, to be resolved by the receiver from its
	// own object store.
	ThinPacksAllowed bool
	// ChunkSize batches Entries passed to each Yield call. Zero means one
	// chunk per call to Run (no batching).
	ChunkSize int
}

func (o Options) chunkSize() int {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return 1 << 30
}

// Run computes one Entry per count record (in the given order, which the
// caller should have already sorted via count.Run) and passes them to yield
// in batches of at most Options.ChunkSize, giving the caller natural
// back-pressure when writing to a slow network or disk. w receives the
// pack.Writer header/body bytes for each entry as it is decided, since
// OfsDelta translation needs each entry's definitive new-pack offset,
// which is only known once it has actually been written.
func Run(w *pack.Writer, counts []count.Count, packs PackProvider, objects count.Source, opts Options, yield func([]Entry) error) error {
	wanted := make(map[githash.SHA1]bool, len(counts))
	for _, c := range counts {
		wanted[c.ID] = true
	}
	newOffsets := make(map[githash.SHA1]int64, len(counts))

	var batch []Entry
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := yield(batch)
		batch = batch[:0]
		return err
	}

	for _, c := range counts {
		e, err := emitOne(w, c, packs, objects, wanted, newOffsets, opts)
		if err != nil {
			return err
		}
		batch = append(batch, e)
		if len(batch) >= opts.chunkSize() {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// Entry records what was actually written to w for one Count record, for
// progress reporting and testing.
type Entry struct {
	ID               githash.SHA1
	Header           *pack.Header
	DecompressedSize int64
	Reused           bool
}

func emitOne(w *pack.Writer, c count.Count, packs PackProvider, objects count.Source, wanted map[githash.SHA1]bool, newOffsets map[githash.SHA1]int64, opts Options) (Entry, error) {
	if c.Location != nil {
		if e, ok, err := tryReuse(w, c, packs, wanted, newOffsets, opts); err != nil {
			return Entry{}, err
		} else if ok {
			return e, nil
		}
	}
	return reencode(w, c, objects, newOffsets)
}

func tryReuse(w *pack.Writer, c count.Count, packs PackProvider, wanted map[githash.SHA1]bool, newOffsets map[githash.SHA1]int64, opts Options) (Entry, bool, error) {
	loc := c.Location
	idx, ok := packs.IndexOf(loc.Pack)
	if !ok {
		return Entry{}, false, nil
	}
	raw, err := packs.RawEntry(loc.Pack, loc.Offset)
	if err != nil {
		return Entry{}, false, fmt.Errorf("emit: %v: %w", c.ID, err)
	}

	switch raw.Header.Type {
	case pack.Commit, pack.Tree, pack.Blob, pack.Tag:
		if err := verifyCrc(c.ID, loc.Pack, idx, loc.Offset, raw); err != nil {
			return Entry{}, false, err
		}
		hdr := &pack.Header{Type: raw.Header.Type, Size: raw.Header.Size}
		offset, err := w.WriteRawEntry(hdr, raw.Compressed)
		if err != nil {
			return Entry{}, false, fmt.Errorf("emit: %v: %w", c.ID, err)
		}
		newOffsets[c.ID] = offset
		return Entry{ID: c.ID, Header: hdr, DecompressedSize: hdr.Size, Reused: true}, true, nil

	case pack.OffsetDelta:
		baseID, ok := idOfOffset(idx, raw.Header.BaseOffset)
		if !ok {
			return Entry{}, false, nil
		}
		if wanted[baseID] {
			if baseOffset, ok := newOffsets[baseID]; ok {
				if err := verifyCrc(c.ID, loc.Pack, idx, loc.Offset, raw); err != nil {
					return Entry{}, false, err
				}
				hdr := &pack.Header{Type: pack.OffsetDelta, Size: raw.Header.Size, BaseOffset: baseOffset}
				offset, err := w.WriteRawEntry(hdr, raw.Compressed)
				if err != nil {
					return Entry{}, false, fmt.Errorf("emit: %v: %w", c.ID, err)
				}
				newOffsets[c.ID] = offset
				return Entry{ID: c.ID, Header: hdr, DecompressedSize: hdr.Size, Reused: true}, true, nil
			}
		}
		if opts.ThinPacksAllowed {
			if err := verifyCrc(c.ID, loc.Pack, idx, loc.Offset, raw); err != nil {
				return Entry{}, false, err
			}
			hdr := &pack.Header{Type: pack.RefDelta, Size: raw.Header.Size, BaseObject: baseID}
			offset, err := w.WriteRawEntry(hdr, raw.Compressed)
			if err != nil {
				return Entry{}, false, fmt.Errorf("emit: %v: %w", c.ID, err)
			}
			newOffsets[c.ID] = offset
			return Entry{ID: c.ID, Header: hdr, DecompressedSize: hdr.Size, Reused: true}, true, nil
		}
		return Entry{}, false, nil

	case pack.RefDelta:
		if !opts.ThinPacksAllowed {
			return Entry{}, false, nil
		}
		if err := verifyCrc(c.ID, loc.Pack, idx, loc.Offset, raw); err != nil {
			return Entry{}, false, err
		}
		hdr := &pack.Header{Type: pack.RefDelta, Size: raw.Header.Size, BaseObject: raw.Header.BaseObject}
		offset, err := w.WriteRawEntry(hdr, raw.Compressed)
		if err != nil {
			return Entry{}, false, fmt.Errorf("emit: %v: %w", c.ID, err)
		}
		newOffsets[c.ID] = offset
		return Entry{ID: c.ID, Header: hdr, DecompressedSize: hdr.Size, Reused: true}, true, nil

	default:
		return Entry{}, false, fmt.Errorf("emit: %v: unrecognized source entry type %d", c.ID, raw.Header.Type)
	}
}

func verifyCrc(id githash.SHA1, packID dynamic.PackID, idx *pack.Index, offset int64, raw *pack.RawEntry) error {
	if len(idx.PackedChecksums) == 0 {
		// Version 1 indices carry no crc32 table; nothing to check against.
		return nil
	}
	i := idx.FindID(id)
	if i == -1 || i >= len(idx.PackedChecksums) {
		return nil
	}
	want := idx.PackedChecksums[i]
	h := crc32.NewIEEE()
	h.Write(raw.HeaderBytes)
	h.Write(raw.Compressed)
	got := h.Sum32()
	if got != want {
		return &PackToPackCopyCrc32Mismatch{ID: id, Pack: packID, Want: want, Got: got}
	}
	return nil
}

func idOfOffset(idx *pack.Index, offset int64) (githash.SHA1, bool) {
	i := idx.FindOffset(offset)
	if i == -1 {
		return githash.SHA1{}, false
	}
	return idx.ObjectIDs[i], true
}

func reencode(w *pack.Writer, c count.Count, objects count.Source, newOffsets map[githash.SHA1]int64) (Entry, error) {
	prefix, rc, err := objects.ReadObject(c.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("emit: %v: %w", c.ID, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Entry{}, fmt.Errorf("emit: %v: %w", c.ID, err)
	}
	typ, err := packObjectType(prefix.Type)
	if err != nil {
		return Entry{}, fmt.Errorf("emit: %v: %w", c.ID, err)
	}

	hdr := &pack.Header{Type: typ, Size: int64(len(data))}
	offset, err := w.WriteHeader(hdr)
	if err != nil {
		return Entry{}, fmt.Errorf("emit: %v: %w", c.ID, err)
	}
	if _, err := w.Write(data); err != nil {
		return Entry{}, fmt.Errorf("emit: %v: %w", c.ID, err)
	}
	newOffsets[c.ID] = offset
	return Entry{ID: c.ID, Header: hdr, DecompressedSize: hdr.Size}, nil
}

func packObjectType(typ object.Type) (pack.ObjectType, error) {
	switch typ {
	case object.TypeCommit:
		return pack.Commit, nil
	case object.TypeTree:
		return pack.Tree, nil
	case object.TypeBlob:
		return pack.Blob, nil
	case object.TypeTag:
		return pack.Tag, nil
	default:
		return 0, fmt.Errorf("unrecognized object type %q", typ)
	}
}
