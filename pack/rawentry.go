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
	"fmt"
	"io"
	"io/ioutil"

	"source.toolsmiths.dev/gitcore/internal/zlibpool"
)

// RawEntry is the verbatim on-disk form of one pack entry: its parsed
// header, the literal header bytes, and the exact compressed bytes that
// follow it, unexamined. It is what pack generation's entry-reuse path
// needs: enough to copy an entry into a new pack without re-deflating it,
// and enough to recheck the index's crc32 over the original byte range
// before trusting the reuse.
type RawEntry struct {
	Header      *Header
	HeaderBytes []byte
	Compressed  []byte
}

// ReadRawEntry parses the header at offset in r and reads the exact
// compressed byte stream that follows it, without inflating it. r's
// position afterward is unspecified; callers reading multiple entries
// should Seek before each call.
func ReadRawEntry(r ByteReadSeeker, offset int64) (*RawEntry, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("packfile: read raw entry at %d: %w", offset, err)
	}
	hdr, err := ReadHeader(offset, r)
	if err != nil {
		return nil, fmt.Errorf("packfile: read raw entry at %d: %w", offset, err)
	}
	afterHeader, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("packfile: read raw entry at %d: %w", offset, err)
	}

	zr, err := zlibpool.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("packfile: read raw entry at %d: %w", offset, err)
	}
	if _, err := io.Copy(ioutil.Discard, zr); err != nil {
		zr.Close()
		return nil, fmt.Errorf("packfile: read raw entry at %d: %w", offset, err)
	}
	zr.Close()
	afterData, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("packfile: read raw entry at %d: %w", offset, err)
	}

	headerBytes := make([]byte, afterHeader-offset)
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("packfile: read raw entry at %d: %w", offset, err)
	}
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("packfile: read raw entry at %d: %w", offset, err)
	}

	compressed := make([]byte, afterData-afterHeader)
	if _, err := r.Seek(afterHeader, io.SeekStart); err != nil {
		return nil, fmt.Errorf("packfile: read raw entry at %d: %w", offset, err)
	}
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, fmt.Errorf("packfile: read raw entry at %d: %w", offset, err)
	}

	return &RawEntry{
		Header:      hdr,
		HeaderBytes: headerBytes,
		Compressed:  compressed,
	}, nil
}
