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
	"testing"

	"source.toolsmiths.dev/gitcore/internal/zlibpool"
)

func TestReadRawEntryRoundTrips(t *testing.T) {
	out := new(bytes.Buffer)
	w := NewWriter(out, 2)
	want := [][]byte{
		[]byte("Hello, World!\n"),
		[]byte("a second, shorter object\n"),
	}
	var offsets []int64
	for _, data := range want {
		offset, err := w.WriteHeader(&Header{Type: Blob, Size: int64(len(data))})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
		offsets = append(offsets, offset)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	packBytes := out.Bytes()
	r := NewBufferedReadSeeker(bytes.NewReader(packBytes))
	for i, offset := range offsets {
		entry, err := ReadRawEntry(r, offset)
		if err != nil {
			t.Fatalf("ReadRawEntry(%d): %v", offset, err)
		}
		if entry.Header.Type != Blob || entry.Header.Size != int64(len(want[i])) {
			t.Errorf("entry[%d].Header = %+v, want Type=Blob Size=%d", i, entry.Header, len(want[i]))
		}
		zr, err := zlibpool.NewReader(bytes.NewReader(entry.Compressed))
		if err != nil {
			t.Fatalf("entry[%d]: inflate: %v", i, err)
		}
		got := new(bytes.Buffer)
		if _, err := got.ReadFrom(zr); err != nil {
			t.Fatalf("entry[%d]: inflate: %v", i, err)
		}
		zr.Close()
		if !bytes.Equal(got.Bytes(), want[i]) {
			t.Errorf("entry[%d] compressed bytes decode to %q, want %q", i, got.Bytes(), want[i])
		}
	}
}
