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

// Package zlibpool provides reusable zlib readers and writers backed by
// klauspost/compress, the drop-in-faster zlib implementation used for the
// same concern across the example corpus (e.g. antgroup/hugescm). Every
// loose object and every pack entry is zlib-framed, so resolving objects at
// any volume means inflating/deflating constantly; pooling the inflate and
// deflate state avoids an allocation per object.
package zlibpool

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

var readerPool = sync.Pool{
	New: func() any { return new(pooledReader) },
}

type pooledReader struct {
	zr zlib.Resetter
	r  io.Reader
}

// Reader is a zlib decompressor that can be returned to its pool via Close
// so its internal window buffers are reused by the next NewReader call.
type Reader struct {
	io.Reader
	closer zlib.Resetter
	held   *pooledReader
}

// NewReader returns a zlib reader over r, reusing pooled decompressor state
// when available.
func NewReader(r io.Reader) (*Reader, error) {
	held, _ := readerPool.Get().(*pooledReader)
	if held == nil {
		held = new(pooledReader)
	}
	if held.zr == nil {
		zr, err := zlib.NewReader(r)
		if err != nil {
			readerPool.Put(held)
			return nil, err
		}
		held.zr = zr.(zlib.Resetter)
		held.r = zr.(io.Reader)
	} else {
		if err := held.zr.Reset(r, nil); err != nil {
			readerPool.Put(held)
			return nil, err
		}
	}
	return &Reader{Reader: held.r, closer: held.zr, held: held}, nil
}

// Close releases the underlying decompressor back to the pool. It does not
// close the wrapped io.Reader.
func (r *Reader) Close() error {
	if r.held != nil {
		readerPool.Put(r.held)
		r.held = nil
	}
	return nil
}

var writerPool = sync.Pool{
	New: func() any { return zlib.NewWriter(io.Discard) },
}

// Writer is a zlib compressor that can be returned to its pool via Close.
type Writer struct {
	*zlib.Writer
}

// NewWriter returns a zlib writer over w at the default compression level,
// reusing pooled compressor state when available.
func NewWriter(w io.Writer) *Writer {
	zw := writerPool.Get().(*zlib.Writer)
	zw.Reset(w)
	return &Writer{Writer: zw}
}

// Close flushes the trailing zlib bytes and releases the compressor back to
// the pool. It does not close the wrapped io.Writer.
func (w *Writer) Close() error {
	err := w.Writer.Close()
	writerPool.Put(w.Writer)
	w.Writer = nil
	return err
}
