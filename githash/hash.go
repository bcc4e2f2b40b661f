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

package githash

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
)

// Kind names an object id algorithm. The pack, store and transport packages
// use the fixed-width SHA1 type; Kind and ID are the width-agnostic forms.
type Kind int8

const (
	// SHA1Kind is the default, git's historical object id algorithm.
	SHA1Kind Kind = iota
	// SHA256Kind is git's newer object id algorithm (the "sha256"
	// repository extension).
	SHA256Kind
	// Blake3Kind is not a git-compatible object id kind; it exists so the
	// hash abstraction has a second, independently-sourced implementation
	// to verify against, and so higher layers that want a fast non-git
	// content fingerprint (e.g. a local dedup index) do not need to reach
	// past this package.
	Blake3Kind
)

// String returns the canonical name git uses for the hash algorithm.
func (k Kind) String() string {
	switch k {
	case SHA1Kind:
		return "sha1"
	case SHA256Kind:
		return "sha256"
	case Blake3Kind:
		return "blake3"
	default:
		return fmt.Sprintf("Kind(%d)", int8(k))
	}
}

// Size returns the width in bytes of an id produced by k.
func (k Kind) Size() int {
	switch k {
	case SHA1Kind:
		return SHA1Size
	case SHA256Kind:
		return 32
	case Blake3Kind:
		return 32
	default:
		panic("githash: unknown Kind")
	}
}

// New returns a fresh hash.Hash for k.
func (k Kind) New() hash.Hash {
	switch k {
	case SHA1Kind:
		return sha1.New()
	case SHA256Kind:
		return sha256.New()
	case Blake3Kind:
		return blake3.New()
	default:
		panic("githash: unknown Kind")
	}
}

// ID is a hash-agnostic object id: a byte slice whose length matches its
// Kind. Unlike SHA1, ID is not a fixed-size array, since its width depends
// on the repository's object_hash.
type ID struct {
	kind Kind
	b    []byte
}

// NewID wraps a raw id byte slice under the given Kind. It panics if the
// slice's length does not match Kind.Size().
func NewID(k Kind, b []byte) ID {
	if len(b) != k.Size() {
		panic("githash: id size mismatch")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return ID{kind: k, b: cp}
}

// Kind returns the id's hash algorithm.
func (id ID) Kind() Kind { return id.kind }

// Bytes returns the raw id bytes. The caller must not mutate the result.
func (id ID) Bytes() []byte { return id.b }

// IsZero reports whether id is the all-zero sentinel of its width, git's
// convention for "no object" (e.g. an unset OfsDelta base, a deleted ref).
func (id ID) IsZero() bool {
	for _, c := range id.b {
		if c != 0 {
			return false
		}
	}
	return true
}

// String returns the hex encoding of id.
func (id ID) String() string {
	return hex.EncodeToString(id.b)
}

// SHA1 returns id as a fixed-size SHA1, panicking if id's Kind is not
// SHA1Kind. It exists for call sites that are permanently SHA-1-only (the
// pack and index binary formats as specified never vary their width within
// a single file).
func (id ID) SHA1() SHA1 {
	if id.kind != SHA1Kind {
		panic("githash: ID.SHA1 called on non-SHA-1 id")
	}
	var h SHA1
	copy(h[:], id.b)
	return h
}
