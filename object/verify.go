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

package object

import (
	"bytes"
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// VerifyCommitSignature checks c.GPGSignature against the given armored
// keyring and returns the signer's entity on success.
//
// A missing or unverifiable signature is never grounds for treating the
// commit object itself as unreadable: the object store is content-addressed
// and already guarantees c's bytes match its id, so callers that don't care
// about provenance should simply not call this.
func VerifyCommitSignature(c *Commit, keyring openpgp.EntityList) (*openpgp.Entity, error) {
	if len(c.GPGSignature) == 0 {
		return nil, fmt.Errorf("verify commit signature: commit has no signature")
	}
	unsigned := *c
	unsigned.GPGSignature = nil
	payload, err := unsigned.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("verify commit signature: %w", err)
	}
	signer, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(payload), bytes.NewReader(c.GPGSignature), nil)
	if err != nil {
		return nil, fmt.Errorf("verify commit signature: %w", err)
	}
	return signer, nil
}
