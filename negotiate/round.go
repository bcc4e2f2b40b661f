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
	"source.toolsmiths.dev/gitcore/giterror"
	"source.toolsmiths.dev/gitcore/githash"
)

// AckKind is the shape of one acknowledgement line in a round's response.
type AckKind int

const (
	// AckNone corresponds to a NAK: no commonality found in this batch.
	AckNone AckKind = iota
	// AckCommon corresponds to "ACK <id> common": the remote already has
	// this object, but more rounds may be needed.
	AckCommon
	// AckReady corresponds to "ACK <id> ready": the remote has enough
	// information to compute the pack; the client should send "done".
	AckReady
)

// Ack is one parsed acknowledgement from the remote.
type Ack struct {
	ID   githash.SHA1
	Kind AckKind
}

// RoundTransport is the narrow interface Round needs from the wire layer:
// send a batch of haves (and, when done is true, the terminal "done" line),
// then receive the parsed response. The transport package's Session
// satisfies this.
type RoundTransport interface {
	SendHaves(haves []githash.SHA1, done bool) error
	RecvAcks() ([]Ack, error)
}

// maxRounds bounds a negotiation; exceeding it surfaces as Negotiation per
// spec.md §4.8 "Cap at a bounded number of rounds".
const maxRounds = 256

// inVainLimit is the "≥ 256 haves sent since the last ack" termination
// condition from spec.md §4.8.
const inVainLimit = 256

// WindowSize implements spec.md §9's chosen formula: doubling 16, 32, 64,
// ... capped at 1024. See SPEC_FULL.md §9.1 for why the capped-stateless
// schedule applies unconditionally in this implementation.
func WindowSize(round int) int {
	w := 16
	for i := 0; i < round && w < 1024; i++ {
		w *= 2
	}
	if w > 1024 {
		w = 1024
	}
	return w
}

// Round drives the haves/acks dialog described in spec.md §4.8 "Round
// loop" to completion, returning the total number of haves sent.
func Round(n Negotiator, rt RoundTransport) (int, error) {
	totalSent := 0
	sinceAck := 0
	sawAck := false
	for round := 0; ; round++ {
		if round >= maxRounds {
			return totalSent, &giterror.Negotiation{Reason: "exceeded round cap"}
		}
		want := WindowSize(round)
		batch := make([]githash.SHA1, 0, want)
		for len(batch) < want {
			id, ok := n.NextHave()
			if !ok {
				break
			}
			batch = append(batch, id)
		}
		exhausted := len(batch) < want
		done := exhausted
		if err := rt.SendHaves(batch, done); err != nil {
			return totalSent, err
		}
		totalSent += len(batch)
		sinceAck += len(batch)

		if done && len(batch) == 0 && !sawAck {
			// Nothing left to offer and the remote never acknowledged
			// anything: send the final "done" (already sent above) and
			// stop reading further rounds.
			return totalSent, nil
		}

		acks, err := rt.RecvAcks()
		if err != nil {
			return totalSent, err
		}
		ready := false
		for _, a := range acks {
			switch a.Kind {
			case AckCommon:
				n.InCommonWithRemote(a.ID)
				sawAck = true
				sinceAck = 0
			case AckReady:
				ready = true
				sawAck = true
			}
		}
		if ready {
			if err := rt.SendHaves(nil, true); err != nil {
				return totalSent, err
			}
			return totalSent, nil
		}
		if exhausted {
			return totalSent, nil
		}
		if sinceAck >= inVainLimit && sawAck {
			return totalSent, nil
		}
	}
}
