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

package transport

import (
	"context"
	"fmt"
	"io"

	"source.toolsmiths.dev/gitcore/githash"
	"source.toolsmiths.dev/gitcore/negotiate"
)

// A ProgressMessage is a line of human-readable progress text the remote
// sent alongside a packfile, demultiplexed out of the side-band channel.
type ProgressMessage struct {
	Text string
}

// Session drives a single fetch against a remote: reading the ref
// advertisement, running the haves/acks round loop via negotiate.Round,
// and reading back the resulting packfile. It adapts the PullStream
// request/response pair the rest of this package exposes to the
// incremental, per-round shape negotiate.RoundTransport expects.
type Session struct {
	ctx      context.Context
	urlstr   string
	stream   *PullStream
	wants    []githash.SHA1
	progress progressChan

	haves       []githash.SHA1
	pendingAcks []negotiate.Ack

	packfile io.ReadCloser
	copyErr  error
	copyDone chan struct{}
}

// StartSession begins a fetch session for the given wants against the
// remote. The caller must call Close when finished.
func (r *Remote) StartSession(ctx context.Context, wants []githash.SHA1) (*Session, error) {
	stream, err := r.StartPull(ctx)
	if err != nil {
		return nil, fmt.Errorf("start session %s: %w", r.urlstr, err)
	}
	return &Session{
		ctx:      ctx,
		urlstr:   r.urlstr,
		stream:   stream,
		wants:    wants,
		progress: make(progressChan, 16),
	}, nil
}

// AdvertiseRefs reads the remote's initial ref advertisement (protocol v1)
// or capability list (protocol v2), whichever the remote spoke when the
// session was opened.
func (s *Session) AdvertiseRefs(ctx context.Context) ([]*Ref, PullCapabilities, error) {
	refs, err := s.stream.ListRefs()
	if err != nil {
		return nil, 0, err
	}
	return refs, s.stream.Capabilities(), nil
}

// SendHaves runs one round of negotiation: it sends the accumulated haves
// (plus this batch) to the remote and stages the parsed response for the
// following RecvAcks call. It satisfies negotiate.RoundTransport.
//
// The round trip happens here rather than in RecvAcks because Round
// returns without calling RecvAcks when a final, empty batch never saw an
// ack (spec.md's "nothing left to offer" case) — the packfile still needs
// to have been requested by that point.
func (s *Session) SendHaves(haves []githash.SHA1, done bool) error {
	s.haves = append(s.haves, haves...)
	resp, err := s.stream.Negotiate(&PullRequest{
		Want:     s.wants,
		Have:     s.haves,
		HaveMore: !done,
		Progress: s.progress,
	})
	if err != nil {
		return fmt.Errorf("negotiate %s: %w", s.urlstr, err)
	}
	var acks []negotiate.Ack
	for id := range resp.Acks {
		acks = append(acks, negotiate.Ack{ID: id, Kind: negotiate.AckCommon})
	}
	if resp.Packfile != nil {
		s.packfile = resp.Packfile
		acks = append(acks, negotiate.Ack{Kind: negotiate.AckReady})
	}
	s.pendingAcks = acks
	return nil
}

// RecvAcks returns the acks staged by the preceding SendHaves call. It
// satisfies negotiate.RoundTransport.
func (s *Session) RecvAcks() ([]negotiate.Ack, error) {
	return s.pendingAcks, nil
}

// ReceivePack copies the negotiated packfile into w, demultiplexing the
// remote's side-band progress messages onto the returned channel. Round
// must have returned (with a packfile staged by SendHaves) before
// ReceivePack is called. The channel is closed once the copy finishes;
// callers should call Wait afterward to pick up any copy error.
func (s *Session) ReceivePack(ctx context.Context, w io.Writer) (<-chan ProgressMessage, error) {
	if s.packfile == nil {
		return nil, fmt.Errorf("receive pack %s: negotiation did not produce a packfile", s.urlstr)
	}
	s.copyDone = make(chan struct{})
	go func() {
		defer close(s.copyDone)
		defer close(s.progress)
		_, s.copyErr = io.Copy(w, s.packfile)
		if closeErr := s.packfile.Close(); s.copyErr == nil {
			s.copyErr = closeErr
		}
	}()
	return s.progress, nil
}

// Wait blocks until a prior ReceivePack's copy has finished and returns
// any error it encountered.
func (s *Session) Wait() error {
	if s.copyDone == nil {
		return nil
	}
	<-s.copyDone
	return s.copyErr
}

// Close releases any resources held by the session.
func (s *Session) Close() error {
	return s.stream.Close()
}

// progressChan is an io.Writer that forwards each write as a
// ProgressMessage rather than buffering pack-protocol progress text.
type progressChan chan ProgressMessage

func (pc progressChan) Write(p []byte) (int, error) {
	pc <- ProgressMessage{Text: string(p)}
	return len(p), nil
}
