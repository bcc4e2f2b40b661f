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

// Package progress supplies the advisory counters every long-running
// pipeline (pack receipt, counting, emission, negotiation) reports through.
// Counters use relaxed atomic arithmetic: they never gate correctness, only
// observability, matching the concurrency model's "advisory" guarantee.
package progress

import (
	"io"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Sink receives advisory progress updates from a pipeline. Implementations
// must be safe for concurrent use: multiple worker goroutines report to the
// same Sink.
type Sink interface {
	// Add increments the named counter (e.g. "objects counted", "bytes
	// written") by delta. total, if > 0, is the counter's known final
	// value; it may be reported as 0 when the total isn't known yet.
	Add(name string, delta, total int64)
	// Message surfaces a human-readable line, e.g. text relayed from the
	// remote peer's side-band progress channel.
	Message(text string)
}

// Discard is a Sink that does nothing. It is the zero value pipelines use
// when the caller passes a nil Sink.
var Discard Sink = discard{}

type discard struct{}

func (discard) Add(string, int64, int64) {}
func (discard) Message(string)           {}

func orDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// counter is a single atomic progress counter for one named stream. It
// does not implement Sink itself.
type counter struct {
	n     atomic.Int64
	total atomic.Int64
}

// Bars renders one or more named counters as live terminal progress bars
// using github.com/vbauerster/mpb/v8, the same progress-bar dependency
// antgroup/hugescm wires in for identical "objects/bytes" reporting.
type Bars struct {
	p      *mpb.Progress
	bars   map[string]*mpb.Bar
	lines  chan string
	closed chan struct{}
}

// NewBars starts an mpb.Progress writing to w (typically os.Stderr).
func NewBars(w io.Writer) *Bars {
	b := &Bars{
		p:      mpb.New(mpb.WithOutput(w)),
		bars:   make(map[string]*mpb.Bar),
		lines:  make(chan string, 64),
		closed: make(chan struct{}),
	}
	return b
}

func (b *Bars) Add(name string, delta, total int64) {
	bar, ok := b.bars[name]
	if !ok {
		bar = b.p.AddBar(total,
			mpb.PrependDecorators(decor.Name(name)),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)
		b.bars[name] = bar
	}
	if total > 0 {
		bar.SetTotal(total, false)
	}
	bar.IncrInt64(delta)
}

// Message queues text in a 64-line buffer, dropping it when the buffer is
// full. Bars does not render queued lines.
func (b *Bars) Message(text string) {
	select {
	case b.lines <- text:
	default:
	}
}

// Wait marks every bar that is not yet complete as complete, then calls
// mpb.Progress.Wait.
func (b *Bars) Wait() {
	for _, bar := range b.bars {
		if !bar.Completed() {
			bar.SetTotal(-1, true)
		}
	}
	b.p.Wait()
}

var _ Sink = (*Bars)(nil)
