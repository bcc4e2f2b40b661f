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

// Package gitlog supplies the optional, structured logging used by the
// pipeline-level coordinators (pack receipt, the negotiation round loop,
// the dynamic store's refresh protocol). The object store and pack decode
// hot paths never import this package: they report failures through
// returned errors and progress.Sink, matching the library discipline the
// rest of this module follows.
package gitlog

import "go.uber.org/zap"

// L returns a usable *zap.SugaredLogger, substituting a no-op logger when
// l is nil so call sites never need a nil check.
func L(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return zap.NewNop().Sugar()
}
