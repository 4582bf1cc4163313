// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgpool

import "errors"

var (
	// ErrPoolExhausted is returned by Acquire if, defensively, none of the
	// idle, grow, or reclaim branches produce a candidate for an iteration
	// that neither waited nor failed to open a connection. This should be
	// unreachable in practice; it guards against a future change to the
	// acquire loop silently leaving candidate nil.
	ErrPoolExhausted = errors.New("pgpool: pool exhausted")

	// ErrPoolClosed is returned by Acquire once the pool has been closed.
	ErrPoolClosed = errors.New("pgpool: pool closed")

	// ErrConnectionInvalid is returned by a Conn method called after its
	// underlying pooledConn has been invalidated (typically because the
	// handle has already been released or reclaimed).
	ErrConnectionInvalid = errors.New("pgpool: connection invalid")

	// ErrNoGoodConnection is returned by Acquire when the local bad
	// connection budget for a single Acquire call is exceeded.
	ErrNoGoodConnection = errors.New("pgpool: could not obtain a good connection")
)
