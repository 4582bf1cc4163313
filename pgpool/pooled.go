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

import (
	"container/list"
	"sync/atomic"
	"time"
)

// pooledConn wraps a PhysicalConn with the bookkeeping the pool needs to
// decide when to reuse, reclaim, or discard it. All fields except valid are
// read and written only while the owning Pool's mutex is held; valid is an
// atomic so Conn can check it without acquiring the pool lock on every call.
type pooledConn struct {
	real PhysicalConn
	pool *Pool

	// typeCode fingerprints the (dsn, username, password) identity this
	// connection was opened or last validated under. A release whose
	// typeCode no longer matches the pool's expected identity is closed
	// rather than returned to idle.
	typeCode uint64

	createdAt  time.Time
	lastUsedAt time.Time
	checkoutAt time.Time

	valid atomic.Bool

	// elem tracks this connection's position in the active list so release
	// can remove it in O(1); nil when idle or not yet tracked.
	elem *list.Element
}

// age reports how long this connection has existed since it was first
// opened by the factory.
func (pc *pooledConn) age() time.Duration {
	return time.Since(pc.createdAt)
}

// idleTime reports how long this connection has sat unused.
func (pc *pooledConn) idleTime() time.Duration {
	return time.Since(pc.lastUsedAt)
}
