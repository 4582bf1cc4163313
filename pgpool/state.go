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
	"time"
)

// poolState holds everything a Pool's monitor protects as one atomic unit.
// Every field here is read or written only while Pool.mu is held.
type poolState struct {
	// idle holds reusable *pooledConn values, oldest reuse candidate at
	// the front.
	idle *list.List

	// active holds checked-out *pooledConn values ordered by checkout
	// time, oldest (and so the first reclamation candidate) at the front.
	active *list.List

	requestCount                                int64
	accumulatedRequestTime                       time.Duration
	accumulatedCheckoutTime                      time.Duration
	claimedOverdueConnectionCount                int64
	accumulatedCheckoutTimeOfOverdueConnections  time.Duration
	hadToWaitCount                               int64
	accumulatedWaitTime                          time.Duration
	badConnectionCount                           int64
}

func newPoolState() poolState {
	return poolState{
		idle:   list.New(),
		active: list.New(),
	}
}

// PoolStats is a point-in-time snapshot of a Pool's counters, the
// statistics accessor external callers and monitoring integrations use.
type PoolStats struct {
	Active int
	Idle   int

	RequestCount            int64
	AccumulatedRequestTime  time.Duration
	AccumulatedCheckoutTime time.Duration

	ClaimedOverdueConnectionCount               int64
	AccumulatedCheckoutTimeOfOverdueConnections time.Duration

	HadToWaitCount       int64
	AccumulatedWaitTime  time.Duration
	BadConnectionCount   int64
}

// AverageRequestTime is the mean time an Acquire call took, including any
// time spent waiting or retrying bad candidates.
func (s PoolStats) AverageRequestTime() time.Duration {
	if s.RequestCount == 0 {
		return 0
	}
	return s.AccumulatedRequestTime / time.Duration(s.RequestCount)
}

// AverageWaitTime is the mean time spent blocked waiting for a connection,
// averaged only over calls that actually had to wait.
func (s PoolStats) AverageWaitTime() time.Duration {
	if s.HadToWaitCount == 0 {
		return 0
	}
	return s.AccumulatedWaitTime / time.Duration(s.HadToWaitCount)
}
