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
	"log/slog"
	"time"
)

// Config bounds and tunes a Pool. Values left at their zero value are
// replaced with the defaults below by NewPool.
type Config struct {
	// DSN and the default credentials together seed the connection
	// identity fingerprint; Acquire's username/password arguments may
	// override the credential half per checkout.
	DSN      string
	Username string
	Password string

	// MaxActive bounds the number of connections checked out at once.
	MaxActive int
	// MaxIdle bounds the number of idle connections kept for reuse.
	MaxIdle int
	// MaxCheckoutTime is how long a connection may stay active before it
	// becomes a reclamation candidate.
	MaxCheckoutTime time.Duration
	// TimeToWait bounds a single wait iteration in Acquire before the loop
	// re-evaluates pool state.
	TimeToWait time.Duration
	// MaxLocalBadConnTolerance bounds, on top of MaxIdle, how many bad
	// candidates a single Acquire call will absorb before giving up.
	MaxLocalBadConnTolerance int

	// PingQuery is the statement executed to validate liveness.
	PingQuery string
	// PingEnabled turns probing on; when false, candidates are trusted
	// without validation.
	PingEnabled bool
	// PingConnectionsNotUsedFor skips the probe for candidates used more
	// recently than this; zero means always probe when PingEnabled is set.
	PingConnectionsNotUsedFor time.Duration

	// AutoCommit mirrors the connection's autocommit mode. When false, the
	// pool issues a ROLLBACK before reuse, on reclaim, and on force-close,
	// but only for connections whose PhysicalConn.InTransaction reports an
	// open transaction to roll back.
	AutoCommit bool

	// Logger receives lifecycle and failure events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

const (
	defaultMaxActive                = 10
	defaultMaxIdle                  = 5
	defaultMaxCheckoutTime          = 20 * time.Second
	defaultTimeToWait               = 20 * time.Second
	defaultMaxLocalBadConnTolerance = 3
	defaultPingQuery                = "NO PING QUERY SET"
)

func (c Config) withDefaults() Config {
	if c.MaxActive <= 0 {
		c.MaxActive = defaultMaxActive
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = defaultMaxIdle
	}
	if c.MaxCheckoutTime <= 0 {
		c.MaxCheckoutTime = defaultMaxCheckoutTime
	}
	if c.TimeToWait <= 0 {
		c.TimeToWait = defaultTimeToWait
	}
	if c.MaxLocalBadConnTolerance <= 0 {
		c.MaxLocalBadConnTolerance = defaultMaxLocalBadConnTolerance
	}
	if c.PingQuery == "" {
		c.PingQuery = defaultPingQuery
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
