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
	"context"
	"sync/atomic"
)

// Conn is the handle Acquire returns. It forwards every PhysicalConn
// operation except Close, which it intercepts: instead of closing the
// underlying connection, Close returns it to the pool. This is pgpool's
// stand-in for the dynamic-proxy dispose interception of the Java
// original, which Go has no reflective equivalent for.
//
// A Conn must not be used concurrently from multiple goroutines, and must
// not be used at all after Close returns.
type Conn struct {
	pooled *pooledConn
	pool   *Pool
	closed atomic.Bool
}

// Ping forwards to the underlying PhysicalConn, failing with
// ErrConnectionInvalid if this handle's connection has already been
// invalidated (released, reclaimed, or closed by a probe failure).
func (c *Conn) Ping(ctx context.Context) error {
	if !c.pooled.valid.Load() {
		return ErrConnectionInvalid
	}
	return c.pooled.real.Ping(ctx)
}

// Exec forwards to the underlying PhysicalConn under the same validity
// check as Ping.
func (c *Conn) Exec(ctx context.Context, query string) error {
	if !c.pooled.valid.Load() {
		return ErrConnectionInvalid
	}
	return c.pooled.real.Exec(ctx, query)
}

// InTransaction forwards to the underlying PhysicalConn.
func (c *Conn) InTransaction() bool {
	if !c.pooled.valid.Load() {
		return false
	}
	return c.pooled.real.InTransaction()
}

// Close returns the connection to the pool instead of closing it,
// following Conn.Close and sql.Conn.Close's convention that a second Close
// is a harmless no-op. Any error from a rollback the pool had to perform
// before idling or closing the connection is returned here.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.pool.release(context.Background(), c.pooled)
}

// SameConnection reports whether a and b wrap the same underlying
// PhysicalConn, the Go expression of spec identity-by-real-connection
// equality (Go cannot overload ==, so this is a function rather than an
// operator).
func SameConnection(a, b *Conn) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.pooled.real == b.pooled.real
}
