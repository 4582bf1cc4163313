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

import "context"

// PhysicalConn is a single, unpooled connection to the backing database.
// Implementations are not expected to be safe for concurrent use; the pool
// serializes access to each PhysicalConn through the single Conn handle it
// hands out for a checkout.
type PhysicalConn interface {
	// Ping verifies the connection is still alive.
	Ping(ctx context.Context) error

	// Exec runs a statement that returns no rows, such as a liveness probe
	// query or a ROLLBACK issued by the pool itself.
	Exec(ctx context.Context, query string) error

	// InTransaction reports whether a transaction is currently open on this
	// connection. Pool.release, Pool.ping, and Pool.ForceCloseAll consult it
	// together with Config.AutoCommit: a rollback is only issued when the
	// pool is configured non-autocommit AND the connection itself reports an
	// open transaction, rather than on the config flag alone.
	InTransaction() bool

	// IsClosed reports whether the connection has already been closed,
	// either by the pool or by the underlying driver.
	IsClosed() bool

	// Close releases the underlying network connection. It is called by the
	// pool, never by a caller holding a Conn handle.
	Close() error
}

// Factory opens a fresh, unpooled PhysicalConn on demand. pgpool owns all
// pooling; a Factory implementation must not itself pool or reuse
// connections.
type Factory interface {
	Open(ctx context.Context) (PhysicalConn, error)
}
