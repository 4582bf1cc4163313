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

package pqfactory

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/multigres/pgpool/pgpool"
)

// Conn adapts a raw lib/pq database/sql/driver.Conn to pgpool.PhysicalConn.
type Conn struct {
	raw driver.Conn

	closed atomic.Bool
	inTx   atomic.Bool
}

func newConn(raw driver.Conn) *Conn {
	return &Conn{raw: raw}
}

// Ping reports whether the connection is alive. lib/pq's connection
// implements driver.Pinger; if the underlying driver didn't, this would
// report every connection as alive, matching driver.Pinger's own documented
// fallback behavior.
func (c *Conn) Ping(ctx context.Context) error {
	if pinger, ok := c.raw.(driver.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Exec runs query with no arguments: pgpool's own liveness probe query and
// ROLLBACK statements, and any statement a caller issues through
// pgpool.Conn.Exec. It tracks transaction state locally by recognizing the
// literal BEGIN, COMMIT and ROLLBACK statements; a transaction opened or
// ended by any other statement text is not tracked.
func (c *Conn) Exec(ctx context.Context, query string) error {
	execer, ok := c.raw.(driver.ExecerContext)
	if !ok {
		return fmt.Errorf("pqfactory: underlying driver.Conn does not implement ExecerContext")
	}

	_, err := execer.ExecContext(ctx, query, nil)
	if err != nil {
		return fmt.Errorf("pqfactory: exec: %w", err)
	}

	switch strings.ToUpper(strings.TrimSpace(query)) {
	case "BEGIN":
		c.inTx.Store(true)
	case "COMMIT", "ROLLBACK":
		c.inTx.Store(false)
	}
	return nil
}

// InTransaction reports whether a BEGIN has been executed through this
// connection without a matching COMMIT or ROLLBACK.
func (c *Conn) InTransaction() bool {
	return c.inTx.Load()
}

// IsClosed reports whether Close has already been called on this
// connection.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the underlying lib/pq connection.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.raw.Close()
}

var _ pgpool.PhysicalConn = (*Conn)(nil)
