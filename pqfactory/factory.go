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

// Package pqfactory implements pgpool.Factory directly on top of
// github.com/lib/pq's database/sql/driver.Driver, bypassing database/sql's
// own *sql.DB connection pool entirely. Every physical connection this
// factory opens is a single, fresh lib/pq driver.Conn with no pooling of
// its own, exactly the "unpooled factory" role pgpool expects to front.
package pqfactory

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/multigres/pgpool/pgpool"
)

// Factory opens fresh, unpooled Postgres connections against dsn using
// lib/pq's driver directly.
type Factory struct {
	dsn string
	drv pq.Driver
}

// NewFactory builds a Factory that opens connections against dsn, a
// libpq-style connection string ("user=... dbname=... host=... port=...
// sslmode=..."), the same construction the teacher's own
// CreateDBConnection helper builds via fmt.Sprintf.
func NewFactory(dsn string) *Factory {
	return &Factory{dsn: dsn}
}

// Open opens one fresh physical connection. lib/pq's driver.Open blocks
// the calling goroutine for the duration of the TCP handshake and startup
// message exchange; ctx cancellation is honored on a best-effort basis by
// checking it before dialing, since database/sql/driver.Driver.Open itself
// takes no context.
func (f *Factory) Open(ctx context.Context) (pgpool.PhysicalConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pqfactory: open: %w", err)
	}

	raw, err := f.drv.Open(f.dsn)
	if err != nil {
		return nil, fmt.Errorf("pqfactory: open: %w", err)
	}

	return newConn(raw), nil
}

var _ pgpool.Factory = (*Factory)(nil)
