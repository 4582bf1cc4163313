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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys mirror the OTel semantic convention names for connection
// pool metrics without depending on the semconv package directly.
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"
)

// connState names the values used with the state attribute on the
// connection count metric. They deliberately track this pool's own
// vocabulary (idle/active/overdue) rather than a generic driver's, since
// "overdue" has no equivalent in most client libraries' semantic
// conventions.
type connState string

const (
	stateIdle    connState = "idle"
	stateActive  connState = "active"
	stateOverdue connState = "overdue"
)

// connectionCount wraps an Int64UpDownCounter for tracking connection
// counts by pool and state.
type connectionCount struct {
	counter  metric.Int64UpDownCounter
	poolName string
}

// newConnectionCount creates a connectionCount instrument using the
// db.client.connection.count metric name. A nil meter yields a no-op
// instrument so Pool can be used without an OTel provider configured.
func newConnectionCount(m metric.Meter, poolName string) (connectionCount, error) {
	if m == nil {
		return connectionCount{poolName: poolName}, nil
	}
	counter, err := m.Int64UpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return connectionCount{}, err
	}
	return connectionCount{counter: counter, poolName: poolName}, nil
}

// add records a connection count change for the given state.
func (c connectionCount) add(ctx context.Context, delta int64, state connState) {
	if c.counter == nil {
		return
	}
	c.counter.Add(ctx, delta, metric.WithAttributes(
		attribute.String(attrKeyPoolName, c.poolName),
		attribute.String(attrKeyState, string(state)),
	))
}
