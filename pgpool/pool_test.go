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

package pgpool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"

	"github.com/multigres/pgpool/pgpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn is a minimal pgpool.PhysicalConn used by every test in this
// file; it never touches a real network connection.
type fakeConn struct {
	mu       sync.Mutex
	id       int
	closed   bool
	execErr  error
	pingErr  error
	inTxn    bool
	execs    []string
	trackTxn bool // when true, Exec toggles inTxn on BEGIN/COMMIT/ROLLBACK
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Exec(ctx context.Context, query string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, query)
	if c.trackTxn {
		switch query {
		case "BEGIN":
			c.inTxn = true
		case "COMMIT", "ROLLBACK":
			c.inTxn = false
		}
	}
	return c.execErr
}

func (c *fakeConn) setInTransaction(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTxn = v
}

func (c *fakeConn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTxn
}

func (c *fakeConn) execCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.execs)
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ pgpool.PhysicalConn = (*fakeConn)(nil)

// fakeFactory hands out fakeConn values and can be told to fail the next N
// Open calls, to exercise the bad-candidate budget.
type fakeFactory struct {
	mu       sync.Mutex
	nextID   int
	opened   []*fakeConn
	failNext int
}

func (f *fakeFactory) Open(ctx context.Context) (pgpool.PhysicalConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("fake factory: connection refused")
	}

	f.nextID++
	c := &fakeConn{id: f.nextID}
	f.opened = append(f.opened, c)
	return c, nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func newTestPool(t *testing.T, cfg pgpool.Config) (*pgpool.Pool, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	cfg.DSN = "dbname=test"
	p, err := pgpool.NewPool(factory, cfg, nil, "test")
	require.NoError(t, err)
	return p, factory
}

// Scenario 1: a connection acquired and released is handed back out again
// on the next Acquire, without the factory being consulted a second time.
func TestAcquireReleaseSimpleReuse(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{MaxActive: 5, MaxIdle: 5})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c2.Close())

	assert.True(t, pgpool.SameConnection(c1, c2))
	assert.Equal(t, 1, factory.openCount())
}

// Scenario 2: a caller blocked on a saturated pool is served as soon as
// another caller releases, without waiting the full TimeToWait.
func TestAcquireSaturationWaitThenRelease(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{
		MaxActive:  1,
		MaxIdle:    1,
		TimeToWait: time.Second,
	})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	type result struct {
		conn *pgpool.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := p.Acquire(ctx)
		done <- result{c, err}
	}()

	// Give the second Acquire time to reach the wait branch before we
	// release, so this actually exercises the wake path rather than a
	// race where it never needed to wait.
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, c1.Close())

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Less(t, time.Since(start), 500*time.Millisecond,
			"second Acquire should have woken on release, not on TimeToWait")
		require.NoError(t, r.conn.Close())
	case <-time.After(2 * time.Second):
		t.Fatal("second Acquire never returned")
	}

	assert.Equal(t, 1, factory.openCount())
}

// Scenario 3: a checkout held past MaxCheckoutTime is reclaimed by the
// next Acquire rather than growing the pool or waiting.
func TestAcquireReclaimsOverdueCheckout(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{
		MaxActive:       1,
		MaxIdle:         1,
		MaxCheckoutTime: 10 * time.Millisecond,
		TimeToWait:      time.Second,
	})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c2.Close())

	assert.True(t, pgpool.SameConnection(c1, c2), "reclaim should hand back the same physical connection")
	assert.Equal(t, 1, factory.openCount())
	assert.Equal(t, int64(1), p.Stats().ClaimedOverdueConnectionCount)

	// c1 was invalidated out from under its caller; its handle now reports
	// the connection as invalid rather than silently reusing it.
	assert.ErrorIs(t, c1.Ping(ctx), pgpool.ErrConnectionInvalid)
}

// Scenario 4: releasing a connection when the idle list is already at
// MaxIdle discards it instead of growing the idle list past its bound.
func TestReleaseDiscardsWhenIdleListFull(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{MaxActive: 2, MaxIdle: 1})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, c1.Close()) // idle list: 1/1
	require.NoError(t, c2.Close()) // idle list already full: discarded

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 2, factory.openCount())
	assert.True(t, factory.opened[1].IsClosed(), "second connection should have been closed, not idled")
	assert.False(t, factory.opened[0].IsClosed(), "first connection should still be idle")
}

// Scenario 5: changing the pool's connection identity (credentials) drains
// every idle and active connection whose fingerprint no longer matches.
func TestCredentialChangeDrainsPool(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{MaxActive: 2, MaxIdle: 2})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c1.Close())
	require.Equal(t, 1, p.Stats().Idle)

	p.SetCredentials(ctx, "newuser", "newpass")

	assert.Equal(t, 0, p.Stats().Idle)
	assert.True(t, factory.opened[0].IsClosed())

	// A subsequent Acquire opens a fresh connection rather than reusing
	// the drained one.
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c2.Close())
	assert.Equal(t, 2, factory.openCount())
}

// Scenario 6: a run of bad candidates within a single Acquire call is
// bounded by MaxIdle+MaxLocalBadConnTolerance before giving up.
func TestAcquireGivesUpAfterBadConnectionBudget(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{
		MaxActive:                5,
		MaxIdle:                  1,
		MaxLocalBadConnTolerance: 2,
	})
	factory.failNext = 100 // far more than the budget allows

	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, pgpool.ErrNoGoodConnection)
}

// A canceled context aborts a blocked Acquire instead of waiting out
// TimeToWait.
func TestAcquireHonorsContextCancellation(t *testing.T) {
	p, _ := newTestPool(t, pgpool.Config{
		MaxActive:  1,
		MaxIdle:    1,
		TimeToWait: 5 * time.Second,
	})

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer c1.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(cancelCtx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after context cancellation")
	}
}

// ForceCloseAll drains both lists and tolerates being called on an
// already-empty pool.
func TestForceCloseAllDrainsEverything(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{MaxActive: 3, MaxIdle: 3})

	var conns []*pgpool.Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	require.NoError(t, conns[0].Close())

	p.ForceCloseAll(ctx)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Idle)
	for _, c := range factory.opened {
		assert.True(t, c.IsClosed())
	}

	p.ForceCloseAll(ctx) // must not panic on an empty pool
}

// Acquiring a connection records a db.client.connection.count metric
// sample for the active state, using an in-memory OTel reader so this
// test has no external collector dependency.
func TestAcquireRecordsConnectionCountMetric(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	factory := &fakeFactory{}
	p, err := pgpool.NewPool(factory, pgpool.Config{
		DSN:       "dbname=test",
		MaxActive: 1,
		MaxIdle:   1,
	}, provider.Meter("pgpool-test"), "metrics-test")
	require.NoError(t, err)

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "db.client.connection.count" {
				found = true
			}
		}
	}
	assert.True(t, found, "expected a db.client.connection.count metric to have been recorded")

	require.NoError(t, conn.Close())
}

// Reclaiming an overdue checkout must not suppress the liveness probe: the
// reclaimed candidate inherits the connection's real lastUsedAt rather than
// being stamped "just used", so PingConnectionsNotUsedFor's idle-time check
// still lets the probe run when it's configured to always fire.
func TestAcquireReclaimRunsLivenessProbe(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{
		MaxActive:                1,
		MaxIdle:                  1,
		MaxCheckoutTime:          10 * time.Millisecond,
		TimeToWait:               time.Second,
		PingEnabled:              true,
		PingConnectionsNotUsedFor: 0, // always probe
	})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	before := factory.opened[0].execCount()

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c2.Close())

	after := factory.opened[0].execCount()
	assert.Greater(t, after, before, "reclaim should have run the liveness probe query")
	assert.True(t, pgpool.SameConnection(c1, c2))
}

// A probe that fails on a reclaimed, held-too-long connection is treated
// like any other bad candidate: the connection is discarded and Acquire
// goes on to open a fresh one.
func TestAcquireReclaimDiscardsOnFailedProbe(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{
		MaxActive:                1,
		MaxIdle:                  1,
		MaxCheckoutTime:          10 * time.Millisecond,
		TimeToWait:               time.Second,
		PingEnabled:              true,
		PingConnectionsNotUsedFor: 0,
	})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	factory.opened[0].mu.Lock()
	factory.opened[0].execErr = errors.New("fake: connection reset by peer")
	factory.opened[0].mu.Unlock()

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c2.Close())

	assert.False(t, pgpool.SameConnection(c1, c2), "failed probe should discard the reclaimed connection, not hand it back")
	assert.Equal(t, 2, factory.openCount())
}

// Rollback on release, reclaim, and the pre-checkout probe path is gated on
// the connection's own InTransaction state, not solely on AutoCommit: with
// AutoCommit disabled, a connection reporting no open transaction is
// released without a ROLLBACK being issued.
func TestReleaseSkipsRollbackWhenNotInTransaction(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{
		MaxActive:  1,
		MaxIdle:    1,
		AutoCommit: false,
	})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	factory.opened[0].setInTransaction(false)
	before := factory.opened[0].execCount()

	require.NoError(t, c1.Close())

	after := factory.opened[0].execCount()
	assert.Equal(t, before, after, "no ROLLBACK should be issued when InTransaction reports false")
}

// The same AutoCommit=false pool issues a ROLLBACK on release when the
// connection reports an open transaction.
func TestReleaseRollsBackWhenInTransaction(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{
		MaxActive:  1,
		MaxIdle:    1,
		AutoCommit: false,
	})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	factory.opened[0].setInTransaction(true)
	before := factory.opened[0].execCount()

	require.NoError(t, c1.Close())

	after := factory.opened[0].execCount()
	assert.Greater(t, after, before, "a ROLLBACK should be issued when InTransaction reports true")
}

// Reclaiming an overdue checkout transitions the connection count metric
// through stateOverdue: it leaves stateActive, becomes stateOverdue, and
// then (on a successful reclaim checkout) becomes stateActive again,
// without leaking a phantom overdue count.
func TestAcquireReclaimRecordsOverdueMetricTransition(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	factory := &fakeFactory{}
	p, err := pgpool.NewPool(factory, pgpool.Config{
		DSN:             "dbname=test",
		MaxActive:       1,
		MaxIdle:         1,
		MaxCheckoutTime: 10 * time.Millisecond,
		TimeToWait:      time.Second,
	}, provider.Meter("pgpool-overdue-test"), "overdue-test")
	require.NoError(t, err)

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c2.Close())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := false
	overdue := int64(-1)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "db.client.connection.count" {
				found = true
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok, "db.client.connection.count should be an int64 sum")
				for _, dp := range sum.DataPoints {
					if v, ok := dp.Attributes.Value(attribute.Key("db.client.connection.state")); ok && v.AsString() == "overdue" {
						overdue = dp.Value
					}
				}
			}
		}
	}
	assert.True(t, found, "expected a db.client.connection.count metric to have been recorded during reclaim")
	assert.Equal(t, int64(0), overdue, "the reclaimed connection should have entered the overdue state and left it again")
	assert.ErrorIs(t, c1.Ping(ctx), pgpool.ErrConnectionInvalid)
}

// Close shuts the pool down permanently: in-flight and idle connections are
// drained, and every subsequent Acquire fails with ErrPoolClosed rather than
// opening a new connection.
func TestClosePreventsFurtherAcquire(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{MaxActive: 2, MaxIdle: 2})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	require.NoError(t, p.Close(ctx))

	assert.True(t, factory.opened[0].IsClosed())

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, pgpool.ErrPoolClosed)
}

// Closing the pool while a connection is checked out still drains it: once
// the caller releases it, release does not re-idle it even though idle
// capacity is available.
func TestCloseThenReleaseDoesNotReidle(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, pgpool.Config{MaxActive: 1, MaxIdle: 1})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Close(ctx))
	require.NoError(t, c1.Close())

	assert.Equal(t, 0, p.Stats().Idle)
	assert.True(t, factory.opened[0].IsClosed())
}
