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
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Pool is a synchronous, thread-safe connection pool fronting a Factory.
// All state is guarded by a single mutex; there are no per-connection
// locks. Acquire blocks, in bounded increments, until a connection becomes
// available or the caller's context is cancelled.
type Pool struct {
	mu      sync.Mutex
	waitCh  chan struct{}
	state   poolState
	factory Factory
	cfg     Config
	logger  *slog.Logger
	metrics connectionCount
	closed  atomic.Bool

	expectedTypeCode uint64
}

// NewPool builds a Pool around factory, applying cfg with defaults filled
// in for any zero-valued tunable. meter may be nil, in which case no
// metrics are recorded.
func NewPool(factory Factory, cfg Config, meter metric.Meter, poolName string) (*Pool, error) {
	cfg = cfg.withDefaults()

	mc, err := newConnectionCount(meter, poolName)
	if err != nil {
		return nil, fmt.Errorf("pgpool: new connection count metric: %w", err)
	}

	p := &Pool{
		waitCh:  make(chan struct{}),
		state:   newPoolState(),
		factory: factory,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: mc,
	}
	p.expectedTypeCode = p.connectionTypeCode(cfg.Username, cfg.Password)
	return p, nil
}

// connectionTypeCode fingerprints the (dsn, username, password) identity a
// connection was opened or validated under, the Go equivalent of
// PooledDataSource.assembleConnectionTypeCode in the Java original this
// pool's acquire/release protocol is ported from.
func (p *Pool) connectionTypeCode(username, password string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(p.cfg.DSN))
	h.Write([]byte(username))
	h.Write([]byte(password))
	return h.Sum64()
}

// Acquire checks out a connection using the pool's default credentials.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	return p.AcquireAs(ctx, p.cfg.Username, p.cfg.Password)
}

// AcquireAs checks out a connection under the given credentials, which may
// differ from the pool's configured defaults. A mismatch between a
// released connection's fingerprint and the pool's current expected
// fingerprint causes that connection to be discarded rather than idled,
// exactly as identity-affecting setters trigger a drain.
//
// The loop below mirrors PooledDataSource.popConnection: on each
// iteration, under the pool's monitor, it tries an idle connection, then
// growing the pool, then reclaiming the oldest overdue checkout, and
// finally waits in bounded increments, re-evaluating from the top every
// time it wakes.
func (p *Pool) AcquireAs(ctx context.Context, username, password string) (*Conn, error) {
	start := time.Now()
	localBadConns := 0
	countedWait := false

	for {
		p.mu.Lock()

		if p.closed.Load() {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		var candidate *pooledConn
		var openErr error
		waited := false
		fromReclaim := false

		switch {
		case p.state.idle.Len() > 0:
			front := p.state.idle.Front()
			candidate = front.Value.(*pooledConn)
			p.state.idle.Remove(front)
			p.metrics.add(ctx, -1, stateIdle)

		case p.state.active.Len() < p.cfg.MaxActive:
			real, err := p.factory.Open(ctx)
			if err != nil {
				openErr = err
				break
			}
			now := time.Now()
			candidate = &pooledConn{real: real, pool: p, createdAt: now, lastUsedAt: now}
			candidate.valid.Store(true)

		default:
			oldestElem := p.state.active.Front()
			oldest := oldestElem.Value.(*pooledConn)
			checkoutAge := time.Since(oldest.checkoutAt)

			if checkoutAge > p.cfg.MaxCheckoutTime {
				p.state.active.Remove(oldestElem)
				oldest.elem = nil

				if !p.cfg.AutoCommit && oldest.real.InTransaction() {
					if err := oldest.real.Exec(ctx, "ROLLBACK"); err != nil {
						p.logger.Debug("pgpool: rollback on reclaim failed", "error", err)
					}
				}
				p.state.claimedOverdueConnectionCount++
				p.state.accumulatedCheckoutTimeOfOverdueConnections += checkoutAge
				p.state.accumulatedCheckoutTime += checkoutAge
				oldest.valid.Store(false)
				p.metrics.add(ctx, -1, stateActive)
				p.metrics.add(ctx, 1, stateOverdue)

				fromReclaim = true
				candidate = &pooledConn{
					real:       oldest.real,
					pool:       p,
					createdAt:  oldest.createdAt,
					lastUsedAt: oldest.lastUsedAt,
				}
				candidate.valid.Store(true)
			} else {
				if !countedWait {
					p.state.hadToWaitCount++
					countedWait = true
				}
				waitCh := p.waitCh
				p.mu.Unlock()

				waited = true
				wstart := time.Now()
				select {
				case <-waitCh:
				case <-time.After(p.cfg.TimeToWait):
				case <-ctx.Done():
					return nil, fmt.Errorf("pgpool: acquire: %w", ctx.Err())
				}

				p.mu.Lock()
				p.state.accumulatedWaitTime += time.Since(wstart)
				p.mu.Unlock()
			}
		}

		if waited {
			continue
		}

		if openErr != nil {
			p.state.badConnectionCount++
			p.mu.Unlock()
			p.logger.Debug("pgpool: factory open failed", "error", openErr)
			localBadConns++
			if localBadConns > p.cfg.MaxIdle+p.cfg.MaxLocalBadConnTolerance {
				return nil, fmt.Errorf("%w: %v", ErrNoGoodConnection, openErr)
			}
			continue
		}

		if candidate == nil {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}

		if p.ping(ctx, candidate) {
			if !p.cfg.AutoCommit && candidate.real.InTransaction() {
				if err := candidate.real.Exec(ctx, "ROLLBACK"); err != nil {
					p.logger.Debug("pgpool: rollback before checkout failed", "error", err)
				}
			}

			candidate.typeCode = p.connectionTypeCode(username, password)
			now := time.Now()
			candidate.checkoutAt = now
			candidate.lastUsedAt = now
			candidate.elem = p.state.active.PushBack(candidate)

			p.state.requestCount++
			p.state.accumulatedRequestTime += time.Since(start)
			p.mu.Unlock()

			p.metrics.add(ctx, 1, stateActive)
			if fromReclaim {
				p.metrics.add(ctx, -1, stateOverdue)
			}
			return &Conn{pooled: candidate, pool: p}, nil
		}

		p.state.badConnectionCount++
		p.mu.Unlock()

		if fromReclaim {
			p.metrics.add(ctx, -1, stateOverdue)
		}

		localBadConns++
		if localBadConns > p.cfg.MaxIdle+p.cfg.MaxLocalBadConnTolerance {
			return nil, ErrNoGoodConnection
		}
	}
}

// ping validates candidate while holding the pool's monitor, exactly as
// PooledDataSource.pingConnection does. It is called only from inside
// AcquireAs, which already holds p.mu.
func (p *Pool) ping(ctx context.Context, candidate *pooledConn) bool {
	if candidate.real.IsClosed() {
		return false
	}

	if !p.cfg.PingEnabled ||
		p.cfg.PingConnectionsNotUsedFor < 0 ||
		candidate.idleTime() <= p.cfg.PingConnectionsNotUsedFor {
		return true
	}

	if err := candidate.real.Exec(ctx, p.cfg.PingQuery); err != nil {
		p.logger.Warn("pgpool: liveness probe failed", "query", p.cfg.PingQuery, "error", err)
		if cerr := candidate.real.Close(); cerr != nil {
			p.logger.Debug("pgpool: close after failed probe failed", "error", cerr)
		}
		return false
	}

	if !p.cfg.AutoCommit && candidate.real.InTransaction() {
		if err := candidate.real.Exec(ctx, "ROLLBACK"); err != nil {
			p.logger.Debug("pgpool: rollback after probe failed", "error", err)
		}
	}
	return true
}

// release implements the five-step protocol of Conn.Close: remove from
// active (no-op if already removed), check validity, account checkout
// time, then either re-wrap the connection into idle or roll back and
// close it. Once the pool has been closed, a released connection is never
// re-idled, regardless of idle capacity. It is unexported because it is
// reachable only through Conn.Close, the dispose-interception point.
func (p *Pool) release(ctx context.Context, pooled *pooledConn) error {
	p.mu.Lock()

	wasActive := pooled.elem != nil
	if wasActive {
		p.state.active.Remove(pooled.elem)
		pooled.elem = nil
	}

	if !pooled.valid.Load() {
		p.state.badConnectionCount++
		p.mu.Unlock()
		if wasActive {
			p.metrics.add(ctx, -1, stateActive)
		}
		return nil
	}

	p.state.accumulatedCheckoutTime += time.Since(pooled.checkoutAt)

	canIdle := !p.closed.Load() && p.state.idle.Len() < p.cfg.MaxIdle && pooled.typeCode == p.expectedTypeCode
	if canIdle {
		var rollbackErr error
		if !p.cfg.AutoCommit && pooled.real.InTransaction() {
			rollbackErr = pooled.real.Exec(ctx, "ROLLBACK")
		}

		fresh := &pooledConn{
			real:       pooled.real,
			pool:       p,
			typeCode:   pooled.typeCode,
			createdAt:  pooled.createdAt,
			lastUsedAt: time.Now(),
		}
		fresh.valid.Store(true)
		pooled.valid.Store(false)

		p.state.idle.PushBack(fresh)
		p.mu.Unlock()

		p.metrics.add(ctx, -1, stateActive)
		p.metrics.add(ctx, 1, stateIdle)
		p.broadcast()
		return rollbackErr
	}

	var rollbackErr error
	if !p.cfg.AutoCommit && pooled.real.InTransaction() {
		rollbackErr = pooled.real.Exec(ctx, "ROLLBACK")
	}
	closeErr := pooled.real.Close()
	pooled.valid.Store(false)
	p.mu.Unlock()

	p.metrics.add(ctx, -1, stateActive)
	p.broadcast()

	if rollbackErr != nil {
		return fmt.Errorf("pgpool: rollback on release: %w", rollbackErr)
	}
	if closeErr != nil {
		return fmt.Errorf("pgpool: close on release: %w", closeErr)
	}
	return nil
}

// broadcast wakes every goroutine currently blocked waiting in AcquireAs,
// by closing the current wait channel and installing a fresh one. This is
// the Go idiom for a condition-variable broadcast without the goroutine
// leak a timer-per-waiter sync.Cond.Wait approach would risk.
func (p *Pool) broadcast() {
	p.mu.Lock()
	close(p.waitCh)
	p.waitCh = make(chan struct{})
	p.mu.Unlock()
}

// Close permanently shuts the pool down: every future Acquire fails with
// ErrPoolClosed, and every connection currently idle or active is drained
// exactly as ForceCloseAll drains them. Unlike the identity-affecting
// setters, which drain and let the pool keep serving new checkouts under
// the new identity, Close's closed flag is one-way; there is no Reopen.
func (p *Pool) Close(ctx context.Context) error {
	p.closed.Store(true)
	p.ForceCloseAll(ctx)
	return nil
}

// ForceCloseAll drains both the idle and active lists, rolling back and
// closing every connection, swallowing per-connection errors (logged at
// debug level), and recomputes the pool's expected connection type code.
// It is called directly, and by every identity-affecting setter below.
func (p *Pool) ForceCloseAll(ctx context.Context) {
	p.mu.Lock()
	p.expectedTypeCode = p.connectionTypeCode(p.cfg.Username, p.cfg.Password)

	drained := 0
	for e := p.state.active.Front(); e != nil; {
		next := e.Next()
		pc := e.Value.(*pooledConn)
		p.state.active.Remove(e)
		pc.elem = nil
		p.closeLocked(ctx, pc)
		p.metrics.add(ctx, -1, stateActive)
		drained++
		e = next
	}
	for e := p.state.idle.Front(); e != nil; {
		next := e.Next()
		pc := e.Value.(*pooledConn)
		p.state.idle.Remove(e)
		p.closeLocked(ctx, pc)
		p.metrics.add(ctx, -1, stateIdle)
		drained++
		e = next
	}
	p.mu.Unlock()

	p.broadcast()
	p.logger.Debug("pgpool: force closed all connections", "count", drained)
}

// closeLocked rolls back (if configured non-autocommit) and closes pc,
// swallowing and logging any error. Callers must hold p.mu.
func (p *Pool) closeLocked(ctx context.Context, pc *pooledConn) {
	pc.valid.Store(false)
	if !p.cfg.AutoCommit && pc.real.InTransaction() {
		if err := pc.real.Exec(ctx, "ROLLBACK"); err != nil {
			p.logger.Debug("pgpool: rollback during force close failed", "error", err)
		}
	}
	if err := pc.real.Close(); err != nil {
		p.logger.Debug("pgpool: close during force close failed", "error", err)
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Active:                                       p.state.active.Len(),
		Idle:                                          p.state.idle.Len(),
		RequestCount:                                  p.state.requestCount,
		AccumulatedRequestTime:                        p.state.accumulatedRequestTime,
		AccumulatedCheckoutTime:                        p.state.accumulatedCheckoutTime,
		ClaimedOverdueConnectionCount:                 p.state.claimedOverdueConnectionCount,
		AccumulatedCheckoutTimeOfOverdueConnections:    p.state.accumulatedCheckoutTimeOfOverdueConnections,
		HadToWaitCount:                                p.state.hadToWaitCount,
		AccumulatedWaitTime:                            p.state.accumulatedWaitTime,
		BadConnectionCount:                             p.state.badConnectionCount,
	}
}

// Unwrap returns the real PhysicalConn backing c, bypassing the handle's
// validity check and close interception. It exists for callers that need
// driver-specific functionality the PhysicalConn interface does not
// expose.
func Unwrap(c *Conn) PhysicalConn {
	return c.pooled.real
}

// SetCredentials changes the default username and password new checkouts
// use, and, because that changes the pool's connection identity,
// force-closes every existing connection exactly as every identity
// mutator does in the Java original this pool is ported from.
func (p *Pool) SetCredentials(ctx context.Context, username, password string) {
	p.mu.Lock()
	p.cfg.Username = username
	p.cfg.Password = password
	p.mu.Unlock()
	p.ForceCloseAll(ctx)
}

// SetMaxActive bounds the number of connections checked out at once.
func (p *Pool) SetMaxActive(ctx context.Context, n int) {
	p.mu.Lock()
	p.cfg.MaxActive = n
	p.mu.Unlock()
	p.ForceCloseAll(ctx)
}

// SetMaxIdle bounds the number of idle connections kept for reuse.
func (p *Pool) SetMaxIdle(ctx context.Context, n int) {
	p.mu.Lock()
	p.cfg.MaxIdle = n
	p.mu.Unlock()
	p.ForceCloseAll(ctx)
}

// SetMaxCheckoutTime changes how long a connection may stay active before
// becoming a reclamation candidate.
func (p *Pool) SetMaxCheckoutTime(ctx context.Context, d time.Duration) {
	p.mu.Lock()
	p.cfg.MaxCheckoutTime = d
	p.mu.Unlock()
	p.ForceCloseAll(ctx)
}

// SetTimeToWait bounds a single wait iteration in AcquireAs.
func (p *Pool) SetTimeToWait(ctx context.Context, d time.Duration) {
	p.mu.Lock()
	p.cfg.TimeToWait = d
	p.mu.Unlock()
	p.ForceCloseAll(ctx)
}

// SetPingQuery changes the statement executed to validate liveness.
func (p *Pool) SetPingQuery(ctx context.Context, query string) {
	p.mu.Lock()
	p.cfg.PingQuery = query
	p.mu.Unlock()
	p.ForceCloseAll(ctx)
}

// SetPingEnabled turns liveness probing on or off.
func (p *Pool) SetPingEnabled(ctx context.Context, enabled bool) {
	p.mu.Lock()
	p.cfg.PingEnabled = enabled
	p.mu.Unlock()
	p.ForceCloseAll(ctx)
}

// SetPingConnectionsNotUsedFor changes the idle threshold below which a
// candidate is trusted without a probe.
func (p *Pool) SetPingConnectionsNotUsedFor(ctx context.Context, d time.Duration) {
	p.mu.Lock()
	p.cfg.PingConnectionsNotUsedFor = d
	p.mu.Unlock()
	p.ForceCloseAll(ctx)
}

// SetMaxLocalBadConnTolerance changes the per-Acquire bad connection
// budget. Unlike every other setter in this list, this does not
// force-close the pool: it does not change connection identity, matching
// PooledDataSource.setPoolMaximumLocalBadConnectionTolerance in the Java
// original, which is the one setter that does not call forceCloseAll.
func (p *Pool) SetMaxLocalBadConnTolerance(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.MaxLocalBadConnTolerance = n
}
