// Package pool manages per-store connection pools with health-checked reuse.
//
// A bucket is keyed by (store kind, address). Buckets are independent: each
// has its own mutex, free list and active counter, so contention on one store
// never blocks another.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/config"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/metrics"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/resources"
)

var (
	// ErrExhausted is returned in strict mode when a bucket is at capacity.
	ErrExhausted = errors.New("connection pool exhausted")

	// ErrWaitTimeout is returned when a bounded capacity wait expires.
	ErrWaitTimeout = errors.New("timed out waiting for pool capacity")

	// ErrUnknownBucket is returned for keys with no registered dialer.
	ErrUnknownBucket = errors.New("unknown pool bucket")
)

// Conn is one live connection to a store.
type Conn interface {
	// Ping runs a one-query liveness probe.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens new connections for a bucket.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Key identifies a pool bucket.
type Key struct {
	Kind string // "postgres", "analytics", ...
	Addr string
}

func (k Key) String() string {
	return k.Kind + ":" + k.Addr
}

// PooledConn wraps a connection with pool bookkeeping. A PooledConn belongs
// to exactly one bucket and is never handed to two callers at once.
type PooledConn struct {
	Conn
	key       Key
	gen       uint64
	createdAt time.Time
	lastUsed  time.Time
}

type bucket struct {
	mu     sync.Mutex
	dialer Dialer
	free   []*PooledConn
	active int
	// gen invalidates checked-out connections across a Reset: a released
	// connection from an older generation is closed instead of retained.
	gen uint64
}

// Pool holds all buckets.
type Pool struct {
	mu      sync.RWMutex
	buckets map[Key]*bucket

	maxConns    int
	waitTimeout time.Duration
	strict      bool
	log         *slog.Logger
	sampler     resources.Sampler
}

// waitTimeoutFor maps safety levels to capacity wait budgets.
func waitTimeoutFor(level config.SafetyLevel) time.Duration {
	switch level {
	case config.SafetyStrict:
		return 0
	case config.SafetyPermissive:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

// New creates an empty pool.
func New(cfg config.ResilienceConfig, sampler resources.Sampler, log *slog.Logger) *Pool {
	return &Pool{
		buckets:     make(map[Key]*bucket),
		maxConns:    cfg.MaxConnsPerStore,
		waitTimeout: waitTimeoutFor(cfg.SafetyLevel),
		strict:      cfg.SafetyLevel == config.SafetyStrict,
		log:         log,
		sampler:     sampler,
	}
}

// RegisterBucket adds a bucket for key served by dialer.
func (p *Pool) RegisterBucket(key Key, dialer Dialer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets[key] = &bucket{dialer: dialer}
}

func (p *Pool) bucketFor(key Key) (*bucket, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.buckets[key]
	return b, ok
}

// Acquire returns a live connection for key, reusing a health-checked free
// connection when possible. At capacity, strict mode fails immediately;
// otherwise the caller polls for capacity up to the wait timeout.
func (p *Pool) Acquire(ctx context.Context, key Key) (*PooledConn, error) {
	b, ok := p.bucketFor(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBucket, key)
	}

	deadline := time.Now().Add(p.waitTimeout)
	for {
		conn, err := p.tryAcquire(ctx, key, b)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, ErrExhausted) {
			return nil, err
		}
		if p.strict {
			return nil, fmt.Errorf("%w: bucket %s at capacity %d", ErrExhausted, key, p.maxConns)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: bucket %s", ErrWaitTimeout, key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (p *Pool) tryAcquire(ctx context.Context, key Key, b *bucket) (*PooledConn, error) {
	b.mu.Lock()
	// Prefer a free connection; unhealthy ones are discarded below.
	for len(b.free) > 0 {
		conn := b.free[len(b.free)-1]
		b.free = b.free[:len(b.free)-1]
		b.active++
		b.mu.Unlock()

		if err := conn.Ping(ctx); err == nil {
			conn.lastUsed = time.Now()
			p.publish(key, b)
			return conn, nil
		}
		_ = conn.Close()

		b.mu.Lock()
		b.active--
	}

	if b.active >= p.maxConns {
		b.mu.Unlock()
		return nil, ErrExhausted
	}
	b.active++
	dialer := b.dialer
	gen := b.gen
	b.mu.Unlock()

	raw, err := dialer.Dial(ctx)
	if err != nil {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to open connection for %s: %w", key, err)
	}

	now := time.Now()
	conn := &PooledConn{Conn: raw, key: key, gen: gen, createdAt: now, lastUsed: now}
	p.publish(key, b)
	return conn, nil
}

// Release returns a connection to its bucket. Healthy connections below the
// retention cap (half of the bucket maximum) go back on the free list; the
// rest are closed.
func (p *Pool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}
	b, ok := p.bucketFor(conn.key)
	if !ok {
		_ = conn.Close()
		return
	}

	healthy := conn.Ping(context.Background()) == nil

	b.mu.Lock()
	b.active--
	retain := healthy && conn.gen == b.gen && len(b.free) < p.maxConns/2
	if retain {
		conn.lastUsed = time.Now()
		b.free = append(b.free, conn)
	}
	b.mu.Unlock()

	if !retain {
		_ = conn.Close()
	}
	p.publish(conn.key, b)
}

// With runs fn with a scoped connection, guaranteeing release on every exit
// path including panics.
func (p *Pool) With(ctx context.Context, key Key, fn func(conn *PooledConn) error) error {
	conn, err := p.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Reset force-closes every idle connection in the bucket and invalidates the
// checked-out ones. In-flight connections keep counting against capacity
// until released, so active never drifts below zero and the bucket cannot
// over-admit while a reset races live queries. Used by the recovery
// controller.
func (p *Pool) Reset(key Key) int {
	b, ok := p.bucketFor(key)
	if !ok {
		return 0
	}

	b.mu.Lock()
	closed := len(b.free)
	for _, c := range b.free {
		_ = c.Close()
	}
	b.free = nil
	b.gen++
	b.mu.Unlock()

	p.publish(key, b)
	p.log.Info("pool bucket reset", "bucket", key.String(), "closed", closed)
	return closed
}

// ResetAll resets every bucket.
func (p *Pool) ResetAll() int {
	p.mu.RLock()
	keys := make([]Key, 0, len(p.buckets))
	for k := range p.buckets {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	total := 0
	for _, k := range keys {
		total += p.Reset(k)
	}
	return total
}

// TrimIdle closes idle connections above min per bucket and returns how many
// were closed. Satisfies resources.Trimmer.
func (p *Pool) TrimIdle(min int) int {
	p.mu.RLock()
	type entry struct {
		key Key
		b   *bucket
	}
	entries := make([]entry, 0, len(p.buckets))
	for k, b := range p.buckets {
		entries = append(entries, entry{k, b})
	}
	p.mu.RUnlock()

	trimmed := 0
	for _, e := range entries {
		e.b.mu.Lock()
		for len(e.b.free) > min {
			conn := e.b.free[len(e.b.free)-1]
			e.b.free = e.b.free[:len(e.b.free)-1]
			_ = conn.Close()
			trimmed++
		}
		e.b.mu.Unlock()
		p.publish(e.key, e.b)
	}
	return trimmed
}

// Stats reports per-bucket counters for the health API.
func (p *Pool) Stats() map[string]BucketStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]BucketStats, len(p.buckets))
	for k, b := range p.buckets {
		b.mu.Lock()
		out[k.String()] = BucketStats{Active: b.active, Idle: len(b.free), Max: p.maxConns}
		b.mu.Unlock()
	}
	return out
}

// BucketStats summarizes one bucket.
type BucketStats struct {
	Active int `json:"active"`
	Idle   int `json:"idle"`
	Max    int `json:"max"`
}

func (p *Pool) publish(key Key, b *bucket) {
	b.mu.Lock()
	active, idle := b.active, len(b.free)
	b.mu.Unlock()
	metrics.PoolActive.WithLabelValues(key.String()).Set(float64(active))
	metrics.PoolIdle.WithLabelValues(key.String()).Set(float64(idle))
}
