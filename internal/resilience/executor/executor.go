// Package executor runs validated queries against the backing stores through
// the connection pool and circuit breakers, with classification, retries and
// timeouts. It is the single path domain code uses to touch a store.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/config"
	"github.com/Ladvien/codex-dreams-sub001/internal/core/domain"
	"github.com/Ladvien/codex-dreams-sub001/internal/infra/sqlstore"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/metrics"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/resources"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/breaker"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/errsink"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/pool"
)

// Result is the outcome of one executed operation or transaction.
type Result struct {
	Success      bool             `json:"success"`
	Rows         []map[string]any `json:"rows,omitempty"`
	RowsAffected int64            `json:"rows_affected"`
	Elapsed      time.Duration    `json:"elapsed"`
	ErrorKind    domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	RetryCount   int              `json:"retry_count"`
}

// Operation is one step of a transaction.
type Operation struct {
	SQL  string
	Args []any
}

// MemoryProtector runs the emergency memory path on resource exhaustion.
type MemoryProtector interface {
	Protect()
}

// Executor coordinates pool, breakers and error sink for query execution.
type Executor struct {
	pool    *pool.Pool
	sink    *errsink.Sink
	sampler resources.Sampler
	guard   MemoryProtector
	cfg     config.ResilienceConfig
	log     *slog.Logger

	mu       sync.RWMutex
	breakers map[pool.Key]*breaker.Breaker
}

// New creates an executor. sampler and guard may be nil (pre-flight resource
// checks are then skipped), which tests use.
func New(p *pool.Pool, sink *errsink.Sink, sampler resources.Sampler, guard MemoryProtector, cfg config.ResilienceConfig, log *slog.Logger) *Executor {
	return &Executor{
		pool:     p,
		sink:     sink,
		sampler:  sampler,
		guard:    guard,
		cfg:      cfg,
		log:      log,
		breakers: make(map[pool.Key]*breaker.Breaker),
	}
}

// RegisterStore binds a breaker to a pool bucket. The breaker instance is
// shared with the health monitor so probes and queries see one state machine.
func (e *Executor) RegisterStore(key pool.Key, br *breaker.Breaker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breakers[key] = br
}

func (e *Executor) breakerFor(key pool.Key) (*breaker.Breaker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	br, ok := e.breakers[key]
	if !ok {
		return nil, fmt.Errorf("no breaker registered for store %s", key)
	}
	return br, nil
}

// Execute runs a single operation with validation, pre-flight resource
// checks, and retries for transient failures. Configuration and security
// rejections never retry.
func (e *Executor) Execute(ctx context.Context, key pool.Key, operation string, params []any, maxRetries int, timeout time.Duration) Result {
	start := time.Now()

	if err := e.preflight(key, operation); err != nil {
		return e.reject(key, operation, err, start)
	}

	br, err := e.breakerFor(key)
	if err != nil {
		return e.reject(key, operation, err, start)
	}

	var run sqlstore.RunResult
	attempt := 0
	for {
		err = e.attempt(ctx, br, key, timeout, func(ctx context.Context, sess sqlstore.Session) error {
			var runErr error
			run, runErr = sess.Run(ctx, operation, params...)
			return runErr
		})
		if err == nil {
			break
		}

		kind := e.noteFailure(key, operation, err, attempt)
		if !kind.IsTransient() || attempt >= maxRetries {
			return e.failed(key, operation, err, attempt, start)
		}

		metrics.QueryRetries.WithLabelValues(key.Kind).Inc()
		select {
		case <-ctx.Done():
			return e.failed(key, operation, ctx.Err(), attempt, start)
		case <-time.After(e.backoff(attempt)):
		}
		attempt++
	}

	elapsed := time.Since(start)
	metrics.QueriesTotal.WithLabelValues(key.Kind, "success").Inc()
	metrics.QueryLatency.WithLabelValues(key.Kind).Observe(elapsed.Seconds())
	return Result{
		Success:      true,
		Rows:         run.Rows,
		RowsAffected: run.RowsAffected,
		Elapsed:      elapsed,
		RetryCount:   attempt,
	}
}

// ExecuteTransaction runs ops inside one transaction, rolling back on the
// first failure. Partial effects are never observable after rollback. The
// whole transaction retries as a unit for transient failures.
func (e *Executor) ExecuteTransaction(ctx context.Context, key pool.Key, ops []Operation, maxRetries int, timeout time.Duration) Result {
	start := time.Now()

	if len(ops) == 0 {
		return e.reject(key, "transaction", fmt.Errorf("empty operation list for transaction"), start)
	}
	for _, op := range ops {
		if err := e.preflightOp(op.SQL); err != nil {
			return e.reject(key, op.SQL, err, start)
		}
	}
	if err := e.preflightResources(); err != nil {
		return e.reject(key, "transaction", err, start)
	}

	br, err := e.breakerFor(key)
	if err != nil {
		return e.reject(key, "transaction", err, start)
	}

	var affected int64
	attempt := 0
	for {
		affected = 0
		err = e.attempt(ctx, br, key, timeout, func(ctx context.Context, sess sqlstore.Session) error {
			tx, beginErr := sess.Begin(ctx)
			if beginErr != nil {
				return beginErr
			}
			for _, op := range ops {
				run, runErr := tx.Run(ctx, op.SQL, op.Args...)
				if runErr != nil {
					_ = tx.Rollback()
					return fmt.Errorf("transaction step %q failed: %w", op.SQL, runErr)
				}
				affected += run.RowsAffected
			}
			return tx.Commit()
		})
		if err == nil {
			break
		}

		kind := e.noteFailure(key, "transaction", err, attempt)
		if !kind.IsTransient() || attempt >= maxRetries {
			return e.failed(key, "transaction", err, attempt, start)
		}

		metrics.QueryRetries.WithLabelValues(key.Kind).Inc()
		select {
		case <-ctx.Done():
			return e.failed(key, "transaction", ctx.Err(), attempt, start)
		case <-time.After(e.backoff(attempt)):
		}
		attempt++
	}

	elapsed := time.Since(start)
	metrics.QueriesTotal.WithLabelValues(key.Kind, "success").Inc()
	metrics.QueryLatency.WithLabelValues(key.Kind).Observe(elapsed.Seconds())
	return Result{
		Success:      true,
		RowsAffected: affected,
		Elapsed:      elapsed,
		RetryCount:   attempt,
	}
}

// attempt runs one try through breaker and pool with the per-call timeout.
func (e *Executor) attempt(ctx context.Context, br *breaker.Breaker, key pool.Key, timeout time.Duration, fn func(ctx context.Context, sess sqlstore.Session) error) error {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return br.Do(func() error {
		return e.pool.With(callCtx, key, func(conn *pool.PooledConn) error {
			sess, ok := conn.Conn.(sqlstore.Session)
			if !ok {
				return fmt.Errorf("bad config: store %s does not support queries", key)
			}
			return fn(callCtx, sess)
		})
	})
}

func (e *Executor) preflight(key pool.Key, operation string) error {
	if err := e.preflightOp(operation); err != nil {
		return err
	}
	return e.preflightResources()
}

func (e *Executor) preflightOp(operation string) error {
	return checkOperation(operation)
}

// preflightResources rejects work when the host is already saturated;
// retrying would only make that worse, so these failures never retry.
func (e *Executor) preflightResources() error {
	if e.sampler == nil {
		return nil
	}
	snap, err := e.sampler.Sample()
	if err != nil {
		// A broken sampler must not take the pipeline down.
		e.log.Debug("resource pre-flight sample failed", "error", err)
		return nil
	}
	if snap.MemoryPercent >= e.cfg.PreflightMemoryPct {
		if e.guard != nil {
			e.guard.Protect()
		}
		return fmt.Errorf("resource exhausted: memory at %.1f%% (ceiling %.1f%%)",
			snap.MemoryPercent, e.cfg.PreflightMemoryPct)
	}
	if snap.DiskPercent >= e.cfg.PreflightDiskPct {
		return fmt.Errorf("resource exhausted: disk at %.1f%% (ceiling %.1f%%)",
			snap.DiskPercent, e.cfg.PreflightDiskPct)
	}
	return nil
}

func (e *Executor) backoff(attempt int) time.Duration {
	p := errsink.Policy{
		BaseDelay:  e.cfg.BackoffBase,
		Multiplier: 2,
		MaxDelay:   e.cfg.BackoffCap,
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 60 * time.Second
	}
	return p.Delay(attempt)
}

// noteFailure classifies and records a failed attempt, returning the kind so
// the retry loop can decide. Resource exhaustion additionally triggers the
// emergency memory path regardless of the retry outcome.
func (e *Executor) noteFailure(key pool.Key, operation string, err error, attempt int) domain.ErrorKind {
	event := e.sink.Log(key.Kind, operation, err, map[string]any{
		"store":   key.String(),
		"attempt": attempt,
	})
	if event.Kind == domain.KindResourceExhaustion && e.guard != nil {
		e.guard.Protect()
	}
	return event.Kind
}

// reject records a pre-execution rejection (validation, resource ceiling,
// wiring) in the sink and returns the failed result. Rejections never retry.
func (e *Executor) reject(key pool.Key, operation string, err error, start time.Time) Result {
	e.sink.Log(key.Kind, operation, err, map[string]any{"store": key.String(), "rejected": true})
	return e.failed(key, operation, err, 0, start)
}

func (e *Executor) failed(key pool.Key, operation string, err error, retries int, start time.Time) Result {
	kind := domain.Classify(err)
	metrics.QueriesTotal.WithLabelValues(key.Kind, "failure").Inc()
	e.log.Warn("operation failed",
		"store", key.String(),
		"kind", kind,
		"retries", retries,
		"error", err,
	)
	return Result{
		Success:      false,
		Elapsed:      time.Since(start),
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
		RetryCount:   retries,
	}
}
