package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/config"
	"github.com/Ladvien/codex-dreams-sub001/internal/core/domain"
	"github.com/Ladvien/codex-dreams-sub001/internal/infra/sqlstore"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/resources"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/breaker"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/errsink"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/pool"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeSession is a pool.Conn that also satisfies sqlstore.Session.
type fakeSession struct {
	mu      sync.Mutex
	runErrs []error // consumed one per Run call; nil entry = success
	runs    int
	txRuns  []string
	rolled  bool
	commits int
}

func (s *fakeSession) Ping(ctx context.Context) error { return nil }
func (s *fakeSession) Close() error                   { return nil }

func (s *fakeSession) Run(ctx context.Context, operation string, args ...any) (sqlstore.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.runs
	s.runs++
	if idx < len(s.runErrs) && s.runErrs[idx] != nil {
		return sqlstore.RunResult{}, s.runErrs[idx]
	}
	return sqlstore.RunResult{RowsAffected: 1}, nil
}

func (s *fakeSession) Begin(ctx context.Context) (sqlstore.TxSession, error) {
	return &fakeTx{parent: s}, nil
}

type fakeTx struct {
	parent *fakeSession
}

func (t *fakeTx) Run(ctx context.Context, operation string, args ...any) (sqlstore.RunResult, error) {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	idx := t.parent.runs
	t.parent.runs++
	t.parent.txRuns = append(t.parent.txRuns, operation)
	if idx < len(t.parent.runErrs) && t.parent.runErrs[idx] != nil {
		return sqlstore.RunResult{}, t.parent.runErrs[idx]
	}
	return sqlstore.RunResult{RowsAffected: 1}, nil
}

func (t *fakeTx) Commit() error {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	t.parent.commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	t.parent.rolled = true
	return nil
}

type sessionDialer struct {
	sess *fakeSession
}

func (d *sessionDialer) Dial(ctx context.Context) (pool.Conn, error) {
	return d.sess, nil
}

type fakeProtector struct {
	calls int
}

func (p *fakeProtector) Protect() { p.calls++ }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(sess *fakeSession, sampler resources.Sampler, guard MemoryProtector) (*Executor, pool.Key) {
	cfg := config.ResilienceConfig{
		SafetyLevel:        config.SafetyResilient,
		MaxConnsPerStore:   4,
		BackoffBase:        time.Millisecond,
		BackoffCap:         10 * time.Millisecond,
		PreflightMemoryPct: 95,
		PreflightDiskPct:   95,
	}
	p := pool.New(cfg, nil, testLogger())
	key := pool.Key{Kind: "analytics", Addr: "test.db"}
	p.RegisterBucket(key, &sessionDialer{sess: sess})

	sink := errsink.New(100, nil, testLogger())
	e := New(p, sink, sampler, guard, cfg, testLogger())
	e.RegisterStore(key, breaker.New("analytics-test", 100, time.Minute))
	return e, key
}

// =============================================================================
// Tests
// =============================================================================

func TestExecute_Success(t *testing.T) {
	sess := &fakeSession{}
	e, key := newTestExecutor(sess, nil, nil)

	res := e.Execute(context.Background(), key, "UPDATE working_memory SET activation_level = 0.5", nil, 3, time.Second)

	if !res.Success {
		t.Fatalf("expected success, got %s: %s", res.ErrorKind, res.ErrorMessage)
	}
	if res.RowsAffected != 1 {
		t.Errorf("expected 1 row affected, got %d", res.RowsAffected)
	}
	if res.RetryCount != 0 {
		t.Errorf("expected no retries, got %d", res.RetryCount)
	}
}

func TestExecute_EmptyOperationRejected(t *testing.T) {
	sess := &fakeSession{}
	e, key := newTestExecutor(sess, nil, nil)

	res := e.Execute(context.Background(), key, "   ", nil, 3, time.Second)

	if res.Success {
		t.Fatal("expected rejection")
	}
	if res.ErrorKind != domain.KindConfigurationError {
		t.Errorf("expected configuration_error, got %s", res.ErrorKind)
	}
	if sess.runs != 0 {
		t.Error("rejected operation must not reach the store")
	}
}

func TestExecute_InjectionRejected(t *testing.T) {
	sess := &fakeSession{}
	e, key := newTestExecutor(sess, nil, nil)

	cases := []string{
		"SELECT * FROM t; DROP TABLE t; --",
		"SELECT * FROM t WHERE 1=1",
		"SELECT id FROM t UNION SELECT password FROM users",
	}
	for _, op := range cases {
		res := e.Execute(context.Background(), key, op, nil, 3, time.Second)
		if res.Success {
			t.Errorf("expected rejection for %q", op)
			continue
		}
		if res.ErrorKind != domain.KindSecurityViolation {
			t.Errorf("expected security_violation for %q, got %s", op, res.ErrorKind)
		}
		if res.RetryCount != 0 {
			t.Errorf("security violations must not retry, got %d retries", res.RetryCount)
		}
	}

	if sess.runs != 0 {
		t.Error("rejected operations must not reach the store")
	}

	// A parameterized query passes the heuristic.
	res := e.Execute(context.Background(), key, "SELECT * FROM t WHERE id = ?", nil, 3, time.Second)
	if !res.Success {
		t.Errorf("parameterized query should pass, got %s: %s", res.ErrorKind, res.ErrorMessage)
	}
}

func TestExecute_ResourcePreflightRejects(t *testing.T) {
	sess := &fakeSession{}
	guard := &fakeProtector{}
	sampler := &resources.StaticSampler{Snap: resources.Snapshot{MemoryPercent: 97}}
	e, key := newTestExecutor(sess, sampler, guard)

	res := e.Execute(context.Background(), key, "SELECT 1", nil, 3, time.Second)

	if res.Success {
		t.Fatal("expected resource rejection")
	}
	if res.ErrorKind != domain.KindResourceExhaustion {
		t.Errorf("expected resource_exhaustion, got %s", res.ErrorKind)
	}
	if res.RetryCount != 0 {
		t.Error("resource exhaustion must not retry")
	}
	if guard.calls == 0 {
		t.Error("expected memory protection to trigger")
	}
}

func TestExecute_TransientRetried(t *testing.T) {
	sess := &fakeSession{runErrs: []error{
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
		nil,
	}}
	e, key := newTestExecutor(sess, nil, nil)

	res := e.Execute(context.Background(), key, "SELECT 1", nil, 3, time.Second)

	if !res.Success {
		t.Fatalf("expected success after retries, got %s", res.ErrorMessage)
	}
	if res.RetryCount != 2 {
		t.Errorf("expected 2 retries, got %d", res.RetryCount)
	}
}

func TestExecute_ConfigurationErrorNoRetry(t *testing.T) {
	sess := &fakeSession{runErrs: []error{errors.New("syntax error at or near SELEC")}}
	e, key := newTestExecutor(sess, nil, nil)

	res := e.Execute(context.Background(), key, "SELEC 1", nil, 5, time.Second)

	if res.Success {
		t.Fatal("expected failure")
	}
	if sess.runs != 1 {
		t.Errorf("configuration errors must not retry, got %d attempts", sess.runs)
	}
}

func TestExecute_ExhaustionReturnsFailedResult(t *testing.T) {
	sess := &fakeSession{runErrs: []error{
		errors.New("i/o timeout"),
		errors.New("i/o timeout"),
		errors.New("i/o timeout"),
	}}
	e, key := newTestExecutor(sess, nil, nil)

	res := e.Execute(context.Background(), key, "SELECT 1", nil, 2, time.Second)

	if res.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	if res.ErrorKind != domain.KindTimeout {
		t.Errorf("expected timeout kind, got %s", res.ErrorKind)
	}
	if res.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", res.RetryCount)
	}
}

func TestExecute_BreakerOpenFastFails(t *testing.T) {
	sess := &fakeSession{}
	e, key := newTestExecutor(sess, nil, nil)

	br := breaker.New("analytics-open", 1, time.Minute)
	_ = br.Do(func() error { return errors.New("connection refused") })
	e.RegisterStore(key, br)

	res := e.Execute(context.Background(), key, "SELECT 1", nil, 0, time.Second)

	if res.Success {
		t.Fatal("expected fast fail with open breaker")
	}
	if sess.runs != 0 {
		t.Error("operation must not execute while breaker is open")
	}
}

func TestExecuteTransaction_CommitsAllOps(t *testing.T) {
	sess := &fakeSession{}
	e, key := newTestExecutor(sess, nil, nil)

	ops := []Operation{
		{SQL: "INSERT INTO consolidated_memories (memory_id) VALUES (?)", Args: []any{"m1"}},
		{SQL: "DELETE FROM short_term_episodes WHERE memory_id = ?", Args: []any{"m1"}},
	}
	res := e.ExecuteTransaction(context.Background(), key, ops, 1, time.Second)

	if !res.Success {
		t.Fatalf("expected success, got %s", res.ErrorMessage)
	}
	if sess.commits != 1 {
		t.Errorf("expected 1 commit, got %d", sess.commits)
	}
	if res.RowsAffected != 2 {
		t.Errorf("expected 2 rows affected, got %d", res.RowsAffected)
	}
}

func TestExecuteTransaction_RollsBackOnFailure(t *testing.T) {
	sess := &fakeSession{runErrs: []error{nil, errors.New("no such table: nope")}}
	e, key := newTestExecutor(sess, nil, nil)

	ops := []Operation{
		{SQL: "INSERT INTO consolidated_memories (memory_id) VALUES (?)", Args: []any{"m1"}},
		{SQL: "INSERT INTO nope (x) VALUES (1)"},
	}
	res := e.ExecuteTransaction(context.Background(), key, ops, 0, time.Second)

	if res.Success {
		t.Fatal("expected failure")
	}
	if !sess.rolled {
		t.Error("expected rollback on step failure")
	}
	if sess.commits != 0 {
		t.Error("failed transaction must not commit")
	}
}
