// Package sqlstore provides the SQL-backed store clients: the networked
// Postgres source store and the embedded analytical store. Both hand out
// connections through the resilience pool.
package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/pool"
)

// RunResult carries the outcome of one SQL operation.
type RunResult struct {
	Rows         []map[string]any
	RowsAffected int64
}

// Session is the executor-facing view of a pooled SQL connection.
type Session interface {
	Run(ctx context.Context, operation string, args ...any) (RunResult, error)
	Begin(ctx context.Context) (TxSession, error)
}

// TxSession is an in-flight transaction.
type TxSession interface {
	Run(ctx context.Context, operation string, args ...any) (RunResult, error)
	Commit() error
	Rollback() error
}

// Conn is one live connection to a SQL store. It satisfies pool.Conn and the
// executor's session interfaces.
type Conn struct {
	conn *sqlx.Conn
}

// Ping runs the liveness probe.
func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

// Close returns the underlying connection to the driver.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Run executes one operation. Row-returning statements yield Rows; writes
// yield RowsAffected.
func (c *Conn) Run(ctx context.Context, operation string, args ...any) (RunResult, error) {
	if returnsRows(operation) {
		rows, err := c.conn.QueryxContext(ctx, operation, args...)
		if err != nil {
			return RunResult{}, err
		}
		defer rows.Close()
		return collectRows(rows)
	}

	res, err := c.conn.ExecContext(ctx, operation, args...)
	if err != nil {
		return RunResult{}, err
	}
	affected, _ := res.RowsAffected()
	return RunResult{RowsAffected: affected}, nil
}

// Begin starts a transaction on this connection.
func (c *Conn) Begin(ctx context.Context) (TxSession, error) {
	tx, err := c.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is an in-flight transaction.
type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) Run(ctx context.Context, operation string, args ...any) (RunResult, error) {
	if returnsRows(operation) {
		rows, err := t.tx.QueryxContext(ctx, operation, args...)
		if err != nil {
			return RunResult{}, err
		}
		defer rows.Close()
		return collectRows(rows)
	}

	res, err := t.tx.ExecContext(ctx, operation, args...)
	if err != nil {
		return RunResult{}, err
	}
	affected, _ := res.RowsAffected()
	return RunResult{RowsAffected: affected}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func returnsRows(operation string) bool {
	head := strings.ToUpper(strings.Fields(strings.TrimSpace(operation))[0])
	switch head {
	case "SELECT", "WITH", "SHOW", "PRAGMA", "EXPLAIN":
		return true
	}
	return false
}

func collectRows(rows *sqlx.Rows) (RunResult, error) {
	var out []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return RunResult{}, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return RunResult{}, err
	}
	return RunResult{Rows: out}, nil
}

// Dialer opens pooled connections from a shared sqlx handle. The underlying
// database/sql pool is sized above the resilience pool so our pool is the
// binding constraint.
type Dialer struct {
	db *sqlx.DB
}

// Dial satisfies pool.Dialer.
func (d *Dialer) Dial(ctx context.Context) (pool.Conn, error) {
	conn, err := d.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}
