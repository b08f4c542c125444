// Package dlq is the durable parking lot for operations that exhausted their
// retry budget. Messages live in the embedded analytical store so they survive
// process restarts even when the primary database is the thing that failed.
package dlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/domain"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/metrics"
)

// Queue stores dead-lettered operations keyed by a caller-supplied message ID.
// Enqueue with an existing ID is an upsert that bumps failure_count, so the ID
// doubles as a dedup key across restarts.
type Queue struct {
	db         *sqlx.DB
	maxRetries int
	now        func() time.Time
}

func New(db *sqlx.DB, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{db: db, maxRetries: maxRetries, now: time.Now}
}

// Enqueue parks an operation for later re-admission. A new message starts with
// failure_count=0 — parking is not a failed re-attempt, so max_retries counts
// redeliveries only. Re-enqueueing the same ID increments the count and pushes
// retry_after forward. Terminal statuses are never resurrected by an upsert.
func (q *Queue) Enqueue(ctx context.Context, id, operation string, payload []byte, kind domain.ErrorKind, errMsg string, retryDelay time.Duration) error {
	if id == "" {
		return fmt.Errorf("dead letter message requires an id")
	}
	now := q.now().UTC()
	query := `
		INSERT INTO dead_letter_queue
			(message_id, original_operation, payload, error_kind, error_message, retry_after, failure_count, max_retries, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, 'PENDING', ?)
		ON CONFLICT (message_id) DO UPDATE SET
			failure_count = failure_count + 1,
			error_kind    = excluded.error_kind,
			error_message = excluded.error_message,
			retry_after   = excluded.retry_after
		WHERE dead_letter_queue.status = 'PENDING'
	`
	_, err := q.db.ExecContext(ctx, query,
		id, operation, payload, string(kind), errMsg,
		now.Add(retryDelay), q.maxRetries, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue dead letter %s: %w", id, err)
	}
	q.publishDepth(ctx)
	return nil
}

// RetryCandidates returns messages ready for re-admission: retry_after at or
// before now (a message becomes eligible the instant its gate expires), still
// PENDING, and with retry budget left. A message whose failure_count reached
// max_retries stays PENDING in the table but never appears here again; callers
// are expected to mark it permanent explicitly.
func (q *Queue) RetryCandidates(ctx context.Context) ([]domain.DeadLetterMessage, error) {
	query := `
		SELECT message_id, original_operation, payload, error_kind, error_message,
		       retry_after, failure_count, max_retries, status, created_at
		FROM dead_letter_queue
		WHERE status = 'PENDING'
		  AND retry_after <= ?
		  AND failure_count < max_retries
		ORDER BY retry_after ASC
	`
	var msgs []domain.DeadLetterMessage
	if err := q.db.SelectContext(ctx, &msgs, query, q.now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to scan retry candidates: %w", err)
	}
	return msgs, nil
}

// Exhausted returns PENDING messages that used up their retry budget and are
// waiting to be marked permanent.
func (q *Queue) Exhausted(ctx context.Context) ([]domain.DeadLetterMessage, error) {
	query := `
		SELECT message_id, original_operation, payload, error_kind, error_message,
		       retry_after, failure_count, max_retries, status, created_at
		FROM dead_letter_queue
		WHERE status = 'PENDING' AND failure_count >= max_retries
	`
	var msgs []domain.DeadLetterMessage
	if err := q.db.SelectContext(ctx, &msgs, query); err != nil {
		return nil, fmt.Errorf("failed to scan exhausted messages: %w", err)
	}
	return msgs, nil
}

// MarkSuccess records that a re-attempted operation finally went through.
func (q *Queue) MarkSuccess(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, domain.DeadLetterRecovered)
}

// MarkPermanentFailure takes a message out of circulation for good.
func (q *Queue) MarkPermanentFailure(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, domain.DeadLetterPermanentFailure)
}

func (q *Queue) setStatus(ctx context.Context, id string, status domain.DeadLetterStatus) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET status = ? WHERE message_id = ?`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter %s %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %s not found", id)
	}
	q.publishDepth(ctx)
	return nil
}

// Get fetches one message by ID regardless of status. Returns nil when absent.
func (q *Queue) Get(ctx context.Context, id string) (*domain.DeadLetterMessage, error) {
	query := `
		SELECT message_id, original_operation, payload, error_kind, error_message,
		       retry_after, failure_count, max_retries, status, created_at
		FROM dead_letter_queue
		WHERE message_id = ?
	`
	var msg domain.DeadLetterMessage
	err := q.db.GetContext(ctx, &msg, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter %s: %w", id, err)
	}
	return &msg, nil
}

// Depth counts PENDING messages.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var count int
	err := q.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE status = 'PENDING'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

func (q *Queue) publishDepth(ctx context.Context) {
	if depth, err := q.Depth(ctx); err == nil {
		metrics.DLQDepth.Set(float64(depth))
	}
}
