package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/domain"
)

// Redeliver re-attempts a parked operation against its original target.
type Redeliver func(ctx context.Context, msg domain.DeadLetterMessage) error

// Drainer periodically re-admits eligible dead letters. A successful
// redelivery marks the message recovered; a failed one re-enqueues it with the
// gate pushed forward, and once the budget is spent the drainer marks the
// message permanently failed so it drops out of candidate scans for good.
type Drainer struct {
	queue      *Queue
	redeliver  Redeliver
	interval   time.Duration
	retryDelay time.Duration
	log        *slog.Logger
}

func NewDrainer(queue *Queue, redeliver Redeliver, interval, retryDelay time.Duration, log *slog.Logger) *Drainer {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Minute
	}
	return &Drainer{
		queue:      queue,
		redeliver:  redeliver,
		interval:   interval,
		retryDelay: retryDelay,
		log:        log,
	}
}

// Run blocks until ctx is cancelled, draining on a fixed cadence.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce processes the current candidate set, then sweeps messages whose
// budget ran out into PERMANENT_FAILURE.
func (d *Drainer) DrainOnce(ctx context.Context) {
	candidates, err := d.queue.RetryCandidates(ctx)
	if err != nil {
		d.log.Error("failed to load dead letter candidates", "error", err)
		return
	}

	for _, msg := range candidates {
		if ctx.Err() != nil {
			return
		}
		if err := d.redeliver(ctx, msg); err != nil {
			d.log.Warn("dead letter redelivery failed",
				"id", msg.ID,
				"failure_count", msg.FailureCount,
				"error", err,
			)
			kind := domain.Classify(err)
			if enqErr := d.queue.Enqueue(ctx, msg.ID, msg.Operation, msg.Payload, kind, err.Error(), d.retryDelay); enqErr != nil {
				d.log.Error("failed to re-enqueue dead letter", "id", msg.ID, "error", enqErr)
			}
			continue
		}
		if err := d.queue.MarkSuccess(ctx, msg.ID); err != nil {
			d.log.Error("failed to mark dead letter recovered", "id", msg.ID, "error", err)
			continue
		}
		d.log.Info("dead letter recovered", "id", msg.ID, "operation", msg.Operation)
	}

	d.sweepExhausted(ctx)
}

func (d *Drainer) sweepExhausted(ctx context.Context) {
	exhausted, err := d.queue.Exhausted(ctx)
	if err != nil {
		d.log.Error("failed to load exhausted dead letters", "error", err)
		return
	}
	for _, msg := range exhausted {
		if err := d.queue.MarkPermanentFailure(ctx, msg.ID); err != nil {
			d.log.Error("failed to mark dead letter permanent", "id", msg.ID, "error", err)
			continue
		}
		d.log.Error("dead letter permanently failed",
			"id", msg.ID,
			"operation", msg.Operation,
			"failure_count", msg.FailureCount,
			"error_kind", msg.ErrorKind,
		)
	}
}
