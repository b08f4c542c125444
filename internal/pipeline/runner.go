package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/domain"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/metrics"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/errsink"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/executor"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/pool"
)

// QueryExecutor is the slice of the executor the runner needs.
type QueryExecutor interface {
	Execute(ctx context.Context, key pool.Key, operation string, params []any, maxRetries int, timeout time.Duration) executor.Result
	ExecuteTransaction(ctx context.Context, key pool.Key, ops []executor.Operation, maxRetries int, timeout time.Duration) executor.Result
}

// DeadLetters receives critical operations that exhausted their retries.
type DeadLetters interface {
	Enqueue(ctx context.Context, id, operation string, payload []byte, kind domain.ErrorKind, errMsg string, retryDelay time.Duration) error
}

// Enricher generates a semantic category for a consolidated memory.
type Enricher interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// InsightCache caches enrichment output by content hash.
type InsightCache interface {
	GetInsight(ctx context.Context, contentHash string) (string, bool, error)
	PutInsight(ctx context.Context, contentHash, insight string) error
}

// StageLocker prevents overlapping runs of the same stage.
type StageLocker interface {
	AcquireStageLock(ctx context.Context, stage string, ttl time.Duration) (bool, error)
	ReleaseStageLock(ctx context.Context, stage string) error
}

// Options tune the runner. DLQ, Enricher, Insights and Locks may all be nil;
// the runner skips what it cannot do.
type Options struct {
	MaxRetries    int
	StepTimeout   time.Duration
	DLQRetryDelay time.Duration
}

// Runner executes stages through the fault-tolerant layer and applies the
// degradation policy per stage: disable just the broken stage, skip just the
// failing batch, fall back to unenriched rows, or halt the whole run.
type Runner struct {
	exec     QueryExecutor
	dlq      DeadLetters
	table    *errsink.DegradationTable
	enricher Enricher
	insights InsightCache
	locks    StageLocker
	opts     Options
	log      *slog.Logger

	mu       sync.Mutex
	disabled map[string]string // stage -> reason
}

func NewRunner(exec QueryExecutor, dlq DeadLetters, table *errsink.DegradationTable, opts Options, log *slog.Logger) *Runner {
	if table == nil {
		table = errsink.NewDegradationTable()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.DLQRetryDelay <= 0 {
		opts.DLQRetryDelay = 5 * time.Minute
	}
	return &Runner{
		exec:     exec,
		dlq:      dlq,
		table:    table,
		opts:     opts,
		log:      log,
		disabled: make(map[string]string),
	}
}

// WithEnrichment wires the inference client and its cache.
func (r *Runner) WithEnrichment(enricher Enricher, insights InsightCache) *Runner {
	r.enricher = enricher
	r.insights = insights
	return r
}

// WithLocks wires the distributed stage mutex.
func (r *Runner) WithLocks(locks StageLocker) *Runner {
	r.locks = locks
	return r
}

// RunStage executes one stage end to end. The returned error is non-nil only
// for halting failures; degraded or skipped runs return nil after logging.
func (r *Runner) RunStage(ctx context.Context, stage Stage) error {
	if reason, off := r.isDisabled(stage.Name); off {
		r.log.Warn("stage disabled, skipping", "stage", stage.Name, "reason", reason)
		metrics.StageRuns.WithLabelValues(stage.Name, "skipped").Inc()
		return nil
	}

	if r.locks != nil {
		ok, err := r.locks.AcquireStageLock(ctx, stage.Name, 2*r.opts.StepTimeout)
		if err != nil {
			// A dead lock service must not stop the pipeline; run unlocked.
			r.log.Warn("stage lock unavailable, running unlocked", "stage", stage.Name, "error", err)
		} else if !ok {
			r.log.Info("stage already running elsewhere, skipping", "stage", stage.Name)
			metrics.StageRuns.WithLabelValues(stage.Name, "skipped").Inc()
			return nil
		} else {
			defer func() {
				if err := r.locks.ReleaseStageLock(context.WithoutCancel(ctx), stage.Name); err != nil {
					r.log.Warn("failed to release stage lock", "stage", stage.Name, "error", err)
				}
			}()
		}
	}

	start := time.Now()
	if err := r.runStageBody(ctx, stage); err != nil {
		metrics.StageRuns.WithLabelValues(stage.Name, "failure").Inc()
		return err
	}

	if stage.Enrich && r.enricher != nil {
		r.enrich(ctx, stage)
	}

	metrics.StageRuns.WithLabelValues(stage.Name, "success").Inc()
	r.log.Info("stage complete", "stage", stage.Name, "elapsed", time.Since(start))
	return nil
}

func (r *Runner) runStageBody(ctx context.Context, stage Stage) error {
	for _, tr := range stage.Transfers {
		if halt, err := r.runTransfer(ctx, stage, tr); halt {
			return err
		}
	}

	if stage.Atomic {
		return r.runAtomicSteps(ctx, stage)
	}

	for _, step := range stage.Steps {
		res := r.exec.Execute(ctx, step.Store, step.SQL, step.Args, r.opts.MaxRetries, r.opts.StepTimeout)
		if !res.Success {
			if halt := r.handleFailure(ctx, stage, step.Name, step.Store, step.SQL, step.Args, res); halt {
				return fmt.Errorf("stage %s halted at step %s: %s", stage.Name, step.Name, res.ErrorMessage)
			}
		}
	}
	return nil
}

// runAtomicSteps groups the stage's steps per store into one transaction each.
func (r *Runner) runAtomicSteps(ctx context.Context, stage Stage) error {
	byStore := make(map[pool.Key][]executor.Operation)
	var order []pool.Key
	for _, step := range stage.Steps {
		if _, seen := byStore[step.Store]; !seen {
			order = append(order, step.Store)
		}
		byStore[step.Store] = append(byStore[step.Store], executor.Operation{SQL: step.SQL, Args: step.Args})
	}

	for _, key := range order {
		ops := byStore[key]
		res := r.exec.ExecuteTransaction(ctx, key, ops, r.opts.MaxRetries, r.opts.StepTimeout)
		if !res.Success {
			payload, _ := json.Marshal(ops)
			if halt := r.handleFailureRaw(ctx, stage, "transaction", key, string(payload), res); halt {
				return fmt.Errorf("stage %s transaction halted: %s", stage.Name, res.ErrorMessage)
			}
		}
	}
	return nil
}

// runTransfer streams rows from one store into another, one insert per row.
// Returns halt=true when the stage must stop.
func (r *Runner) runTransfer(ctx context.Context, stage Stage, tr Transfer) (bool, error) {
	res := r.exec.Execute(ctx, tr.From, tr.Query, nil, r.opts.MaxRetries, r.opts.StepTimeout)
	if !res.Success {
		if halt := r.handleFailure(ctx, stage, tr.Name, tr.From, tr.Query, nil, res); halt {
			return true, fmt.Errorf("stage %s halted at transfer %s: %s", stage.Name, tr.Name, res.ErrorMessage)
		}
		return false, nil
	}

	for _, row := range res.Rows {
		args := make([]any, len(tr.Columns))
		for i, col := range tr.Columns {
			args[i] = row[col]
		}
		ins := r.exec.Execute(ctx, tr.To, tr.Insert, args, r.opts.MaxRetries, r.opts.StepTimeout)
		if !ins.Success {
			if halt := r.handleFailure(ctx, stage, tr.Name, tr.To, tr.Insert, args, ins); halt {
				return true, fmt.Errorf("stage %s halted at transfer %s: %s", stage.Name, tr.Name, ins.ErrorMessage)
			}
			// Per-row failures degrade to skipping the row, not the batch.
		}
	}
	return false, nil
}

// handleFailure applies the degradation policy to one failed step and, for
// critical stages, parks the operation in the dead letter queue.
func (r *Runner) handleFailure(ctx context.Context, stage Stage, stepName string, store pool.Key, sql string, args []any, res executor.Result) bool {
	payload, _ := json.Marshal(map[string]any{"sql": sql, "args": args, "store": store.String()})
	return r.handleFailureRaw(ctx, stage, stepName, store, string(payload), res)
}

func (r *Runner) handleFailureRaw(ctx context.Context, stage Stage, stepName string, store pool.Key, payload string, res executor.Result) bool {
	if stage.Critical && r.dlq != nil {
		id := fmt.Sprintf("%s/%s", stage.Name, stepName)
		if err := r.dlq.Enqueue(ctx, id, stepName, []byte(payload), res.ErrorKind, res.ErrorMessage, r.opts.DLQRetryDelay); err != nil {
			r.log.Error("failed to park critical operation", "stage", stage.Name, "step", stepName, "error", err)
		}
	}

	action := r.table.Decide(res.ErrorKind, store.Kind)
	r.log.Warn("stage step failed",
		"stage", stage.Name,
		"step", stepName,
		"kind", res.ErrorKind,
		"action", action,
		"error", res.ErrorMessage,
	)

	switch action {
	case errsink.DegradeHalt:
		return true
	case errsink.DegradeDisableStage:
		r.disable(stage.Name, fmt.Sprintf("%s at step %s", res.ErrorKind, stepName))
		return true
	default:
		// skip_batch and use_fallback both continue with the next step.
		return false
	}
}

// enrich fills missing semantic categories on freshly consolidated rows.
// Inference failures fall back to leaving rows unenriched; the next run
// picks them up again.
func (r *Runner) enrich(ctx context.Context, stage Stage) {
	analytics := stage.Steps[0].Store
	res := r.exec.Execute(ctx, analytics,
		`SELECT memory_id, content FROM consolidated_memories WHERE semantic_category IS NULL LIMIT 50`,
		nil, r.opts.MaxRetries, r.opts.StepTimeout)
	if !res.Success {
		r.log.Warn("enrichment scan failed", "stage", stage.Name, "error", res.ErrorMessage)
		return
	}

	for _, row := range res.Rows {
		id, _ := row["memory_id"].(string)
		content, _ := row["content"].(string)
		if id == "" || content == "" {
			continue
		}

		category, err := r.categorize(ctx, content)
		if err != nil {
			r.log.Warn("enrichment fallback: rows stay uncategorized", "stage", stage.Name, "error", err)
			return
		}

		upd := r.exec.Execute(ctx, analytics,
			`UPDATE consolidated_memories SET semantic_category = ? WHERE memory_id = ?`,
			[]any{category, id}, r.opts.MaxRetries, r.opts.StepTimeout)
		if !upd.Success {
			r.log.Warn("failed to store enrichment", "memory_id", id, "error", upd.ErrorMessage)
		}
	}
}

func (r *Runner) categorize(ctx context.Context, content string) (string, error) {
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	if r.insights != nil {
		if cached, ok, err := r.insights.GetInsight(ctx, hash); err == nil && ok {
			return cached, nil
		}
	}

	prompt := fmt.Sprintf("Classify the following memory into a single short semantic category (one or two words):\n\n%s", content)
	category, err := r.enricher.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}

	if r.insights != nil {
		if err := r.insights.PutInsight(ctx, hash, category); err != nil {
			r.log.Debug("failed to cache insight", "error", err)
		}
	}
	return category, nil
}

func (r *Runner) disable(stage, reason string) {
	r.mu.Lock()
	r.disabled[stage] = reason
	r.mu.Unlock()
}

// EnableStage re-admits a disabled stage, typically after its dependency
// recovers.
func (r *Runner) EnableStage(stage string) {
	r.mu.Lock()
	delete(r.disabled, stage)
	r.mu.Unlock()
}

// Disabled returns the currently disabled stages and why.
func (r *Runner) Disabled() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.disabled))
	for k, v := range r.disabled {
		out[k] = v
	}
	return out
}

func (r *Runner) isDisabled(stage string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.disabled[stage]
	return reason, ok
}
