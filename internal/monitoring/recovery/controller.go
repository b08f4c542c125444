package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/config"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/health"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/metrics"
)

// interActionPause separates sequential actions so a pool reset settles
// before the next action probes its effect.
const interActionPause = 500 * time.Millisecond

// serviceState tracks one service's failure streak and recovery attempts.
type serviceState struct {
	streak       int
	lastRecovery time.Time
	attempts     []time.Time
}

// Controller evaluates health results on a timer and applies recovery rules.
// Three knobs gate every action set: a failure streak threshold, a cooldown
// since the last attempt, and a rolling one-hour attempt cap that switches
// the controller from remediation to escalation.
type Controller struct {
	rules   map[string]Rule
	targets *Targets
	latest  func() map[string]health.CheckResult
	cfg     config.RecoveryConfig
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state map[string]*serviceState
}

func NewController(rules []Rule, targets *Targets, latest func() map[string]health.CheckResult, cfg config.RecoveryConfig, log *slog.Logger) *Controller {
	byService := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byService[r.Service] = r
	}
	return &Controller{
		rules:   byService,
		targets: targets,
		latest:  latest,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		state:   make(map[string]*serviceState),
	}
}

// Run blocks until ctx is cancelled, evaluating on the configured cadence.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate(ctx)
		}
	}
}

// Evaluate reads the latest health results and applies each service's rule.
func (c *Controller) Evaluate(ctx context.Context) {
	results := c.latest()
	for service, rule := range c.rules {
		result, ok := results[service]
		if !ok {
			continue
		}
		c.evaluateService(ctx, rule, result)
	}
}

func (c *Controller) evaluateService(ctx context.Context, rule Rule, result health.CheckResult) {
	c.mu.Lock()
	st, ok := c.state[rule.Service]
	if !ok {
		st = &serviceState{}
		c.state[rule.Service] = st
	}

	if result.Status != health.StatusUnhealthy && result.Status != health.StatusCritical {
		st.streak = 0
		c.mu.Unlock()
		return
	}

	st.streak++
	now := c.now()

	// Per-rule knobs win; the controller config is the fallback.
	threshold := rule.FailureThreshold
	if threshold <= 0 {
		threshold = c.cfg.FailureThreshold
	}
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = c.cfg.Cooldown
	}
	attemptCap := rule.MaxAttemptsPerHour
	if attemptCap <= 0 {
		attemptCap = c.cfg.MaxAttemptsPerHour
	}

	if st.streak < threshold {
		c.mu.Unlock()
		return
	}
	if !st.lastRecovery.IsZero() && now.Sub(st.lastRecovery) < cooldown {
		c.mu.Unlock()
		return
	}

	// Prune attempts outside the rolling hour.
	cutoff := now.Add(-time.Hour)
	kept := st.attempts[:0]
	for _, t := range st.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.attempts = kept

	escalate := attemptCap > 0 && len(st.attempts) >= attemptCap
	if !escalate {
		st.attempts = append(st.attempts, now)
	}
	st.lastRecovery = now
	streak := st.streak
	c.mu.Unlock()

	actions := rule.Actions
	mode := "recovery"
	if escalate {
		actions = rule.Escalation
		mode = "escalation"
	}

	c.log.Warn("running recovery actions",
		"service", rule.Service,
		"mode", mode,
		"streak", streak,
		"status", result.Status,
		"dry_run", c.cfg.DryRun,
	)
	c.runActions(ctx, rule.Service, actions)
}

// runActions executes an action set sequentially. One action's failure never
// aborts the rest of the set.
func (c *Controller) runActions(ctx context.Context, service string, actions []ActionKind) {
	for i, kind := range actions {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && !c.cfg.DryRun {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interActionPause):
			}
		}

		if c.cfg.DryRun {
			c.log.Info("dry run: would execute recovery action",
				"service", service, "action", kind)
			metrics.RecoveryActions.WithLabelValues(service, string(kind), "dry_run").Inc()
			continue
		}

		err := c.targets.execute(ctx, service, kind)
		outcome := "success"
		if err != nil {
			outcome = "failure"
			c.log.Error("recovery action failed",
				"service", service, "action", kind, "error", err)
		} else {
			c.log.Info("recovery action executed",
				"service", service, "action", kind)
		}
		metrics.RecoveryActions.WithLabelValues(service, string(kind), outcome).Inc()
	}
}
