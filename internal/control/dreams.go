// Package control wires the application together: stores, the resilience
// layer, monitoring, recovery and the consolidation pipeline, with one
// lifecycle for the whole process.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/config"
	"github.com/Ladvien/codex-dreams-sub001/internal/core/domain"
	"github.com/Ladvien/codex-dreams-sub001/internal/infra/cache"
	"github.com/Ladvien/codex-dreams-sub001/internal/infra/ollama"
	"github.com/Ladvien/codex-dreams-sub001/internal/infra/procman"
	"github.com/Ladvien/codex-dreams-sub001/internal/infra/sqlstore"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/health"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/recovery"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/resources"
	"github.com/Ladvien/codex-dreams-sub001/internal/pipeline"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/breaker"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/dlq"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/errsink"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/executor"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/pool"
)

// Service names used across probes, breakers and recovery rules.
const (
	ServiceDB        = "db"
	ServiceAnalytics = "analytics"
	ServiceCache     = "cache"
	ServiceInference = "inference"
)

// Dreams is the application. Construct it once at startup; every component
// receives its dependencies explicitly.
type Dreams struct {
	cfg *config.AppConfig
	log *slog.Logger

	pg        *sqlstore.Postgres
	analytics *sqlstore.Analytics
	cache     *cache.Client
	inference *ollama.Client

	errorLog *lumberjack.Logger
	alertLog *lumberjack.Logger

	sink     *errsink.Sink
	pool     *pool.Pool
	guard    *resources.MemoryGuard
	exec     *executor.Executor
	breakers map[string]*breaker.Breaker

	queue   *dlq.Queue
	drainer *dlq.Drainer

	monitor  *health.Monitor
	alerts   *health.AlertManager
	server   *health.Server
	recovery *recovery.Controller

	runner    *pipeline.Runner
	stages    []pipeline.Stage
	scheduler *pipeline.Scheduler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full dependency graph. The cache and inference clients are
// optional: a missing Redis or a down inference service degrades enrichment,
// it never prevents startup.
func New(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*Dreams, error) {
	d := &Dreams{cfg: cfg, log: log}

	// 1. Stores.
	pg, err := sqlstore.OpenPostgres(ctx, cfg.Stores.PostgresURL, cfg.Resilience.MaxConnsPerStore)
	if err != nil {
		return nil, fmt.Errorf("failed to open source store: %w", err)
	}
	d.pg = pg

	analytics, err := sqlstore.OpenAnalytics(ctx, cfg.Stores.AnalyticsDB, cfg.Resilience.MaxConnsPerStore)
	if err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("failed to open analytics store: %w", err)
	}
	d.analytics = analytics

	// 2. Structured error path.
	d.errorLog = &lumberjack.Logger{
		Filename:   cfg.Logging.ErrorLogPath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: 3,
		Compress:   true,
	}
	d.alertLog = &lumberjack.Logger{
		Filename:   cfg.Logging.AlertLogPath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: 3,
		Compress:   true,
	}
	d.sink = errsink.New(cfg.Resilience.ErrorRingSize, d.errorLog, log)

	// 3. Resilience layer.
	sampler := resources.NewSystemSampler("/")
	d.guard = resources.NewMemoryGuard(sampler, cfg.Monitoring.MemoryLimitMB, 30*time.Second, log)

	d.pool = pool.New(cfg.Resilience, sampler, log)
	d.pool.RegisterBucket(pg.Key, pg.Dialer())
	d.pool.RegisterBucket(analytics.Key, analytics.Dialer())
	d.guard.Register(d.pool)

	d.breakers = map[string]*breaker.Breaker{
		ServiceDB:        breaker.New(ServiceDB, cfg.Resilience.BreakerThreshold, cfg.Resilience.BreakerOpenTimeout),
		ServiceAnalytics: breaker.New(ServiceAnalytics, cfg.Resilience.BreakerThreshold, cfg.Resilience.BreakerOpenTimeout),
		ServiceCache:     breaker.New(ServiceCache, cfg.Resilience.BreakerThreshold, cfg.Resilience.BreakerOpenTimeout),
		ServiceInference: breaker.New(ServiceInference, cfg.Resilience.BreakerThreshold, cfg.Resilience.BreakerOpenTimeout),
	}

	d.exec = executor.New(d.pool, d.sink, sampler, d.guard, cfg.Resilience, log)
	d.exec.RegisterStore(pg.Key, d.breakers[ServiceDB])
	d.exec.RegisterStore(analytics.Key, d.breakers[ServiceAnalytics])

	// 4. Dead letter queue, parked in the embedded store so it survives both
	// restarts and source-store outages.
	d.queue = dlq.New(analytics.DB, cfg.Resilience.DLQMaxRetries)
	d.drainer = dlq.NewDrainer(d.queue, d.redeliver, cfg.Resilience.DLQDrainInterval, cfg.Resilience.DLQRetryDelay, log)

	// 5. Optional collaborators.
	if cfg.Stores.RedisURL != "" {
		c, err := cache.New(cfg.Stores.RedisURL, cfg.Stores.CacheTTL)
		if err != nil {
			log.Warn("cache unavailable, enrichment runs uncached", "error", err)
		} else {
			d.cache = c
		}
	}
	if cfg.Inference.URL != "" {
		d.inference = ollama.New(cfg.Inference.URL, cfg.Inference.Model, cfg.Inference.Timeout)
	}

	// 6. Pipeline.
	d.stages = pipeline.DefaultStages(pg.Key, analytics.Key)
	d.runner = pipeline.NewRunner(d.exec, d.queue, errsink.NewDegradationTable(), pipeline.Options{
		MaxRetries:    cfg.Resilience.MaxRetries,
		StepTimeout:   cfg.Resilience.QueryTimeout,
		DLQRetryDelay: cfg.Resilience.DLQRetryDelay,
	}, log)
	if cfg.Pipeline.EnrichmentEnabled && d.inference != nil {
		var insights pipeline.InsightCache
		if d.cache != nil {
			insights = d.cache
		}
		d.runner.WithEnrichment(d.inference, insights)
	}
	if d.cache != nil {
		d.runner.WithLocks(d.cache)
	}
	scheduler, err := pipeline.NewScheduler(d.runner, d.stages, cfg.Pipeline, log)
	if err != nil {
		_ = d.closeStores()
		return nil, err
	}
	d.scheduler = scheduler

	// 7. Monitoring.
	d.alerts = health.NewAlertManager(d.alertLog, cfg.Monitoring.AlertWebhookURL, log)
	d.monitor = health.NewMonitor(d.buildProbes(), sampler, d.alerts, cfg.Monitoring, log)
	d.server = health.NewServer(d.monitor, d.alerts, cfg.Server.Host, cfg.Server.Port)

	// 8. Recovery.
	services := procman.NewSystemd(map[string]string{
		ServiceInference: "ollama.service",
	}, log)
	targets := &recovery.Targets{
		Pool:     d.pool,
		Breakers: d.breakers,
		Logs:     []recovery.LogRotator{d.errorLog, d.alertLog},
		Services: services,
		Sink:     d.sink,
	}
	if d.cache != nil {
		targets.Cache = d.cache
	}
	d.recovery = recovery.NewController(d.recoveryRules(), targets, d.monitor.Latest, cfg.Recovery, log)

	return d, nil
}

// buildProbes shares breaker instances with the executor so probe results and
// query failures feed one state machine per dependency.
func (d *Dreams) buildProbes() []health.Probe {
	probes := []health.Probe{
		{Service: ServiceDB, Check: d.pg.Health, Breaker: d.breakers[ServiceDB]},
		{Service: ServiceAnalytics, Check: d.analytics.Health, Breaker: d.breakers[ServiceAnalytics]},
	}
	if d.cache != nil {
		probes = append(probes, health.Probe{Service: ServiceCache, Check: d.cache.Ping, Breaker: d.breakers[ServiceCache]})
	}
	if d.inference != nil {
		probes = append(probes, health.Probe{Service: ServiceInference, Check: d.inference.Ping, Breaker: d.breakers[ServiceInference]})
	}
	return probes
}

func (d *Dreams) recoveryRules() []recovery.Rule {
	return []recovery.Rule{
		{
			Service:    ServiceDB,
			Actions:    []recovery.ActionKind{recovery.ActionResetConnections, recovery.ActionResetBreaker},
			Escalation: []recovery.ActionKind{recovery.ActionEscalate},
		},
		{
			Service:    ServiceAnalytics,
			Actions:    []recovery.ActionKind{recovery.ActionResetConnections, recovery.ActionResetBreaker},
			Escalation: []recovery.ActionKind{recovery.ActionEscalate},
		},
		{
			Service:    ServiceCache,
			Actions:    []recovery.ActionKind{recovery.ActionFlushCache, recovery.ActionResetBreaker},
			Escalation: []recovery.ActionKind{recovery.ActionEscalate},
		},
		{
			Service:    ServiceInference,
			Actions:    []recovery.ActionKind{recovery.ActionRestartService, recovery.ActionResetBreaker},
			Escalation: []recovery.ActionKind{recovery.ActionTerminate, recovery.ActionEscalate},
		},
		{
			Service:    "memory",
			Actions:    []recovery.ActionKind{recovery.ActionFreeMemory},
			Escalation: []recovery.ActionKind{recovery.ActionEscalate},
		},
		{
			Service:    "disk",
			Actions:    []recovery.ActionKind{recovery.ActionRotateLogs},
			Escalation: []recovery.ActionKind{recovery.ActionEscalate},
		},
	}
}

// redeliver re-runs a parked operation against its original store.
func (d *Dreams) redeliver(ctx context.Context, msg domain.DeadLetterMessage) error {
	timeout := d.cfg.Resilience.QueryTimeout

	// Transaction payloads are arrays of operations, single steps are objects.
	var ops []executor.Operation
	if err := json.Unmarshal(msg.Payload, &ops); err == nil && len(ops) > 0 {
		res := d.exec.ExecuteTransaction(ctx, d.analytics.Key, ops, 0, timeout)
		if !res.Success {
			return errors.New(res.ErrorMessage)
		}
		return nil
	}

	var op struct {
		SQL   string `json:"sql"`
		Args  []any  `json:"args"`
		Store string `json:"store"`
	}
	if err := json.Unmarshal(msg.Payload, &op); err != nil {
		return fmt.Errorf("bad config: unreadable dead letter payload: %w", err)
	}
	if op.SQL == "" {
		return fmt.Errorf("bad config: dead letter %s has no operation", msg.ID)
	}

	key := d.analytics.Key
	if op.Store == d.pg.Key.String() {
		key = d.pg.Key
	}
	res := d.exec.Execute(ctx, key, op.SQL, op.Args, 0, timeout)
	if !res.Success {
		return errors.New(res.ErrorMessage)
	}
	return nil
}

// Start launches every background loop. Non-blocking.
func (d *Dreams) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	go func() {
		if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("health server stopped", "error", err)
		}
	}()

	d.spawn(func() { d.monitor.Run(ctx) })
	d.spawn(func() { d.guard.Run(ctx) })
	d.spawn(func() { d.pool.RunSweeper(ctx) })
	d.spawn(func() { d.recovery.Run(ctx) })
	d.spawn(func() { d.drainer.Run(ctx) })
	d.spawn(func() { d.reenableLoop(ctx) })

	d.scheduler.Start()
	d.log.Info("application started",
		"port", d.cfg.Server.Port,
		"safety_level", d.cfg.Resilience.SafetyLevel,
		"stages", len(d.stages),
	)
	return nil
}

func (d *Dreams) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// reenableLoop re-admits disabled stages once the system is healthy again.
// Degradation is per-stage but recovery is global: a clean comprehensive
// check means every dependency answered, so nothing needs to stay off.
func (d *Dreams) reenableLoop(ctx context.Context) {
	interval := d.cfg.Monitoring.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			disabled := d.runner.Disabled()
			if len(disabled) == 0 {
				continue
			}
			if d.monitor.Summarize().Status != health.StatusHealthy {
				continue
			}
			for stage, reason := range disabled {
				d.log.Info("re-enabling stage", "stage", stage, "was_disabled_for", reason)
				d.runner.EnableStage(stage)
			}
		}
	}
}

// Stop shuts everything down: scheduler first so no new stage runs start,
// then the loops, then the serving and storage layers.
func (d *Dreams) Stop(ctx context.Context) error {
	d.log.Info("stopping application")

	d.scheduler.Stop()
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("background loops did not stop in time")
	}

	if err := d.server.Stop(ctx); err != nil {
		d.log.Warn("failed to stop health server", "error", err)
	}
	return d.closeStores()
}

func (d *Dreams) closeStores() error {
	var firstErr error
	if d.cache != nil {
		if err := d.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.inference != nil {
		_ = d.inference.Close()
	}
	if err := d.analytics.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.pg.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
