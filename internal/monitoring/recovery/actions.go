// Package recovery turns sustained bad health into remediation: reset the
// pools, flush the cache, rotate logs, free memory, restart the service —
// and when automated attempts run out, escalate for a human.
package recovery

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/domain"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/breaker"
)

// ActionKind enumerates the remediation actions a rule can run. Execution is
// a switch over this enum; adding an action means adding a case.
type ActionKind string

const (
	ActionResetConnections ActionKind = "reset_connections"
	ActionResetBreaker     ActionKind = "reset_breaker"
	ActionFlushCache       ActionKind = "flush_cache"
	ActionRotateLogs       ActionKind = "rotate_logs"
	ActionFreeMemory       ActionKind = "free_memory"
	ActionRestartService   ActionKind = "restart_service"
	ActionTerminate        ActionKind = "terminate_process"
	ActionEscalate         ActionKind = "escalate"
)

// Rule binds one monitored service to its normal and escalation action sets.
// The three gating knobs are per-rule so a flaky disk and a flaky database can
// be tuned independently; zero values fall back to the controller config.
type Rule struct {
	Service    string
	Actions    []ActionKind
	Escalation []ActionKind

	FailureThreshold   int
	Cooldown           time.Duration
	MaxAttemptsPerHour int
}

// PoolResetter tears down a store's pooled connections so the next caller
// dials fresh.
type PoolResetter interface {
	ResetAll() int
	TrimIdle(min int) int
}

// CacheFlusher drops cached entries suspected of being stale or corrupt.
type CacheFlusher interface {
	Flush(ctx context.Context) error
}

// LogRotator forces a rotation of an append-only log file.
type LogRotator interface {
	Rotate() error
}

// ServiceManager restarts or terminates a managed external process. The
// inference service is the usual customer.
type ServiceManager interface {
	Restart(ctx context.Context, service string) error
	Terminate(ctx context.Context, service string) error
}

// EventRecorder receives the escalation event when automation gives up.
type EventRecorder interface {
	LogEvent(event domain.ErrorEvent) domain.ErrorEvent
}

// Targets holds the collaborators actions operate on. Any field may be nil;
// an action whose target is missing fails without aborting the rest of the
// action set.
type Targets struct {
	Pool     PoolResetter
	Breakers map[string]*breaker.Breaker
	Cache    CacheFlusher
	Logs     []LogRotator
	Services ServiceManager
	Sink     EventRecorder
}

// execute runs one action against one service. Returns an error when the
// action could not run or its target rejected it.
func (t *Targets) execute(ctx context.Context, service string, kind ActionKind) error {
	switch kind {
	case ActionResetConnections:
		if t.Pool == nil {
			return fmt.Errorf("no connection pool wired")
		}
		t.Pool.ResetAll()
		return nil

	case ActionResetBreaker:
		br, ok := t.Breakers[service]
		if !ok {
			return fmt.Errorf("no breaker registered for %s", service)
		}
		br.Reset()
		return nil

	case ActionFlushCache:
		if t.Cache == nil {
			return fmt.Errorf("no cache wired")
		}
		return t.Cache.Flush(ctx)

	case ActionRotateLogs:
		if len(t.Logs) == 0 {
			return fmt.Errorf("no rotatable logs wired")
		}
		var firstErr error
		for _, l := range t.Logs {
			if err := l.Rotate(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr

	case ActionFreeMemory:
		runtime.GC()
		debug.FreeOSMemory()
		if t.Pool != nil {
			t.Pool.TrimIdle(1)
		}
		return nil

	case ActionRestartService:
		if t.Services == nil {
			return fmt.Errorf("no service manager wired")
		}
		return t.Services.Restart(ctx, service)

	case ActionTerminate:
		if t.Services == nil {
			return fmt.Errorf("no service manager wired")
		}
		return t.Services.Terminate(ctx, service)

	case ActionEscalate:
		if t.Sink == nil {
			return fmt.Errorf("no event recorder wired")
		}
		t.Sink.LogEvent(domain.ErrorEvent{
			Kind:      domain.KindServiceUnavailable,
			Component: service,
			Operation: "recovery_escalation",
			Message:   fmt.Sprintf("automated recovery exhausted for %s: manual intervention required", service),
			Severity:  domain.SeverityCritical,
		})
		return nil

	default:
		return fmt.Errorf("unknown recovery action: %s", kind)
	}
}
