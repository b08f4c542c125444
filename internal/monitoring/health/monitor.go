package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/config"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/metrics"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/resources"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/breaker"
)

const historyLimit = 1000

// Probe is one connectivity check against an external dependency. The breaker
// is the same instance the query path uses, so a dependency that trips during
// queries shows up here immediately and a probe failure counts toward opening.
type Probe struct {
	Service string
	Check   func(ctx context.Context) error
	Breaker *breaker.Breaker
}

// Monitor runs periodic comprehensive checks across all dependencies plus the
// host's own resources, caching results so the read API never blocks on a
// live probe.
type Monitor struct {
	probes  []Probe
	sampler resources.Sampler
	cfg     config.MonitoringConfig
	alerts  *AlertManager
	log     *slog.Logger

	mu      sync.RWMutex
	latest  map[string]CheckResult
	history []CheckResult
}

func NewMonitor(probes []Probe, sampler resources.Sampler, alerts *AlertManager, cfg config.MonitoringConfig, log *slog.Logger) *Monitor {
	return &Monitor{
		probes:  probes,
		sampler: sampler,
		cfg:     cfg,
		alerts:  alerts,
		log:     log,
		latest:  make(map[string]CheckResult),
	}
}

// Run blocks until ctx is cancelled, probing on the configured cadence.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	// One immediate pass so the API has data before the first tick.
	m.RunComprehensiveCheck(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunComprehensiveCheck(ctx)
		}
	}
}

// RunComprehensiveCheck probes every dependency and the host resources,
// updates the cached results, and feeds the alert lifecycle.
func (m *Monitor) RunComprehensiveCheck(ctx context.Context) map[string]CheckResult {
	results := make(map[string]CheckResult)

	for _, p := range m.probes {
		results[p.Service] = m.runProbe(ctx, p)
	}
	for _, r := range m.resourceResults() {
		results[r.Service] = r
	}

	m.mu.Lock()
	m.latest = results
	for _, r := range results {
		m.history = append(m.history, r)
	}
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.mu.Unlock()

	for service, r := range results {
		metrics.HealthStatus.WithLabelValues(service).Set(float64(r.Status.rank()))
		if m.alerts != nil {
			m.alerts.Observe(service, r)
		}
	}
	return results
}

// runProbe derives connectivity status from the breaker state: an open breaker
// is CRITICAL without even attempting the call, a failed call through a closed
// breaker is UNHEALTHY.
func (m *Monitor) runProbe(ctx context.Context, p Probe) CheckResult {
	start := time.Now()
	result := CheckResult{
		Service:   p.Service,
		Status:    StatusHealthy,
		CheckedAt: start,
	}

	var err error
	if p.Breaker != nil {
		err = p.Breaker.Do(func() error { return p.Check(ctx) })
	} else {
		err = p.Check(ctx)
	}
	result.LatencyMS = float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		result.Error = err.Error()
		if p.Breaker != nil && p.Breaker.State() == breaker.StateOpen {
			result.Status = StatusCritical
		} else {
			result.Status = StatusUnhealthy
		}
	}
	return result
}

// resourceResults derives threshold-band statuses for cpu, memory and disk.
func (m *Monitor) resourceResults() []CheckResult {
	if m.sampler == nil {
		return nil
	}
	now := time.Now()
	snap, err := m.sampler.Sample()
	if err != nil {
		m.log.Warn("resource sample failed", "error", err)
		return []CheckResult{{
			Service:   "resources",
			Status:    StatusUnknown,
			Error:     err.Error(),
			CheckedAt: now,
		}}
	}

	band := func(service string, pct, degraded, critical float64) CheckResult {
		r := CheckResult{
			Service:   service,
			Status:    StatusHealthy,
			Details:   map[string]any{"percent": pct},
			CheckedAt: now,
		}
		switch {
		case critical > 0 && pct >= critical:
			r.Status = StatusCritical
			r.Error = fmt.Sprintf("%s at %.1f%% (critical threshold %.1f%%)", service, pct, critical)
		case degraded > 0 && pct >= degraded:
			r.Status = StatusDegraded
			r.Error = fmt.Sprintf("%s at %.1f%% (degraded threshold %.1f%%)", service, pct, degraded)
		}
		return r
	}

	return []CheckResult{
		band("cpu", snap.CPUPercent, m.cfg.CPUDegradedPct, m.cfg.CPUCriticalPct),
		band("memory", snap.MemoryPercent, m.cfg.MemoryDegradedPct, m.cfg.MemoryCriticalPct),
		band("disk", snap.DiskPercent, m.cfg.DiskDegradedPct, m.cfg.DiskCriticalPct),
	}
}

// Latest returns a copy of the most recent results.
func (m *Monitor) Latest() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out
}

// Service returns the latest result for one service.
func (m *Monitor) Service(name string) (CheckResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.latest[name]
	return r, ok
}

// Summarize folds the latest results into the aggregate summary.
func (m *Monitor) Summarize() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		Status:            StatusHealthy,
		CheckedAt:         time.Now(),
		UnhealthyServices: []UnhealthyService{},
	}
	if len(m.latest) == 0 {
		s.Status = StatusUnknown
		return s
	}

	for _, r := range m.latest {
		s.Status = s.Status.Worse(r.Status)
		if r.Status != StatusHealthy {
			s.UnhealthyServices = append(s.UnhealthyServices, UnhealthyService{
				Service: r.Service,
				Status:  r.Status,
				Error:   r.Error,
			})
		}
		if r.CheckedAt.Before(s.CheckedAt) {
			s.CheckedAt = r.CheckedAt
		}
	}
	sort.Slice(s.UnhealthyServices, func(i, j int) bool {
		return s.UnhealthyServices[i].Service < s.UnhealthyServices[j].Service
	})
	return s
}
