package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/config"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/resources"
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/breaker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Monitor
// =============================================================================

func TestMonitor_ProbeStatuses(t *testing.T) {
	okProbe := Probe{
		Service: "db",
		Check:   func(ctx context.Context) error { return nil },
		Breaker: breaker.New("db-probe", 100, time.Minute),
	}
	failProbe := Probe{
		Service: "cache",
		Check:   func(ctx context.Context) error { return errors.New("connection refused") },
		Breaker: breaker.New("cache-probe", 100, time.Minute),
	}
	openBreaker := breaker.New("inference-probe", 1, time.Minute)
	_ = openBreaker.Do(func() error { return errors.New("connection refused") })
	criticalProbe := Probe{
		Service: "inference",
		Check:   func(ctx context.Context) error { return nil },
		Breaker: openBreaker,
	}

	m := NewMonitor([]Probe{okProbe, failProbe, criticalProbe}, nil, nil, config.MonitoringConfig{}, testLogger())
	results := m.RunComprehensiveCheck(context.Background())

	if results["db"].Status != StatusHealthy {
		t.Errorf("expected db HEALTHY, got %s", results["db"].Status)
	}
	if results["cache"].Status != StatusUnhealthy {
		t.Errorf("expected cache UNHEALTHY, got %s", results["cache"].Status)
	}
	if results["inference"].Status != StatusCritical {
		t.Errorf("expected inference CRITICAL with open breaker, got %s", results["inference"].Status)
	}
}

func TestMonitor_ResourceBands(t *testing.T) {
	cfg := config.MonitoringConfig{
		CPUDegradedPct: 80, CPUCriticalPct: 95,
		MemoryDegradedPct: 80, MemoryCriticalPct: 90,
		DiskDegradedPct: 85, DiskCriticalPct: 95,
	}
	sampler := &resources.StaticSampler{Snap: resources.Snapshot{
		CPUPercent:    50,
		MemoryPercent: 85,
		DiskPercent:   96,
	}}

	m := NewMonitor(nil, sampler, nil, cfg, testLogger())
	results := m.RunComprehensiveCheck(context.Background())

	if results["cpu"].Status != StatusHealthy {
		t.Errorf("expected cpu HEALTHY at 50%%, got %s", results["cpu"].Status)
	}
	if results["memory"].Status != StatusDegraded {
		t.Errorf("expected memory DEGRADED at 85%%, got %s", results["memory"].Status)
	}
	if results["disk"].Status != StatusCritical {
		t.Errorf("expected disk CRITICAL at 96%%, got %s", results["disk"].Status)
	}
}

func TestMonitor_AggregateWorstWins(t *testing.T) {
	m := NewMonitor(nil, nil, nil, config.MonitoringConfig{}, testLogger())
	m.latest = map[string]CheckResult{
		"db":        {Service: "db", Status: StatusHealthy, CheckedAt: time.Now()},
		"cache":     {Service: "cache", Status: StatusDegraded, Error: "slow", CheckedAt: time.Now()},
		"inference": {Service: "inference", Status: StatusCritical, Error: "down", CheckedAt: time.Now()},
	}

	s := m.Summarize()
	if s.Status != StatusCritical {
		t.Errorf("expected aggregate CRITICAL, got %s", s.Status)
	}
	if len(s.UnhealthyServices) != 2 {
		t.Fatalf("expected 2 unhealthy services, got %v", s.UnhealthyServices)
	}
	// Sorted by name: cache before inference.
	if s.UnhealthyServices[0].Service != "cache" || s.UnhealthyServices[1].Service != "inference" {
		t.Errorf("unexpected unhealthy list: %v", s.UnhealthyServices)
	}
}

func TestMonitor_EmptyIsUnknown(t *testing.T) {
	m := NewMonitor(nil, nil, nil, config.MonitoringConfig{}, testLogger())
	if s := m.Summarize(); s.Status != StatusUnknown {
		t.Errorf("expected UNKNOWN before first check, got %s", s.Status)
	}
}

// =============================================================================
// Alerts
// =============================================================================

func TestAlertManager_Lifecycle(t *testing.T) {
	var buf strings.Builder
	a := NewAlertManager(&buf, "", testLogger())

	a.Observe("db", CheckResult{Service: "db", Status: StatusCritical, Error: "connection refused"})
	active := a.Active()
	if len(active) != 1 {
		t.Fatalf("expected 1 active alert, got %d", len(active))
	}
	if active[0].Severity != AlertCritical {
		t.Errorf("CRITICAL status must raise a critical alert, got %s", active[0].Severity)
	}

	// A second bad check must not duplicate the alert.
	a.Observe("db", CheckResult{Service: "db", Status: StatusCritical, Error: "connection refused"})
	if len(a.Active()) != 1 {
		t.Error("repeated failures must not raise duplicate alerts")
	}

	a.Observe("db", CheckResult{Service: "db", Status: StatusHealthy})
	if len(a.Active()) != 0 {
		t.Error("expected alert resolved")
	}
	recent := a.Recent()
	if len(recent) != 1 || !recent[0].Resolved || recent[0].ResolvedAt == nil {
		t.Fatalf("expected resolved alert in history, got %v", recent)
	}

	// Two JSONL lines: the raise and the resolve.
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	for _, line := range lines {
		var alert SystemAlert
		if err := json.Unmarshal([]byte(line), &alert); err != nil {
			t.Errorf("alert log line is not valid JSON: %v", err)
		}
	}
}

func TestAlertManager_ActiveSortedWithMetadata(t *testing.T) {
	a := NewAlertManager(nil, "", testLogger())

	a.Observe("memory", CheckResult{
		Service: "memory",
		Status:  StatusUnhealthy,
		Error:   "memory usage high",
		Details: map[string]any{"percent": 92.5},
	})
	a.Observe("db", CheckResult{Service: "db", Status: StatusCritical, Error: "connection refused"})
	a.Observe("cache", CheckResult{Service: "cache", Status: StatusUnhealthy, Error: "ping failed"})

	active := a.Active()
	if len(active) != 3 {
		t.Fatalf("expected 3 active alerts, got %d", len(active))
	}
	for i := 1; i < len(active); i++ {
		if active[i].CreatedAt.Before(active[i-1].CreatedAt) {
			t.Fatalf("active alerts out of creation order: %s before %s",
				active[i].Service, active[i-1].Service)
		}
	}

	for _, alert := range active {
		if alert.Service != "memory" {
			continue
		}
		if alert.Metadata == nil {
			t.Fatal("alert must carry the probe details as metadata")
		}
		if pct, ok := alert.Metadata["percent"]; !ok || pct != 92.5 {
			t.Errorf("unexpected metadata: %v", alert.Metadata)
		}
	}
}

func TestAlertManager_UnhealthyMapsToError(t *testing.T) {
	a := NewAlertManager(nil, "", testLogger())
	a.Observe("cache", CheckResult{Service: "cache", Status: StatusUnhealthy, Error: "ping failed"})
	active := a.Active()
	if len(active) != 1 || active[0].Severity != AlertError {
		t.Fatalf("UNHEALTHY must raise an error alert, got %v", active)
	}
}

// =============================================================================
// HTTP API
// =============================================================================

func newTestServer(t *testing.T) (*Server, *Monitor, *AlertManager) {
	t.Helper()
	alerts := NewAlertManager(nil, "", testLogger())
	m := NewMonitor(nil, nil, alerts, config.MonitoringConfig{}, testLogger())
	m.latest = map[string]CheckResult{
		"db":        {Service: "db", Status: StatusHealthy, CheckedAt: time.Now()},
		"inference": {Service: "inference", Status: StatusCritical, Error: "down", CheckedAt: time.Now()},
	}
	return NewServer(m, alerts, "", 0), m, alerts
}

func TestServer_DefaultsToLoopbackBind(t *testing.T) {
	s, _, _ := newTestServer(t)
	if got := s.server.Addr; got != "127.0.0.1:0" {
		t.Errorf("expected loopback-only bind by default, got %q", got)
	}
}

func TestServer_Health(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with a critical service, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS header, got %q", got)
	}

	var summary Summary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Status != StatusCritical {
		t.Errorf("expected CRITICAL, got %s", summary.Status)
	}
}

func TestServer_ServiceDetail(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result CheckResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Service != "db" || result.Status != StatusHealthy {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestServer_UnknownService(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] == "" || body["path"] != "/health/nope" {
		t.Errorf("expected error and path fields, got %v", body)
	}
}

func TestServer_Alerts(t *testing.T) {
	s, _, alerts := newTestServer(t)
	alerts.Observe("inference", CheckResult{Service: "inference", Status: StatusCritical, Error: "down"})

	req := httptest.NewRequest(http.MethodGet, "/health/alerts", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Active []SystemAlert `json:"active_alerts"`
		Recent []SystemAlert `json:"recent_alerts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Active) != 1 {
		t.Errorf("expected 1 active alert, got %d", len(body.Active))
	}
}
