package errsink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSink_LogClassifiesAndBuffers(t *testing.T) {
	s := New(10, nil, testLogger())

	event := s.Log("postgres", "insert_episode", errors.New("connection refused"), nil)

	if event.Kind != domain.KindConnectionFailure {
		t.Errorf("expected connection_failure, got %s", event.Kind)
	}
	if event.ID == "" {
		t.Error("expected event ID")
	}

	recent := s.Recent(5)
	if len(recent) != 1 || recent[0].ID != event.ID {
		t.Errorf("expected the logged event in the ring, got %+v", recent)
	}
}

func TestSink_RingEvictsOldest(t *testing.T) {
	s := New(3, nil, testLogger())

	for i := 0; i < 5; i++ {
		s.Log("analytics", "op", errors.New("timeout"), map[string]any{"n": i})
	}

	recent := s.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(recent))
	}
	// Newest first.
	if recent[0].Context["n"].(int) != 4 {
		t.Errorf("expected newest event first, got %v", recent[0].Context["n"])
	}
	if recent[2].Context["n"].(int) != 2 {
		t.Errorf("expected oldest surviving event last, got %v", recent[2].Context["n"])
	}
}

func TestSink_AppendsJSONL(t *testing.T) {
	var buf bytes.Buffer
	s := New(10, &buf, testLogger())

	s.Log("redis", "cache_get", errors.New("connection refused"), nil)
	s.Log("redis", "cache_get", errors.New("i/o timeout"), nil)

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		var event domain.ErrorEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if event.Component != "redis" {
			t.Errorf("unexpected component %s", event.Component)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("expected 2 JSONL lines, got %d", lines)
	}
}

func TestSink_Stats(t *testing.T) {
	s := New(10, nil, testLogger())

	s.Log("postgres", "op", errors.New("connection refused"), nil)
	s.Log("postgres", "op", errors.New("connection reset"), nil)
	s.Log("analytics", "op", errors.New("deadlock detected"), nil)

	stats := s.Stats()
	if stats.Total != 3 {
		t.Errorf("expected total 3, got %d", stats.Total)
	}
	if stats.ByKind[domain.KindConnectionFailure] != 2 {
		t.Errorf("expected 2 connection failures, got %d", stats.ByKind[domain.KindConnectionFailure])
	}
	if stats.ByKind[domain.KindTransactionFailure] != 1 {
		t.Errorf("expected 1 transaction failure, got %d", stats.ByKind[domain.KindTransactionFailure])
	}
}

func TestClassify_Taxonomy(t *testing.T) {
	tests := []struct {
		msg    string
		expect domain.ErrorKind
	}{
		{"connection refused", domain.KindConnectionFailure},
		{"dial tcp: no such host", domain.KindConnectionFailure},
		{"query timed out after 30s", domain.KindTimeout},
		{"context deadline exceeded", domain.KindTimeout},
		{"deadlock detected", domain.KindTransactionFailure},
		{"could not serialize access: rollback required", domain.KindTransactionFailure},
		{"out of memory", domain.KindResourceExhaustion},
		{"no space left on device", domain.KindResourceExhaustion},
		{"syntax error at or near SELEC", domain.KindConfigurationError},
		{"no such table: memories", domain.KindConfigurationError},
		{"possible injection detected", domain.KindSecurityViolation},
		{"something weird happened", domain.KindServiceUnavailable},
		// Priority: connection beats timeout when both keywords appear.
		{"connection reset during timeout", domain.KindConnectionFailure},
	}

	for _, tt := range tests {
		if got := domain.Classify(errors.New(tt.msg)); got != tt.expect {
			t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.expect)
		}
	}
}

func TestDegradationTable(t *testing.T) {
	table := NewDegradationTable()

	if got := table.Decide(domain.KindConnectionFailure, "postgres"); got != DegradeDisableStage {
		t.Errorf("expected disable_stage for postgres connection failure, got %s", got)
	}
	// Component-specific rule wins over the kind-wide rule.
	if got := table.Decide(domain.KindConnectionFailure, "inference"); got != DegradeUseFallback {
		t.Errorf("expected use_fallback for inference connection failure, got %s", got)
	}
	if got := table.Decide(domain.KindResourceExhaustion, "analytics"); got != DegradeHalt {
		t.Errorf("expected halt for resource exhaustion, got %s", got)
	}
}
