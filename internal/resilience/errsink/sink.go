// Package errsink is the process-wide structured error path: every failure
// against an external dependency is classified, ring-buffered for the health
// API, and appended to a line-delimited JSON log.
package errsink

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/domain"
	"github.com/Ladvien/codex-dreams-sub001/internal/monitoring/metrics"
)

// Sink collects, classifies and persists error events.
type Sink struct {
	mu     sync.Mutex
	ring   []domain.ErrorEvent
	next   int
	filled bool

	out io.Writer
	enc *json.Encoder
	log *slog.Logger

	counts map[domain.ErrorKind]int
	total  int
}

// New creates a sink with a bounded ring buffer. out receives one JSON object
// per line (typically a lumberjack writer); it may be nil.
func New(ringSize int, out io.Writer, log *slog.Logger) *Sink {
	if ringSize <= 0 {
		ringSize = 1000
	}
	s := &Sink{
		ring:   make([]domain.ErrorEvent, ringSize),
		out:    out,
		log:    log,
		counts: make(map[domain.ErrorKind]int),
	}
	if out != nil {
		s.enc = json.NewEncoder(out)
	}
	return s
}

// Log classifies err, records it and returns the immutable event.
func (s *Sink) Log(component, operation string, err error, context map[string]any) domain.ErrorEvent {
	kind := domain.Classify(err)
	event := domain.ErrorEvent{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Component: component,
		Operation: operation,
		Message:   err.Error(),
		Context:   context,
		Severity:  kind.DefaultSeverity(),
	}
	s.record(event)
	return event
}

// LogEvent records a pre-built event, for callers that need to control
// severity (e.g. the recovery controller's manual-intervention escalation).
func (s *Sink) LogEvent(event domain.ErrorEvent) domain.ErrorEvent {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.record(event)
	return event
}

func (s *Sink) record(event domain.ErrorEvent) {
	s.mu.Lock()
	s.ring[s.next] = event
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.filled = true
	}
	s.counts[event.Kind]++
	s.total++
	enc := s.enc
	if enc != nil {
		// Encoder writes are serialized under the sink lock so concurrent
		// events never interleave within a line.
		if err := enc.Encode(event); err != nil {
			s.log.Warn("failed to append error log", "error", err)
		}
	}
	s.mu.Unlock()

	metrics.ErrorsTotal.WithLabelValues(event.Component, string(event.Kind)).Inc()

	s.log.Error("dependency error",
		"component", event.Component,
		"operation", event.Operation,
		"kind", event.Kind,
		"severity", event.Severity,
		"error", event.Message,
	)
}

// Recent returns up to n events, newest first.
func (s *Sink) Recent(n int) []domain.ErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.filled {
		size = len(s.ring)
	}
	if n > size {
		n = size
	}

	out := make([]domain.ErrorEvent, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.next - 1 - i + len(s.ring)) % len(s.ring)
		out = append(out, s.ring[idx])
	}
	return out
}

// Stats summarizes counts by kind.
type Stats struct {
	Total  int                      `json:"total"`
	ByKind map[domain.ErrorKind]int `json:"by_kind"`
}

// Stats returns a snapshot of error counts.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind := make(map[domain.ErrorKind]int, len(s.counts))
	for k, v := range s.counts {
		byKind[k] = v
	}
	return Stats{Total: s.total, ByKind: byKind}
}
