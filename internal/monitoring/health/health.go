// Package health probes every external dependency and the host itself,
// keeps the latest results for the read API, and drives the alert lifecycle.
package health

import (
	"time"
)

// Status represents the health state of a service or the whole system.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusCritical  Status = "CRITICAL"
	StatusUnknown   Status = "UNKNOWN"
)

// rank orders statuses from best to worst so the aggregate can take the max.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	case StatusCritical:
		return 3
	default:
		return 4
	}
}

// Worse returns the worse of two statuses. UNKNOWN is treated as worst since
// a service we cannot assess is not one we can trust.
func (s Status) Worse(o Status) Status {
	if o.rank() > s.rank() {
		return o
	}
	return s
}

// CheckResult is the outcome of one probe against one service.
type CheckResult struct {
	Service   string         `json:"service"`
	Status    Status         `json:"status"`
	Error     string         `json:"error,omitempty"`
	LatencyMS float64        `json:"latency_ms"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// UnhealthyService is one entry of the aggregate summary's problem list.
type UnhealthyService struct {
	Service string `json:"service"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Summary is the aggregate view served by GET /health: worst status wins.
type Summary struct {
	Status            Status             `json:"status"`
	CheckedAt         time.Time          `json:"checked_at"`
	UnhealthyServices []UnhealthyService `json:"unhealthy_services"`
}
