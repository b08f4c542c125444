package domain

import "time"

// ErrorEvent is one structured record of a failure somewhere in the system.
// Events are immutable once logged.
type ErrorEvent struct {
	ID        string         `json:"id"`
	Kind      ErrorKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	Operation string         `json:"operation"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Severity  Severity       `json:"severity"`
}
