package health

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const alertHistoryLimit = 100

// AlertSeverity maps from the probe status that raised the alert: CRITICAL
// results raise critical alerts, UNHEALTHY results raise error alerts.
type AlertSeverity string

const (
	AlertError    AlertSeverity = "error"
	AlertCritical AlertSeverity = "critical"
)

// SystemAlert tracks one service's active or resolved problem. Metadata
// carries the probe details that were current when the alert was raised.
type SystemAlert struct {
	ID         string         `json:"id"`
	Service    string         `json:"service"`
	Severity   AlertSeverity  `json:"severity"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// AlertManager owns the active-alert map and bounded history. Every raise and
// resolve is appended to the JSONL alert log and optionally pushed to a
// webhook; webhook failures are logged and never block the check loop.
type AlertManager struct {
	out        io.Writer
	webhookURL string
	httpClient *http.Client
	log        *slog.Logger

	mu      sync.Mutex
	active  map[string]*SystemAlert
	history []SystemAlert
}

func NewAlertManager(out io.Writer, webhookURL string, log *slog.Logger) *AlertManager {
	return &AlertManager{
		out:        out,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log,
		active:     make(map[string]*SystemAlert),
	}
}

// Observe feeds one check result through the alert lifecycle: raise when a
// service goes UNHEALTHY/CRITICAL with no active alert, resolve when it
// returns healthy with one.
func (a *AlertManager) Observe(service string, result CheckResult) {
	switch result.Status {
	case StatusUnhealthy, StatusCritical:
		a.raise(service, result)
	case StatusHealthy:
		a.resolve(service)
	}
}

func (a *AlertManager) raise(service string, result CheckResult) {
	severity := AlertError
	if result.Status == StatusCritical {
		severity = AlertCritical
	}

	a.mu.Lock()
	if existing, ok := a.active[service]; ok {
		// Already alerting; only escalate severity in place.
		if severity == AlertCritical && existing.Severity != AlertCritical {
			existing.Severity = AlertCritical
			existing.Message = result.Error
		}
		a.mu.Unlock()
		return
	}
	alert := &SystemAlert{
		ID:        uuid.New().String(),
		Service:   service,
		Severity:  severity,
		Message:   result.Error,
		Metadata:  result.Details,
		CreatedAt: time.Now(),
	}
	a.active[service] = alert
	snapshot := *alert
	a.mu.Unlock()

	a.log.Error("alert raised",
		"service", service,
		"severity", severity,
		"message", snapshot.Message,
	)
	a.dispatch(snapshot)
}

func (a *AlertManager) resolve(service string) {
	a.mu.Lock()
	alert, ok := a.active[service]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.active, service)
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	a.history = append(a.history, *alert)
	if len(a.history) > alertHistoryLimit {
		a.history = a.history[len(a.history)-alertHistoryLimit:]
	}
	snapshot := *alert
	a.mu.Unlock()

	a.log.Info("alert resolved", "service", service, "id", snapshot.ID)
	a.dispatch(snapshot)
}

// dispatch appends the alert to the JSONL log and posts it to the webhook.
func (a *AlertManager) dispatch(alert SystemAlert) {
	if a.out != nil {
		line, err := json.Marshal(alert)
		if err == nil {
			line = append(line, '\n')
			if _, err := a.out.Write(line); err != nil {
				a.log.Error("failed to write alert log", "error", err)
			}
		}
	}

	if a.webhookURL == "" {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	go func() {
		resp, err := a.httpClient.Post(a.webhookURL, "application/json", bytes.NewReader(payload))
		if err != nil {
			a.log.Warn("alert webhook delivery failed", "error", err)
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 {
			a.log.Warn("alert webhook rejected", "status", resp.StatusCode)
		}
	}()
}

// Active returns the current active alerts sorted by creation time.
func (a *AlertManager) Active() []SystemAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SystemAlert, 0, len(a.active))
	for _, alert := range a.active {
		out = append(out, *alert)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Recent returns resolved alerts, newest last, bounded by the history limit.
func (a *AlertManager) Recent() []SystemAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SystemAlert, len(a.history))
	copy(out, a.history)
	return out
}
