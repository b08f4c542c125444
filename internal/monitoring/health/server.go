package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the read API. Every handler serves the monitor's cached
// state; nothing here triggers a live probe.
type Server struct {
	monitor *Monitor
	alerts  *AlertManager
	server  *http.Server
}

// NewServer builds the read API bound to host:port. An empty host binds to
// loopback only; exposing the API on other interfaces is an explicit choice.
func NewServer(monitor *Monitor, alerts *AlertManager, host string, port int) *Server {
	if host == "" {
		host = "127.0.0.1"
	}
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		alerts:  alerts,
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", host, port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.HandleFunc("/health/alerts", s.handleAlerts)
	mux.HandleFunc("/health/", s.handleService)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := s.monitor.Summarize()

	code := http.StatusOK
	if summary.Status == StatusUnhealthy || summary.Status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, summary)
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Latest())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_alerts": s.alerts.Active(),
		"recent_alerts": s.alerts.Recent(),
	})
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/health/")
	if name == "" {
		s.handleHealth(w, r)
		return
	}

	result, ok := s.monitor.Service(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("unknown service: %s", name),
			"path":  r.URL.Path,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
