// Package procman manages the external processes recovery can restart or
// terminate, the local inference service being the usual target.
package procman

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Systemd restarts services through systemctl and terminates stray processes
// by name. Unit names are looked up from a service alias map so the rest of
// the system can speak in dependency names ("inference") rather than unit
// names ("ollama.service").
type Systemd struct {
	units map[string]string
	log   *slog.Logger
}

func NewSystemd(units map[string]string, log *slog.Logger) *Systemd {
	return &Systemd{units: units, log: log}
}

// Restart restarts the unit mapped to service.
func (s *Systemd) Restart(ctx context.Context, service string) error {
	unit, ok := s.units[service]
	if !ok {
		return fmt.Errorf("no managed unit for service %s", service)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "systemctl", "restart", unit).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to restart %s: %w: %s", unit, err, strings.TrimSpace(string(out)))
	}
	s.log.Info("service restarted", "service", service, "unit", unit)
	return nil
}

// Terminate kills processes whose name matches the service's unit basename.
// A graceful SIGTERM is tried first; anything still alive after the grace
// period is killed.
func (s *Systemd) Terminate(ctx context.Context, service string) error {
	unit, ok := s.units[service]
	if !ok {
		return fmt.Errorf("no managed unit for service %s", service)
	}
	name := strings.TrimSuffix(unit, ".service")

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	var matched []*process.Process
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if pname == name {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("no running process named %s", name)
	}

	for _, p := range matched {
		if err := p.TerminateWithContext(ctx); err != nil {
			s.log.Warn("terminate failed, killing", "pid", p.Pid, "error", err)
			_ = p.KillWithContext(ctx)
			continue
		}
	}

	// Grace period, then force-kill survivors.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
	}
	for _, p := range matched {
		if running, _ := p.IsRunningWithContext(ctx); running {
			s.log.Warn("process survived SIGTERM, killing", "pid", p.Pid)
			_ = p.KillWithContext(ctx)
		}
	}

	s.log.Info("processes terminated", "service", service, "name", name, "count", len(matched))
	return nil
}
