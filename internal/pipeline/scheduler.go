package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/Ladvien/codex-dreams-sub001/internal/core/config"
)

// Default schedules: capture often, consolidate nightly, archive weekly.
const (
	defaultWorkingMemorySchedule = "*/5 * * * *"
	defaultShortTermSchedule     = "0 * * * *"
	defaultConsolidationSchedule = "0 2 * * *"
	defaultLongTermSchedule      = "0 3 * * 0"
)

// Scheduler runs stages on their cron cadence. Stage runs get a background
// context: a stage survives the scheduler's Stop and finishes its current run.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	log    *slog.Logger
}

func NewScheduler(runner *Runner, stages []Stage, cfg config.PipelineConfig, log *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		runner: runner,
		log:    log,
	}

	specs := map[string]string{
		StageWorkingMemory:   orDefault(cfg.WorkingMemorySchedule, defaultWorkingMemorySchedule),
		StageShortTermMemory: orDefault(cfg.ShortTermSchedule, defaultShortTermSchedule),
		StageConsolidation:   orDefault(cfg.ConsolidationSchedule, defaultConsolidationSchedule),
		StageLongTermMemory:  orDefault(cfg.LongTermSchedule, defaultLongTermSchedule),
	}

	for _, stage := range stages {
		spec, ok := specs[stage.Name]
		if !ok {
			return nil, fmt.Errorf("no schedule for stage %s", stage.Name)
		}
		st := stage
		if _, err := s.cron.AddFunc(spec, func() {
			if err := s.runner.RunStage(context.Background(), st); err != nil {
				s.log.Error("stage run failed", "stage", st.Name, "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for stage %s: %w", spec, stage.Name, err)
		}
		s.log.Info("stage scheduled", "stage", stage.Name, "schedule", spec)
	}

	return s, nil
}

// Start begins scheduling. Non-blocking.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
