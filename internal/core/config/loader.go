package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ErrorLogPath == "" {
		cfg.Logging.ErrorLogPath = "logs/errors.jsonl"
	}
	if cfg.Logging.AlertLogPath == "" {
		cfg.Logging.AlertLogPath = "logs/alerts.jsonl"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Stores.AnalyticsDB == "" {
		cfg.Stores.AnalyticsDB = "data/analytics.db"
	}
	if cfg.Stores.CacheTTL == 0 {
		cfg.Stores.CacheTTL = time.Hour
	}
	if cfg.Inference.Timeout == 0 {
		cfg.Inference.Timeout = 30 * time.Second
	}
	if cfg.Inference.Model == "" {
		cfg.Inference.Model = "llama2"
	}

	r := &cfg.Resilience
	if r.SafetyLevel == "" {
		r.SafetyLevel = SafetyResilient
	}
	if r.MaxConnsPerStore == 0 {
		r.MaxConnsPerStore = 10
	}
	if r.QueryTimeout == 0 {
		r.QueryTimeout = 30 * time.Second
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.BackoffBase == 0 {
		r.BackoffBase = time.Second
	}
	if r.BackoffCap == 0 {
		r.BackoffCap = 60 * time.Second
	}
	if r.BreakerThreshold == 0 {
		r.BreakerThreshold = 5
	}
	if r.BreakerOpenTimeout == 0 {
		r.BreakerOpenTimeout = 60 * time.Second
	}
	if r.DLQMaxRetries == 0 {
		r.DLQMaxRetries = 5
	}
	if r.DLQRetryDelay == 0 {
		r.DLQRetryDelay = 5 * time.Minute
	}
	if r.DLQDrainInterval == 0 {
		r.DLQDrainInterval = time.Minute
	}
	if r.ErrorRingSize == 0 {
		r.ErrorRingSize = 1000
	}
	if r.PreflightMemoryPct == 0 {
		r.PreflightMemoryPct = 95
	}
	if r.PreflightDiskPct == 0 {
		r.PreflightDiskPct = 95
	}

	m := &cfg.Monitoring
	if m.HealthCheckInterval == 0 {
		m.HealthCheckInterval = 30 * time.Second
	}
	if m.MemoryLimitMB == 0 {
		m.MemoryLimitMB = 2048
	}
	if m.CPUDegradedPct == 0 {
		m.CPUDegradedPct = 80
	}
	if m.CPUCriticalPct == 0 {
		m.CPUCriticalPct = 95
	}
	if m.MemoryDegradedPct == 0 {
		m.MemoryDegradedPct = 80
	}
	if m.MemoryCriticalPct == 0 {
		m.MemoryCriticalPct = 90
	}
	if m.DiskDegradedPct == 0 {
		m.DiskDegradedPct = 85
	}
	if m.DiskCriticalPct == 0 {
		m.DiskCriticalPct = 95
	}

	rc := &cfg.Recovery
	if rc.CheckInterval == 0 {
		rc.CheckInterval = time.Minute
	}
	if rc.FailureThreshold == 0 {
		rc.FailureThreshold = 3
	}
	if rc.Cooldown == 0 {
		rc.Cooldown = 2 * time.Minute
	}
	if rc.MaxAttemptsPerHour == 0 {
		rc.MaxAttemptsPerHour = 5
	}

	p := &cfg.Pipeline
	if p.WorkingMemorySchedule == "" {
		p.WorkingMemorySchedule = "*/5 * * * *"
	}
	if p.ShortTermSchedule == "" {
		p.ShortTermSchedule = "0 * * * *"
	}
	if p.ConsolidationSchedule == "" {
		p.ConsolidationSchedule = "0 2 * * *"
	}
	if p.LongTermSchedule == "" {
		p.LongTermSchedule = "0 3 * * 0"
	}
}

// Validate checks the configuration for values that cannot be defaulted.
func (cfg *AppConfig) Validate() error {
	switch cfg.Resilience.SafetyLevel {
	case SafetyStrict, SafetyResilient, SafetyPermissive:
	default:
		return fmt.Errorf("invalid safety_level %q", cfg.Resilience.SafetyLevel)
	}
	if cfg.Stores.PostgresURL == "" {
		return fmt.Errorf("stores.postgres_url is required")
	}
	return nil
}
