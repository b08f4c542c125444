package config

import (
	"time"
)

// SafetyLevel controls how aggressively the execution layer fails fast.
type SafetyLevel string

const (
	SafetyStrict     SafetyLevel = "strict"     // fail fast on pool exhaustion
	SafetyResilient  SafetyLevel = "resilient"  // bounded waits, default
	SafetyPermissive SafetyLevel = "permissive" // longest waits, most tolerant
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Stores     StoresConfig     `yaml:"stores"`
	Inference  InferenceConfig  `yaml:"inference"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// ServerConfig holds HTTP server settings for the health API. The API is
// local-only by default; set host to another interface to expose it.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level        string `yaml:"level"`          // debug, info, warn, error
	ErrorLogPath string `yaml:"error_log_path"` // append-only JSONL error log
	AlertLogPath string `yaml:"alert_log_path"` // append-only JSONL alert log
	MaxSizeMB    int    `yaml:"max_size_mb"`    // rotation threshold per log file
}

// StoresConfig holds connection settings for the backing stores.
type StoresConfig struct {
	PostgresURL string        `yaml:"postgres_url"`
	AnalyticsDB string        `yaml:"analytics_db"` // file path of the embedded store
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// InferenceConfig holds settings for the local inference service.
type InferenceConfig struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// ResilienceConfig tunes the fault-tolerant execution layer.
type ResilienceConfig struct {
	SafetyLevel        SafetyLevel   `yaml:"safety_level"`
	MaxConnsPerStore   int           `yaml:"max_connections_per_store"`
	QueryTimeout       time.Duration `yaml:"query_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffCap         time.Duration `yaml:"backoff_cap"`
	BreakerThreshold   int           `yaml:"breaker_threshold"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
	DLQMaxRetries      int           `yaml:"dlq_max_retries"`
	DLQRetryDelay      time.Duration `yaml:"dlq_retry_delay"`
	DLQDrainInterval   time.Duration `yaml:"dlq_drain_interval"`
	ErrorRingSize      int           `yaml:"error_ring_size"`

	// Pre-flight ceilings checked before each query. Deliberately independent
	// of the monitoring thresholds: this is a fast local gate, the periodic
	// sweep is a slower global one.
	PreflightMemoryPct float64 `yaml:"preflight_memory_pct"`
	PreflightDiskPct   float64 `yaml:"preflight_disk_pct"`
}

// MonitoringConfig tunes health probing and alerting.
type MonitoringConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MemoryLimitMB       int           `yaml:"memory_limit_mb"`
	AlertWebhookURL     string        `yaml:"alert_webhook_url"`
	CPUDegradedPct      float64       `yaml:"cpu_degraded_pct"`
	CPUCriticalPct      float64       `yaml:"cpu_critical_pct"`
	MemoryDegradedPct   float64       `yaml:"memory_degraded_pct"`
	MemoryCriticalPct   float64       `yaml:"memory_critical_pct"`
	DiskDegradedPct     float64       `yaml:"disk_degraded_pct"`
	DiskCriticalPct     float64       `yaml:"disk_critical_pct"`
}

// RecoveryConfig tunes the automated recovery controller.
type RecoveryConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	DryRun             bool          `yaml:"dry_run"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	Cooldown           time.Duration `yaml:"cooldown"`
	MaxAttemptsPerHour int           `yaml:"max_attempts_per_hour"`
}

// PipelineConfig holds the stage schedule strings (cron format).
type PipelineConfig struct {
	WorkingMemorySchedule string `yaml:"working_memory_schedule"`
	ShortTermSchedule     string `yaml:"short_term_schedule"`
	ConsolidationSchedule string `yaml:"consolidation_schedule"`
	LongTermSchedule      string `yaml:"long_term_schedule"`
	EnrichmentEnabled     bool   `yaml:"enrichment_enabled"`
}
