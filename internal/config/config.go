// Package config loads every tunable named in the orchestrator's
// environment variable surface: fleet sizing, timeouts, the safety valve,
// the log sink, and the cloud and store adapter credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Config holds every environment-driven setting for one orchestrator
// instance. Durations are parsed as plain integer seconds (matching the
// table's "all durations in seconds unless noted") and exposed to callers
// as time.Duration via the accessor methods below, never as raw ints.
type Config struct {
	MinActiveGPUs          int     `env:"MIN_ACTIVE_GPUS" envDefault:"2"`
	MaxActiveGPUs          int     `env:"MAX_ACTIVE_GPUS" envDefault:"10"`
	TasksPerGPUThreshold   int     `env:"TASKS_PER_GPU_THRESHOLD" envDefault:"3"`
	MachinesToKeepIdle     int     `env:"MACHINES_TO_KEEP_IDLE" envDefault:"0"`
	GPUIdleTimeoutSec      int     `env:"GPU_IDLE_TIMEOUT_SEC" envDefault:"300"`
	TaskStuckTimeoutSec    int     `env:"TASK_STUCK_TIMEOUT_SEC" envDefault:"300"`
	SpawningTimeoutSec     int     `env:"SPAWNING_TIMEOUT_SEC" envDefault:"300"`
	GracefulShutdownSec    int     `env:"GRACEFUL_SHUTDOWN_TIMEOUT_SEC" envDefault:"600"`
	FailsafeStaleSec       int     `env:"FAILSAFE_STALE_THRESHOLD_SEC" envDefault:"900"`
	WorkerGracePeriodSec   int     `env:"WORKER_GRACE_PERIOD_SEC" envDefault:"120"`
	OrchestratorPollSec    int     `env:"ORCHESTRATOR_POLL_SEC" envDefault:"30"`
	MaxWorkerFailureRate   float64 `env:"MAX_WORKER_FAILURE_RATE" envDefault:"0.8"`
	FailureWindowMinutes   int     `env:"FAILURE_WINDOW_MINUTES" envDefault:"30"`
	MinWorkersForRateCheck int     `env:"MIN_WORKERS_FOR_RATE_CHECK" envDefault:"5"`

	EnableDBLogging   bool   `env:"ENABLE_DB_LOGGING" envDefault:"false"`
	DBLogLevel        string `env:"DB_LOG_LEVEL" envDefault:"INFO"`
	DBLogBatchSize    int    `env:"DB_LOG_BATCH_SIZE" envDefault:"50"`
	DBLogFlushSec     int    `env:"DB_LOG_FLUSH_INTERVAL" envDefault:"5"`
	DBLoggingRequired bool   `env:"DB_LOGGING_REQUIRED" envDefault:"false"`

	OrchestratorInstanceID string `env:"ORCHESTRATOR_INSTANCE_ID"`

	RunpodAPIKey          string `env:"RUNPOD_API_KEY"`
	RunpodGPUType         string `env:"RUNPOD_GPU_TYPE"`
	RunpodWorkerImage     string `env:"RUNPOD_WORKER_IMAGE"`
	RunpodStorageName     string `env:"RUNPOD_STORAGE_NAME"`
	RunpodVolumeMountDir  string `env:"RUNPOD_VOLUME_MOUNT_PATH"`
	RunpodDiskSizeGB      int    `env:"RUNPOD_DISK_SIZE_GB" envDefault:"50"`
	RunpodContainerDiskGB int    `env:"RUNPOD_CONTAINER_DISK_GB" envDefault:"20"`
	RunpodSSHPublicKey    string `env:"RUNPOD_SSH_PUBLIC_KEY"`
	RunpodSSHPrivateKey   string `env:"RUNPOD_SSH_PRIVATE_KEY"`

	SupabaseURL            string `env:"SUPABASE_URL"`
	SupabaseServiceRoleKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
}

// Load reads configuration from the environment. ORCHESTRATOR_INSTANCE_ID
// is derived when unset: hostname plus a short random suffix, so two
// instances started without explicit ids never collide in system_logs.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if cfg.OrchestratorInstanceID == "" {
		cfg.OrchestratorInstanceID = deriveInstanceID()
	}
	return cfg, nil
}

func deriveInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orchestrator"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

func (c *Config) GPUIdleTimeout() time.Duration   { return time.Duration(c.GPUIdleTimeoutSec) * time.Second }
func (c *Config) TaskStuckTimeout() time.Duration { return time.Duration(c.TaskStuckTimeoutSec) * time.Second }
func (c *Config) SpawningTimeout() time.Duration  { return time.Duration(c.SpawningTimeoutSec) * time.Second }
func (c *Config) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GracefulShutdownSec) * time.Second
}
func (c *Config) FailsafeStaleThreshold() time.Duration {
	return time.Duration(c.FailsafeStaleSec) * time.Second
}
func (c *Config) WorkerGracePeriod() time.Duration {
	return time.Duration(c.WorkerGracePeriodSec) * time.Second
}
func (c *Config) OrchestratorPollInterval() time.Duration {
	return time.Duration(c.OrchestratorPollSec) * time.Second
}
func (c *Config) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowMinutes) * time.Minute
}
func (c *Config) DBLogFlushInterval() time.Duration {
	return time.Duration(c.DBLogFlushSec) * time.Second
}
