package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default min active gpus",
			check:  func(c *Config) bool { return c.MinActiveGPUs == 2 },
			expect: "2",
		},
		{
			name:   "default max active gpus",
			check:  func(c *Config) bool { return c.MaxActiveGPUs == 10 },
			expect: "10",
		},
		{
			name:   "default tasks per gpu threshold",
			check:  func(c *Config) bool { return c.TasksPerGPUThreshold == 3 },
			expect: "3",
		},
		{
			name:   "default machines to keep idle",
			check:  func(c *Config) bool { return c.MachinesToKeepIdle == 0 },
			expect: "0",
		},
		{
			name:   "default max worker failure rate",
			check:  func(c *Config) bool { return c.MaxWorkerFailureRate == 0.8 },
			expect: "0.8",
		},
		{
			name:   "default min workers for rate check",
			check:  func(c *Config) bool { return c.MinWorkersForRateCheck == 5 },
			expect: "5",
		},
		{
			name:   "db logging disabled by default",
			check:  func(c *Config) bool { return !c.EnableDBLogging },
			expect: "false",
		},
		{
			name:   "db logging not required by default",
			check:  func(c *Config) bool { return !c.DBLoggingRequired },
			expect: "false",
		},
		{
			name:   "db log level defaults to INFO",
			check:  func(c *Config) bool { return c.DBLogLevel == "INFO" },
			expect: "INFO",
		},
		{
			name:   "instance id is derived when unset",
			check:  func(c *Config) bool { return c.OrchestratorInstanceID != "" },
			expect: "non-empty",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if got, want := cfg.GPUIdleTimeout(), 300*time.Second; got != want {
		t.Errorf("GPUIdleTimeout() = %v, want %v", got, want)
	}
	if got, want := cfg.FailsafeStaleThreshold(), 900*time.Second; got != want {
		t.Errorf("FailsafeStaleThreshold() = %v, want %v", got, want)
	}
	if got, want := cfg.FailureWindow(), 30*time.Minute; got != want {
		t.Errorf("FailureWindow() = %v, want %v", got, want)
	}
	if got, want := cfg.OrchestratorPollInterval(), 30*time.Second; got != want {
		t.Errorf("OrchestratorPollInterval() = %v, want %v", got, want)
	}
}

func TestExplicitInstanceIDIsUsedAsIs(t *testing.T) {
	t.Setenv("ORCHESTRATOR_INSTANCE_ID", "gpuctl-primary")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.OrchestratorInstanceID != "gpuctl-primary" {
		t.Errorf("OrchestratorInstanceID = %q, want %q", cfg.OrchestratorInstanceID, "gpuctl-primary")
	}
}
