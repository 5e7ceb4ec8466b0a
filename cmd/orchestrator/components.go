package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wan2gp/gpuctl/internal/config"
	"github.com/wan2gp/gpuctl/pkg/clock"
	"github.com/wan2gp/gpuctl/pkg/cloudapi"
	"github.com/wan2gp/gpuctl/pkg/driver"
	"github.com/wan2gp/gpuctl/pkg/events"
	"github.com/wan2gp/gpuctl/pkg/lifecycle"
	"github.com/wan2gp/gpuctl/pkg/log"
	"github.com/wan2gp/gpuctl/pkg/logsink"
	"github.com/wan2gp/gpuctl/pkg/metrics"
	"github.com/wan2gp/gpuctl/pkg/orphan"
	"github.com/wan2gp/gpuctl/pkg/planner"
	"github.com/wan2gp/gpuctl/pkg/safetyvalve"
	"github.com/wan2gp/gpuctl/pkg/store"
	"github.com/wan2gp/gpuctl/pkg/types"
)

// httpTimeout bounds every single HTTP call the cloud API and store
// adapters make; callers needing a longer end-to-end deadline (pod
// readiness polling) pass their own context.
const httpTimeout = 30 * time.Second

// logSinkProbeEvery matches the spec's sibling constant to
// TASK_STUCK_TIMEOUT_SEC: every this-many cycles the driver probes the log
// sink's health.
const logSinkProbeEvery = 10

// initializePodTimeout bounds the one-shot readiness probe InitializePod
// runs after a freshly created pod reports RUNNING. Not part of the
// env var surface: it is a cloud-provider-facing bound, not an
// operator-tunable scaling parameter.
const initializePodTimeout = 3 * time.Minute

// components holds every long-lived dependency the control loop needs,
// wired together from a loaded config.Config. Callers own stopping the log
// sink and event broker.
type components struct {
	cfg       *config.Config
	cloud     cloudapi.CloudAPI
	store     store.Store
	sink      *logsink.Sink
	broker    *events.Broker
	lifecycle *lifecycle.Manager
	planner   *planner.Planner
	valve     *safetyvalve.Valve
	orphan    *orphan.Recoverer
	driver    *driver.Driver
}

// buildComponents wires C1-C8 from a loaded config.Config. spillPath is
// where the log sink spills batches it could not submit; it is a file
// path, not a directory.
func buildComponents(cfg *config.Config, spillPath string) (*components, error) {
	logger := log.WithComponent("orchestrator")

	clk := clock.Real{}

	cloudAPI := cloudapi.NewHTTPCloudAPI("https://api.runpod.io/v2", cfg.RunpodAPIKey, httpTimeout, clk)
	taskStore := store.NewHTTPStore(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, httpTimeout)

	submitter := logsink.NewHTTPSubmitter(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, &http.Client{Timeout: httpTimeout})
	sink, err := logsink.New(logsink.Config{
		FlushInterval: cfg.DBLogFlushInterval(),
		BatchSize:     cfg.DBLogBatchSize,
		QueueCapacity: cfg.DBLogBatchSize * 20,
		SpillPath:     spillPath,
		Required:      cfg.DBLoggingRequired,
		MinLevel:      types.LogLevel(cfg.DBLogLevel),
	}, submitter, logger)
	if err != nil {
		return nil, fmt.Errorf("construct log sink: %w", err)
	}

	broker := events.NewBroker()

	envFunc := func(workerID string) map[string]string {
		return map[string]string{
			"WORKER_ID":                 workerID,
			"SUPABASE_URL":              cfg.SupabaseURL,
			"SUPABASE_SERVICE_ROLE_KEY": cfg.SupabaseServiceRoleKey,
			"TASK_COMPLETION_URL":       cfg.SupabaseURL + "/rpc/complete_task_generation",
			"ORCHESTRATOR_INSTANCE_ID":  cfg.OrchestratorInstanceID,
		}
	}

	lc := lifecycle.New(lifecycle.Config{
		InitializeTimeout:      initializePodTimeout,
		HeartbeatStaleAfter:    cfg.GPUIdleTimeout(),
		DrainTimeout:           cfg.GracefulShutdownTimeout(),
		SpawningTimeout:        cfg.SpawningTimeout(),
		GracePeriod:            cfg.WorkerGracePeriod(),
		FailsafeStaleThreshold: cfg.FailsafeStaleThreshold(),
		ImageName:              cfg.RunpodWorkerImage,
		GPUCount:               1,
	}, cloudAPI, taskStore, clk, logger, envFunc)

	pl := planner.New(planner.Config{
		MinFleet:              cfg.MinActiveGPUs,
		MaxFleet:              cfg.MaxActiveGPUs,
		TasksPerWorker:        cfg.TasksPerGPUThreshold,
		MachinesToKeepIdle:    cfg.MachinesToKeepIdle,
		RapidScaleUpThreshold: 3,
		WorkloadSpikeFactor:   10.0,
		PersistentZeroCycles:  3,
	}, broker)

	onStateChange := func(from, to gobreaker.State) {
		if to == gobreaker.StateOpen {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("failure-rate safety valve closed spawns")
			broker.Publish(&events.Event{Type: events.EventSafetyValveTripped, Message: "failure-rate safety valve closed spawns"})
		} else if from == gobreaker.StateOpen {
			logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("failure-rate safety valve reopened spawns")
			broker.Publish(&events.Event{Type: events.EventSafetyValveReopened, Message: "failure-rate safety valve reopened spawns"})
		}
	}
	valve := safetyvalve.New(safetyvalve.Config{
		Window:      cfg.FailureWindow(),
		MinSample:   cfg.MinWorkersForRateCheck,
		Threshold:   cfg.MaxWorkerFailureRate,
		ReopenAfter: 5 * time.Minute,
	}, onStateChange)

	orph := orphan.New(taskStore)

	// driverSink is nil when ENABLE_DB_LOGGING is off: the driver never
	// enqueues, probes, or restarts a sink the operator asked to not run,
	// distinct from comps.sink, which callers still Close on shutdown.
	var driverSink *logsink.Sink
	if cfg.EnableDBLogging {
		driverSink = sink
	}

	drv := driver.New(driver.Config{
		PollInterval:          cfg.OrchestratorPollInterval(),
		StuckTaskTimeout:      cfg.TaskStuckTimeout(),
		LogSinkProbeEvery:     logSinkProbeEvery,
		SpawnInstanceType:     cfg.RunpodGPUType,
		ShutdownDrainDeadline: cfg.GracefulShutdownTimeout(),
		MinFleet:              cfg.MinActiveGPUs,
	}, taskStore, lc, pl, valve, orph, driverSink, broker, clk, logger)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "initializing")
	metrics.RegisterComponent("cloudapi", true, "initializing")
	metrics.RegisterComponent("logsink", true, "initializing")

	return &components{
		cfg:       cfg,
		cloud:     cloudAPI,
		store:     taskStore,
		sink:      sink,
		broker:    broker,
		lifecycle: lc,
		planner:   pl,
		valve:     valve,
		orphan:    orph,
		driver:    drv,
	}, nil
}
