// Package driver is the Control Loop Driver (C8): it runs the fixed
// per-cycle step ordering over the other seven components, in "single"
// (one cycle, exit) or "continuous" (ticker loop, one interval apart, never
// overlapping) mode. Any error from a step that isn't already absorbed by
// the owning component abandons the cycle; the next cycle starts clean.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wan2gp/gpuctl/pkg/clock"
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

// Config bounds the driver's own scheduling and per-cycle policy knobs.
// Every other component's tuning lives in that component's own Config.
type Config struct {
	// PollInterval is the wait between cycles in continuous mode.
	PollInterval time.Duration
	// StuckTaskTimeout bounds how long a task may sit In Progress before
	// its worker is sent to error.
	StuckTaskTimeout time.Duration
	// LogSinkProbeEvery is how many cycles elapse between log-sink health
	// probes (default 10, per TASK_STUCK_TIMEOUT_SEC's sibling constant
	// in the spec's configuration table).
	LogSinkProbeEvery int64
	// SpawnInstanceType is the GPU instance type requested for every
	// spawn this deployment issues.
	SpawnInstanceType string
	// ShutdownDrainDeadline bounds how long the log sink's Stop waits for
	// its flush loop to exit when the driver's health probe restarts it.
	ShutdownDrainDeadline time.Duration
	// MinFleet is the floor the terminate path never drains active_count
	// below, independent of the planner's own MinFleet (which bounds
	// desired workers, not which workers are eligible to drain).
	MinFleet int
}

// Driver is the Control Loop Driver.
type Driver struct {
	cfg       Config
	store     store.Store
	lifecycle *lifecycle.Manager
	planner   *planner.Planner
	valve     *safetyvalve.Valve
	orphan    *orphan.Recoverer
	sink      *logsink.Sink
	broker    *events.Broker
	clock     clock.Clock
	logger    zerolog.Logger

	cycleNumber int64
	anomalySub  events.Subscriber

	lastSeenSent int64

	mu         sync.RWMutex
	lastRecord *types.CycleRecord
}

// New constructs a Driver wiring every other component together. broker
// and sink may be nil; a nil broker means anomalies are computed but never
// published or recorded, a nil sink means cycle summaries are not
// forwarded to the shared log store (used in tests).
func New(
	cfg Config,
	st store.Store,
	lc *lifecycle.Manager,
	pl *planner.Planner,
	valve *safetyvalve.Valve,
	orph *orphan.Recoverer,
	sink *logsink.Sink,
	broker *events.Broker,
	clk clock.Clock,
	logger zerolog.Logger,
) *Driver {
	d := &Driver{
		cfg:       cfg,
		store:     st,
		lifecycle: lc,
		planner:   pl,
		valve:     valve,
		orphan:    orph,
		sink:      sink,
		broker:    broker,
		clock:     clk,
		logger:    logger,
	}
	if broker != nil {
		d.anomalySub = broker.Subscribe()
	}
	return d
}

// RunSingle runs exactly one cycle and returns.
func (d *Driver) RunSingle(ctx context.Context) (*types.CycleRecord, error) {
	return d.runCycle(ctx)
}

// LastRecord returns the most recently completed cycle's summary, or nil
// before the first cycle has run. Safe to call concurrently with the
// control loop, for a status server running in its own goroutine.
func (d *Driver) LastRecord() *types.CycleRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRecord
}

// RunContinuous loops the control cycle every PollInterval until ctx is
// cancelled. A cycle failure is logged and the loop continues at the next
// tick; cycles never overlap.
func (d *Driver) RunContinuous(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info().Dur("poll_interval", d.cfg.PollInterval).Msg("control loop starting in continuous mode")

	for {
		select {
		case <-ticker.C:
			if _, err := d.runCycle(ctx); err != nil {
				d.logger.Error().Err(err).Msg("cycle abandoned")
			}
		case <-ctx.Done():
			d.logger.Info().Msg("control loop stopping")
			return ctx.Err()
		}
	}
}

// runCycle implements spec.md's §4.8 per-cycle ordering. Steps are
// numbered in comments to keep the sequence legible against that section;
// the ordering itself must never change.
func (d *Driver) runCycle(ctx context.Context) (*types.CycleRecord, error) {
	// 1. Begin cycle.
	d.cycleNumber++
	cycleNumber := d.cycleNumber
	now := d.clock.Now()
	logger := log.WithCycle(d.logger, cycleNumber)

	// 2. Sample task counts.
	queued, inProgress, err := d.store.CountAvailableTasks(ctx)
	if err != nil {
		metrics.UpdateComponent("store", false, err.Error())
		return nil, fmt.Errorf("cycle %d: count available tasks: %w", cycleNumber, err)
	}

	// 3. Fetch worker lists.
	workers, err := d.store.ListWorkers(ctx)
	if err != nil {
		metrics.UpdateComponent("store", false, err.Error())
		return nil, fmt.Errorf("cycle %d: list workers: %w", cycleNumber, err)
	}
	metrics.UpdateComponent("store", true, "ok")

	// 4. Promote spawning workers.
	promo := d.lifecycle.PromoteSpawning(ctx, workers)

	// 5. Health-check active workers, including the stuck-task detector.
	inProgressTasks, err := d.store.ListInProgressTasks(ctx)
	if err != nil {
		metrics.UpdateComponent("store", false, err.Error())
		return nil, fmt.Errorf("cycle %d: list in-progress tasks: %w", cycleNumber, err)
	}
	tasksByWorker := make(map[string]bool, len(inProgressTasks))
	stuckByWorker := make(map[string]string, len(inProgressTasks))
	for _, t := range inProgressTasks {
		if t.WorkerID == nil {
			continue
		}
		tasksByWorker[*t.WorkerID] = true
		if t.GenerationStartedAt != nil && now.Sub(*t.GenerationStartedAt) > d.cfg.StuckTaskTimeout {
			stuckByWorker[*t.WorkerID] = t.ID
		}
	}
	health := d.lifecycle.HealthCheckActive(ctx, workers, tasksByWorker, stuckByWorker)

	// 5b. Hard failsafe: force-terminate anything with a heartbeat stale
	// past the failsafe threshold, independent of status or grace period.
	failsafed := d.lifecycle.EnforceFailsafe(ctx, workers)

	// 6. Orphan recovery for workers that went terminal in steps 4-5.
	terminalIDs := append(append(append([]string{}, promo.Errored...), health.Errored...), failsafed...)
	orphanReset, err := d.orphan.Recover(ctx, terminalIDs)
	if err != nil {
		logger.Error().Err(err).Msg("orphan recovery failed")
	}

	// 7. Scaling plan, gated by the safety valve, executed via C4.
	workersByStatus := countByStatus(workers)
	workload := planner.Workload(queued, inProgress)
	capacity := planner.Capacity(workersByStatus)
	spawnAllowed := d.valve.Evaluate(workers, now)
	intent := d.planner.Plan(cycleNumber, workload, capacity, spawnAllowed)

	actions := types.CycleActions{
		Promoted:         len(promo.Promoted),
		Failed:           len(promo.Errored) + len(health.Errored),
		Terminated:       len(failsafed),
		OrphanTasksReset: orphanReset,
	}

	switch intent.Decision {
	case types.DecisionSpawn:
		for i := 0; i < intent.SpawnCount; i++ {
			if _, err := d.lifecycle.Spawn(ctx, d.cfg.SpawnInstanceType); err != nil {
				logger.Error().Err(err).Msg("spawn failed")
				actions.Failed++
				continue
			}
			actions.Spawned++
		}
	case types.DecisionTerminate:
		eligible := make([]*types.Worker, 0, len(workers))
		for i := range workers {
			w := &workers[i]
			if w.Status != types.WorkerActive {
				continue
			}
			if tasksByWorker[w.ID] {
				continue
			}
			if !d.lifecycle.PastGracePeriod(w, now) {
				continue
			}
			eligible = append(eligible, w)
		}
		sort.Slice(eligible, func(i, j int) bool {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		})

		toDrain := intent.TerminateCount
		if n := len(eligible); n < toDrain {
			toDrain = n
		}
		if floor := workersByStatus[types.WorkerActive] - d.cfg.MinFleet; floor < toDrain {
			if floor < 0 {
				floor = 0
			}
			toDrain = floor
		}

		for i := 0; i < toDrain; i++ {
			w := eligible[i]
			if err := d.lifecycle.BeginDrain(ctx, w); err != nil {
				logger.Error().Err(err).Str("worker_id", w.ID).Msg("begin drain failed")
				continue
			}
		}
	}

	// 8. Drive terminating workers (this cycle's and prior cycles') through drain.
	for i := range workers {
		w := &workers[i]
		if w.Status != types.WorkerTerminating {
			continue
		}
		hasTask := tasksByWorker[w.ID]
		deadlineElapsed := w.Metadata.DrainStartedAt != nil && d.lifecycle.DrainDeadlineElapsed(w, *w.Metadata.DrainStartedAt)
		if hasTask && !deadlineElapsed {
			continue
		}
		if err := d.lifecycle.FinishDrain(ctx, w); err != nil {
			logger.Error().Err(err).Str("worker_id", w.ID).Msg("finish drain failed")
			continue
		}
		actions.Terminated++
	}

	// 9. Produce cycle summary, log at CRITICAL, collect anomalies.
	record := &types.CycleRecord{
		Number:          cycleNumber,
		Timestamp:       now,
		TasksByStatus:   map[types.TaskStatus]int{types.TaskQueued: queued, types.TaskInProgress: inProgress},
		WorkersByStatus: countByStatus(workers),
		Workload:        workload,
		Capacity:        capacity,
		DesiredWorkers:  intent.DesiredWorkers,
		Decision:        intent.Decision,
		Actions:         actions,
		Anomalies:       d.drainAnomalies(cycleNumber),
		SafetyValveOpen: spawnAllowed,
	}

	log.Critical(logger).
		Int("workload", record.Workload).
		Int("capacity", record.Capacity).
		Int("desired", record.DesiredWorkers).
		Str("decision", string(record.Decision)).
		Msg("cycle complete")

	// 10. Every K cycles, probe the log sink's health.
	if d.sink != nil && d.cfg.LogSinkProbeEvery > 0 && cycleNumber%d.cfg.LogSinkProbeEvery == 0 {
		d.probeLogSink(ctx, logger)
	}

	if d.sink != nil {
		d.sink.Enqueue(cycleSummaryLogRecord(record))
		metrics.ObserveLogSink(d.sink.StatsSnapshot())
	}
	metrics.ObserveCycle(record)

	d.mu.Lock()
	d.lastRecord = record
	d.mu.Unlock()

	// 11. Cycle context ends here: cycleNumber and logger are locals, not
	// stored anywhere, so there is nothing further to clear.
	return record, nil
}

// probeLogSink checks both halves of the log sink's liveness: the alive
// flag and whether Sent has advanced since the last probe. A wedged
// flusher (alive but stuck, e.g. blocked on a submitter that never
// returns) passes the alive-only check but fails here, and is reported
// as degraded and restarted exactly like a dead one.
func (d *Driver) probeLogSink(ctx context.Context, logger zerolog.Logger) {
	stats := d.sink.StatsSnapshot()
	wedged := stats.Alive && stats.Sent == d.lastSeenSent
	d.lastSeenSent = stats.Sent

	if stats.Alive && !wedged {
		metrics.UpdateComponent("logsink", true, "ok")
		return
	}

	detail := "flush loop not running"
	if wedged {
		detail = fmt.Sprintf("flush loop alive but sent count stuck at %d", stats.Sent)
	}
	d.sink.ReportDegraded(detail)

	logger.Warn().Msg("log sink unhealthy, restarting flush loop")
	if err := d.sink.Restart(ctx, d.cfg.ShutdownDrainDeadline); err != nil {
		metrics.UpdateComponent("logsink", false, err.Error())
		logger.Error().Err(err).Msg("log sink restart failed")
		return
	}
	metrics.UpdateComponent("logsink", true, "restarted")
}

// drainAnomalies non-blockingly collects every anomaly event the Scaling
// Planner published for this cycle, translating the broker's fire-and-
// forget pub/sub into the cycle summary's flat string list.
func (d *Driver) drainAnomalies(cycleNumber int64) []string {
	if d.anomalySub == nil {
		return nil
	}
	var anomalies []string
	for {
		select {
		case ev := <-d.anomalySub:
			if ev == nil {
				return anomalies
			}
			anomalies = append(anomalies, fmt.Sprintf("%s: %s", ev.Type, ev.Message))
		default:
			return anomalies
		}
	}
}

func countByStatus(workers []types.Worker) map[types.WorkerStatus]int {
	out := make(map[types.WorkerStatus]int, 5)
	for _, w := range workers {
		out[w.Status]++
	}
	return out
}

func cycleSummaryLogRecord(record *types.CycleRecord) types.LogRecord {
	cycleNumber := record.Number
	return types.LogRecord{
		Timestamp:   record.Timestamp,
		SourceType:  types.SourceOrchestratorGPU,
		SourceID:    "driver",
		Level:       types.LevelCritical,
		Message:     fmt.Sprintf("cycle complete: workload=%d capacity=%d desired=%d decision=%s", record.Workload, record.Capacity, record.DesiredWorkers, record.Decision),
		CycleNumber: &cycleNumber,
		Metadata: map[string]any{
			"workers_by_status": record.WorkersByStatus,
			"actions":           record.Actions,
			"anomalies":         record.Anomalies,
		},
	}
}
