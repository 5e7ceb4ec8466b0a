// Package lifecycle is the Worker Lifecycle Manager (C4): it drives each
// worker through spawning -> active -> terminating -> terminated, with an
// error state reachable from spawning (failed promotion) and active
// (failed health check); a terminating worker is never sent to error, it
// leaves only through FinishDrain or EnforceFailsafe. It reports every
// worker that became terminal (error or terminated) during the cycle so
// orphan recovery knows whose in-flight tasks to reset.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wan2gp/gpuctl/pkg/clock"
	"github.com/wan2gp/gpuctl/pkg/cloudapi"
	"github.com/wan2gp/gpuctl/pkg/store"
	"github.com/wan2gp/gpuctl/pkg/types"
)

// Config bounds the lifecycle manager's timeouts.
type Config struct {
	// InitializeTimeout bounds the one-shot readiness probe after a pod
	// reports running.
	InitializeTimeout time.Duration
	// HeartbeatStaleAfter is how long without a heartbeat before an
	// active worker is considered dead. This is the lifecycle manager's
	// only liveness signal; it never probes the worker over the network.
	HeartbeatStaleAfter time.Duration
	// DrainTimeout bounds how long a terminating worker is given to
	// finish its in-flight task before being force-terminated.
	DrainTimeout time.Duration
	// SpawningTimeout bounds how long a worker may sit in spawning before
	// it is sent to error regardless of the pod's reported state; without
	// it a pod wedged in PENDING forever would never be reclaimed.
	SpawningTimeout time.Duration
	// GracePeriod is how long after promotion a worker is exempt from
	// heartbeat-staleness and stuck-task health checks, giving the
	// worker process time to start heartbeating before it is judged.
	GracePeriod time.Duration
	// FailsafeStaleThreshold is the hard backstop: any worker with a
	// heartbeat older than this is force-terminated regardless of its
	// current status, independent of the ordinary active-worker health
	// check and its grace period.
	FailsafeStaleThreshold time.Duration
	// ImageName and GPUCount parameterise every spawned pod.
	ImageName string
	GPUCount  int
}

// Manager is the Worker Lifecycle Manager.
type Manager struct {
	cfg     Config
	cloud   cloudapi.CloudAPI
	store   store.Store
	clock   clock.Clock
	logger  zerolog.Logger
	envFunc func(workerID string) map[string]string
}

// New constructs a Manager. envFunc builds the per-pod environment
// (worker id, store credentials, task completion callback) injected at
// CreatePod time; it is a func rather than a fixed map so secrets are
// resolved fresh for every spawn.
func New(cfg Config, cloud cloudapi.CloudAPI, st store.Store, clk clock.Clock, logger zerolog.Logger, envFunc func(workerID string) map[string]string) *Manager {
	return &Manager{cfg: cfg, cloud: cloud, store: st, clock: clk, logger: logger, envFunc: envFunc}
}

// Spawn registers a new worker row (optimistic registration, before the
// pod exists) and then requests the pod. If pod creation fails, the
// worker is marked error rather than left dangling in spawning forever: a
// crash between the two steps leaves a tracked row pointing at no pod,
// which is recoverable, never a pod with no tracked row.
func (m *Manager) Spawn(ctx context.Context, instanceType string) (*types.Worker, error) {
	now := m.clock.Now()
	worker := &types.Worker{
		ID:           types.NewWorkerID(now),
		Status:       types.WorkerSpawning,
		InstanceType: instanceType,
		CreatedAt:    now,
	}

	if err := m.store.RegisterWorker(ctx, worker); err != nil {
		return nil, fmt.Errorf("spawn: register worker: %w", err)
	}

	env := m.envFunc(worker.ID)
	pod, err := m.cloud.CreatePod(ctx, cloudapi.PodSpec{
		WorkerID:     worker.ID,
		InstanceType: instanceType,
		ImageName:    m.cfg.ImageName,
		GPUCount:     m.cfg.GPUCount,
		Env:          env,
	})
	if err != nil {
		worker.Status = types.WorkerError
		worker.Metadata.ErrorReason = fmt.Sprintf("create pod: %v", err)
		_ = m.store.UpdateWorker(ctx, worker)
		return nil, fmt.Errorf("spawn %s: %w", worker.ID, err)
	}

	worker.Metadata.RunpodID = pod.ID
	if err := m.store.UpdateWorker(ctx, worker); err != nil {
		return nil, fmt.Errorf("spawn %s: persist pod id: %w", worker.ID, err)
	}
	return worker, nil
}

// PromotionResult tallies one cycle's promotion pass.
type PromotionResult struct {
	Promoted []string
	Errored  []string
}

// PromoteSpawning advances every spawning worker: it polls the pod's state
// and, once running, runs the bounded readiness probe before flipping the
// worker to active. A pod that reaches a terminal cloud state, or fails
// its readiness probe, sends the worker to error instead.
func (m *Manager) PromoteSpawning(ctx context.Context, workers []types.Worker) PromotionResult {
	var result PromotionResult

	for i := range workers {
		w := &workers[i]
		if w.Status != types.WorkerSpawning || w.Metadata.RunpodID == "" {
			continue
		}

		state, err := m.cloud.GetPodState(ctx, w.Metadata.RunpodID)
		if err != nil {
			m.logger.Warn().Str("worker_id", w.ID).Err(err).Msg("failed to poll pod state during promotion")
			continue
		}

		if state != cloudapi.PodStateRunning && m.clock.Now().Sub(w.CreatedAt) > m.cfg.SpawningTimeout {
			m.sendToError(ctx, w, "spawning timeout exceeded")
			result.Errored = append(result.Errored, w.ID)
			continue
		}

		switch state {
		case cloudapi.PodStateRunning:
			initResult, err := m.cloud.InitializePod(ctx, w.Metadata.RunpodID, m.cfg.InitializeTimeout)
			if err != nil || initResult == nil || !initResult.Ready {
				m.sendToError(ctx, w, "readiness probe failed or errored")
				result.Errored = append(result.Errored, w.ID)
				continue
			}
			now := m.clock.Now()
			w.Status = types.WorkerActive
			w.Metadata.Ready = true
			w.Metadata.PromotedToActiveAt = &now
			w.LastHeartbeat = &now
			if err := m.store.UpdateWorker(ctx, w); err != nil {
				m.logger.Error().Str("worker_id", w.ID).Err(err).Msg("failed to persist promotion")
				continue
			}
			result.Promoted = append(result.Promoted, w.ID)

		case cloudapi.PodStateExited, cloudapi.PodStateTerminated, cloudapi.PodStateFailed:
			m.sendToError(ctx, w, fmt.Sprintf("pod reached terminal state %s before promotion", state))
			result.Errored = append(result.Errored, w.ID)
		}
	}

	return result
}

// HealthCheckResult tallies one cycle's health-check pass.
type HealthCheckResult struct {
	Errored []string
}

// HealthCheckActive looks only at heartbeat staleness: no SSH or network
// probe is ever issued to an already-promoted worker. A stale or missing
// heartbeat is only an error when the worker has a task assigned to it;
// an active worker with no assigned task and no heartbeat is idle-quiet,
// not dead, and is left alone. A worker with a stuck task (in progress
// well past when it should have completed, while still heartbeating) is
// always sent to error, since a live-but-wedged worker is as useless as
// a dead one. stuckTasks maps a worker id to the stuck task's id, used
// only to annotate the error reason.
func (m *Manager) HealthCheckActive(ctx context.Context, workers []types.Worker, hasAssignedTask map[string]bool, stuckTasks map[string]string) HealthCheckResult {
	var result HealthCheckResult
	now := m.clock.Now()

	for i := range workers {
		w := &workers[i]
		if w.Status != types.WorkerActive {
			continue
		}
		if w.Metadata.PromotedToActiveAt != nil && now.Sub(*w.Metadata.PromotedToActiveAt) < m.cfg.GracePeriod {
			continue
		}

		if taskID, stuck := stuckTasks[w.ID]; stuck {
			m.sendToError(ctx, w, fmt.Sprintf("Stuck task %s", taskID))
			result.Errored = append(result.Errored, w.ID)
			continue
		}

		if !hasAssignedTask[w.ID] {
			continue
		}

		if w.LastHeartbeat == nil {
			m.sendToError(ctx, w, "heartbeat stale (no heartbeat received)")
			result.Errored = append(result.Errored, w.ID)
			continue
		}
		if age := now.Sub(*w.LastHeartbeat); age > m.cfg.HeartbeatStaleAfter {
			m.sendToError(ctx, w, fmt.Sprintf("heartbeat stale (%s since last heartbeat)", age.Round(time.Second)))
			result.Errored = append(result.Errored, w.ID)
		}
	}
	return result
}

// PastGracePeriod reports whether w was promoted to active long enough
// ago that it is no longer exempt from health and termination checks. A
// worker never promoted (PromotedToActiveAt nil) is treated as past
// grace, since it has no promotion time to measure from.
func (m *Manager) PastGracePeriod(w *types.Worker, now time.Time) bool {
	return w.Metadata.PromotedToActiveAt == nil || now.Sub(*w.Metadata.PromotedToActiveAt) >= m.cfg.GracePeriod
}

// EnforceFailsafe force-terminates any worker whose heartbeat has gone
// stale past FailsafeStaleThreshold, regardless of its current status or
// grace period. It is a hard backstop behind the ordinary health check,
// catching what the status-scoped checks miss (a worker stuck in
// spawning or terminating with a pod that never actually shut down),
// not a replacement for them: a worker the ordinary checks already sent
// to error this cycle is left alone.
func (m *Manager) EnforceFailsafe(ctx context.Context, workers []types.Worker) []string {
	var terminated []string
	now := m.clock.Now()

	for i := range workers {
		w := &workers[i]
		if w.Status == types.WorkerTerminated || w.LastHeartbeat == nil || w.Metadata.ErrorReason != "" {
			continue
		}
		if now.Sub(*w.LastHeartbeat) <= m.cfg.FailsafeStaleThreshold {
			continue
		}

		if w.Metadata.RunpodID != "" {
			if err := m.cloud.TerminatePod(ctx, w.Metadata.RunpodID); err != nil {
				m.logger.Warn().Str("worker_id", w.ID).Err(err).Msg("best-effort pod termination failed during failsafe")
			}
		}
		term := now
		w.Status = types.WorkerTerminated
		w.Metadata.TerminatedAt = &term
		if w.Metadata.ErrorReason == "" {
			w.Metadata.ErrorReason = "failsafe: heartbeat stale past failsafe threshold"
		}
		if err := m.store.UpdateWorker(ctx, w); err != nil {
			m.logger.Error().Str("worker_id", w.ID).Err(err).Msg("failed to persist failsafe termination")
			continue
		}
		terminated = append(terminated, w.ID)
	}
	return terminated
}

// BeginDrain transitions an active worker to terminating. The worker
// remains IsCapacity()==false from that point, so the planner's next
// Plan call no longer counts it, but InFleet()==true until termination
// actually completes.
func (m *Manager) BeginDrain(ctx context.Context, w *types.Worker) error {
	now := m.clock.Now()
	w.Status = types.WorkerTerminating
	w.Metadata.DrainStartedAt = &now
	if err := m.store.UpdateWorker(ctx, w); err != nil {
		return fmt.Errorf("begin drain %s: %w", w.ID, err)
	}
	return nil
}

// FinishDrain force-terminates a worker once its drain timeout has
// elapsed or it has no in-flight task, best-effort terminating the pod
// even on a store update failure: an untracked pod costs money, an
// untracked row does not.
func (m *Manager) FinishDrain(ctx context.Context, w *types.Worker) error {
	if w.Metadata.RunpodID != "" {
		if err := m.cloud.TerminatePod(ctx, w.Metadata.RunpodID); err != nil {
			m.logger.Warn().Str("worker_id", w.ID).Err(err).Msg("best-effort pod termination failed during drain")
		}
	}
	now := m.clock.Now()
	w.Status = types.WorkerTerminated
	w.Metadata.TerminatedAt = &now
	if err := m.store.UpdateWorker(ctx, w); err != nil {
		return fmt.Errorf("finish drain %s: %w", w.ID, err)
	}
	return nil
}

// DrainDeadlineElapsed reports whether a terminating worker has exceeded
// its DrainTimeout and must be force-terminated regardless of in-flight
// work.
func (m *Manager) DrainDeadlineElapsed(w *types.Worker, drainStartedAt time.Time) bool {
	return m.clock.Now().Sub(drainStartedAt) > m.cfg.DrainTimeout
}

// sendToError transitions a worker to the error state and makes a
// best-effort attempt to terminate its pod; the pod-termination failure
// is logged but never blocks the state transition, since an orphaned pod
// is an operator-visible cost leak, not a correctness problem the control
// loop can fix by retrying forever.
func (m *Manager) sendToError(ctx context.Context, w *types.Worker, reason string) {
	if w.Metadata.RunpodID != "" {
		if err := m.cloud.TerminatePod(ctx, w.Metadata.RunpodID); err != nil {
			m.logger.Warn().Str("worker_id", w.ID).Err(err).Msg("best-effort pod termination failed on error path")
		}
	}
	w.Status = types.WorkerError
	w.Metadata.ErrorReason = reason
	if err := m.store.UpdateWorker(ctx, w); err != nil {
		m.logger.Error().Str("worker_id", w.ID).Err(err).Msg("failed to persist error transition")
	}
}
