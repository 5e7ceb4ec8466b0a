package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wan2gp/gpuctl/pkg/clock"
	"github.com/wan2gp/gpuctl/pkg/store"
	"github.com/wan2gp/gpuctl/pkg/types"
)

func testManager(t *testing.T, cloud *fakeCloudAPI, st *store.Fake, clk *clock.Fake) *Manager {
	t.Helper()
	cfg := Config{
		InitializeTimeout:      time.Second,
		HeartbeatStaleAfter:    30 * time.Second,
		DrainTimeout:           time.Minute,
		SpawningTimeout:        5 * time.Minute,
		GracePeriod:            0,
		FailsafeStaleThreshold: 15 * time.Minute,
		ImageName:              "worker:latest",
		GPUCount:               1,
	}
	return New(cfg, cloud, st, clk, zerolog.Nop(), func(workerID string) map[string]string {
		return map[string]string{"WORKER_ID": workerID}
	})
}

func TestSpawnRegistersThenCreatesPod(t *testing.T) {
	cloud := newFakeCloudAPI()
	st := store.NewFake()
	clk := clock.NewFake(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	m := testManager(t, cloud, st, clk)

	worker, err := m.Spawn(context.Background(), "NVIDIA A100")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerSpawning, worker.Status)
	assert.NotEmpty(t, worker.Metadata.RunpodID)

	stored, err := st.GetWorker(context.Background(), worker.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.Metadata.RunpodID, stored.Metadata.RunpodID)
}

func TestSpawnMarksErrorOnCreatePodFailure(t *testing.T) {
	cloud := newFakeCloudAPI()
	cloud.createErr = assertError("quota exceeded")
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, cloud, st, clk)

	_, err := m.Spawn(context.Background(), "NVIDIA A100")
	require.Error(t, err)

	workers, _ := st.ListWorkers(context.Background())
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerError, workers[0].Status)
}

func TestPromoteSpawningBecomesActiveWhenReady(t *testing.T) {
	cloud := newFakeCloudAPI()
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, cloud, st, clk)

	worker, err := m.Spawn(context.Background(), "NVIDIA A100")
	require.NoError(t, err)

	cloud.setState(worker.Metadata.RunpodID, "RUNNING")
	cloud.setInitReady(worker.Metadata.RunpodID, true)

	result := m.PromoteSpawning(context.Background(), []types.Worker{*worker})
	assert.Equal(t, []string{worker.ID}, result.Promoted)

	stored, _ := st.GetWorker(context.Background(), worker.ID)
	assert.Equal(t, types.WorkerActive, stored.Status)
	assert.True(t, stored.Metadata.Ready)
	assert.NotNil(t, stored.Metadata.PromotedToActiveAt)
}

func TestPromoteSpawningGoesToErrorWhenNotReady(t *testing.T) {
	cloud := newFakeCloudAPI()
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, cloud, st, clk)

	worker, err := m.Spawn(context.Background(), "NVIDIA A100")
	require.NoError(t, err)

	cloud.setState(worker.Metadata.RunpodID, "RUNNING")
	cloud.setInitReady(worker.Metadata.RunpodID, false)

	result := m.PromoteSpawning(context.Background(), []types.Worker{*worker})
	assert.Equal(t, []string{worker.ID}, result.Errored)

	stored, _ := st.GetWorker(context.Background(), worker.ID)
	assert.Equal(t, types.WorkerError, stored.Status)
	assert.True(t, cloud.terminated[worker.Metadata.RunpodID])
}

func TestPromoteSpawningGoesToErrorOnTerminalPodState(t *testing.T) {
	cloud := newFakeCloudAPI()
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, cloud, st, clk)

	worker, err := m.Spawn(context.Background(), "NVIDIA A100")
	require.NoError(t, err)
	cloud.setState(worker.Metadata.RunpodID, "FAILED")

	result := m.PromoteSpawning(context.Background(), []types.Worker{*worker})
	assert.Equal(t, []string{worker.ID}, result.Errored)
}

func TestPromoteSpawningTimesOutStuckPending(t *testing.T) {
	cloud := newFakeCloudAPI()
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, cloud, st, clk)

	worker, err := m.Spawn(context.Background(), "NVIDIA A100")
	require.NoError(t, err)
	cloud.setState(worker.Metadata.RunpodID, "PENDING")

	clk.Advance(6 * time.Minute)
	result := m.PromoteSpawning(context.Background(), []types.Worker{*worker})
	assert.Equal(t, []string{worker.ID}, result.Errored, "a pod stuck pending past SpawningTimeout must be reclaimed")

	stored, _ := st.GetWorker(context.Background(), worker.ID)
	assert.Equal(t, types.WorkerError, stored.Status)
}

func TestHealthCheckActiveRespectsGracePeriod(t *testing.T) {
	cloud := newFakeCloudAPI()
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	cfg := Config{
		InitializeTimeout:      time.Second,
		HeartbeatStaleAfter:    30 * time.Second,
		DrainTimeout:           time.Minute,
		SpawningTimeout:        5 * time.Minute,
		GracePeriod:            2 * time.Minute,
		FailsafeStaleThreshold: 15 * time.Minute,
		ImageName:              "worker:latest",
		GPUCount:               1,
	}
	m := New(cfg, cloud, st, clk, zerolog.Nop(), func(workerID string) map[string]string { return nil })

	promotedAt := clk.Now()
	staleHeartbeat := clk.Now().Add(-time.Hour)
	w := &types.Worker{
		ID: "gpu-1", Status: types.WorkerActive, LastHeartbeat: &staleHeartbeat,
		Metadata: types.WorkerMetadata{PromotedToActiveAt: &promotedAt},
	}
	require.NoError(t, st.RegisterWorker(context.Background(), w))

	result := m.HealthCheckActive(context.Background(), []types.Worker{*w}, map[string]bool{"gpu-1": true}, nil)
	assert.Empty(t, result.Errored, "a worker still inside its grace period must not be flagged on heartbeat staleness")
}

func TestEnforceFailsafeForceTerminatesStaleSpawningWorker(t *testing.T) {
	cloud := newFakeCloudAPI()
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, cloud, st, clk)

	worker, err := m.Spawn(context.Background(), "NVIDIA A100")
	require.NoError(t, err)
	stale := clk.Now().Add(-20 * time.Minute)
	worker.LastHeartbeat = &stale
	require.NoError(t, st.UpdateWorker(context.Background(), worker))

	terminated := m.EnforceFailsafe(context.Background(), []types.Worker{*worker})
	assert.Equal(t, []string{worker.ID}, terminated, "a spawning worker past the failsafe threshold is reclaimed even though no ordinary health check covers spawning workers")

	stored, _ := st.GetWorker(context.Background(), worker.ID)
	assert.Equal(t, types.WorkerTerminated, stored.Status)
	assert.True(t, cloud.terminated[worker.Metadata.RunpodID])
}

func TestEnforceFailsafeSkipsWorkerAlreadyErrored(t *testing.T) {
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, newFakeCloudAPI(), st, clk)

	stale := clk.Now().Add(-time.Hour)
	w := &types.Worker{
		ID: "gpu-1", Status: types.WorkerError, LastHeartbeat: &stale,
		Metadata: types.WorkerMetadata{ErrorReason: "heartbeat stale"},
	}
	require.NoError(t, st.RegisterWorker(context.Background(), w))

	terminated := m.EnforceFailsafe(context.Background(), []types.Worker{*w})
	assert.Empty(t, terminated, "a worker the ordinary health check already errored this cycle is left to that path, not double-handled by the failsafe")
}

func TestHealthCheckActiveFlagsStaleHeartbeatWithAssignedTask(t *testing.T) {
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, newFakeCloudAPI(), st, clk)

	staleTime := clk.Now().Add(-time.Hour)
	w := &types.Worker{ID: "gpu-1", Status: types.WorkerActive, LastHeartbeat: &staleTime}
	require.NoError(t, st.RegisterWorker(context.Background(), w))

	result := m.HealthCheckActive(context.Background(), []types.Worker{*w}, map[string]bool{"gpu-1": true}, nil)
	assert.Equal(t, []string{"gpu-1"}, result.Errored)

	stored, _ := st.GetWorker(context.Background(), "gpu-1")
	assert.Equal(t, types.WorkerError, stored.Status)
}

func TestHealthCheckActiveLeavesIdleStaleHeartbeatAlone(t *testing.T) {
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, newFakeCloudAPI(), st, clk)

	staleTime := clk.Now().Add(-time.Hour)
	w := &types.Worker{ID: "gpu-1", Status: types.WorkerActive, LastHeartbeat: &staleTime}
	require.NoError(t, st.RegisterWorker(context.Background(), w))

	result := m.HealthCheckActive(context.Background(), []types.Worker{*w}, nil, nil)
	assert.Empty(t, result.Errored, "a worker with no assigned task is idle-quiet, not dead, even with a stale heartbeat")
}

func TestHealthCheckActiveLeavesFreshHeartbeatAlone(t *testing.T) {
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, newFakeCloudAPI(), st, clk)

	fresh := clk.Now()
	w := &types.Worker{ID: "gpu-1", Status: types.WorkerActive, LastHeartbeat: &fresh}
	require.NoError(t, st.RegisterWorker(context.Background(), w))

	result := m.HealthCheckActive(context.Background(), []types.Worker{*w}, map[string]bool{"gpu-1": true}, nil)
	assert.Empty(t, result.Errored)
}

func TestHealthCheckActiveFlagsStuckTask(t *testing.T) {
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, newFakeCloudAPI(), st, clk)

	fresh := clk.Now()
	w := &types.Worker{ID: "gpu-1", Status: types.WorkerActive, LastHeartbeat: &fresh}
	require.NoError(t, st.RegisterWorker(context.Background(), w))

	result := m.HealthCheckActive(context.Background(), []types.Worker{*w}, nil, map[string]string{"gpu-1": "task-1"})
	assert.Equal(t, []string{"gpu-1"}, result.Errored)
}

func TestDrainLifecycle(t *testing.T) {
	cloud := newFakeCloudAPI()
	st := store.NewFake()
	clk := clock.NewFake(time.Now())
	m := testManager(t, cloud, st, clk)

	worker, err := m.Spawn(context.Background(), "NVIDIA A100")
	require.NoError(t, err)

	require.NoError(t, m.BeginDrain(context.Background(), worker))
	assert.Equal(t, types.WorkerTerminating, worker.Status)

	require.NoError(t, m.FinishDrain(context.Background(), worker))
	assert.Equal(t, types.WorkerTerminated, worker.Status)
	assert.True(t, cloud.terminated[worker.Metadata.RunpodID])
	assert.NotNil(t, worker.Metadata.TerminatedAt)
}

func TestDrainDeadlineElapsed(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := testManager(t, newFakeCloudAPI(), store.NewFake(), clk)

	start := clk.Now()
	assert.False(t, m.DrainDeadlineElapsed(&types.Worker{}, start))

	clk.Advance(2 * time.Minute)
	assert.True(t, m.DrainDeadlineElapsed(&types.Worker{}, start))
}

type assertErrorStr string

func (e assertErrorStr) Error() string { return string(e) }

func assertError(msg string) error { return assertErrorStr(msg) }
