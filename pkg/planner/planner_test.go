package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wan2gp/gpuctl/pkg/events"
	"github.com/wan2gp/gpuctl/pkg/types"
)

func testConfig() Config {
	return Config{
		MinFleet:              0,
		MaxFleet:              20,
		TasksPerWorker:        4,
		MachinesToKeepIdle:    1,
		RapidScaleUpThreshold: 3,
		WorkloadSpikeFactor:   10,
		PersistentZeroCycles:  3,
	}
}

func TestPlanZeroWorkloadWantsMinFleet(t *testing.T) {
	cfg := testConfig()
	cfg.MachinesToKeepIdle = 0 // the idle margin is added even at zero workload
	p := New(cfg, nil)
	intent := p.Plan(1, 0, 0, true)
	assert.Equal(t, 0, intent.DesiredWorkers)
	assert.Equal(t, types.DecisionMaintain, intent.Decision)
}

func TestPlanScalesUpWithIdleMargin(t *testing.T) {
	p := New(testConfig(), nil)
	// workload=10, tasksPerWorker=4 -> ideal=3, +1 idle = 4
	intent := p.Plan(1, 10, 1, true)
	assert.Equal(t, 4, intent.DesiredWorkers)
	assert.Equal(t, types.DecisionSpawn, intent.Decision)
	assert.Equal(t, 3, intent.SpawnCount)
}

func TestPlanCapsAtMaxFleet(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFleet = 2
	p := New(cfg, nil)
	intent := p.Plan(1, 100, 0, true)
	assert.Equal(t, 2, intent.DesiredWorkers)
}

func TestPlanTerminatesExcessCapacity(t *testing.T) {
	p := New(testConfig(), nil)
	// desired = max(0, 0 + 1 idle) = 1, so 5 - 1 = 4 surplus
	intent := p.Plan(1, 0, 5, true)
	assert.Equal(t, types.DecisionTerminate, intent.Decision)
	assert.Equal(t, 4, intent.TerminateCount)
}

func TestPlanValveClosedBlocksSpawn(t *testing.T) {
	p := New(testConfig(), nil)
	intent := p.Plan(1, 10, 0, false)
	assert.Equal(t, types.DecisionValveClose, intent.Decision)
	assert.Equal(t, 0, intent.SpawnCount)
}

func TestDetectsRapidScaleUp(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	p := New(testConfig(), broker)
	p.Plan(1, 40, 0, true) // ideal=10+1=11 desired, spawn 11 >= threshold 3

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventRapidScaleUp, ev.Type)
	default:
		t.Fatal("expected a rapid scale-up event")
	}
}

func TestDetectsWorkloadSpike(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	p := New(testConfig(), broker)
	p.Plan(1, 5, 5, true)
	p.Plan(2, 100, 5, true) // 20x jump

	var sawSpike bool
	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub:
			if ev.Type == events.EventWorkloadSpike {
				sawSpike = true
			}
		default:
		}
	}
	assert.True(t, sawSpike)
}

func TestDetectsPersistentQueueWithZeroWorkers(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	p := New(testConfig(), broker)
	for i := int64(1); i <= 3; i++ {
		p.Plan(i, 5, 0, false)
	}

	var sawPersistentZero bool
	for i := 0; i < 10; i++ {
		select {
		case ev := <-sub:
			if ev.Type == events.EventPersistentQueueZeroWorkers {
				sawPersistentZero = true
			}
		default:
		}
	}
	assert.True(t, sawPersistentZero)
}

func TestWorkloadAndCapacityHelpers(t *testing.T) {
	assert.Equal(t, 7, Workload(5, 2))
	assert.Equal(t, 3, Capacity(map[types.WorkerStatus]int{
		types.WorkerActive:    2,
		types.WorkerSpawning:  1,
		types.WorkerTerminating: 10,
	}))
}
