// Package planner is the Scaling Planner (C5): it turns one cycle's
// workload and capacity reading into a desired worker count and a list of
// spawn/terminate intents, and watches for the handful of anomaly patterns
// worth surfacing to an operator (rapid scale-up, a workload spike,
// persistent queued work with no active workers).
package planner

import (
	"fmt"

	"github.com/wan2gp/gpuctl/pkg/events"
	"github.com/wan2gp/gpuctl/pkg/types"
)

// Config bounds and tunes the planner's formula.
type Config struct {
	MinFleet              int
	MaxFleet              int
	TasksPerWorker        int
	MachinesToKeepIdle    int
	RapidScaleUpThreshold int     // spawns in one cycle
	WorkloadSpikeFactor   float64 // multiplier over previous cycle's workload
	PersistentZeroCycles  int     // consecutive cycles before flagging
}

// Intent is the planner's verdict for one cycle: how many workers to spawn
// or terminate, and why.
type Intent struct {
	Decision       types.ScalingDecision
	DesiredWorkers int
	SpawnCount     int
	TerminateCount int
}

// Planner tracks the rolling state the anomaly detectors need across
// cycles (previous workload, consecutive zero-worker-with-queue cycles).
type Planner struct {
	cfg Config

	previousWorkload           int
	hasPreviousWorkload        bool
	consecutiveZeroWorkerQueue int
	broker                     *events.Broker
}

// New constructs a Planner. broker may be nil, in which case anomalies are
// computed but not published.
func New(cfg Config, broker *events.Broker) *Planner {
	return &Planner{cfg: cfg, broker: broker}
}

// Workload is the spec's workload formula: queued tasks plus in-progress
// tasks (both already exclude parent tasks, which the store adapter never
// counts).
func Workload(queued, inProgress int) int {
	return queued + inProgress
}

// Capacity is active+spawning worker count; terminating workers are
// deliberately excluded since they are already on their way out.
func Capacity(workersByStatus map[types.WorkerStatus]int) int {
	return workersByStatus[types.WorkerActive] + workersByStatus[types.WorkerSpawning]
}

// Plan computes the desired worker count and the cycle's Intent, given the
// current workload, capacity, and whether the safety valve permits new
// spawns. cycleNumber is used only for anomaly event annotation.
func (p *Planner) Plan(cycleNumber int64, workload, capacity int, spawnAllowed bool) Intent {
	ideal := 0
	if workload > 0 {
		ideal = ceilDiv(workload, p.cfg.TasksPerWorker)
	}

	desired := p.cfg.MinFleet
	if v := ideal + p.cfg.MachinesToKeepIdle; v > desired {
		desired = v
	}
	if desired > p.cfg.MaxFleet {
		desired = p.cfg.MaxFleet
	}

	p.detectAnomalies(cycleNumber, workload, capacity)

	intent := Intent{DesiredWorkers: desired}

	switch {
	case desired > capacity:
		if !spawnAllowed {
			intent.Decision = types.DecisionValveClose
			return intent
		}
		intent.Decision = types.DecisionSpawn
		intent.SpawnCount = desired - capacity
		if intent.SpawnCount >= p.cfg.RapidScaleUpThreshold {
			p.publish(events.EventRapidScaleUp, cycleNumber, fmt.Sprintf("spawning %d workers in one cycle (desired=%d, capacity=%d)", intent.SpawnCount, desired, capacity))
		}
	case desired < capacity:
		intent.Decision = types.DecisionTerminate
		intent.TerminateCount = capacity - desired
	default:
		intent.Decision = types.DecisionMaintain
	}

	return intent
}

// workloadSpikeFromZeroThreshold is the spec's special case for a spike
// detector whose formula divides by the previous cycle's workload: going
// from 0 to any multiple is an undefined ratio, so a jump to at least
// this many tasks is flagged directly instead.
const workloadSpikeFromZeroThreshold = 10

func (p *Planner) detectAnomalies(cycleNumber int64, workload, capacity int) {
	if p.hasPreviousWorkload {
		switch {
		case p.previousWorkload > 0:
			factor := float64(workload) / float64(p.previousWorkload)
			if factor >= p.cfg.WorkloadSpikeFactor {
				p.publish(events.EventWorkloadSpike, cycleNumber, fmt.Sprintf("workload jumped from %d to %d (%.1fx)", p.previousWorkload, workload, factor))
			}
		case workload >= workloadSpikeFromZeroThreshold:
			p.publish(events.EventWorkloadSpike, cycleNumber, fmt.Sprintf("workload jumped from 0 to %d", workload))
		}
	}
	p.previousWorkload = workload
	p.hasPreviousWorkload = true

	if workload > 0 && capacity == 0 {
		p.consecutiveZeroWorkerQueue++
		if p.consecutiveZeroWorkerQueue >= p.cfg.PersistentZeroCycles {
			p.publish(events.EventPersistentQueueZeroWorkers, cycleNumber, fmt.Sprintf("workload=%d with zero capacity for %d consecutive cycles", workload, p.consecutiveZeroWorkerQueue))
		}
	} else {
		p.consecutiveZeroWorkerQueue = 0
	}
}

func (p *Planner) publish(eventType events.EventType, cycleNumber int64, message string) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(&events.Event{Type: eventType, Message: message, CycleNumber: cycleNumber})
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
