package metrics

import (
	"github.com/wan2gp/gpuctl/pkg/logsink"
	"github.com/wan2gp/gpuctl/pkg/types"
)

// ObserveCycle updates the gauges and counters a completed control-loop
// cycle affects. Unlike the teacher's polling Collector, there is nothing
// to poll here: a cycle runs to completion and hands over one CycleRecord,
// so metrics are pushed from that record directly rather than scraped off
// a running manager on a timer.
func ObserveCycle(record *types.CycleRecord) {
	for _, status := range []types.WorkerStatus{
		types.WorkerSpawning, types.WorkerActive, types.WorkerTerminating,
		types.WorkerTerminated, types.WorkerError,
	} {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(record.WorkersByStatus[status]))
	}

	DesiredWorkers.Set(float64(record.DesiredWorkers))
	Capacity.Set(float64(record.Capacity))
	Workload.Set(float64(record.Workload))

	valveOpen := 0.0
	if record.SafetyValveOpen {
		valveOpen = 1.0
	}
	SafetyValveOpen.Set(valveOpen)

	OrphanTasksReset.Add(float64(record.Actions.OrphanTasksReset))
	CyclesTotal.WithLabelValues(string(record.Decision)).Inc()
}

// ObserveLogSink mirrors a Log Sink Stats snapshot into the gauges other
// components (the status server, dashboards) scrape.
func ObserveLogSink(stats logsink.Stats) {
	LogSinkQueued.Set(float64(stats.Queued))
	LogSinkSent.Set(float64(stats.Sent))
	LogSinkDropped.Set(float64(stats.Dropped))
	LogSinkErrors.Set(float64(stats.Errors))
}
