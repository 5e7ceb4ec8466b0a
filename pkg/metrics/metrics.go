package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkersTotal tracks fleet size by lifecycle status.
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuctl_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	// DesiredWorkers is the Scaling Planner's most recent desired count.
	DesiredWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuctl_desired_workers",
			Help: "Desired worker count computed by the most recent cycle",
		},
	)

	// Capacity is active+spawning worker count (terminating excluded).
	Capacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuctl_capacity",
			Help: "Current fleet capacity (active + spawning workers)",
		},
	)

	// Workload is queued+in-progress task count.
	Workload = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuctl_workload",
			Help: "Current workload (queued + in-progress tasks, excluding parent tasks)",
		},
	)

	// CycleDuration times one control-loop pass.
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpuctl_cycle_duration_seconds",
			Help:    "Duration of one control-loop cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// SafetyValveOpen is 1 when spawns are currently allowed, 0 when the
	// failure-rate safety valve has tripped.
	SafetyValveOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuctl_safety_valve_open",
			Help: "Whether the failure-rate safety valve currently permits new spawns (1) or has tripped (0)",
		},
	)

	// Log Sink metrics, one gauge per Stats field.
	LogSinkQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuctl_log_sink_queued",
			Help: "Lifetime count of log records accepted into the sink's queue",
		},
	)
	LogSinkSent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuctl_log_sink_sent",
			Help: "Lifetime count of log records successfully submitted",
		},
	)
	LogSinkDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuctl_log_sink_dropped",
			Help: "Lifetime count of log records dropped (queue full, or a failed batch that could not be spilled)",
		},
	)
	LogSinkErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpuctl_log_sink_errors",
			Help: "Lifetime count of failed batch submissions",
		},
	)

	// OrphanTasksReset counts tasks reset from In Progress back to Queued
	// or Failed by orphan recovery, across all cycles.
	OrphanTasksReset = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuctl_orphan_tasks_reset_total",
			Help: "Total number of orphaned tasks reset across all cycles",
		},
	)

	// CyclesTotal counts completed control-loop cycles by decision.
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuctl_cycles_total",
			Help: "Total number of control-loop cycles completed by scaling decision",
		},
		[]string{"decision"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(DesiredWorkers)
	prometheus.MustRegister(Capacity)
	prometheus.MustRegister(Workload)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(SafetyValveOpen)
	prometheus.MustRegister(LogSinkQueued)
	prometheus.MustRegister(LogSinkSent)
	prometheus.MustRegister(LogSinkDropped)
	prometheus.MustRegister(LogSinkErrors)
	prometheus.MustRegister(OrphanTasksReset)
	prometheus.MustRegister(CyclesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
