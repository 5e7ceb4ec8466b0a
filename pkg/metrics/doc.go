/*
Package metrics defines and registers the orchestrator's Prometheus series
(fleet size by status, desired count, capacity, workload, cycle duration,
safety-valve state, Log Sink counters) and exposes them via the standard
promhttp handler. ObserveCycle and ObserveLogSink push values in from a
completed CycleRecord or Stats snapshot rather than scraping a running
component on a timer, since a control-loop cycle is a discrete event with a
clear end, not continuously-polled state.
*/
package metrics
