// Package types defines the orchestrator's data model: tasks and workers as
// owned by the external store and the core respectively, plus the
// in-memory CycleRecord and LogRecord produced by one control-loop pass.
//
// Tasks are owned externally — the core only reads status/attempts/worker
// assignment and resets orphans. Workers are owned by the core: the
// orchestrator is the sole writer of Status and most of Metadata; the
// external worker process writes only LastHeartbeat and the VRAM fields.
package types
