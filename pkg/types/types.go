// Package types holds the data model shared across the orchestrator: the
// external Task and core-owned Worker records, and the in-memory Cycle and
// Log records produced by a control-loop pass.
package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task in the external task store.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "Queued"
	TaskInProgress TaskStatus = "In Progress"
	TaskComplete   TaskStatus = "Complete"
	TaskFailed     TaskStatus = "Failed"
	TaskCancelled  TaskStatus = "Cancelled"
)

var parentTaskTypePattern = regexp.MustCompile(`(?i)orchestrator`)

// Task is an externally owned unit of work. The orchestrator reads counts
// and resets orphans; it never creates, claims, or completes tasks itself.
type Task struct {
	ID                    string
	Status                TaskStatus
	Attempts              int
	WorkerID              *string
	GenerationStartedAt   *time.Time
	GenerationProcessedAt *time.Time
	TaskType              string
	Params                map[string]any
	ResultData            map[string]any
	ErrorMessage          string
	OutputLocation        string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsParent reports whether this task's type matches /orchestrator/i, making
// it ineligible for orphan reset regardless of its worker or attempt count.
func (t *Task) IsParent() bool {
	return parentTaskTypePattern.MatchString(t.TaskType)
}

// MaxAttempts is the attempt ceiling after which a failed task moves to
// Failed instead of back to Queued, and after which orphan recovery will no
// longer reset it.
const MaxAttempts = 3

// WorkerStatus is the lifecycle state of a worker, owned exclusively by the
// orchestrator (the external worker process only ever writes heartbeat and
// VRAM metadata fields).
type WorkerStatus string

const (
	WorkerSpawning    WorkerStatus = "spawning"
	WorkerActive      WorkerStatus = "active"
	WorkerTerminating WorkerStatus = "terminating"
	WorkerTerminated  WorkerStatus = "terminated"
	WorkerError       WorkerStatus = "error"
)

// WorkerMetadata is the tagged structure backing the worker's free-form
// metadata bag: a well-known core of fields the orchestrator and cloud
// adapter read and write, plus an opaque extension map for anything else a
// deployment attaches (e.g. future provider-specific fields), so the schema
// can grow without a core type change.
type WorkerMetadata struct {
	RunpodID           string         `json:"runpod_id,omitempty"`
	PodDetails         map[string]any `json:"pod_details,omitempty"`
	SSHDetails         map[string]any `json:"ssh_details,omitempty"`
	Ready              bool           `json:"ready"`
	OrchestratorStatus string         `json:"orchestrator_status,omitempty"`
	PromotedToActiveAt *time.Time     `json:"promoted_to_active_at,omitempty"`
	DrainStartedAt     *time.Time     `json:"drain_started_at,omitempty"`
	TerminatedAt       *time.Time     `json:"terminated_at,omitempty"`
	ErrorReason        string         `json:"error_reason,omitempty"`
	RAMTier            string         `json:"ram_tier,omitempty"`
	StorageVolume      string         `json:"storage_volume,omitempty"`
	VRAMTotalMB        *int64         `json:"vram_total_mb,omitempty"`
	VRAMUsedMB         *int64         `json:"vram_used_mb,omitempty"`
	VRAMTimestamp      *time.Time     `json:"vram_timestamp,omitempty"`

	// Extra carries any additional key/value pairs the deployment attaches
	// that the core does not interpret.
	Extra map[string]any `json:"-"`
}

// Worker is a GPU worker owned by the orchestrator.
type Worker struct {
	ID            string
	Status        WorkerStatus
	InstanceType  string
	CreatedAt     time.Time
	LastHeartbeat *time.Time
	Metadata      WorkerMetadata
}

// NewWorkerID generates a globally unique worker id of the form
// gpu-<UTC timestamp>-<random suffix>. Because this id is also the pod name
// requested from the cloud provider, the store's primary-key uniqueness
// constraint is what actually prevents duplicate pod creation.
func NewWorkerID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("gpu-%d-%s", now.UTC().Unix(), suffix)
}

// InFleet reports whether the worker counts toward the fleet (spawning,
// active, or terminating — i.e. not yet fully torn down).
func (w *Worker) InFleet() bool {
	switch w.Status {
	case WorkerSpawning, WorkerActive, WorkerTerminating:
		return true
	default:
		return false
	}
}

// IsCapacity reports whether the worker counts toward scaling capacity.
// Terminating workers are deliberately excluded: they are on their way out
// and should not suppress a spawn that would otherwise be needed.
func (w *Worker) IsCapacity() bool {
	return w.Status == WorkerActive || w.Status == WorkerSpawning
}

// CycleActions tallies what the control loop did during one cycle.
type CycleActions struct {
	Promoted         int
	Failed           int
	Spawned          int
	Terminated       int
	OrphanTasksReset int
}

// ScalingDecision records the planner's verdict for a cycle, for logging and
// for the testable "either spawned, or valve closed, or capacity >= desired"
// invariant.
type ScalingDecision string

const (
	DecisionMaintain   ScalingDecision = "maintain"
	DecisionSpawn      ScalingDecision = "spawn"
	DecisionTerminate  ScalingDecision = "terminate"
	DecisionValveClose ScalingDecision = "valve_closed"
)

// CycleRecord is the in-memory artefact produced by one pass of the control
// loop. It is written to the log sink, and the driver keeps only the most
// recent one (for LastRecord); no cycle state is required to survive into
// the next cycle for correctness.
type CycleRecord struct {
	Number          int64
	Timestamp       time.Time
	TasksByStatus   map[TaskStatus]int
	WorkersByStatus map[WorkerStatus]int
	Workload        int
	Capacity        int
	DesiredWorkers  int
	Decision        ScalingDecision
	Actions         CycleActions
	Anomalies       []string
	SafetyValveOpen bool
}

// SourceType identifies the kind of process that produced a LogRecord.
type SourceType string

const (
	SourceOrchestratorGPU SourceType = "orchestrator_gpu"
	SourceOrchestratorAPI SourceType = "orchestrator_api"
	SourceWorker          SourceType = "worker"
)

// LogLevel is the severity of a LogRecord, mirroring spec.md's level set.
type LogLevel string

const (
	LevelDebug    LogLevel = "DEBUG"
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

// LogRecord is an immutable event destined for the shared log store.
type LogRecord struct {
	Timestamp   time.Time
	SourceType  SourceType
	SourceID    string
	Level       LogLevel
	Message     string
	TaskID      *string
	WorkerID    *string
	CycleNumber *int64
	Metadata    map[string]any
}
