package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wan2gp/gpuctl/pkg/types"
)

// Fake is an in-memory Store used by every other package's test suite.
// It is not part of the production binary.
type Fake struct {
	mu      sync.Mutex
	Tasks   map[string]*types.Task
	Workers map[string]*types.Worker

	// ResetCalls records each call to ResetOrphanedTasks for assertions.
	ResetCalls [][]string
}

// NewFake constructs an empty Fake store.
func NewFake() *Fake {
	return &Fake{
		Tasks:   make(map[string]*types.Task),
		Workers: make(map[string]*types.Worker),
	}
}

func (f *Fake) CountAvailableTasks(ctx context.Context) (queued, inProgress int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range f.Tasks {
		switch t.Status {
		case types.TaskQueued:
			if !t.IsParent() {
				queued++
			}
		case types.TaskInProgress:
			if !t.IsParent() {
				inProgress++
			}
		}
	}
	return queued, inProgress, nil
}

func (f *Fake) ListInProgressTasks(ctx context.Context) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]types.Task, 0)
	for _, t := range f.Tasks {
		if t.Status == types.TaskInProgress && !t.IsParent() {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *Fake) ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ResetCalls = append(f.ResetCalls, workerIDs)

	owned := make(map[string]bool, len(workerIDs))
	for _, id := range workerIDs {
		owned[id] = true
	}

	reset := 0
	for _, t := range f.Tasks {
		if t.Status != types.TaskInProgress || t.WorkerID == nil || !owned[*t.WorkerID] || t.IsParent() {
			continue
		}
		if t.Attempts >= types.MaxAttempts {
			// Already exhausted before this reset; invariant 4 says leave
			// it alone entirely, not even a status change.
			continue
		}
		t.Attempts++
		if t.Attempts >= types.MaxAttempts {
			t.Status = types.TaskFailed
			t.WorkerID = nil
		} else {
			t.Status = types.TaskQueued
			t.WorkerID = nil
		}
		reset++
	}
	return reset, nil
}

func (f *Fake) RegisterWorker(ctx context.Context, worker *types.Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.Workers[worker.ID]; exists {
		return fmt.Errorf("register worker %s: %w", worker.ID, errDuplicateWorker)
	}
	cp := *worker
	f.Workers[worker.ID] = &cp
	return nil
}

func (f *Fake) UpdateWorker(ctx context.Context, worker *types.Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.Workers[worker.ID]; !exists {
		return fmt.Errorf("update worker %s: %w", worker.ID, errWorkerNotFound)
	}
	cp := *worker
	f.Workers[worker.ID] = &cp
	return nil
}

func (f *Fake) ListWorkers(ctx context.Context) ([]types.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]types.Worker, 0, len(f.Workers))
	for _, w := range f.Workers {
		out = append(out, *w)
	}
	return out, nil
}

func (f *Fake) GetWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, exists := f.Workers[workerID]
	if !exists {
		return nil, fmt.Errorf("get worker %s: %w", workerID, errWorkerNotFound)
	}
	cp := *w
	return &cp, nil
}

// CleanupOldLogs is a no-op on the fake: log records are a production-only
// concern the control-loop test suite never seeds.
func (f *Fake) CleanupOldLogs(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

// AddTask is a test helper for seeding the fake's task table directly.
func (f *Fake) AddTask(t *types.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tasks[t.ID] = t
}

var (
	errDuplicateWorker = fmt.Errorf("worker already registered")
	errWorkerNotFound  = fmt.Errorf("worker not found")
)
