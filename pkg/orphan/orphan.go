// Package orphan is Orphan Recovery (C7): after the Worker Lifecycle
// Manager reports which workers became terminal this cycle, it resets
// those workers' In Progress tasks back to Queued (or Failed, once a task
// has exhausted its attempts) so no task is stranded waiting on a worker
// that no longer exists.
package orphan

import (
	"context"
	"fmt"

	"github.com/wan2gp/gpuctl/pkg/store"
)

// Recoverer resets tasks orphaned by workers that just went terminal.
type Recoverer struct {
	store store.Store
}

// New constructs a Recoverer.
func New(st store.Store) *Recoverer {
	return &Recoverer{store: st}
}

// Recover resets every In Progress task owned by one of terminalWorkerIDs.
// It is a no-op, returning 0, nil, when no workers went terminal this
// cycle: orphan recovery only ever looks at the current cycle's
// transitions, not historical state, since the store itself is the
// authority on what is currently In Progress.
func (r *Recoverer) Recover(ctx context.Context, terminalWorkerIDs []string) (int, error) {
	if len(terminalWorkerIDs) == 0 {
		return 0, nil
	}
	reset, err := r.store.ResetOrphanedTasks(ctx, terminalWorkerIDs)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned tasks: %w", err)
	}
	return reset, nil
}
