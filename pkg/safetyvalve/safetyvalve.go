// Package safetyvalve is the Failure-Rate Safety Valve (C6): each cycle it
// recomputes the ratio of failed to recently-created workers over a
// trailing window and blocks new spawns when that ratio crosses a
// threshold, so a systemic failure (bad image, broken cloud region,
// misconfigured credentials) doesn't spend the fleet spawning workers that
// are doomed to fail the same way.
//
// Note on terminology: "valve open" in the spec means spawns are allowed to
// flow through, which is the opposite sense from a circuit breaker's
// "closed" (requests flow) / "open" (requests blocked) states. SpawnAllowed
// translates between the two: it is true exactly when the underlying
// breaker is not in its Open state.
//
// The window ratio is recomputed fresh from the worker list every cycle
// (so failures genuinely age out as the window slides), but the breaker's
// Open state still imposes a minimum cooldown (ReopenAfter) before a fresh
// evaluation is even considered, and then only as a single trial: this
// dampens the thrash that a pure "recompute and flip every cycle" rule
// would otherwise produce near the threshold boundary.
package safetyvalve

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wan2gp/gpuctl/pkg/types"
)

var errRatioAboveThreshold = errors.New("recent worker failure ratio at or above threshold")

// Config controls the valve's window, minimum sample size, and trip
// threshold.
type Config struct {
	// Window is how far back a worker's CreatedAt must fall to count
	// toward the recent sample.
	Window time.Duration
	// MinSample is the minimum number of recently-created workers
	// observed before the valve is eligible to trip; below it the valve
	// stays open regardless of failure ratio.
	MinSample int
	// Threshold is the failed/recent ratio at or above which the valve
	// closes.
	Threshold float64
	// ReopenAfter is the minimum cooldown after the valve closes before a
	// fresh evaluation is allowed to reopen it.
	ReopenAfter time.Duration
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:      30 * time.Minute,
		MinSample:   5,
		Threshold:   0.8,
		ReopenAfter: 5 * time.Minute,
	}
}

// Valve is the Failure-Rate Safety Valve.
type Valve struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

// New constructs a Valve. onStateChange, if non-nil, is notified whenever
// the valve flips between allowing and blocking spawns.
func New(cfg Config, onStateChange func(from, to gobreaker.State)) *Valve {
	settings := gobreaker.Settings{
		Name:        "failure_rate_safety_valve",
		MaxRequests: 1,
		Timeout:     cfg.ReopenAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	}
	if onStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onStateChange(from, to)
		}
	}

	return &Valve{
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// failedWorker reports whether w counts as a "failure" for the window: it
// reached error or terminated with a non-empty error reason. A worker
// drained via BeginDrain/FinishDrain never has ErrorReason set, so a benign
// scale-down does not count against the ratio; a terminal worker with an
// empty ErrorReason is never counted, whatever its exit path.
func failedWorker(w types.Worker) bool {
	if w.Status != types.WorkerError && w.Status != types.WorkerTerminated {
		return false
	}
	return w.Metadata.ErrorReason != ""
}

// Evaluate recomputes the recent/failed counts directly from the worker
// list (CreatedAt within the window) and runs one breaker trial against
// that verdict. It returns whether the valve currently allows spawns; call
// it once per cycle, before consulting SpawnAllowed.
func (v *Valve) Evaluate(workers []types.Worker, now time.Time) bool {
	var recent, failed int
	cutoff := now.Add(-v.cfg.Window)
	for _, w := range workers {
		if w.CreatedAt.Before(cutoff) {
			continue
		}
		recent++
		if failedWorker(w) {
			failed++
		}
	}

	_, _ = v.breaker.Execute(func() (interface{}, error) {
		if recent < v.cfg.MinSample {
			return nil, nil
		}
		if float64(failed)/float64(recent) >= v.cfg.Threshold {
			return nil, errRatioAboveThreshold
		}
		return nil, nil
	})

	return v.SpawnAllowed()
}

// SpawnAllowed reports whether the valve currently permits new spawns.
func (v *Valve) SpawnAllowed() bool {
	return v.breaker.State() != gobreaker.StateOpen
}

// Counts returns the breaker's current trial counters, for logging and the
// status server.
func (v *Valve) Counts() gobreaker.Counts {
	return v.breaker.Counts()
}

// String renders the valve's current state for log lines.
func (v *Valve) String() string {
	state := v.breaker.State()
	counts := v.breaker.Counts()
	return fmt.Sprintf("state=%s requests=%d failures=%d", state, counts.Requests, counts.TotalFailures)
}
