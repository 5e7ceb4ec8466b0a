// Package store is the Task/Worker Store Adapter: the orchestrator's only
// dependency on the external relational task and worker tables. Every other
// component reads and mutates tasks and workers exclusively through the
// Store interface defined here.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/wan2gp/gpuctl/pkg/orcherr"
	"github.com/wan2gp/gpuctl/pkg/types"
)

// Store is the Task/Worker Store Adapter's contract. Implementations own
// the external table's eventual consistency and retry budget; callers see
// either a result or a classified error.
type Store interface {
	// CountAvailableTasks returns the number of tasks eligible for
	// claiming (Queued, not a parent task) and the number currently
	// In Progress, used by the Scaling Planner's workload formula.
	CountAvailableTasks(ctx context.Context) (queued, inProgress int, err error)

	// ListInProgressTasks returns every non-parent task currently In
	// Progress, worker_id and generation_started_at populated, for the
	// Worker Lifecycle Manager's stuck-task detector.
	ListInProgressTasks(ctx context.Context) ([]types.Task, error)

	// ResetOrphanedTasks resets In Progress tasks owned by the given
	// worker IDs back to Queued (or Failed at MaxAttempts), excluding
	// parent tasks, and returns how many rows were reset.
	ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error)

	// RegisterWorker inserts a new worker row in the spawning state,
	// before the corresponding pod is requested from the cloud
	// provider, so a crash between registration and pod creation never
	// orphans a pod with no tracking row.
	RegisterWorker(ctx context.Context, worker *types.Worker) error

	// UpdateWorker persists the full worker row, used on every status
	// transition and metadata update.
	UpdateWorker(ctx context.Context, worker *types.Worker) error

	// ListWorkers returns every worker row the orchestrator owns.
	ListWorkers(ctx context.Context) ([]types.Worker, error)

	// GetWorker fetches a single worker row by id.
	GetWorker(ctx context.Context, workerID string) (*types.Worker, error)

	// CleanupOldLogs deletes log records past the retention window,
	// returning the number of rows removed. Invoked out-of-band by the
	// cleanup-logs CLI subcommand, never from the per-cycle hot path.
	CleanupOldLogs(ctx context.Context, olderThan time.Duration) (int, error)
}

// retryConfig bounds the capped exponential backoff every HTTPStore call
// applies to transient failures (5xx, timeouts, connection resets).
type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

var defaultRetry = retryConfig{
	maxAttempts: 3,
	baseDelay:   100 * time.Millisecond,
	maxDelay:    1 * time.Second,
}

// HTTPStore is the production Store, calling a PostgREST-style RPC endpoint
// over HTTPS with a bearer service-role key.
type HTTPStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      retryConfig
}

// NewHTTPStore constructs an HTTPStore against baseURL (the task store's
// REST root) authenticating with apiKey.
func NewHTTPStore(baseURL, apiKey string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry: defaultRetry,
	}
}

// rpc calls a PostgREST RPC function (POST /rpc/<name>) with the given
// params as the JSON body, decoding the response into out, and retrying
// transient failures with capped exponential backoff plus jitter.
func (s *HTTPStore) rpc(ctx context.Context, name string, params, out any) error {
	var lastErr error
	delay := s.retry.baseDelay

	for attempt := 0; attempt < s.retry.maxAttempts; attempt++ {
		if attempt > 0 {
			jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))
			select {
			case <-ctx.Done():
				return orcherr.Wrap(orcherr.KindTransient, "rpc "+name, ctx.Err())
			case <-time.After(jittered):
			}
			delay *= 2
			if delay > s.retry.maxDelay {
				delay = s.retry.maxDelay
			}
		}

		err := s.doRPC(ctx, name, params, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if kind, ok := orcherr.KindOf(err); !ok || kind != orcherr.KindTransient {
			return err
		}
	}
	return orcherr.Wrap(orcherr.KindTransient, fmt.Sprintf("rpc %s exhausted %d attempts", name, s.retry.maxAttempts), lastErr)
}

func (s *HTTPStore) doRPC(ctx context.Context, name string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return orcherr.Wrap(orcherr.KindFatal, "encode rpc params", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rpc/"+name, bytes.NewReader(body))
	if err != nil {
		return orcherr.Wrap(orcherr.KindFatal, "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return orcherr.Wrap(orcherr.KindTransient, "rpc "+name+" request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return orcherr.Wrap(orcherr.KindTransient, "rpc "+name+" read response", err)
	}

	if resp.StatusCode >= 500 {
		return orcherr.Wrap(orcherr.KindTransient, fmt.Sprintf("rpc %s -> %d: %s", name, resp.StatusCode, string(respBody)), nil)
	}
	if resp.StatusCode >= 400 {
		return orcherr.New(orcherr.KindFatal, fmt.Sprintf("rpc %s -> %d: %s", name, resp.StatusCode, string(respBody)))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return orcherr.Wrap(orcherr.KindFatal, "decode rpc "+name+" response", err)
		}
	}
	return nil
}

func (s *HTTPStore) CountAvailableTasks(ctx context.Context) (queued, inProgress int, err error) {
	var out struct {
		Queued     int `json:"queued"`
		InProgress int `json:"in_progress"`
	}
	if err := s.rpc(ctx, "count_available_tasks", map[string]any{}, &out); err != nil {
		return 0, 0, fmt.Errorf("count available tasks: %w", err)
	}
	return out.Queued, out.InProgress, nil
}

func (s *HTTPStore) ListInProgressTasks(ctx context.Context) ([]types.Task, error) {
	var out []types.Task
	if err := s.rpc(ctx, "list_in_progress_tasks", map[string]any{}, &out); err != nil {
		return nil, fmt.Errorf("list in-progress tasks: %w", err)
	}
	return out, nil
}

func (s *HTTPStore) ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error) {
	var out struct {
		Reset int `json:"reset_count"`
	}
	err := s.rpc(ctx, "reset_orphaned_tasks", map[string]any{"worker_ids": workerIDs, "max_attempts": types.MaxAttempts}, &out)
	if err != nil {
		return 0, fmt.Errorf("reset orphaned tasks: %w", err)
	}
	return out.Reset, nil
}

func (s *HTTPStore) RegisterWorker(ctx context.Context, worker *types.Worker) error {
	if err := s.rpc(ctx, "register_worker", workerToParams(worker), nil); err != nil {
		return fmt.Errorf("register worker %s: %w", worker.ID, err)
	}
	return nil
}

func (s *HTTPStore) UpdateWorker(ctx context.Context, worker *types.Worker) error {
	if err := s.rpc(ctx, "update_worker", workerToParams(worker), nil); err != nil {
		return fmt.Errorf("update worker %s: %w", worker.ID, err)
	}
	return nil
}

func (s *HTTPStore) ListWorkers(ctx context.Context) ([]types.Worker, error) {
	var out []types.Worker
	if err := s.rpc(ctx, "list_workers", map[string]any{}, &out); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return out, nil
}

func (s *HTTPStore) GetWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	var out types.Worker
	if err := s.rpc(ctx, "get_worker", map[string]any{"worker_id": workerID}, &out); err != nil {
		return nil, fmt.Errorf("get worker %s: %w", workerID, err)
	}
	return &out, nil
}

func (s *HTTPStore) CleanupOldLogs(ctx context.Context, olderThan time.Duration) (int, error) {
	var out struct {
		Deleted int `json:"deleted_count"`
	}
	cutoffHours := int(olderThan.Hours())
	if err := s.rpc(ctx, "cleanup_old_logs", map[string]any{"older_than_hours": cutoffHours}, &out); err != nil {
		return 0, fmt.Errorf("cleanup old logs: %w", err)
	}
	return out.Deleted, nil
}

func workerToParams(w *types.Worker) map[string]any {
	return map[string]any{
		"id":             w.ID,
		"status":         w.Status,
		"instance_type":  w.InstanceType,
		"created_at":     w.CreatedAt,
		"last_heartbeat": w.LastHeartbeat,
		"metadata":       w.Metadata,
	}
}
