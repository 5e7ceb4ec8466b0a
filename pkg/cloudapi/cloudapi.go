// Package cloudapi talks to the GPU cloud provider's REST API: creating and
// terminating pods, polling pod state, and running the one-shot readiness
// probe a freshly created pod must pass before the lifecycle manager will
// promote it to active.
//
// The wire shape (pod id, desired image, env injection, a small state enum)
// mirrors a containerd-style runtime wrapper's create/start/stop/status
// verbs, adapted from a local container runtime to an HTTP client against a
// remote provider.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wan2gp/gpuctl/pkg/clock"
)

// PodState is the cloud provider's reported lifecycle state for a pod.
type PodState string

const (
	PodStatePending    PodState = "PENDING"
	PodStateRunning    PodState = "RUNNING"
	PodStateExited     PodState = "EXITED"
	PodStateTerminated PodState = "TERMINATED"
	PodStateFailed     PodState = "FAILED"
)

// Kind is the closed set of failure categories a cloud API call can surface,
// classified from the provider's HTTP status. Only TerminatePod consults it
// (NotFound counts as success: the pod is already gone). No call is retried
// within a cycle, whatever its Kind, and the lifecycle manager does not
// branch on Kind: any CreatePod error sends the new worker to error, and a
// failed state poll during promotion is simply tried again next cycle.
type Kind string

const (
	KindNotFound  Kind = "not_found"
	KindAuth      Kind = "auth"
	KindQuota     Kind = "quota"
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// Error is a classified cloud API error.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cloudapi: %s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("cloudapi: %s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// kindForStatus maps an HTTP status code from the provider API onto a Kind.
func kindForStatus(status int) Kind {
	switch status {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusTooManyRequests, 529:
		return KindQuota
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindFatal
	default:
		if status >= 500 {
			return KindTransient
		}
		return KindFatal
	}
}

// PodSpec describes the pod to create. Env is merged with the fixed set of
// variables every worker pod needs (worker id, store credentials, task
// completion callback) by the caller before CreatePod is invoked.
type PodSpec struct {
	WorkerID     string
	InstanceType string
	ImageName    string
	GPUCount     int
	Env          map[string]string
}

// Pod is the provider's view of a running or recently-terminated pod.
type Pod struct {
	ID        string
	State     PodState
	SSHHost   string
	SSHPort   int
	CostPerHr float64
	Details   map[string]any
}

// InitResult is the outcome of the one-shot initialize_pod readiness probe.
type InitResult struct {
	Ready   bool
	Message string
}

// CloudAPI is the Cloud API Adapter's contract, implemented here against a
// RunPod-like REST API and satisfied by a fake in tests.
type CloudAPI interface {
	CreatePod(ctx context.Context, spec PodSpec) (*Pod, error)
	TerminatePod(ctx context.Context, podID string) error
	GetPodState(ctx context.Context, podID string) (PodState, error)
	ListPods(ctx context.Context) ([]Pod, error)
	InitializePod(ctx context.Context, podID string, timeout time.Duration) (*InitResult, error)
}

// initPollInterval is the gap between InitializePod readiness polls.
// Overridden in tests to keep them fast.
var initPollInterval = 2 * time.Second

// HTTPCloudAPI is the production CloudAPI, talking JSON-over-HTTPS to the
// provider's pod management endpoint.
type HTTPCloudAPI struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	clock      clock.Clock
}

// NewHTTPCloudAPI constructs an HTTPCloudAPI. timeout bounds every single
// request; callers needing a longer end-to-end deadline (e.g. InitializePod)
// pass their own context. clk is consulted for InitializePod's deadline
// bookkeeping so the readiness poll is as fake-clock-testable as every
// other duration-aware component.
func NewHTTPCloudAPI(baseURL, apiKey string, timeout time.Duration, clk clock.Clock) *HTTPCloudAPI {
	return &HTTPCloudAPI{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		clock: clk,
	}
}

type createPodRequest struct {
	Name         string            `json:"name"`
	ImageName    string            `json:"imageName"`
	GPUCount     int               `json:"gpuCount"`
	InstanceType string            `json:"instanceType"`
	Env          map[string]string `json:"env"`
}

type podResponse struct {
	ID        string         `json:"id"`
	State     PodState       `json:"desiredStatus"`
	SSHHost   string         `json:"sshHost,omitempty"`
	SSHPort   int            `json:"sshPort,omitempty"`
	CostPerHr float64        `json:"costPerHr,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (p podResponse) toPod() Pod {
	return Pod{
		ID:        p.ID,
		State:     p.State,
		SSHHost:   p.SSHHost,
		SSHPort:   p.SSHPort,
		CostPerHr: p.CostPerHr,
		Details:   p.Details,
	}
}

// do executes an HTTP request against the provider API and decodes a JSON
// response into out (when non-nil), translating non-2xx responses into a
// classified *Error.
func (c *HTTPCloudAPI) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return newError(KindFatal, "encode request body", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return newError(KindFatal, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(KindTransient, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return newError(KindTransient, "read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newError(kindForStatus(resp.StatusCode), fmt.Sprintf("%s %s -> %d: %s", method, path, resp.StatusCode, string(respBody)), nil)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return newError(KindFatal, "decode response body", err)
		}
	}
	return nil
}

// CreatePod requests a new pod. The returned Pod's ID is the provider's pod
// id, which becomes WorkerMetadata.RunpodID.
func (c *HTTPCloudAPI) CreatePod(ctx context.Context, spec PodSpec) (*Pod, error) {
	var resp podResponse
	err := c.do(ctx, http.MethodPost, "/pods", createPodRequest{
		Name:         spec.WorkerID,
		ImageName:    spec.ImageName,
		GPUCount:     spec.GPUCount,
		InstanceType: spec.InstanceType,
		Env:          spec.Env,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create pod %s: %w", spec.WorkerID, err)
	}
	pod := resp.toPod()
	return &pod, nil
}

// TerminatePod requests termination. A NotFound response is treated as
// success: the pod is already gone, which is the desired end state.
func (c *HTTPCloudAPI) TerminatePod(ctx context.Context, podID string) error {
	err := c.do(ctx, http.MethodDelete, "/pods/"+podID, nil, nil)
	if err != nil {
		var classified *Error
		if asCloudError(err, &classified) && classified.Kind == KindNotFound {
			return nil
		}
		return fmt.Errorf("terminate pod %s: %w", podID, err)
	}
	return nil
}

// GetPodState polls the provider for a pod's current lifecycle state.
func (c *HTTPCloudAPI) GetPodState(ctx context.Context, podID string) (PodState, error) {
	var resp podResponse
	if err := c.do(ctx, http.MethodGet, "/pods/"+podID, nil, &resp); err != nil {
		return "", fmt.Errorf("get pod state %s: %w", podID, err)
	}
	return resp.State, nil
}

// ListPods returns every pod the account currently owns, used by the
// supplemented reconcile-pods operation to find pods with no matching
// worker row.
func (c *HTTPCloudAPI) ListPods(ctx context.Context) ([]Pod, error) {
	var resp struct {
		Pods []podResponse `json:"pods"`
	}
	if err := c.do(ctx, http.MethodGet, "/pods", nil, &resp); err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	pods := make([]Pod, 0, len(resp.Pods))
	for _, p := range resp.Pods {
		pods = append(pods, p.toPod())
	}
	return pods, nil
}

// InitializePod runs the bounded one-shot readiness probe: it polls the
// pod's state until it reports RUNNING or the timeout elapses. This is
// deliberately not an ongoing liveness check — once a pod is promoted,
// heartbeat staleness is the only liveness signal the lifecycle manager
// trusts.
func (c *HTTPCloudAPI) InitializePod(ctx context.Context, podID string, timeout time.Duration) (*InitResult, error) {
	deadline := c.clock.Now().Add(timeout)
	pollInterval := initPollInterval

	for {
		state, err := c.GetPodState(ctx, podID)
		if err != nil {
			return nil, fmt.Errorf("initialize pod %s: %w", podID, err)
		}
		switch state {
		case PodStateRunning:
			return &InitResult{Ready: true, Message: "pod running"}, nil
		case PodStateExited, PodStateTerminated, PodStateFailed:
			return &InitResult{Ready: false, Message: fmt.Sprintf("pod reached terminal state %s before becoming ready", state)}, nil
		}

		if c.clock.Now().After(deadline) {
			return &InitResult{Ready: false, Message: "timed out waiting for pod to become ready"}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("initialize pod %s: %w", podID, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// asCloudError is a plain type assertion standing in for errors.As: unlike
// errors.As it does not unwrap, so err must be the *Error itself (as do
// returns it), not an fmt.Errorf wrapper around one.
func asCloudError(err error, target **Error) bool {
	ce, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = ce
	return true
}
