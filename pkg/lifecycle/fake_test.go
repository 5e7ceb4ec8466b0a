package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wan2gp/gpuctl/pkg/cloudapi"
)

// fakeCloudAPI is an in-memory cloudapi.CloudAPI for lifecycle tests.
type fakeCloudAPI struct {
	mu         sync.Mutex
	pods       map[string]cloudapi.PodState
	initReady  map[string]bool
	terminated map[string]bool
	createErr  error
	nextPodID  int
}

func newFakeCloudAPI() *fakeCloudAPI {
	return &fakeCloudAPI{
		pods:       make(map[string]cloudapi.PodState),
		initReady:  make(map[string]bool),
		terminated: make(map[string]bool),
	}
}

func (f *fakeCloudAPI) CreatePod(ctx context.Context, spec cloudapi.PodSpec) (*cloudapi.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextPodID++
	id := fmt.Sprintf("pod-%d", f.nextPodID)
	f.pods[id] = cloudapi.PodStatePending
	return &cloudapi.Pod{ID: id, State: cloudapi.PodStatePending}, nil
}

func (f *fakeCloudAPI) TerminatePod(ctx context.Context, podID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated[podID] = true
	f.pods[podID] = cloudapi.PodStateTerminated
	return nil
}

func (f *fakeCloudAPI) GetPodState(ctx context.Context, podID string) (cloudapi.PodState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.pods[podID]
	if !ok {
		return "", fmt.Errorf("unknown pod %s", podID)
	}
	return state, nil
}

func (f *fakeCloudAPI) ListPods(ctx context.Context) ([]cloudapi.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cloudapi.Pod, 0, len(f.pods))
	for id, state := range f.pods {
		out = append(out, cloudapi.Pod{ID: id, State: state})
	}
	return out, nil
}

func (f *fakeCloudAPI) InitializePod(ctx context.Context, podID string, timeout time.Duration) (*cloudapi.InitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ready := f.initReady[podID]
	return &cloudapi.InitResult{Ready: ready, Message: "fake probe"}, nil
}

func (f *fakeCloudAPI) setState(podID string, state cloudapi.PodState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pods[podID] = state
}

func (f *fakeCloudAPI) setInitReady(podID string, ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initReady[podID] = ready
}
