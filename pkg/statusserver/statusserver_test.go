package statusserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wan2gp/gpuctl/pkg/types"
)

type fakeRecordSource struct {
	record *types.CycleRecord
}

func (f fakeRecordSource) LastRecord() *types.CycleRecord { return f.record }

func TestHealthzReturnsOK(t *testing.T) {
	s := New(":0", nil, zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestStatusReturnsRunningWithNoDriver(t *testing.T) {
	s := New(":0", nil, zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "running" {
		t.Errorf("Status = %q, want %q", resp.Status, "running")
	}
	if resp.LastCycle != nil {
		t.Errorf("LastCycle = %+v, want nil", resp.LastCycle)
	}
}

func TestStatusIncludesLastCycleFromDriver(t *testing.T) {
	src := fakeRecordSource{record: &types.CycleRecord{
		Number:         42,
		Decision:       types.DecisionSpawn,
		DesiredWorkers: 3,
	}}
	s := New(":0", src, zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	var resp statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.LastCycle == nil || resp.LastCycle.Number != 42 {
		t.Errorf("LastCycle = %+v, want Number=42", resp.LastCycle)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := New(":0", nil, zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}
