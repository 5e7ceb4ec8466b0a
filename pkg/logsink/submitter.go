package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wan2gp/gpuctl/pkg/types"
)

// HTTPSubmitter submits log batches to the shared task/worker store's
// log table via the same PostgREST-style RPC convention pkg/store uses.
type HTTPSubmitter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSubmitter constructs an HTTPSubmitter.
func NewHTTPSubmitter(baseURL, apiKey string, httpClient *http.Client) *HTTPSubmitter {
	return &HTTPSubmitter{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient}
}

// Probe confirms the insert_logs RPC is reachable and present by
// submitting a zero-record batch against the same endpoint SubmitBatch
// uses, rather than inventing a dedicated health-check call.
func (h *HTTPSubmitter) Probe(ctx context.Context) error {
	return h.SubmitBatch(ctx, nil)
}

func (h *HTTPSubmitter) SubmitBatch(ctx context.Context, records []types.LogRecord) error {
	body, err := json.Marshal(map[string]any{"records": records})
	if err != nil {
		return fmt.Errorf("encode log batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/rpc/insert_logs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build log batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("apikey", h.apiKey)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit log batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("submit log batch: unexpected status %d", resp.StatusCode)
	}
	return nil
}
