package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPExecutor forwards step requests to an automation service over HTTP.
type HTTPExecutor struct {
	url    string
	client *http.Client
}

func NewHTTPExecutor(url string) *HTTPExecutor {
	return &HTTPExecutor{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type stepResponse struct {
	Output string `json:"output"`
	Done   bool   `json:"done"`
	Error  string `json:"error,omitempty"`
}

func (e *HTTPExecutor) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return StepResult{}, fmt.Errorf("marshal step request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return StepResult{}, fmt.Errorf("create step request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(httpReq)
	if err != nil {
		return StepResult{}, fmt.Errorf("send step request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return StepResult{}, fmt.Errorf("executor http status %d: %s", res.StatusCode, string(body))
	}

	var out stepResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return StepResult{}, fmt.Errorf("decode step response: %w", err)
	}
	if strings.TrimSpace(out.Error) != "" {
		return StepResult{}, fmt.Errorf("executor reported: %s", out.Error)
	}
	return StepResult{Output: out.Output, Done: out.Done}, nil
}
