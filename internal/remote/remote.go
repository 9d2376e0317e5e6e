// Package remote stages job inputs in object storage and hands the job to a
// server-side execution endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/quire/internal/task"
)

// Staged identifies one uploaded input file.
type Staged struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// DispatchRequest describes a job to the remote execution endpoint.
type DispatchRequest struct {
	JobID string      `json:"jobId"`
	Files []Staged    `json:"files"`
	Steps []task.Step `json:"steps"`
	Tool  string      `json:"tool"`
}

// maxErrorBody caps how much of a failed response is quoted in the error.
const maxErrorBody = 512

// HTTPDispatcher posts dispatch requests as JSON.
type HTTPDispatcher struct {
	url    string
	client *http.Client
}

// NewHTTPDispatcher returns a dispatcher for the endpoint at url.
func NewHTTPDispatcher(url string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{url: url, client: &http.Client{Timeout: timeout}}
}

// Dispatch sends req. Any non-2xx response is an error carrying the start
// of the response body.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal dispatch request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("dispatch job: server returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}
