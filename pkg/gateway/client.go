package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxStatusBody = 4 << 20

// StatusClient reads /status from a running gateway.
type StatusClient struct {
	baseURL string
	http    *http.Client
}

// NewStatusClient targets baseURL, e.g. "http://127.0.0.1:18790". A bare
// host:port is accepted too.
func NewStatusClient(baseURL string, timeout time.Duration) *StatusClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &StatusClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *StatusClient) Status(ctx context.Context) (StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("request status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return StatusResponse{}, fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return StatusResponse{}, fmt.Errorf("status endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var status StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return StatusResponse{}, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}
