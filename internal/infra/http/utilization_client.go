package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"priority-dispatch/internal/domain"
)

// UtilizationClient reads the utilization agent's /use_score endpoint.
type UtilizationClient struct {
	client  *http.Client
	baseURL string
}

var _ domain.UtilizationReader = (*UtilizationClient)(nil)

// NewUtilizationClient creates a client for the agent at baseURL.
func NewUtilizationClient(baseURL string, timeout time.Duration) *UtilizationClient {
	return &UtilizationClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Scores returns utilization per instance.
func (c *UtilizationClient) Scores(ctx context.Context) (map[string]domain.NodeUtilization, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/use_score", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("utilization request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("utilization agent returned %s", resp.Status)
	}

	var scores map[string]domain.NodeUtilization
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("failed to decode utilization response: %w", err)
	}
	return scores, nil
}
