// Package gateway implements the HTTP client for the external backing job
// service that runs async capsule work (model calls, image generation,
// file export).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/caprun-io/caprun/pkg/protocol"
)

const defaultRequestTimeout = 15 * time.Second

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     logger.With("module", "gateway"),
	}
}

type dispatchRequest struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

type dispatchResponse struct {
	JobID string `json:"job_id"`
}

// Dispatch submits a job and returns the gateway-assigned job id.
func (c *Client) Dispatch(ctx context.Context, jobType string, config map[string]any) (string, error) {
	body, err := json.Marshal(dispatchRequest{Type: jobType, Config: config})
	if err != nil {
		return "", fmt.Errorf("failed to encode dispatch request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("gateway dispatch failed: %w", err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusCreated && response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway dispatch returned status %d", response.StatusCode)
	}

	var decoded dispatchResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode dispatch response: %w", err)
	}

	if decoded.JobID == "" {
		return "", fmt.Errorf("gateway dispatch returned no job id")
	}

	c.logger.DebugContext(ctx, "dispatched backing job", "job_type", jobType, "job_id", decoded.JobID)

	return decoded.JobID, nil
}

// Status fetches the ground-truth state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*protocol.JobStatus, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("gateway status check failed: %w", err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("backing job '%s' not found", jobID)
	}

	if response.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 512))

		return nil, fmt.Errorf("gateway status returned %d: %s", response.StatusCode, payload)
	}

	var status protocol.JobStatus
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode job status: %w", err)
	}

	return &status, nil
}
