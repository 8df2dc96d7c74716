package capsules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/caprun-io/caprun/pkg/template"
)

const httpRequestTimeout = 30 * time.Second

// HTTPRequestType describes the http-request capsule.
func HTTPRequestType() *models.CapsuleType {
	return &models.CapsuleType{
		Name:        "http-request",
		DisplayName: "HTTP Request",
		Description: "Performs an HTTP request and exposes the response to downstream nodes",
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to request. Supports templating with {{.variables.api_host}} style expressions",
				},
				"method": map[string]any{
					"type":    "string",
					"default": "GET",
					"enum":    []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD"},
				},
				"headers": map[string]any{
					"type":        "object",
					"description": "HTTP headers as key/value pairs",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Request body, templated like url",
				},
			},
			"required": []string{"url"},
		},
		InputSlots:  Slot("trigger"),
		OutputSlots: Slot("response"),
		Testable:    true,
	}
}

// HTTPRequestExecutor runs http-request nodes inline.
type HTTPRequestExecutor struct{}

func (e *HTTPRequestExecutor) Execute(ctx context.Context, node *models.Node, input protocol.ExecutionInput, logger *slog.Logger) (*protocol.ExecutionResult, error) {
	url, err := renderString(node.Config, "url", input)
	if err != nil {
		return nil, err
	}

	if url == "" {
		return nil, fmt.Errorf("http-request node '%s' has no url configured", node.ID)
	}

	method, _ := node.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	body, err := renderString(node.Config, "body", input)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	ctx, cancel := context.WithTimeout(ctx, httpRequestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	if headers, ok := node.Config["headers"].(map[string]any); ok {
		for key, value := range headers {
			if str, ok := value.(string); ok {
				request.Header.Set(key, str)
			}
		}
	}

	logger.InfoContext(ctx, "executing http request", "node_id", node.ID, "method", method, "url", url)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	output := map[string]any{
		"status_code": response.StatusCode,
		"body":        string(responseBody),
	}

	var parsed any
	if json.Unmarshal(responseBody, &parsed) == nil {
		output["json"] = parsed
	}

	return &protocol.ExecutionResult{Output: output}, nil
}

func renderString(config map[string]any, key string, input protocol.ExecutionInput) (string, error) {
	raw, _ := config[key].(string)
	if raw == "" || !template.NeedsTemplating(raw) {
		return raw, nil
	}

	rendered, err := template.Render(raw, map[string]any{
		"variables": input.Variables,
		"upstream":  input.Upstream,
	})
	if err != nil {
		return "", err
	}

	if str, ok := rendered.(string); ok {
		return str, nil
	}

	encoded, err := json.Marshal(rendered)
	if err != nil {
		return "", err
	}

	return string(encoded), nil
}

// Slot builds a single default slot list with the conventional "data" type.
func Slot(id string) []models.Slot {
	return []models.Slot{{ID: id, DataType: "data"}}
}
