package capsules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/caprun-io/caprun/pkg/models"
	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltin(t *testing.T) {
	descriptors := Builtin(nil)
	require.Len(t, descriptors, 5)

	names := make([]string, 0, len(descriptors))
	for _, desc := range descriptors {
		names = append(names, desc.Type.Name)
		assert.NotNil(t, desc.Executor, desc.Type.Name)
	}

	assert.Equal(t, []string{"http-request", "transform", "llm-generate", "image-generate", "file-export"}, names)
}

func TestHTTPRequestExecutor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"method": "` + r.Method + `", "echo": "` + string(body) + `", "auth": "` + r.Header.Get("Authorization") + `"}`))
	}))
	defer server.Close()

	executor := &HTTPRequestExecutor{}
	node := &models.Node{
		ID:   "fetch",
		Type: "http-request",
		Config: map[string]any{
			"url":     "{{.variables.api_host}}/items",
			"method":  "POST",
			"body":    `{{.upstream.extract.payload}}`,
			"headers": map[string]any{"Authorization": "Bearer token-1"},
		},
	}
	input := protocol.ExecutionInput{
		Variables: map[string]any{"api_host": server.URL},
		Upstream:  map[string]map[string]any{"extract": {"payload": "hello"}},
	}

	result, err := executor.Execute(context.Background(), node, input, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, result.Output["status_code"])

	parsed, ok := result.Output["json"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "POST", parsed["method"])
	assert.Equal(t, "hello", parsed["echo"])
	assert.Equal(t, "Bearer token-1", parsed["auth"])
}

func TestHTTPRequestExecutor_NonJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()

	executor := &HTTPRequestExecutor{}
	node := &models.Node{ID: "fetch", Type: "http-request", Config: map[string]any{"url": server.URL}}

	result, err := executor.Execute(context.Background(), node, protocol.ExecutionInput{}, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, "plain text", result.Output["body"])
	assert.NotContains(t, result.Output, "json")
}

func TestHTTPRequestExecutor_MissingURL(t *testing.T) {
	executor := &HTTPRequestExecutor{}
	node := &models.Node{ID: "fetch", Type: "http-request", Config: map[string]any{}}

	_, err := executor.Execute(context.Background(), node, protocol.ExecutionInput{}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no url configured")
}

func TestTransformExecutor(t *testing.T) {
	executor := &TransformExecutor{}
	input := protocol.ExecutionInput{
		Variables: map[string]any{"title": "Report"},
		Upstream:  map[string]map[string]any{"fetch": {"count": 3}},
	}

	node := &models.Node{
		ID:     "shape",
		Type:   "transform",
		Config: map[string]any{"expression": `{"title": "{{.variables.title}}", "count": {{.upstream.fetch.count}}}`},
	}

	result, err := executor.Execute(context.Background(), node, input, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "Report", result.Output["title"])
	assert.InDelta(t, 3, result.Output["count"], 0)

	// A scalar expression is wrapped so the output stays a map.
	node.Config["expression"] = "{{.variables.title}} v2"

	result, err = executor.Execute(context.Background(), node, input, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "Report v2", result.Output["result"])
}

func TestTransformExecutor_MissingExpression(t *testing.T) {
	executor := &TransformExecutor{}
	node := &models.Node{ID: "shape", Type: "transform", Config: map[string]any{}}

	_, err := executor.Execute(context.Background(), node, protocol.ExecutionInput{}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no expression configured")
}

type recordingJobs struct {
	jobType string
	config  map[string]any
	err     error
}

func (c *recordingJobs) Dispatch(_ context.Context, jobType string, config map[string]any) (string, error) {
	if c.err != nil {
		return "", c.err
	}

	c.jobType = jobType
	c.config = config

	return "job-123", nil
}

func (c *recordingJobs) Status(_ context.Context, _ string) (*protocol.JobStatus, error) {
	return nil, errors.New("not used")
}

func TestGatewayExecutor(t *testing.T) {
	jobs := &recordingJobs{}
	executor := &GatewayExecutor{jobs: jobs, jobType: "llm-generate"}
	node := &models.Node{
		ID:   "generate",
		Type: "llm-generate",
		Config: map[string]any{
			"model":      "draft-1",
			"prompt":     "Summarize {{.upstream.fetch.title}}",
			"max_tokens": 256,
		},
	}
	input := protocol.ExecutionInput{Upstream: map[string]map[string]any{"fetch": {"title": "the report"}}}

	result, err := executor.Execute(context.Background(), node, input, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, "job-123", result.BackingJobID)
	assert.Equal(t, "job-123", result.Output["job_id"])
	assert.Equal(t, "llm-generate", jobs.jobType)
	assert.Equal(t, "Summarize the report", jobs.config["prompt"])
	assert.Equal(t, "draft-1", jobs.config["model"])

	// Non-string config values pass through untouched.
	assert.Equal(t, 256, jobs.config["max_tokens"])
}

func TestGatewayExecutor_Errors(t *testing.T) {
	node := &models.Node{ID: "generate", Type: "llm-generate", Config: map[string]any{"model": "draft-1"}}

	executor := &GatewayExecutor{jobType: "llm-generate"}
	_, err := executor.Execute(context.Background(), node, protocol.ExecutionInput{}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backing job client")

	executor = &GatewayExecutor{jobs: &recordingJobs{err: errors.New("gateway down")}, jobType: "llm-generate"}
	_, err = executor.Execute(context.Background(), node, protocol.ExecutionInput{}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dispatch llm-generate job")
}
