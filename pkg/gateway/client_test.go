package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/caprun-io/caprun/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Dispatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/jobs", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			Type   string         `json:"type"`
			Config map[string]any `json:"config"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "image-generate", req.Type)
		assert.Equal(t, "draft-1", req.Config["model"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"job_id": "job-9"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, slog.Default())

	jobID, err := client.Dispatch(t.Context(), "image-generate", map[string]any{"model": "draft-1"})
	require.NoError(t, err)
	assert.Equal(t, "job-9", jobID)
}

func TestClient_Dispatch_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-Scenario") {
		case "overloaded":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, slog.Default())

	// A 2xx without a job id is still a failed dispatch.
	_, err := client.Dispatch(t.Context(), "llm-generate", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no job id")
}

func TestClient_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/job-9":
			_, _ = w.Write([]byte(`{"state": "completed", "output_url": "https://files.example.com/out.png"}`))
		case "/jobs/job-broken":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("backend exploded"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, slog.Default())

	status, err := client.Status(t.Context(), "job-9")
	require.NoError(t, err)
	assert.Equal(t, protocol.JobStateCompleted, status.State)
	assert.Equal(t, "https://files.example.com/out.png", status.OutputURL)

	_, err = client.Status(t.Context(), "job-ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backing job 'job-ghost' not found")

	_, err = client.Status(t.Context(), "job-broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway status returned 500")
}
