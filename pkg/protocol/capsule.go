// Package protocol defines the contracts between the run tracking engine
// and its external collaborators: capsule executors and the backing job
// gateway. The engine never calls executors directly except through the
// worker consuming the run queue.
package protocol

import (
	"context"
	"log/slog"

	"github.com/caprun-io/caprun/pkg/models"
)

// ExecutionInput carries the data available to a node when it executes.
type ExecutionInput struct {
	Variables map[string]any `json:"variables,omitempty"`
	// Upstream holds the output of completed upstream nodes, keyed by node ID.
	Upstream map[string]map[string]any `json:"upstream,omitempty"`
}

// ExecutionResult is what a capsule executor hands back to the engine.
type ExecutionResult struct {
	Output       map[string]any    `json:"output,omitempty"`
	Artifacts    []models.Artifact `json:"artifacts,omitempty"`
	Logs         string            `json:"logs,omitempty"`
	BackingJobID string            `json:"backing_job_id,omitempty"` // Set when the executor dispatched an async job instead of finishing inline
}

// CapsuleExecutor runs a single node's business logic. Implementations
// either complete inline (Output/Artifacts populated) or dispatch an async
// job and return its BackingJobID; the reconciliation sweep resolves the
// node against that job later.
type CapsuleExecutor interface {
	Execute(ctx context.Context, node *models.Node, input ExecutionInput, logger *slog.Logger) (*ExecutionResult, error)
}

// JobState is the authoritative lifecycle state of a backing job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// JobStatus is the ground-truth snapshot the reconciliation sweep resyncs
// transient nodes against.
type JobStatus struct {
	State     JobState `json:"state"`
	OutputURL string   `json:"output_url,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// BackingJobClient talks to the external async job service (LLM gateway,
// image generation, file export). Implemented elsewhere.
type BackingJobClient interface {
	Dispatch(ctx context.Context, jobType string, config map[string]any) (string, error)
	Status(ctx context.Context, jobID string) (*JobStatus, error)
}
